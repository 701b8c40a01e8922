package tax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
)

// Repository provides PostgreSQL backed queries for the tax pipeline. It
// reads the same expense_reports table the expense module owns, but only the
// approved/collection slice of it.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const summaryColumns = `id, company_id, drafter_name, report_date, summary, total_amount, tax_collected_at`

func scanSummaries(rows pgx.Rows) ([]ReportSummary, error) {
	defer rows.Close()
	var out []ReportSummary
	for rows.Next() {
		var s ReportSummary
		if err := rows.Scan(&s.ID, &s.CompanyID, &s.DrafterName, &s.ReportDate,
			&s.Summary, &s.TotalAmount, &s.TaxCollectedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListApproved returns approved reports in the date range. collected filters
// by collection state when non-nil.
func (r *Repository) ListApproved(ctx context.Context, companyID uuid.UUID, from, to time.Time, collected *bool) ([]ReportSummary, error) {
	query := `SELECT ` + summaryColumns + ` FROM expense_reports
		WHERE company_id = $1 AND status = 'APPROVED' AND report_date >= $2 AND report_date < $3`
	if collected != nil {
		if *collected {
			query += ` AND tax_collected_at IS NOT NULL`
		} else {
			query += ` AND tax_collected_at IS NULL`
		}
	}
	query += ` ORDER BY report_date, id`

	rows, err := r.pool.Query(ctx, query, companyID, from, to)
	if err != nil {
		return nil, err
	}
	return scanSummaries(rows)
}

// CollectRange stamps every approved, uncollected report in the range in one
// statement. Running it twice over the same range collects nothing new.
func (r *Repository) CollectRange(ctx context.Context, companyID uuid.UUID, from, to, at time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `UPDATE expense_reports
		SET tax_collected_at = $4, updated_at = $4
		WHERE company_id = $1 AND status = 'APPROVED' AND tax_collected_at IS NULL
		  AND report_date >= $2 AND report_date < $3
		RETURNING id`, companyID, from, to, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReportState is the minimal view batch completion decides on.
type ReportState struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	Status         string
	TaxCollectedAt *time.Time
}

// GetState loads one report's collection-relevant state.
func (r *Repository) GetState(ctx context.Context, id uuid.UUID) (ReportState, error) {
	var s ReportState
	err := r.pool.QueryRow(ctx,
		`SELECT id, company_id, status, tax_collected_at FROM expense_reports WHERE id = $1`, id).
		Scan(&s.ID, &s.CompanyID, &s.Status, &s.TaxCollectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReportState{}, fmt.Errorf("report %s: %w", id, httpx.ErrNotFound)
	}
	return s, err
}

// MarkCollected stamps a single approved report. The second return is false
// when the report was already collected.
func (r *Repository) MarkCollected(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE expense_reports
		SET tax_collected_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'APPROVED' AND tax_collected_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MonthlySummary aggregates approved totals and collection counts per month.
func (r *Repository) MonthlySummary(ctx context.Context, companyID uuid.UUID, year int) ([]MonthlyBucket, error) {
	rows, err := r.pool.Query(ctx, `SELECT
			EXTRACT(MONTH FROM report_date)::int AS month,
			COUNT(*) AS approved_count,
			COALESCE(SUM(total_amount), 0) AS approved_total,
			COUNT(tax_collected_at) AS collected_count
		FROM expense_reports
		WHERE company_id = $1 AND status = 'APPROVED'
		  AND report_date >= make_date($2, 1, 1) AND report_date < make_date($2 + 1, 1, 1)
		GROUP BY 1 ORDER BY 1`, companyID, year)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MonthlyBucket
	for rows.Next() {
		var b MonthlyBucket
		if err := rows.Scan(&b.Month, &b.ApprovedCount, &b.ApprovedTotal, &b.CollectedCount); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CompaniesWithUncollected lists companies the scheduled sweep should visit.
func (r *Repository) CompaniesWithUncollected(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT company_id FROM expense_reports
		WHERE status = 'APPROVED' AND tax_collected_at IS NULL
		  AND report_date >= $1 AND report_date < $2`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
