package expense

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/expensedesk/expensedesk/internal/platform/db"
	"github.com/expensedesk/expensedesk/internal/platform/httpx"
	"github.com/expensedesk/expensedesk/internal/shared"
)

// Repository provides PostgreSQL backed persistence for report aggregates.
// No business rule evaluation happens in this layer.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Header, details and lines of
// one report are only ever written inside a single transaction.
type TxRepository interface {
	GetReportForUpdate(ctx context.Context, id uuid.UUID) (Report, error)
	InsertReport(ctx context.Context, report Report) error
	UpdateHeader(ctx context.Context, report Report) error
	ReplaceDetails(ctx context.Context, reportID uuid.UUID, details []Detail) error
	InsertLines(ctx context.Context, reportID uuid.UUID, lines []ApprovalLine) error
	UpdateLine(ctx context.Context, line ApprovalLine) error
	SetDetailActualPaid(ctx context.Context, detailID uuid.UUID, amount int64) error
	DeleteReport(ctx context.Context, id uuid.UUID) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps fn in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

const reportColumns = `id, company_id, drafter_id, drafter_name, report_date, summary, total_amount,
is_secret, status, actual_paid_amount, amount_difference_reason, paid_at, tax_collected_at,
version, created_at, updated_at`

const reportColumnsPrefixed = `r.id, r.company_id, r.drafter_id, r.drafter_name, r.report_date,
r.summary, r.total_amount, r.is_secret, r.status, r.actual_paid_amount, r.amount_difference_reason,
r.paid_at, r.tax_collected_at, r.version, r.created_at, r.updated_at`

func scanReport(row pgx.Row) (Report, error) {
	var rep Report
	var status string
	err := row.Scan(&rep.ID, &rep.CompanyID, &rep.DrafterID, &rep.DrafterName, &rep.ReportDate,
		&rep.Summary, &rep.TotalAmount, &rep.IsSecret, &status, &rep.ActualPaidAmount,
		&rep.AmountDifferenceReason, &rep.PaidAt, &rep.TaxCollectedAt, &rep.Version,
		&rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		return Report{}, err
	}
	rep.Status = Status(status)
	return rep, nil
}

// GetReport loads the full aggregate: header, details and approval lines.
func (r *Repository) GetReport(ctx context.Context, id uuid.UUID) (Report, error) {
	return getReport(ctx, r.pool, id, false)
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getReport(ctx context.Context, q queryer, id uuid.UUID, forUpdate bool) (Report, error) {
	query := `SELECT ` + reportColumns + ` FROM expense_reports WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rep, err := scanReport(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Report{}, fmt.Errorf("report %s: %w", id, httpx.ErrNotFound)
		}
		return Report{}, err
	}

	rep.Details, err = loadDetails(ctx, q, id)
	if err != nil {
		return Report{}, err
	}
	rep.Lines, err = loadLines(ctx, q, id)
	if err != nil {
		return Report{}, err
	}
	return rep, nil
}

func loadDetails(ctx context.Context, q queryer, reportID uuid.UUID) ([]Detail, error) {
	rows, err := q.Query(ctx, `SELECT id, report_id, category, amount, description, payment_method,
card_number, payment_request_date, is_tax_deductible, non_deductible_reason, actual_paid_amount
FROM expense_details WHERE report_id = $1 ORDER BY payment_request_date, id`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var details []Detail
	for rows.Next() {
		var d Detail
		var method string
		if err := rows.Scan(&d.ID, &d.ReportID, &d.Category, &d.Amount, &d.Description, &method,
			&d.CardNumber, &d.PaymentRequestDate, &d.IsTaxDeductible, &d.NonDeductibleReason,
			&d.ActualPaidAmount); err != nil {
			return nil, err
		}
		d.PaymentMethod = PaymentMethod(method)
		details = append(details, d)
	}
	return details, rows.Err()
}

func loadLines(ctx context.Context, q queryer, reportID uuid.UUID) ([]ApprovalLine, error) {
	rows, err := q.Query(ctx, `SELECT report_id, seq, approver_id, approver_name, approver_position,
status, signature_data, rejection_reason, signed_at, resolved_at
FROM approval_lines WHERE report_id = $1 ORDER BY seq`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []ApprovalLine
	for rows.Next() {
		var l ApprovalLine
		var status string
		if err := rows.Scan(&l.ReportID, &l.Seq, &l.ApproverID, &l.ApproverName, &l.ApproverPosition,
			&status, &l.SignatureData, &l.RejectionReason, &l.SignedAt, &l.ResolvedAt); err != nil {
			return nil, err
		}
		l.Status = LineStatus(status)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// ListFilter narrows company-scoped report listings.
type ListFilter struct {
	From          *time.Time
	To            *time.Time
	MinAmount     *int64
	MaxAmount     *int64
	Statuses      []Status
	Category      string
	DrafterName   string
	PaymentMethod PaymentMethod
	CardNumber    string
	Pagination    shared.Pagination
}

// ListReports returns report headers matching the filter plus the unpaginated
// total. Details and lines are not loaded for listings.
func (r *Repository) ListReports(ctx context.Context, companyID uuid.UUID, filter ListFilter) ([]Report, int64, error) {
	where := []string{"r.company_id = $1"}
	args := []any{companyID}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.From != nil {
		where = append(where, "r.report_date >= "+arg(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "r.report_date < "+arg(*filter.To))
	}
	if filter.MinAmount != nil {
		where = append(where, "r.total_amount >= "+arg(*filter.MinAmount))
	}
	if filter.MaxAmount != nil {
		where = append(where, "r.total_amount <= "+arg(*filter.MaxAmount))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, "r.status = ANY("+arg(statuses)+")")
	}
	if filter.DrafterName != "" {
		where = append(where, "r.drafter_name ILIKE "+arg("%"+filter.DrafterName+"%"))
	}
	if filter.Category != "" {
		where = append(where, "EXISTS (SELECT 1 FROM expense_details d WHERE d.report_id = r.id AND d.category = "+arg(filter.Category)+")")
	}
	if filter.PaymentMethod != "" {
		where = append(where, "EXISTS (SELECT 1 FROM expense_details d WHERE d.report_id = r.id AND d.payment_method = "+arg(string(filter.PaymentMethod))+")")
	}
	if filter.CardNumber != "" {
		where = append(where, "EXISTS (SELECT 1 FROM expense_details d WHERE d.report_id = r.id AND d.card_number LIKE "+arg("%"+filter.CardNumber+"%")+")")
	}

	clause := strings.Join(where, " AND ")

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM expense_reports r WHERE "+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := "SELECT " + reportColumnsPrefixed +
		" FROM expense_reports r WHERE " + clause +
		" ORDER BY r.report_date DESC, r.created_at DESC" +
		" LIMIT " + arg(filter.Pagination.Size) + " OFFSET " + arg(filter.Pagination.Offset())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var reports []Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, rep)
	}
	return reports, total, rows.Err()
}

// ListPendingApprovals returns reports whose current pending line belongs to
// the approver. This read backs an authorization-relevant screen, so it always
// hits the primary, never the cache.
func (r *Repository) ListPendingApprovals(ctx context.Context, approverID uuid.UUID) ([]Report, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+reportColumnsPrefixed+`
FROM expense_reports r
JOIN approval_lines l ON l.report_id = r.id
WHERE r.status = 'WAIT'
  AND l.approver_id = $1
  AND l.status = 'WAIT'
  AND l.seq = (SELECT MIN(l2.seq) FROM approval_lines l2 WHERE l2.report_id = r.id AND l2.status = 'WAIT')
  AND NOT EXISTS (SELECT 1 FROM approval_lines lr WHERE lr.report_id = r.id AND lr.status = 'REJECTED')
ORDER BY r.report_date ASC`, approverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range reports {
		reports[i].Lines, err = loadLines(ctx, r.pool, reports[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return reports, nil
}

// --- transactional operations ---

func (t *txRepo) GetReportForUpdate(ctx context.Context, id uuid.UUID) (Report, error) {
	return getReport(ctx, t.tx, id, true)
}

func (t *txRepo) InsertReport(ctx context.Context, report Report) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO expense_reports (`+reportColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		report.ID, report.CompanyID, report.DrafterID, report.DrafterName, report.ReportDate,
		report.Summary, report.TotalAmount, report.IsSecret, string(report.Status),
		report.ActualPaidAmount, report.AmountDifferenceReason, report.PaidAt,
		report.TaxCollectedAt, report.Version, report.CreatedAt, report.UpdatedAt)
	if err != nil {
		return err
	}
	return t.insertDetails(ctx, report.ID, report.Details)
}

// UpdateHeader persists header mutations under optimistic versioning. A
// zero-row update means another actor committed first; the caller surfaces
// that as a resolved race, never a silent overwrite.
func (t *txRepo) UpdateHeader(ctx context.Context, report Report) error {
	tag, err := t.tx.Exec(ctx, `UPDATE expense_reports SET
drafter_name = $2, report_date = $3, summary = $4, total_amount = $5, is_secret = $6,
status = $7, actual_paid_amount = $8, amount_difference_reason = $9, paid_at = $10,
tax_collected_at = $11, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $12`,
		report.ID, report.DrafterName, report.ReportDate, report.Summary, report.TotalAmount,
		report.IsSecret, string(report.Status), report.ActualPaidAmount,
		report.AmountDifferenceReason, report.PaidAt, report.TaxCollectedAt, report.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report %s was modified concurrently: %w", report.ID, httpx.ErrAlreadyResolved)
	}
	return nil
}

func (t *txRepo) ReplaceDetails(ctx context.Context, reportID uuid.UUID, details []Detail) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM expense_details WHERE report_id = $1`, reportID); err != nil {
		return err
	}
	return t.insertDetails(ctx, reportID, details)
}

func (t *txRepo) insertDetails(ctx context.Context, reportID uuid.UUID, details []Detail) error {
	for _, d := range details {
		if _, err := t.tx.Exec(ctx, `INSERT INTO expense_details (id, report_id, category, amount,
description, payment_method, card_number, payment_request_date, is_tax_deductible,
non_deductible_reason, actual_paid_amount)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			d.ID, reportID, d.Category, d.Amount, d.Description, string(d.PaymentMethod),
			d.CardNumber, d.PaymentRequestDate, d.IsTaxDeductible, d.NonDeductibleReason,
			d.ActualPaidAmount); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) InsertLines(ctx context.Context, reportID uuid.UUID, lines []ApprovalLine) error {
	for _, l := range lines {
		if _, err := t.tx.Exec(ctx, `INSERT INTO approval_lines (report_id, seq, approver_id,
approver_name, approver_position, status, signature_data, rejection_reason, signed_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			reportID, l.Seq, l.ApproverID, l.ApproverName, l.ApproverPosition, string(l.Status),
			l.SignatureData, l.RejectionReason, l.SignedAt, l.ResolvedAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) UpdateLine(ctx context.Context, line ApprovalLine) error {
	tag, err := t.tx.Exec(ctx, `UPDATE approval_lines SET status = $3, signature_data = $4,
rejection_reason = $5, signed_at = $6, resolved_at = $7
WHERE report_id = $1 AND seq = $2`,
		line.ReportID, line.Seq, string(line.Status), line.SignatureData, line.RejectionReason,
		line.SignedAt, line.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("approval line %s/%d: %w", line.ReportID, line.Seq, httpx.ErrNotFound)
	}
	return nil
}

func (t *txRepo) SetDetailActualPaid(ctx context.Context, detailID uuid.UUID, amount int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE expense_details SET actual_paid_amount = $2 WHERE id = $1`, detailID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("expense detail %s: %w", detailID, httpx.ErrNotFound)
	}
	return nil
}

func (t *txRepo) DeleteReport(ctx context.Context, id uuid.UUID) error {
	// Details and lines cascade with the report.
	_, err := t.tx.Exec(ctx, `DELETE FROM expense_reports WHERE id = $1`, id)
	return err
}
