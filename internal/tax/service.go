package tax

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/expensedesk/expensedesk/internal/expense"
	"github.com/expensedesk/expensedesk/internal/platform/httpx"
	"github.com/expensedesk/expensedesk/internal/shared"
)

// batchConcurrency bounds the fan-out of batch completion.
const batchConcurrency = 8

// RepositoryPort describes the queries the collection service needs.
type RepositoryPort interface {
	ListApproved(ctx context.Context, companyID uuid.UUID, from, to time.Time, collected *bool) ([]ReportSummary, error)
	CollectRange(ctx context.Context, companyID uuid.UUID, from, to, at time.Time) ([]uuid.UUID, error)
	GetState(ctx context.Context, id uuid.UUID) (ReportState, error)
	MarkCollected(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	MonthlySummary(ctx context.Context, companyID uuid.UUID, year int) ([]MonthlyBucket, error)
	CompaniesWithUncollected(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
}

// AuditPort records collection actions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CacheInvalidator drops cached expense listings after collection writes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, companyID uuid.UUID)
}

// Service runs tax collection over approved reports.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	cache  CacheInvalidator
	logger *slog.Logger
}

// NewService constructs the collection service. audit and cache may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache CacheInvalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger}
}

// Collect stamps every approved, uncollected report of the company in the
// date range. A second run over the same range is a no-op.
func (s *Service) Collect(ctx context.Context, actor shared.Principal, companyID uuid.UUID, from, to time.Time) (CollectResult, error) {
	if !actor.CanCollectTax() {
		return CollectResult{}, fmt.Errorf("role %s may not collect tax: %w", actor.Role, httpx.ErrForbidden)
	}
	if !to.After(from) {
		return CollectResult{}, fmt.Errorf("collection range is empty: %w", httpx.ErrValidation)
	}

	ids, err := s.repo.CollectRange(ctx, companyID, from, to, time.Now())
	if err != nil {
		return CollectResult{}, err
	}

	if len(ids) > 0 {
		s.invalidate(ctx, companyID)
		s.record(ctx, actor.UserID, companyID, map[string]any{"collected": len(ids)})
	}
	return CollectResult{CollectedCount: len(ids), ReportIDs: ids}, nil
}

// BatchComplete collects the listed reports individually. The batch is not
// all-or-nothing: already-collected reports are skipped, unusable ones fail
// per-report, and the remainder is still collected.
func (s *Service) BatchComplete(ctx context.Context, actor shared.Principal, reportIDs []uuid.UUID) ([]BatchResult, error) {
	if !actor.CanCollectTax() {
		return nil, fmt.Errorf("role %s may not collect tax: %w", actor.Role, httpx.ErrForbidden)
	}
	if len(reportIDs) == 0 {
		return nil, fmt.Errorf("expenseReportIds must not be empty: %w", httpx.ErrValidation)
	}

	results := make([]BatchResult, len(reportIDs))
	companies := make([]uuid.UUID, len(reportIDs))
	now := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, id := range reportIDs {
		g.Go(func() error {
			results[i] = s.completeOne(gctx, id, now, &companies[i])
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[uuid.UUID]bool)
	collected := 0
	for i, res := range results {
		if res.Outcome == OutcomeCollected {
			collected++
			if companies[i] != uuid.Nil && !seen[companies[i]] {
				seen[companies[i]] = true
				s.invalidate(ctx, companies[i])
			}
		}
	}
	if collected > 0 {
		s.record(ctx, actor.UserID, uuid.Nil, map[string]any{
			"requested": len(reportIDs),
			"collected": collected,
		})
	}
	return results, nil
}

func (s *Service) completeOne(ctx context.Context, id uuid.UUID, at time.Time, companyID *uuid.UUID) BatchResult {
	state, err := s.repo.GetState(ctx, id)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return BatchResult{ReportID: id, Outcome: OutcomeFailed, Reason: "not found"}
		}
		return BatchResult{ReportID: id, Outcome: OutcomeFailed, Reason: err.Error()}
	}
	*companyID = state.CompanyID

	if state.TaxCollectedAt != nil {
		return BatchResult{ReportID: id, Outcome: OutcomeSkipped, Reason: "already collected"}
	}
	if state.Status != string(expense.StatusApproved) {
		return BatchResult{ReportID: id, Outcome: OutcomeFailed,
			Reason: fmt.Sprintf("report is %s, not APPROVED", state.Status)}
	}

	done, err := s.repo.MarkCollected(ctx, id, at)
	if err != nil {
		return BatchResult{ReportID: id, Outcome: OutcomeFailed, Reason: err.Error()}
	}
	if !done {
		// Lost a race with another collector between read and write.
		return BatchResult{ReportID: id, Outcome: OutcomeSkipped, Reason: "already collected"}
	}
	return BatchResult{ReportID: id, Outcome: OutcomeCollected}
}

// Pending returns approved, uncollected reports in the range.
func (s *Service) Pending(ctx context.Context, companyID uuid.UUID, from, to time.Time) ([]ReportSummary, error) {
	uncollected := false
	return s.repo.ListApproved(ctx, companyID, from, to, &uncollected)
}

// Partition splits approved reports in the range by collection state.
func (s *Service) Partition(ctx context.Context, companyID uuid.UUID, from, to time.Time) (StatusPartition, error) {
	all, err := s.repo.ListApproved(ctx, companyID, from, to, nil)
	if err != nil {
		return StatusPartition{}, err
	}
	var part StatusPartition
	for _, r := range all {
		if r.TaxCollectedAt != nil {
			part.Collected = append(part.Collected, r)
		} else {
			part.Uncollected = append(part.Uncollected, r)
		}
	}
	return part, nil
}

// MonthlySummary returns per-month approved totals and collection counts.
// Months without approved reports are filled with empty buckets.
func (s *Service) MonthlySummary(ctx context.Context, companyID uuid.UUID, year int) ([]MonthlyBucket, error) {
	buckets, err := s.repo.MonthlySummary(ctx, companyID, year)
	if err != nil {
		return nil, err
	}
	byMonth := make(map[int]MonthlyBucket, 12)
	for _, b := range buckets {
		byMonth[b.Month] = b
	}
	out := make([]MonthlyBucket, 0, 12)
	for m := 1; m <= 12; m++ {
		b, ok := byMonth[m]
		if !ok {
			b = MonthlyBucket{Month: m}
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

// SweepPreviousMonth collects the previous calendar month for every company
// that still has uncollected approved reports in it. Run by the scheduler.
func (s *Service) SweepPreviousMonth(ctx context.Context, now time.Time) (int, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	from := monthStart.AddDate(0, -1, 0)

	companies, err := s.repo.CompaniesWithUncollected(ctx, from, monthStart)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, companyID := range companies {
		ids, err := s.repo.CollectRange(ctx, companyID, from, monthStart, time.Now())
		if err != nil {
			if s.logger != nil {
				s.logger.Error("sweep company", slog.String("company", companyID.String()), slog.Any("error", err))
			}
			continue
		}
		if len(ids) > 0 {
			total += len(ids)
			s.invalidate(ctx, companyID)
		}
	}
	return total, nil
}

func (s *Service) invalidate(ctx context.Context, companyID uuid.UUID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, companyID)
	}
}

func (s *Service) record(ctx context.Context, actorID, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "expense.tax_collect",
		Entity:   "expense_report",
		EntityID: entityID,
		Meta:     meta,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
