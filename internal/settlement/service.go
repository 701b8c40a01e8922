// Package settlement records payment reconciliation against approved expense
// reports. Settlement annotates the report, it never changes its status.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/expensedesk/expensedesk/internal/expense"
	"github.com/expensedesk/expensedesk/internal/platform/httpx"
	"github.com/expensedesk/expensedesk/internal/shared"
)

// AuditPort records settlement actions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CacheInvalidator drops cached expense listings after a settlement write.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, companyID uuid.UUID)
}

// Service reconciles payments against approved reports.
type Service struct {
	repo   expense.RepositoryPort
	audit  AuditPort
	cache  CacheInvalidator
	logger *slog.Logger
}

// NewService constructs the reconciliation service. audit and cache may be nil.
func NewService(repo expense.RepositoryPort, audit AuditPort, cache CacheInvalidator, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger}
}

// ReconcileInput describes one payment reconciliation.
type ReconcileInput struct {
	ReportID               uuid.UUID
	Actor                  shared.Principal
	ActualPaidAmount       int64
	AmountDifferenceReason string
	// DetailActualPaidAmounts optionally attributes the paid total to
	// individual details, keyed by detail id.
	DetailActualPaidAmounts map[uuid.UUID]int64
}

// Reconcile records the actual paid amount on an APPROVED report. A paid
// amount that differs from the claimed total requires a justification. When
// per-detail amounts are supplied they must reference existing details and
// sum to the paid total.
func (s *Service) Reconcile(ctx context.Context, input ReconcileInput) (expense.Report, error) {
	if !input.Actor.CanSettle() {
		return expense.Report{}, fmt.Errorf("role %s may not settle reports: %w", input.Actor.Role, httpx.ErrForbidden)
	}
	if input.ActualPaidAmount < 0 {
		return expense.Report{}, fmt.Errorf("paid amount must not be negative: %w", httpx.ErrValidation)
	}

	var settled expense.Report
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx expense.TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, input.ReportID)
		if err != nil {
			return err
		}
		if report.Status != expense.StatusApproved {
			return fmt.Errorf("report %s is %s, only approved reports can be settled: %w",
				input.ReportID, report.Status, httpx.ErrInvalidTransition)
		}
		if input.ActualPaidAmount != report.TotalAmount && input.AmountDifferenceReason == "" {
			return fmt.Errorf("paid %d differs from claimed %d: %w",
				input.ActualPaidAmount, report.TotalAmount, httpx.ErrMissingJustification)
		}

		if len(input.DetailActualPaidAmounts) > 0 {
			if err := validateDetailAmounts(report, input); err != nil {
				return err
			}
			for detailID, amount := range input.DetailActualPaidAmounts {
				if err := tx.SetDetailActualPaid(ctx, detailID, amount); err != nil {
					return err
				}
			}
		}

		now := time.Now()
		report.ActualPaidAmount = &input.ActualPaidAmount
		report.PaidAt = &now
		if input.AmountDifferenceReason != "" {
			reason := input.AmountDifferenceReason
			report.AmountDifferenceReason = &reason
		} else {
			report.AmountDifferenceReason = nil
		}
		if err := tx.UpdateHeader(ctx, report); err != nil {
			return err
		}
		settled = report
		return nil
	})
	if err != nil {
		return expense.Report{}, err
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, settled.CompanyID)
	}
	s.record(ctx, input.Actor.UserID, settled.ID, input.ActualPaidAmount)
	return settled, nil
}

func validateDetailAmounts(report expense.Report, input ReconcileInput) error {
	known := make(map[uuid.UUID]bool, len(report.Details))
	for _, d := range report.Details {
		known[d.ID] = true
	}
	var sum int64
	for detailID, amount := range input.DetailActualPaidAmounts {
		if !known[detailID] {
			return fmt.Errorf("detail %s does not belong to report %s: %w",
				detailID, report.ID, httpx.ErrValidation)
		}
		if amount < 0 {
			return fmt.Errorf("detail %s: paid amount must not be negative: %w", detailID, httpx.ErrValidation)
		}
		sum += amount
	}
	if sum != input.ActualPaidAmount {
		return fmt.Errorf("detail amounts sum to %d, paid total is %d: %w",
			sum, input.ActualPaidAmount, httpx.ErrValidation)
	}
	return nil
}

func (s *Service) record(ctx context.Context, actorID, reportID uuid.UUID, amount int64) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "expense.settle",
		Entity:   "expense_report",
		EntityID: reportID,
		Meta:     map[string]any{"actualPaidAmount": amount},
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("record audit", slog.Any("error", err))
	}
}
