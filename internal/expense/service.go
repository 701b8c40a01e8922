package expense

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
	"github.com/expensedesk/expensedesk/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetReport(ctx context.Context, id uuid.UUID) (Report, error)
	ListReports(ctx context.Context, companyID uuid.UUID, filter ListFilter) ([]Report, int64, error)
	ListPendingApprovals(ctx context.Context, approverID uuid.UUID) ([]Report, error)
}

// AuditPort records lifecycle actions.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// CachePort serves eventually-consistent list reads for display screens.
type CachePort interface {
	GetList(ctx context.Context, companyID uuid.UUID, filterKey string) ([]Report, int64, bool)
	SetList(ctx context.Context, companyID uuid.UUID, filterKey string, reports []Report, total int64)
	Invalidate(ctx context.Context, companyID uuid.UUID)
}

// Service is the report lifecycle controller. Every transition runs inside one
// repository transaction holding the report row lock, so racing approvers
// serialize and the loser sees a turn or resolution error.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	cache  CachePort
	logger *slog.Logger
}

// NewService constructs the lifecycle controller. audit and cache may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache CachePort, logger *slog.Logger) *Service {
	return &Service{repo: repo, audit: audit, cache: cache, logger: logger}
}

// DetailInput describes one expense line item in a create/update payload.
type DetailInput struct {
	Category            string
	Amount              int64
	Description         string
	PaymentMethod       PaymentMethod
	CardNumber          string
	PaymentRequestDate  time.Time
	IsTaxDeductible     bool
	NonDeductibleReason string
}

// CreateReportInput describes a new draft report.
type CreateReportInput struct {
	CompanyID   uuid.UUID
	DrafterID   uuid.UUID
	DrafterName string
	ReportDate  time.Time
	IsSecret    bool
	Details     []DetailInput
}

// UpdateReportInput describes a content mutation of an editable report.
type UpdateReportInput struct {
	ReportDate time.Time
	IsSecret   bool
	Details    []DetailInput
}

// SubmitLineInput describes one approval-line entry at submission.
type SubmitLineInput struct {
	ApproverID       uuid.UUID
	ApproverName     string
	ApproverPosition string
}

func validateDetails(details []DetailInput) error {
	for i, d := range details {
		if d.Amount < 0 {
			return fmt.Errorf("detail %d: amount must not be negative: %w", i+1, httpx.ErrValidation)
		}
		if !d.IsTaxDeductible && d.NonDeductibleReason == "" {
			return fmt.Errorf("detail %d: non-deductible expense requires a reason: %w", i+1, httpx.ErrValidation)
		}
		switch d.PaymentMethod {
		case PayCash, PayPersonalCard, PayCorporateCard:
		default:
			return fmt.Errorf("detail %d: unknown payment method %q: %w", i+1, d.PaymentMethod, httpx.ErrValidation)
		}
	}
	return nil
}

func buildDetails(reportID uuid.UUID, inputs []DetailInput) []Detail {
	details := make([]Detail, 0, len(inputs))
	for _, in := range inputs {
		details = append(details, Detail{
			ID:                  uuid.New(),
			ReportID:            reportID,
			Category:            in.Category,
			Amount:              in.Amount,
			Description:         in.Description,
			PaymentMethod:       in.PaymentMethod,
			CardNumber:          in.CardNumber,
			PaymentRequestDate:  in.PaymentRequestDate,
			IsTaxDeductible:     in.IsTaxDeductible,
			NonDeductibleReason: in.NonDeductibleReason,
		})
	}
	return details
}

// Create stores a new DRAFT report with its details.
func (s *Service) Create(ctx context.Context, input CreateReportInput) (Report, error) {
	if input.CompanyID == uuid.Nil || input.DrafterID == uuid.Nil {
		return Report{}, fmt.Errorf("company and drafter are required: %w", httpx.ErrValidation)
	}
	if err := validateDetails(input.Details); err != nil {
		return Report{}, err
	}

	now := time.Now()
	report := Report{
		ID:          uuid.New(),
		CompanyID:   input.CompanyID,
		DrafterID:   input.DrafterID,
		DrafterName: input.DrafterName,
		ReportDate:  input.ReportDate,
		IsSecret:    input.IsSecret,
		Status:      StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if report.ReportDate.IsZero() {
		report.ReportDate = now
	}
	report.Details = buildDetails(report.ID, input.Details)
	report.RecomputeTotal()

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.InsertReport(ctx, report)
	})
	if err != nil {
		return Report{}, err
	}

	s.invalidate(ctx, report.CompanyID)
	s.record(ctx, input.DrafterID, "expense.create", report.ID, nil)
	return report, nil
}

// Update replaces the content of an editable report. Only the drafter may
// update, and only while no approver has signed.
func (s *Service) Update(ctx context.Context, id, actorID uuid.UUID, input UpdateReportInput) (Report, error) {
	if err := validateDetails(input.Details); err != nil {
		return Report{}, err
	}

	var updated Report
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if report.DrafterID != actorID {
			return fmt.Errorf("only the drafter may edit report %s: %w", id, httpx.ErrForbidden)
		}
		if report.TaxCollected() {
			return fmt.Errorf("report %s is locked by tax collection: %w", id, httpx.ErrForbidden)
		}
		if !report.Editable() {
			return fmt.Errorf("report %s is not editable in status %s: %w", id, report.Status, httpx.ErrInvalidTransition)
		}

		if !input.ReportDate.IsZero() {
			report.ReportDate = input.ReportDate
		}
		report.IsSecret = input.IsSecret
		report.Details = buildDetails(report.ID, input.Details)
		report.RecomputeTotal()

		if err := tx.ReplaceDetails(ctx, report.ID, report.Details); err != nil {
			return err
		}
		if err := tx.UpdateHeader(ctx, report); err != nil {
			return err
		}
		updated = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	s.invalidate(ctx, updated.CompanyID)
	s.record(ctx, actorID, "expense.update", id, nil)
	return updated, nil
}

// Submit attaches the ordered approval-line list and moves DRAFT to WAIT.
// Reports without details or with a zero total cannot enter approval.
func (s *Service) Submit(ctx context.Context, id, actorID uuid.UUID, lineInputs []SubmitLineInput) (Report, error) {
	lines := make([]ApprovalLine, 0, len(lineInputs))
	for i, in := range lineInputs {
		lines = append(lines, ApprovalLine{
			ReportID:         id,
			Seq:              i + 1,
			ApproverID:       in.ApproverID,
			ApproverName:     in.ApproverName,
			ApproverPosition: in.ApproverPosition,
			Status:           LineWait,
		})
	}
	if err := ValidateLines(lines); err != nil {
		return Report{}, err
	}

	var submitted Report
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if report.DrafterID != actorID {
			return fmt.Errorf("only the drafter may submit report %s: %w", id, httpx.ErrForbidden)
		}
		if report.Status != StatusDraft {
			return fmt.Errorf("report %s is %s, only drafts can be submitted: %w", id, report.Status, httpx.ErrInvalidTransition)
		}
		if len(report.Details) == 0 || report.TotalAmount <= 0 {
			return fmt.Errorf("report %s has no billable details: %w", id, httpx.ErrValidation)
		}

		if err := tx.InsertLines(ctx, id, lines); err != nil {
			return err
		}
		report.Status = StatusWait
		if err := tx.UpdateHeader(ctx, report); err != nil {
			return err
		}
		report.Lines = lines
		submitted = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	s.invalidate(ctx, submitted.CompanyID)
	s.record(ctx, actorID, "expense.submit", id, map[string]any{"steps": len(lines)})
	return submitted, nil
}

// ApproveStep applies one approval. When the approved line was the last in
// sequence the report becomes APPROVED, otherwise it stays WAIT.
func (s *Service) ApproveStep(ctx context.Context, id, approverID uuid.UUID, signature string) (Report, error) {
	var approved Report
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch report.Status {
		case StatusWait:
		case StatusApproved, StatusRejected:
			return fmt.Errorf("report %s is already %s: %w", id, report.Status, httpx.ErrAlreadyResolved)
		default:
			return fmt.Errorf("report %s is %s, not awaiting approval: %w", id, report.Status, httpx.ErrInvalidTransition)
		}

		if err := ApplyApprove(report.Lines, approverID, signature); err != nil {
			return err
		}
		for _, line := range report.Lines {
			if line.ApproverID == approverID {
				if err := tx.UpdateLine(ctx, line); err != nil {
					return err
				}
			}
		}
		if ChainComplete(report.Lines) {
			report.Status = StatusApproved
		}
		if err := tx.UpdateHeader(ctx, report); err != nil {
			return err
		}
		approved = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	s.invalidate(ctx, approved.CompanyID)
	s.record(ctx, approverID, "expense.approve", id, map[string]any{"status": approved.Status})
	return approved, nil
}

// RejectStep applies one rejection. The report becomes REJECTED regardless of
// the line's position; later lines stay WAIT for a possible reversal.
func (s *Service) RejectStep(ctx context.Context, id, approverID uuid.UUID, reason string) (Report, error) {
	if reason == "" {
		return Report{}, fmt.Errorf("rejection requires a reason: %w", httpx.ErrValidation)
	}

	var rejected Report
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		switch report.Status {
		case StatusWait:
		case StatusApproved, StatusRejected:
			return fmt.Errorf("report %s is already %s: %w", id, report.Status, httpx.ErrAlreadyResolved)
		default:
			return fmt.Errorf("report %s is %s, not awaiting approval: %w", id, report.Status, httpx.ErrInvalidTransition)
		}

		if err := ApplyReject(report.Lines, approverID, reason); err != nil {
			return err
		}
		for _, line := range report.Lines {
			if line.ApproverID == approverID {
				if err := tx.UpdateLine(ctx, line); err != nil {
					return err
				}
			}
		}
		report.Status = StatusRejected
		if err := tx.UpdateHeader(ctx, report); err != nil {
			return err
		}
		rejected = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	s.invalidate(ctx, rejected.CompanyID)
	s.record(ctx, approverID, "expense.reject", id, map[string]any{"reason": reason})
	return rejected, nil
}

// CancelApproval reverses the most recent approval and moves an APPROVED
// report back to WAIT. Permitted only before any settlement or tax-collection
// action, and only to the approver who signed last or the drafter.
func (s *Service) CancelApproval(ctx context.Context, id, actorID uuid.UUID) (Report, error) {
	var reopened Report
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if report.Status != StatusApproved {
			return fmt.Errorf("report %s is %s, not approved: %w", id, report.Status, httpx.ErrInvalidTransition)
		}
		if report.Settled() {
			return fmt.Errorf("report %s already has a recorded payment: %w", id, httpx.ErrInvalidTransition)
		}
		if report.TaxCollected() {
			return fmt.Errorf("report %s was consumed by tax collection: %w", id, httpx.ErrInvalidTransition)
		}

		last := lastApprovedLine(report.Lines)
		if last == nil {
			return fmt.Errorf("report %s has no approval to cancel: %w", id, httpx.ErrInvalidTransition)
		}
		if actorID != last.ApproverID && actorID != report.DrafterID {
			return fmt.Errorf("only the last approver or the drafter may cancel: %w", httpx.ErrForbidden)
		}
		lastSeq := last.Seq

		if err := ReverseApproval(report.Lines); err != nil {
			return err
		}
		for _, line := range report.Lines {
			if line.Seq == lastSeq {
				if err := tx.UpdateLine(ctx, line); err != nil {
					return err
				}
			}
		}
		report.Status = StatusWait
		if err := tx.UpdateHeader(ctx, report); err != nil {
			return err
		}
		reopened = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	s.invalidate(ctx, reopened.CompanyID)
	s.record(ctx, actorID, "expense.cancel_approval", id, nil)
	return reopened, nil
}

// CancelRejection reverses a rejection and moves a REJECTED report back to
// WAIT with the chain re-opened at the rejected step.
func (s *Service) CancelRejection(ctx context.Context, id, actorID uuid.UUID) (Report, error) {
	var reopened Report
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if report.Status != StatusRejected {
			return fmt.Errorf("report %s is %s, not rejected: %w", id, report.Status, httpx.ErrInvalidTransition)
		}

		rejectedLine := findRejectedLine(report.Lines)
		if rejectedLine == nil {
			return fmt.Errorf("report %s has no rejected line: %w", id, httpx.ErrInvalidTransition)
		}
		if actorID != rejectedLine.ApproverID && actorID != report.DrafterID {
			return fmt.Errorf("only the rejecting approver or the drafter may cancel: %w", httpx.ErrForbidden)
		}
		rejectedSeq := rejectedLine.Seq

		if err := ReverseRejection(report.Lines); err != nil {
			return err
		}
		for _, line := range report.Lines {
			if line.Seq == rejectedSeq {
				if err := tx.UpdateLine(ctx, line); err != nil {
					return err
				}
			}
		}
		report.Status = StatusWait
		if err := tx.UpdateHeader(ctx, report); err != nil {
			return err
		}
		reopened = report
		return nil
	})
	if err != nil {
		return Report{}, err
	}

	s.invalidate(ctx, reopened.CompanyID)
	s.record(ctx, actorID, "expense.cancel_rejection", id, nil)
	return reopened, nil
}

// Delete removes a report. The guard is re-evaluated here even though clients
// pre-filter it: the actor must be the drafter, the status must be WAIT or
// REJECTED, and either no line has ever carried a signature or the report is
// REJECTED. Tax-collected reports are never drafter-deletable.
func (s *Service) Delete(ctx context.Context, id, actorID uuid.UUID) error {
	var companyID uuid.UUID
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		report, err := tx.GetReportForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if report.DrafterID != actorID {
			return fmt.Errorf("only the drafter may delete report %s: %w", id, httpx.ErrForbidden)
		}
		if report.TaxCollected() {
			return fmt.Errorf("report %s is locked by tax collection: %w", id, httpx.ErrForbidden)
		}
		if report.Status != StatusWait && report.Status != StatusRejected {
			return fmt.Errorf("report %s is %s, only waiting or rejected reports can be deleted: %w",
				id, report.Status, httpx.ErrInvalidTransition)
		}
		if report.EverSigned() && report.Status != StatusRejected {
			return fmt.Errorf("report %s already carries signatures: %w", id, httpx.ErrInvalidTransition)
		}
		companyID = report.CompanyID
		return tx.DeleteReport(ctx, id)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, companyID)
	s.record(ctx, actorID, "expense.delete", id, nil)
	return nil
}

// Get loads the full aggregate.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Report, error) {
	return s.repo.GetReport(ctx, id)
}

// List returns company-scoped report headers. Listings are display reads, so
// they may be served from the cache; the result can trail writes briefly.
func (s *Service) List(ctx context.Context, companyID uuid.UUID, filter ListFilter) ([]Report, int64, error) {
	filter.Pagination = shared.NewPagination(filter.Pagination.Page, filter.Pagination.Size, 0)

	key := filter.cacheKey()
	if s.cache != nil {
		if reports, total, ok := s.cache.GetList(ctx, companyID, key); ok {
			return reports, total, nil
		}
	}
	reports, total, err := s.repo.ListReports(ctx, companyID, filter)
	if err != nil {
		return nil, 0, err
	}
	if s.cache != nil {
		s.cache.SetList(ctx, companyID, key, reports, total)
	}
	return reports, total, nil
}

// PendingApprovals returns reports whose current pending line belongs to the
// approver. Always a consistent read: it feeds an authorization decision.
func (s *Service) PendingApprovals(ctx context.Context, approverID uuid.UUID) ([]Report, error) {
	return s.repo.ListPendingApprovals(ctx, approverID)
}

func lastApprovedLine(lines []ApprovalLine) *ApprovalLine {
	var last *ApprovalLine
	for i := range lines {
		if lines[i].Status == LineApproved {
			if last == nil || lines[i].Seq > last.Seq {
				last = &lines[i]
			}
		}
	}
	return last
}

func findRejectedLine(lines []ApprovalLine) *ApprovalLine {
	for i := range lines {
		if lines[i].Status == LineRejected {
			return &lines[i]
		}
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, companyID uuid.UUID) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, companyID)
	}
}

func (s *Service) record(ctx context.Context, actorID uuid.UUID, action string, reportID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "expense_report",
		EntityID: reportID,
		Meta:     meta,
	}); err != nil && s.logger != nil {
		s.logger.Warn("record audit", slog.String("action", action), slog.Any("error", err))
	}
}
