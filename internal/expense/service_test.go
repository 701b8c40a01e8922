package expense

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
)

// memRepo is an in-memory RepositoryPort/TxRepository used by service tests.
// Reads hand out copies so in-place mutation by the engine cannot leak into
// the store without an explicit Update call.
type memRepo struct {
	reports map[uuid.UUID]*Report
}

func newMemRepo() *memRepo {
	return &memRepo{reports: make(map[uuid.UUID]*Report)}
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, m)
}

func (m *memRepo) snapshot(id uuid.UUID) (Report, error) {
	stored, ok := m.reports[id]
	if !ok {
		return Report{}, fmt.Errorf("report %s: %w", id, httpx.ErrNotFound)
	}
	out := *stored
	out.Details = append([]Detail(nil), stored.Details...)
	out.Lines = append([]ApprovalLine(nil), stored.Lines...)
	return out, nil
}

func (m *memRepo) GetReport(ctx context.Context, id uuid.UUID) (Report, error) {
	return m.snapshot(id)
}

func (m *memRepo) GetReportForUpdate(ctx context.Context, id uuid.UUID) (Report, error) {
	return m.snapshot(id)
}

func (m *memRepo) ListReports(ctx context.Context, companyID uuid.UUID, filter ListFilter) ([]Report, int64, error) {
	var out []Report
	for id, r := range m.reports {
		if r.CompanyID == companyID {
			snap, _ := m.snapshot(id)
			out = append(out, snap)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memRepo) ListPendingApprovals(ctx context.Context, approverID uuid.UUID) ([]Report, error) {
	var out []Report
	for id, r := range m.reports {
		snap, _ := m.snapshot(id)
		current, ok := CurrentPendingLine(snap.Lines)
		if r.Status == StatusWait && ok && current.ApproverID == approverID {
			out = append(out, snap)
		}
	}
	return out, nil
}

func (m *memRepo) InsertReport(ctx context.Context, report Report) error {
	stored := report
	m.reports[report.ID] = &stored
	return nil
}

func (m *memRepo) UpdateHeader(ctx context.Context, report Report) error {
	stored, ok := m.reports[report.ID]
	if !ok {
		return httpx.ErrNotFound
	}
	details, lines := stored.Details, stored.Lines
	*stored = report
	stored.Details, stored.Lines = details, lines
	return nil
}

func (m *memRepo) ReplaceDetails(ctx context.Context, reportID uuid.UUID, details []Detail) error {
	stored, ok := m.reports[reportID]
	if !ok {
		return httpx.ErrNotFound
	}
	stored.Details = append([]Detail(nil), details...)
	return nil
}

func (m *memRepo) InsertLines(ctx context.Context, reportID uuid.UUID, lines []ApprovalLine) error {
	stored, ok := m.reports[reportID]
	if !ok {
		return httpx.ErrNotFound
	}
	stored.Lines = append([]ApprovalLine(nil), lines...)
	return nil
}

func (m *memRepo) UpdateLine(ctx context.Context, line ApprovalLine) error {
	stored, ok := m.reports[line.ReportID]
	if !ok {
		return httpx.ErrNotFound
	}
	for i := range stored.Lines {
		if stored.Lines[i].Seq == line.Seq {
			stored.Lines[i] = line
			return nil
		}
	}
	return httpx.ErrNotFound
}

func (m *memRepo) SetDetailActualPaid(ctx context.Context, detailID uuid.UUID, amount int64) error {
	for _, r := range m.reports {
		for i := range r.Details {
			if r.Details[i].ID == detailID {
				r.Details[i].ActualPaidAmount = &amount
				return nil
			}
		}
	}
	return httpx.ErrNotFound
}

func (m *memRepo) DeleteReport(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.reports[id]; !ok {
		return httpx.ErrNotFound
	}
	delete(m.reports, id)
	return nil
}

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, nil, nil, logger), repo
}

func testDetail(amount int64) DetailInput {
	return DetailInput{
		Category:           "TRANSPORT",
		Amount:             amount,
		Description:        "taxi to client site",
		PaymentMethod:      PayPersonalCard,
		PaymentRequestDate: time.Now(),
		IsTaxDeductible:    true,
	}
}

func mustCreate(t *testing.T, svc *Service, companyID, drafterID uuid.UUID, details ...DetailInput) Report {
	t.Helper()
	report, err := svc.Create(context.Background(), CreateReportInput{
		CompanyID:   companyID,
		DrafterID:   drafterID,
		DrafterName: "Kim",
		ReportDate:  time.Now(),
		Details:     details,
	})
	require.NoError(t, err)
	return report
}

func mustSubmit(t *testing.T, svc *Service, report Report, approvers ...uuid.UUID) Report {
	t.Helper()
	lines := make([]SubmitLineInput, 0, len(approvers))
	for _, a := range approvers {
		lines = append(lines, SubmitLineInput{ApproverID: a, ApproverName: "approver"})
	}
	submitted, err := svc.Submit(context.Background(), report.ID, report.DrafterID, lines)
	require.NoError(t, err)
	return submitted
}

func TestCreateRejectsNonDeductibleWithoutReason(t *testing.T) {
	svc, _ := newTestService(t)

	detail := testDetail(30_000)
	detail.IsTaxDeductible = false

	_, err := svc.Create(context.Background(), CreateReportInput{
		CompanyID: uuid.New(),
		DrafterID: uuid.New(),
		Details:   []DetailInput{detail},
	})
	require.ErrorIs(t, err, httpx.ErrValidation)
}

func TestTwoStepApprovalFlow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	companyID, drafter := uuid.New(), uuid.New()
	first, second := uuid.New(), uuid.New()

	report := mustCreate(t, svc, companyID, drafter, testDetail(50_000), testDetail(12_000))
	require.Equal(t, StatusDraft, report.Status)
	require.Equal(t, int64(62_000), report.TotalAmount)

	report = mustSubmit(t, svc, report, first, second)
	require.Equal(t, StatusWait, report.Status)

	// Second approver cannot jump the queue.
	_, err := svc.ApproveStep(ctx, report.ID, second, "sig-2")
	require.ErrorIs(t, err, httpx.ErrNotYourTurn)

	mid, err := svc.ApproveStep(ctx, report.ID, first, "sig-1")
	require.NoError(t, err)
	require.Equal(t, StatusWait, mid.Status)

	pending, err := svc.PendingApprovals(ctx, second)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	done, err := svc.ApproveStep(ctx, report.ID, second, "sig-2")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, done.Status)

	// Any further action on the resolved report conflicts.
	_, err = svc.ApproveStep(ctx, report.ID, second, "sig-2")
	require.ErrorIs(t, err, httpx.ErrAlreadyResolved)
	_, err = svc.RejectStep(ctx, report.ID, second, "late")
	require.ErrorIs(t, err, httpx.ErrAlreadyResolved)
}

func TestRejectThenCancelRejection(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	drafter, first, second := uuid.New(), uuid.New(), uuid.New()

	report := mustCreate(t, svc, uuid.New(), drafter, testDetail(80_000))
	report = mustSubmit(t, svc, report, first, second)

	_, err := svc.RejectStep(ctx, report.ID, first, "")
	require.ErrorIs(t, err, httpx.ErrValidation)

	rejected, err := svc.RejectStep(ctx, report.ID, first, "no receipt attached")
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)

	// Only the rejecting approver or the drafter may reverse.
	_, err = svc.CancelRejection(ctx, report.ID, second)
	require.ErrorIs(t, err, httpx.ErrForbidden)

	reopened, err := svc.CancelRejection(ctx, report.ID, first)
	require.NoError(t, err)
	require.Equal(t, StatusWait, reopened.Status)

	// The chain resumes at the formerly rejected step.
	mid, err := svc.ApproveStep(ctx, report.ID, first, "sig-1")
	require.NoError(t, err)
	require.Equal(t, StatusWait, mid.Status)
	done, err := svc.ApproveStep(ctx, report.ID, second, "sig-2")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, done.Status)
}

func TestCancelApproval(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	drafter, approver := uuid.New(), uuid.New()

	report := mustCreate(t, svc, uuid.New(), drafter, testDetail(45_000))
	report = mustSubmit(t, svc, report, approver)

	// Nothing to cancel while still waiting.
	_, err := svc.CancelApproval(ctx, report.ID, drafter)
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)

	_, err = svc.ApproveStep(ctx, report.ID, approver, "sig")
	require.NoError(t, err)

	stranger := uuid.New()
	_, err = svc.CancelApproval(ctx, report.ID, stranger)
	require.ErrorIs(t, err, httpx.ErrForbidden)

	reopened, err := svc.CancelApproval(ctx, report.ID, drafter)
	require.NoError(t, err)
	require.Equal(t, StatusWait, reopened.Status)
	require.Nil(t, reopened.Lines[0].SignatureData)
	require.NotNil(t, reopened.Lines[0].SignedAt)

	// Re-approve, settle, then the reversal window is closed.
	_, err = svc.ApproveStep(ctx, report.ID, approver, "sig")
	require.NoError(t, err)
	paid := int64(45_000)
	repo.reports[report.ID].ActualPaidAmount = &paid

	_, err = svc.CancelApproval(ctx, report.ID, approver)
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestSubmitGuards(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	drafter, approver := uuid.New(), uuid.New()

	empty, err := svc.Create(ctx, CreateReportInput{CompanyID: uuid.New(), DrafterID: drafter})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, empty.ID, drafter, []SubmitLineInput{{ApproverID: approver}})
	require.ErrorIs(t, err, httpx.ErrValidation)

	report := mustCreate(t, svc, uuid.New(), drafter, testDetail(10_000))

	_, err = svc.Submit(ctx, report.ID, uuid.New(), []SubmitLineInput{{ApproverID: approver}})
	require.ErrorIs(t, err, httpx.ErrForbidden)

	_, err = svc.Submit(ctx, report.ID, drafter, nil)
	require.ErrorIs(t, err, httpx.ErrValidation)

	mustSubmit(t, svc, report, approver)
	_, err = svc.Submit(ctx, report.ID, drafter, []SubmitLineInput{{ApproverID: approver}})
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestUpdateLockedAfterSignature(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	drafter, approver := uuid.New(), uuid.New()

	report := mustCreate(t, svc, uuid.New(), drafter, testDetail(10_000))
	report = mustSubmit(t, svc, report, approver)

	// Still editable while nobody has signed.
	updated, err := svc.Update(ctx, report.ID, drafter, UpdateReportInput{
		Details: []DetailInput{testDetail(99_000)},
	})
	require.NoError(t, err)
	require.Equal(t, int64(99_000), updated.TotalAmount)

	_, err = svc.ApproveStep(ctx, report.ID, approver, "sig")
	require.NoError(t, err)

	_, err = svc.Update(ctx, report.ID, drafter, UpdateReportInput{
		Details: []DetailInput{testDetail(1)},
	})
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestDeleteGuards(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	drafter, first, second := uuid.New(), uuid.New(), uuid.New()

	report := mustCreate(t, svc, uuid.New(), drafter, testDetail(20_000))

	// Drafts are withdrawn by edit, not delete.
	err := svc.Delete(ctx, report.ID, drafter)
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)

	report = mustSubmit(t, svc, report, first, second)

	err = svc.Delete(ctx, report.ID, uuid.New())
	require.ErrorIs(t, err, httpx.ErrForbidden)

	_, err = svc.ApproveStep(ctx, report.ID, first, "sig")
	require.NoError(t, err)

	// A waiting report that has carried a signature is not deletable.
	err = svc.Delete(ctx, report.ID, drafter)
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)

	// After a rejection the drafter may delete even with an earlier signature.
	_, err = svc.RejectStep(ctx, report.ID, second, "duplicate claim")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, report.ID, drafter))

	_, err = svc.Get(ctx, report.ID)
	require.ErrorIs(t, err, httpx.ErrNotFound)

	// Tax collection locks out the drafter entirely.
	locked := mustCreate(t, svc, uuid.New(), drafter, testDetail(5_000))
	locked = mustSubmit(t, svc, locked, first)
	now := time.Now()
	repo.reports[locked.ID].TaxCollectedAt = &now
	err = svc.Delete(ctx, locked.ID, drafter)
	require.ErrorIs(t, err, httpx.ErrForbidden)
}
