package tax

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
	"github.com/expensedesk/expensedesk/internal/shared"
)

type fakeReport struct {
	companyID      uuid.UUID
	status         string
	reportDate     time.Time
	totalAmount    int64
	taxCollectedAt *time.Time
}

type fakeRepo struct {
	reports map[uuid.UUID]*fakeReport
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{reports: make(map[uuid.UUID]*fakeReport)}
}

func (f *fakeRepo) add(companyID uuid.UUID, status string, date time.Time, amount int64) uuid.UUID {
	id := uuid.New()
	f.reports[id] = &fakeReport{companyID: companyID, status: status, reportDate: date, totalAmount: amount}
	return id
}

func (f *fakeRepo) inRange(r *fakeReport, companyID uuid.UUID, from, to time.Time) bool {
	return r.companyID == companyID && r.status == "APPROVED" &&
		!r.reportDate.Before(from) && r.reportDate.Before(to)
}

func (f *fakeRepo) ListApproved(ctx context.Context, companyID uuid.UUID, from, to time.Time, collected *bool) ([]ReportSummary, error) {
	var out []ReportSummary
	for id, r := range f.reports {
		if !f.inRange(r, companyID, from, to) {
			continue
		}
		if collected != nil && *collected != (r.taxCollectedAt != nil) {
			continue
		}
		out = append(out, ReportSummary{
			ID: id, CompanyID: r.companyID, ReportDate: r.reportDate,
			TotalAmount: r.totalAmount, TaxCollectedAt: r.taxCollectedAt,
		})
	}
	return out, nil
}

func (f *fakeRepo) CollectRange(ctx context.Context, companyID uuid.UUID, from, to, at time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, r := range f.reports {
		if f.inRange(r, companyID, from, to) && r.taxCollectedAt == nil {
			stamp := at
			r.taxCollectedAt = &stamp
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeRepo) GetState(ctx context.Context, id uuid.UUID) (ReportState, error) {
	r, ok := f.reports[id]
	if !ok {
		return ReportState{}, fmt.Errorf("report %s: %w", id, httpx.ErrNotFound)
	}
	return ReportState{ID: id, CompanyID: r.companyID, Status: r.status, TaxCollectedAt: r.taxCollectedAt}, nil
}

func (f *fakeRepo) MarkCollected(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	r, ok := f.reports[id]
	if !ok || r.status != "APPROVED" || r.taxCollectedAt != nil {
		return false, nil
	}
	stamp := at
	r.taxCollectedAt = &stamp
	return true, nil
}

func (f *fakeRepo) MonthlySummary(ctx context.Context, companyID uuid.UUID, year int) ([]MonthlyBucket, error) {
	byMonth := make(map[int]*MonthlyBucket)
	for _, r := range f.reports {
		if r.companyID != companyID || r.status != "APPROVED" || r.reportDate.Year() != year {
			continue
		}
		m := int(r.reportDate.Month())
		b, ok := byMonth[m]
		if !ok {
			b = &MonthlyBucket{Month: m}
			byMonth[m] = b
		}
		b.ApprovedCount++
		b.ApprovedTotal += r.totalAmount
		if r.taxCollectedAt != nil {
			b.CollectedCount++
		}
	}
	var out []MonthlyBucket
	for _, b := range byMonth {
		out = append(out, *b)
	}
	return out, nil
}

func (f *fakeRepo) CompaniesWithUncollected(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, r := range f.reports {
		if r.status == "APPROVED" && r.taxCollectedAt == nil &&
			!r.reportDate.Before(from) && r.reportDate.Before(to) && !seen[r.companyID] {
			seen[r.companyID] = true
			out = append(out, r.companyID)
		}
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(repo, nil, nil, logger), repo
}

func taxManager() shared.Principal {
	return shared.Principal{UserID: uuid.New(), CompanyID: uuid.New(), Role: shared.RoleTaxManager}
}

func TestCollectIsIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	companyID := uuid.New()
	from := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	repo.add(companyID, "APPROVED", from.AddDate(0, 0, 3), 50_000)
	repo.add(companyID, "APPROVED", from.AddDate(0, 0, 10), 30_000)
	repo.add(companyID, "WAIT", from.AddDate(0, 0, 5), 99_000)
	repo.add(companyID, "APPROVED", to.AddDate(0, 0, 1), 10_000) // outside range

	first, err := svc.Collect(ctx, taxManager(), companyID, from, to)
	require.NoError(t, err)
	require.Equal(t, 2, first.CollectedCount)

	// Second run over the same range collects nothing new.
	second, err := svc.Collect(ctx, taxManager(), companyID, from, to)
	require.NoError(t, err)
	require.Equal(t, 0, second.CollectedCount)
}

func TestCollectRequiresTaxRole(t *testing.T) {
	svc, _ := newTestService(t)
	actor := shared.Principal{UserID: uuid.New(), Role: shared.RoleEmployee}

	_, err := svc.Collect(context.Background(), actor, uuid.New(),
		time.Now().AddDate(0, -1, 0), time.Now())
	require.ErrorIs(t, err, httpx.ErrForbidden)
}

func TestBatchCompletePartialResults(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	companyID := uuid.New()
	now := time.Now()

	approved := repo.add(companyID, "APPROVED", now, 40_000)
	waiting := repo.add(companyID, "WAIT", now, 20_000)
	collected := repo.add(companyID, "APPROVED", now, 15_000)
	stamp := now.Add(-time.Hour)
	repo.reports[collected].taxCollectedAt = &stamp
	missing := uuid.New()

	results, err := svc.BatchComplete(ctx, taxManager(), []uuid.UUID{approved, waiting, collected, missing})
	require.NoError(t, err)
	require.Len(t, results, 4)

	byID := make(map[uuid.UUID]BatchResult)
	for _, res := range results {
		byID[res.ReportID] = res
	}
	require.Equal(t, OutcomeCollected, byID[approved].Outcome)
	require.Equal(t, OutcomeFailed, byID[waiting].Outcome)
	require.Equal(t, OutcomeSkipped, byID[collected].Outcome)
	require.Equal(t, OutcomeFailed, byID[missing].Outcome)

	require.NotNil(t, repo.reports[approved].taxCollectedAt)
	require.Nil(t, repo.reports[waiting].taxCollectedAt)

	// The original stamp of an already-collected report is untouched.
	require.Equal(t, stamp, *repo.reports[collected].taxCollectedAt)
}

func TestBatchCompleteIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	id := repo.add(uuid.New(), "APPROVED", time.Now(), 25_000)

	results, err := svc.BatchComplete(ctx, taxManager(), []uuid.UUID{id})
	require.NoError(t, err)
	require.Equal(t, OutcomeCollected, results[0].Outcome)

	results, err = svc.BatchComplete(ctx, taxManager(), []uuid.UUID{id})
	require.NoError(t, err)
	require.Equal(t, OutcomeSkipped, results[0].Outcome)
}

func TestPartition(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	companyID := uuid.New()
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	a := repo.add(companyID, "APPROVED", from.AddDate(0, 0, 2), 10_000)
	repo.add(companyID, "APPROVED", from.AddDate(0, 0, 4), 20_000)
	stamp := from.AddDate(0, 0, 20)
	repo.reports[a].taxCollectedAt = &stamp

	part, err := svc.Partition(ctx, companyID, from, to)
	require.NoError(t, err)
	require.Len(t, part.Collected, 1)
	require.Len(t, part.Uncollected, 1)
	require.Equal(t, a, part.Collected[0].ID)

	pending, err := svc.Pending(ctx, companyID, from, to)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestMonthlySummaryFillsEmptyMonths(t *testing.T) {
	svc, repo := newTestService(t)
	companyID := uuid.New()

	march := repo.add(companyID, "APPROVED", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), 70_000)
	repo.add(companyID, "APPROVED", time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), 30_000)
	stamp := time.Now()
	repo.reports[march].taxCollectedAt = &stamp

	buckets, err := svc.MonthlySummary(context.Background(), companyID, 2026)
	require.NoError(t, err)
	require.Len(t, buckets, 12)
	require.Equal(t, int64(2), buckets[2].ApprovedCount)
	require.Equal(t, int64(100_000), buckets[2].ApprovedTotal)
	require.Equal(t, int64(1), buckets[2].CollectedCount)
	require.Equal(t, int64(0), buckets[0].ApprovedCount)
}

func TestSweepPreviousMonth(t *testing.T) {
	svc, repo := newTestService(t)
	now := time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC)
	inJuly := time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC)

	companyA, companyB := uuid.New(), uuid.New()
	repo.add(companyA, "APPROVED", inJuly, 10_000)
	repo.add(companyB, "APPROVED", inJuly, 20_000)
	repo.add(companyB, "APPROVED", now, 30_000) // current month stays untouched

	collected, err := svc.SweepPreviousMonth(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, collected)

	collected, err = svc.SweepPreviousMonth(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 0, collected)
}
