package expense

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

func TestCacheRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	companyID := uuid.New()

	_, _, ok := cache.GetList(ctx, companyID, "k")
	require.False(t, ok)

	reports := []Report{{ID: uuid.New(), CompanyID: companyID, TotalAmount: 42_000, Status: StatusWait}}
	cache.SetList(ctx, companyID, "k", reports, 1)

	got, total, ok := cache.GetList(ctx, companyID, "k")
	require.True(t, ok)
	require.Equal(t, int64(1), total)
	require.Len(t, got, 1)
	require.Equal(t, reports[0].ID, got[0].ID)
	require.Equal(t, reports[0].TotalAmount, got[0].TotalAmount)
}

func TestCacheInvalidateBumpsGeneration(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	companyID := uuid.New()

	cache.SetList(ctx, companyID, "k", []Report{{ID: uuid.New()}}, 1)
	cache.Invalidate(ctx, companyID)

	_, _, ok := cache.GetList(ctx, companyID, "k")
	require.False(t, ok)

	// A company's invalidation does not touch other tenants.
	other := uuid.New()
	cache.SetList(ctx, other, "k", []Report{{ID: uuid.New()}}, 1)
	cache.Invalidate(ctx, companyID)
	_, _, ok = cache.GetList(ctx, other, "k")
	require.True(t, ok)
}

func TestFilterCacheKeyIsStable(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	min := int64(1_000)

	a := ListFilter{From: &from, MinAmount: &min, Statuses: []Status{StatusWait}}
	b := ListFilter{From: &from, MinAmount: &min, Statuses: []Status{StatusWait}}
	require.Equal(t, a.cacheKey(), b.cacheKey())

	c := a
	c.Statuses = []Status{StatusApproved}
	require.NotEqual(t, a.cacheKey(), c.cacheKey())
}
