package expense

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache serves list reads from Redis. Listings feed display and navigation
// only, so a briefly stale page is acceptable; writes bump a per-company
// generation counter instead of tracking individual keys.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a list cache with the given entry TTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

type cachedList struct {
	Content []Report `json:"content"`
	Total   int64    `json:"total"`
}

func (c *Cache) generation(ctx context.Context, companyID uuid.UUID) string {
	gen, err := c.client.Get(ctx, genKey(companyID)).Result()
	if err != nil {
		return "0"
	}
	return gen
}

// GetList returns a cached listing when present.
func (c *Cache) GetList(ctx context.Context, companyID uuid.UUID, filterKey string) ([]Report, int64, bool) {
	if c == nil || c.client == nil {
		return nil, 0, false
	}
	raw, err := c.client.Get(ctx, listKey(companyID, c.generation(ctx, companyID), filterKey)).Bytes()
	if err != nil {
		return nil, 0, false
	}
	var entry cachedList
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, 0, false
	}
	return entry.Content, entry.Total, true
}

// SetList stores a listing under the current generation.
func (c *Cache) SetList(ctx context.Context, companyID uuid.UUID, filterKey string, reports []Report, total int64) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(cachedList{Content: reports, Total: total})
	if err != nil {
		return
	}
	c.client.Set(ctx, listKey(companyID, c.generation(ctx, companyID), filterKey), raw, c.ttl)
}

// Invalidate drops every cached listing for the company by advancing the
// generation. Stale entries expire on their own TTL.
func (c *Cache) Invalidate(ctx context.Context, companyID uuid.UUID) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Incr(ctx, genKey(companyID))
}

func genKey(companyID uuid.UUID) string {
	return "expense:list:gen:" + companyID.String()
}

func listKey(companyID uuid.UUID, gen, filterKey string) string {
	return "expense:list:" + companyID.String() + ":" + gen + ":" + filterKey
}

// cacheKey derives a stable digest of the filter for use as a cache key part.
func (f ListFilter) cacheKey() string {
	var b strings.Builder
	if f.From != nil {
		b.WriteString(f.From.UTC().Format(time.RFC3339))
	}
	b.WriteByte('|')
	if f.To != nil {
		b.WriteString(f.To.UTC().Format(time.RFC3339))
	}
	b.WriteByte('|')
	if f.MinAmount != nil {
		fmt.Fprintf(&b, "%d", *f.MinAmount)
	}
	b.WriteByte('|')
	if f.MaxAmount != nil {
		fmt.Fprintf(&b, "%d", *f.MaxAmount)
	}
	b.WriteByte('|')
	for _, s := range f.Statuses {
		b.WriteString(string(s))
		b.WriteByte(',')
	}
	fmt.Fprintf(&b, "|%s|%s|%s|%s|%d|%d",
		f.Category, f.DrafterName, f.PaymentMethod, f.CardNumber,
		f.Pagination.Page, f.Pagination.Size)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
