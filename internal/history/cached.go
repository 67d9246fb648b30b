package history

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CachedSourceConfig holds cache sizing for a CachedSource.
type CachedSourceConfig struct {
	// ContainsEntries bounds the fix-probe cache (stream+change pairs).
	ContainsEntries int

	// RangeEntries bounds the commit-range cache.
	RangeEntries int

	// RangeTTL expires cached ranges so late-arriving commits become visible.
	RangeTTL time.Duration
}

// DefaultCachedSourceConfig returns the default cache sizing.
func DefaultCachedSourceConfig() CachedSourceConfig {
	return CachedSourceConfig{
		ContainsEntries: 16384,
		RangeEntries:    1024,
		RangeTTL:        2 * time.Minute,
	}
}

type cachedRange struct {
	commits   []Commit
	expiresAt time.Time
}

type cachedContains struct {
	ok bool
	// expiresAt is zero for positive answers, which never expire.
	expiresAt time.Time
}

// CachedSource wraps a Source with per-probe LRU caches. Positive Contains
// results are cached indefinitely (history never forgets a submitted change);
// negative results and range queries are cached with a TTL. Concurrent probes for the same key are
// deduplicated so a burst of job completions produces one upstream query.
type CachedSource struct {
	inner    Source
	contains *lru.Cache[string, cachedContains]
	ranges   *lru.Cache[string, cachedRange]
	group    singleflight.Group
	rangeTTL time.Duration
	now      func() time.Time
}

// NewCachedSource wraps inner with caches sized by cfg.
func NewCachedSource(inner Source, cfg CachedSourceConfig) (*CachedSource, error) {
	if cfg.ContainsEntries <= 0 || cfg.RangeEntries <= 0 {
		cfg = DefaultCachedSourceConfig()
	}
	containsCache, err := lru.New[string, cachedContains](cfg.ContainsEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create contains cache: %w", err)
	}
	rangeCache, err := lru.New[string, cachedRange](cfg.RangeEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create range cache: %w", err)
	}
	return &CachedSource{
		inner:    inner,
		contains: containsCache,
		ranges:   rangeCache,
		rangeTTL: cfg.RangeTTL,
		now:      time.Now,
	}, nil
}

// Find returns commits in range, serving repeated queries from cache.
func (c *CachedSource) Find(ctx context.Context, streamID string, minChange, maxChange int64, limit int) ([]Commit, error) {
	key := fmt.Sprintf("%s:%d:%d:%d", streamID, minChange, maxChange, limit)
	if entry, ok := c.ranges.Get(key); ok && c.now().Before(entry.expiresAt) {
		return entry.commits, nil
	}

	result, err, _ := c.group.Do("find:"+key, func() (interface{}, error) {
		commits, err := c.inner.Find(ctx, streamID, minChange, maxChange, limit)
		if err != nil {
			return nil, err
		}
		c.ranges.Add(key, cachedRange{commits: commits, expiresAt: c.now().Add(c.rangeTTL)})
		return commits, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]Commit), nil
}

// Contains probes the stream for a changelist, caching positive and negative
// answers. Negative answers are only cached for the TTL window since the
// change may still be in flight.
func (c *CachedSource) Contains(ctx context.Context, streamID string, change int64) (bool, error) {
	key := fmt.Sprintf("%s:%d", streamID, change)
	if entry, hit := c.contains.Get(key); hit {
		if entry.expiresAt.IsZero() || c.now().Before(entry.expiresAt) {
			return entry.ok, nil
		}
	}

	result, err, _ := c.group.Do("contains:"+key, func() (interface{}, error) {
		ok, err := c.inner.Contains(ctx, streamID, change)
		if err != nil {
			return false, err
		}
		entry := cachedContains{ok: ok}
		if !ok {
			entry.expiresAt = c.now().Add(c.rangeTTL)
		}
		c.contains.Add(key, entry)
		return ok, nil
	})
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// StreamExists is passed through uncached: stream deletion must be visible
// promptly to the derived-data recomputation.
func (c *CachedSource) StreamExists(ctx context.Context, streamID string) (bool, error) {
	return c.inner.StreamExists(ctx, streamID)
}
