package repcache

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"colony-experiment/gatekeeper/internal/metrics"
)

// FetchFunc performs the upstream reputation lookup on a cache miss. The
// cache hands it a context detached from any single caller so an in-flight
// fetch survives the cancellation of the caller that started it.
type FetchFunc func(ctx context.Context) (uint64, error)

// Cache memoizes oracle results keyed by (colony, domain, wallet) with TTL
// expiry. Concurrent misses for one key coalesce into a single upstream
// fetch; this is what collapses N gates sharing a (colony, domain) into one
// oracle call regardless of fan-out width.
type Cache struct {
	data    *cache.Cache
	group   singleflight.Group
	metrics *metrics.MetricsRegistry
}

// New creates a cache with a fixed TTL. Expired entries are swept at twice
// the TTL; correctness only depends on the lazy expiry check on read.
func New(ttl time.Duration, reg *metrics.MetricsRegistry) *Cache {
	return &Cache{
		data:    cache.New(ttl, 2*ttl),
		metrics: reg,
	}
}

// Key builds the canonical cache key for a lookup.
func Key(colony string, domain uint64, wallet string) string {
	return fmt.Sprintf("%s:%d:%s", colony, domain, wallet)
}

// GetOrFetch returns the cached reputation when the entry is younger than
// the TTL, otherwise fetches it upstream. Failed fetches are not cached, so
// later callers retry instead of reusing a failure.
func (c *Cache) GetOrFetch(ctx context.Context, colony string, domain uint64, wallet string, fetch FetchFunc) (uint64, error) {
	key := Key(colony, domain, wallet)

	if value, found := c.data.Get(key); found {
		if c.metrics != nil {
			c.metrics.CacheHitsTotal.Inc()
		}
		return value.(uint64), nil
	}
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}

	// Detached from the caller: other waiters may still need the result
	// after this caller gives up.
	fetchCtx := context.WithoutCancel(ctx)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// A racing flight may have populated the entry between the miss
		// above and this closure running.
		if value, found := c.data.Get(key); found {
			return value.(uint64), nil
		}
		value, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.data.Set(key, value, cache.DefaultExpiration)
		return value, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err
		}
		return res.Val.(uint64), nil
	case <-ctx.Done():
		// The flight keeps running for the remaining waiters.
		return 0, ctx.Err()
	}
}

// Flush drops every cached entry. Test hook.
func (c *Cache) Flush() {
	c.data.Flush()
}
