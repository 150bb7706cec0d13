// Package balance caches the broker balance so that no component calls the
// balance endpoint directly.
package balance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/observ"
)

// FetchFunc queries the broker for a fresh balance.
type FetchFunc func(ctx context.Context) (domain.BalanceSnapshot, error)

// CacheMetrics tracks cache performance
type CacheMetrics struct {
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	StaleReads  int64     `json:"stale_reads"`
	FetchErrors int64     `json:"fetch_errors"`
	LastUpdated time.Time `json:"last_updated"`
}

// Cache holds the last good BalanceSnapshot for at most ttl.
type Cache struct {
	mu       sync.RWMutex
	snap     domain.BalanceSnapshot
	has      bool
	cachedAt time.Time
	invalid  bool
	gen      uint64 // bumped by Invalidate
	metrics  CacheMetrics

	ttl    time.Duration
	flight singleflight.Group
	now    func() time.Time
	logger *zap.Logger
}

// NewCache creates a balance cache. ttl defaults to 15s.
func NewCache(ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Cache{
		ttl:    ttl,
		now:    time.Now,
		logger: observ.OrNop(logger),
	}
}

// Get returns the cached snapshot while it is younger than the TTL, otherwise
// calls fetch. Concurrent callers share one fetch. When the fetch fails the
// last good snapshot is returned marked stale; the error only propagates when
// nothing was ever cached.
func (c *Cache) Get(ctx context.Context, fetch FetchFunc) (domain.BalanceSnapshot, error) {
	if s, ok := c.fresh(); ok {
		c.count(func(m *CacheMetrics) { m.Hits++ })
		observ.IncCounter("balance_cache_hit_total", nil)
		return s, nil
	}

	v, err, _ := c.flight.Do("balance", func() (any, error) {
		// another flight may have refreshed while we queued
		if s, ok := c.fresh(); ok {
			return s, nil
		}
		c.count(func(m *CacheMetrics) { m.Misses++ })
		observ.IncCounter("balance_cache_miss_total", nil)

		c.mu.RLock()
		gen := c.gen
		c.mu.RUnlock()

		snap, err := fetch(ctx)
		if err != nil {
			return c.fallback(err)
		}
		c.store(snap, gen)
		return snap, nil
	})
	if err != nil {
		return domain.BalanceSnapshot{}, err
	}
	return v.(domain.BalanceSnapshot), nil
}

// Seed stores a snapshot obtained elsewhere, e.g. from the authorize response.
func (c *Cache) Seed(snap domain.BalanceSnapshot) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	c.store(snap, gen)
}

// Invalidate forces the next Get to refetch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalid = true
	c.gen++
	observ.IncCounter("balance_cache_invalidations_total", nil)
}

// Peek returns the last stored snapshot without fetching.
func (c *Cache) Peek() (domain.BalanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, c.has
}

// Metrics returns a copy of the cache counters.
func (c *Cache) Metrics() CacheMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metrics
}

func (c *Cache) fresh() (domain.BalanceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has || c.invalid || c.now().Sub(c.cachedAt) >= c.ttl {
		return domain.BalanceSnapshot{}, false
	}
	return c.snap, true
}

func (c *Cache) store(snap domain.BalanceSnapshot, gen uint64) {
	now := c.now()
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = now
	}
	snap.Stale = false
	snap.Err = ""

	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.has = true
	c.cachedAt = now
	// an invalidation that raced the fetch keeps the entry dirty
	c.invalid = c.gen != gen
	c.metrics.LastUpdated = now
	observ.SetGauge("balance_amount", snap.Amount, map[string]string{"currency": snap.Currency})
	observ.SetGauge("balance_cache_stale", 0, nil)
}

func (c *Cache) fallback(err error) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.FetchErrors++
	if !c.has {
		return nil, err
	}
	c.metrics.StaleReads++
	stale := c.snap
	stale.Stale = true
	stale.Err = err.Error()
	observ.SetGauge("balance_cache_stale", 1, nil)
	observ.IncCounter("balance_cache_stale_read_total", nil)
	c.logger.Warn("balance fetch failed, serving stale snapshot",
		zap.Error(err),
		zap.Float64("amount", stale.Amount),
		zap.Duration("age", c.now().Sub(c.cachedAt)))
	return stale, nil
}

func (c *Cache) count(fn func(*CacheMetrics)) {
	c.mu.Lock()
	fn(&c.metrics)
	c.mu.Unlock()
}

// Reader binds a cache to the broker fetch so consumers only need Current.
type Reader struct {
	cache *Cache
	fetch FetchFunc
}

// NewReader returns a Reader over cache that refreshes with fetch.
func NewReader(cache *Cache, fetch FetchFunc) *Reader {
	return &Reader{cache: cache, fetch: fetch}
}

// Current returns the cached or freshly fetched balance.
func (r *Reader) Current(ctx context.Context) (domain.BalanceSnapshot, error) {
	return r.cache.Get(ctx, r.fetch)
}

// Invalidate forces the next Current to refetch.
func (r *Reader) Invalidate() {
	r.cache.Invalidate()
}
