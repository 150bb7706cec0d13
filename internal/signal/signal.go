// Package signal produces trade signals from broker tick history.
package signal

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// Provider analyzes a symbol. Any implementation returning a direction and
// confidence satisfies the engine.
type Provider interface {
	Analyze(ctx context.Context, symbol string) (domain.Signal, error)
}

// TickSource returns the most recent ticks, oldest first.
type TickSource interface {
	TicksHistory(ctx context.Context, symbol string, count int) ([]domain.Tick, error)
}

type tickEntry struct {
	ticks []domain.Tick
	at    time.Time
}

// CachedTicks memoizes tick history per symbol for a short TTL so the
// signal provider and the engine share one broker round trip per tick.
// A request is served from cache when it asks for no more ticks than the
// cached fetch returned.
type CachedTicks struct {
	src TickSource
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]tickEntry
}

// NewCachedTicks wraps src.
func NewCachedTicks(src TickSource, ttl time.Duration) *CachedTicks {
	return &CachedTicks{src: src, ttl: ttl, now: time.Now, entries: make(map[string]tickEntry)}
}

func (c *CachedTicks) TicksHistory(ctx context.Context, symbol string, count int) ([]domain.Tick, error) {
	c.mu.Lock()
	e, ok := c.entries[symbol]
	c.mu.Unlock()
	if ok && c.now().Sub(e.at) < c.ttl && len(e.ticks) >= count {
		return tail(e.ticks, count), nil
	}

	ticks, err := c.src.TicksHistory(ctx, symbol, count)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[symbol] = tickEntry{ticks: ticks, at: c.now()}
	c.mu.Unlock()
	return ticks, nil
}

// Prices extracts tick prices.
func Prices(ticks []domain.Tick) []float64 {
	out := make([]float64, len(ticks))
	for i, t := range ticks {
		out[i] = t.Price
	}
	return out
}

func tail(ticks []domain.Tick, n int) []domain.Tick {
	if n <= 0 || n >= len(ticks) {
		return ticks
	}
	return ticks[len(ticks)-n:]
}
