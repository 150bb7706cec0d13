package engine

import (
	"sync"
	"time"
)

// ReentryGuard enforces a minimum interval between trades on one symbol.
// Symbols that have been winning wait less.
type ReentryGuard struct {
	base time.Duration
	now  func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewReentryGuard(base time.Duration) *ReentryGuard {
	return &ReentryGuard{base: base, now: time.Now, last: make(map[string]time.Time)}
}

// Interval scales base by 1.5 - winRate, bounded to [0.5, 1.5]: a symbol
// winning every trade waits half as long and one losing every trade waits
// half again as long.
func Interval(base time.Duration, winRate float64) time.Duration {
	f := 1.5 - winRate
	if f < 0.5 {
		f = 0.5
	}
	if f > 1.5 {
		f = 1.5
	}
	return time.Duration(float64(base) * f)
}

// LastTrade returns when symbol last traded.
func (r *ReentryGuard) LastTrade(symbol string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.last[symbol]
	return t, ok
}

// Wait returns how long symbol must still wait given its win rate; zero
// means it may trade.
func (r *ReentryGuard) Wait(symbol string, winRate float64) time.Duration {
	last, ok := r.LastTrade(symbol)
	if !ok {
		return 0
	}
	if left := Interval(r.base, winRate) - r.now().Sub(last); left > 0 {
		return left
	}
	return 0
}

// Mark records a trade at the current time.
func (r *ReentryGuard) Mark(symbol string) { r.MarkAt(symbol, r.now()) }

// MarkAt records a trade at t, keeping the later of t and any prior mark.
func (r *ReentryGuard) MarkAt(symbol string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.last[symbol]) {
		r.last[symbol] = t
	}
}

// Availability remembers symbols the broker refused to offer.
type Availability struct {
	retry time.Duration
	now   func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

func NewAvailability(retry time.Duration) *Availability {
	return &Availability{retry: retry, now: time.Now, until: make(map[string]time.Time)}
}

// MarkUnavailable skips symbol for the retry period.
func (a *Availability) MarkUnavailable(symbol string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.until[symbol] = a.now().Add(a.retry)
}

// Available reports whether symbol may be tried again.
func (a *Availability) Available(symbol string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	until, ok := a.until[symbol]
	if !ok {
		return true
	}
	if !a.now().Before(until) {
		delete(a.until, symbol)
		return true
	}
	return false
}

// Unavailable lists the symbols currently skipped.
func (a *Availability) Unavailable() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	var out []string
	for s, until := range a.until {
		if now.Before(until) {
			out = append(out, s)
		}
	}
	return out
}
