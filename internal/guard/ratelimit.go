// Package guard bounds and isolates outbound broker calls: a rate limiter
// that spaces calls out and a circuit breaker that fails fast after repeated
// transient failures.
package guard

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket of size one: calls are spaced at least
// 1/callsPerSecond apart.
type Limiter struct {
	lim      *rate.Limiter
	interval time.Duration
}

// NewLimiter returns a Limiter allowing callsPerSecond calls per second.
// A non-positive rate disables limiting.
func NewLimiter(callsPerSecond float64) *Limiter {
	if callsPerSecond <= 0 {
		return &Limiter{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{
		lim:      rate.NewLimiter(rate.Limit(callsPerSecond), 1),
		interval: time.Duration(float64(time.Second) / callsPerSecond),
	}
}

// Acquire suspends the caller until a slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// Interval is the minimum spacing between two acquisitions.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}
