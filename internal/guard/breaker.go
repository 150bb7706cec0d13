package guard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-trader/internal/observ"
)

// ErrCircuitOpen is returned without touching the network while the breaker
// is open, or while the half-open trial call is still in flight.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerState is the circuit position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitState is a point-in-time copy of the breaker.
type CircuitState struct {
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenUntil           time.Time    `json:"open_until,omitempty"`
}

// BreakerConfig configures the breaker thresholds.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"` // consecutive failures before opening
	Cooldown  time.Duration `yaml:"cooldown"`  // time spent open before one trial call
}

// Breaker opens after Threshold consecutive failures. Which errors count as
// failures is decided by the classifier; anything else is a healthy round trip.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	cooldown  time.Duration
	isFailure func(error) bool
	now       func() time.Time

	state         BreakerState
	failures      int
	openUntil     time.Time
	trialInFlight bool
}

// NewBreaker builds a breaker. A nil classifier counts every non-nil error.
func NewBreaker(name string, cfg BreakerConfig, isFailure func(error) bool) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &Breaker{
		name:      name,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		isFailure: isFailure,
		now:       time.Now,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed. Every nil return must be paired
// with exactly one Done.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.openUntil) {
			observ.IncCounter("circuit_breaker_rejections_total", map[string]string{"breaker": b.name})
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			observ.IncCounter("circuit_breaker_rejections_total", map[string]string{"breaker": b.name})
			return ErrCircuitOpen
		}
		b.trialInFlight = true
		return nil
	}
	return ErrCircuitOpen
}

// Done records the outcome of a call admitted by Allow. A canceled call that
// the classifier does not count records nothing, like Cancel.
func (b *Breaker) Done(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.isFailure(err)
	wasTrial := b.state == StateHalfOpen
	if wasTrial {
		b.trialInFlight = false
	}
	if !failed && errors.Is(err, context.Canceled) {
		return
	}

	if !failed {
		b.failures = 0
		if b.state != StateClosed {
			b.setState(StateClosed)
		}
		return
	}

	b.failures++
	observ.IncCounter("circuit_breaker_failures_total", map[string]string{"breaker": b.name})
	if wasTrial || b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
		b.setState(StateOpen)
	}
}

// Cancel releases a call admitted by Allow that never reached the network.
// No outcome is recorded.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// Do runs fn if the breaker admits it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Done(err)
	return err
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := CircuitState{State: b.state, ConsecutiveFailures: b.failures}
	if b.state == StateOpen {
		s.OpenUntil = b.openUntil
	}
	return s
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	observ.SetGauge("circuit_breaker_state", stateToFloat(s), map[string]string{"breaker": b.name})
	observ.IncCounter("circuit_breaker_transitions_total", map[string]string{
		"breaker": b.name,
		"to":      string(s),
	})
}

func stateToFloat(s BreakerState) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}
