package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/observ"
)

type balanceSample struct {
	at     time.Time
	amount float64
}

// EmergencyState is a point-in-time copy of the emergency stop.
type EmergencyState struct {
	Active      bool      `json:"active"`
	Since       time.Time `json:"since,omitempty"`
	DrawdownPct float64   `json:"drawdown_pct"`
	WindowPeak  float64   `json:"window_peak"`
}

// Emergency halts all new positions when the balance falls more than
// DrawdownPercent below its peak within a rolling window. It stays active
// until the window drawdown recovers below the threshold or Timeout elapses.
type Emergency struct {
	mu      sync.Mutex
	cfg     EmergencyConfig
	now     func() time.Time
	logger  *zap.Logger
	samples []balanceSample

	active   bool
	since    time.Time
	drawdown float64
	peak     float64
}

// NewEmergency builds an inactive emergency stop.
func NewEmergency(cfg EmergencyConfig, logger *zap.Logger) *Emergency {
	return &Emergency{cfg: cfg, now: time.Now, logger: observ.OrNop(logger)}
}

// Observe records a balance and re-evaluates the stop.
func (e *Emergency) Observe(balance float64) EmergencyState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.prune(now)
	e.samples = append(e.samples, balanceSample{at: now, amount: balance})
	e.evaluate(now, balance)
	return e.stateLocked()
}

// Check re-evaluates the timeout without a new observation.
func (e *Emergency) Check() EmergencyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active && e.now().Sub(e.since) >= e.cfg.Timeout {
		e.clear(e.now(), "timeout")
	}
	return e.stateLocked()
}

func (e *Emergency) evaluate(now time.Time, current float64) {
	e.peak = 0
	for _, s := range e.samples {
		if s.amount > e.peak {
			e.peak = s.amount
		}
	}
	e.drawdown = drawdownPct(e.peak, current)

	switch {
	case e.active && e.drawdown < e.cfg.DrawdownPercent:
		e.clear(now, "recovered")
	case e.active && now.Sub(e.since) >= e.cfg.Timeout:
		e.clear(now, "timeout")
	case !e.active && e.drawdown >= e.cfg.DrawdownPercent:
		e.active = true
		e.since = now
		observ.SetGauge("emergency_active", 1, nil)
		observ.IncCounter("emergency_activations_total", nil)
		e.logger.Warn("emergency stop activated",
			zap.Float64("drawdown_pct", e.drawdown),
			zap.Float64("window_peak", e.peak),
			zap.Float64("balance", current))
	}
}

// clear deactivates the stop. After a timeout the window restarts from the
// latest sample so the old peak cannot re-trigger immediately.
func (e *Emergency) clear(now time.Time, why string) {
	e.active = false
	e.since = time.Time{}
	if why == "timeout" && len(e.samples) > 0 {
		last := e.samples[len(e.samples)-1]
		e.samples = []balanceSample{last}
		e.peak = last.amount
		e.drawdown = 0
	}
	observ.SetGauge("emergency_active", 0, nil)
	e.logger.Info("emergency stop cleared", zap.String("cause", why), zap.Float64("drawdown_pct", e.drawdown))
}

func (e *Emergency) prune(now time.Time) {
	cutoff := now.Add(-e.cfg.Window)
	i := 0
	for i < len(e.samples) && e.samples[i].at.Before(cutoff) {
		i++
	}
	e.samples = e.samples[i:]
}

func (e *Emergency) stateLocked() EmergencyState {
	return EmergencyState{Active: e.active, Since: e.since, DrawdownPct: e.drawdown, WindowPeak: e.peak}
}
