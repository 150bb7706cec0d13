package signal

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// MomentumConfig parameterizes the moving-average crossover.
type MomentumConfig struct {
	Ticks int     `yaml:"ticks"`
	Fast  int     `yaml:"fast"`
	Slow  int     `yaml:"slow"`
	Gain  float64 `yaml:"gain"` // confidence per unit of relative spread
}

// WithDefaults fills zero values.
func (c MomentumConfig) WithDefaults() MomentumConfig {
	if c.Fast <= 0 {
		c.Fast = 5
	}
	if c.Slow <= 0 {
		c.Slow = 20
	}
	if c.Ticks < c.Slow {
		c.Ticks = c.Slow
	}
	if c.Gain <= 0 {
		c.Gain = 200
	}
	return c
}

// Momentum compares a fast and a slow simple moving average of recent ticks:
// fast above slow is CALL, below is PUT. Confidence grows with the relative
// spread between them.
type Momentum struct {
	cfg   MomentumConfig
	ticks TickSource
	now   func() time.Time
}

// NewMomentum builds the provider.
func NewMomentum(cfg MomentumConfig, ticks TickSource) *Momentum {
	return &Momentum{cfg: cfg.WithDefaults(), ticks: ticks, now: time.Now}
}

const momentumSource = "momentum"

func (m *Momentum) Analyze(ctx context.Context, symbol string) (domain.Signal, error) {
	ticks, err := m.ticks.TicksHistory(ctx, symbol, m.cfg.Ticks)
	if err != nil {
		return domain.Signal{}, fmt.Errorf("ticks for %s: %w", symbol, err)
	}
	sig := domain.Signal{Symbol: symbol, Direction: domain.DirectionNone, Source: momentumSource, At: m.now()}
	prices := Prices(ticks)
	if len(prices) < m.cfg.Slow {
		sig.Metadata = map[string]any{"ticks": len(prices), "reason": "insufficient_history"}
		return sig, nil
	}

	fast := sma(prices, m.cfg.Fast)
	slow := sma(prices, m.cfg.Slow)
	spread := 0.0
	if slow != 0 {
		spread = (fast - slow) / slow
	}
	switch {
	case spread > 0:
		sig.Direction = domain.DirectionCall
	case spread < 0:
		sig.Direction = domain.DirectionPut
	}
	sig.Confidence = math.Max(0, math.Min(1, 0.5+math.Abs(spread)*m.cfg.Gain))
	if sig.Direction == domain.DirectionNone {
		sig.Confidence = 0
	}
	sig.Metadata = map[string]any{
		"fast":   fast,
		"slow":   slow,
		"spread": spread,
		"ticks":  len(prices),
	}
	return sig, nil
}

// sma averages the last n prices.
func sma(prices []float64, n int) float64 {
	if n > len(prices) {
		n = len(prices)
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range prices[len(prices)-n:] {
		sum += p
	}
	return sum / float64(n)
}
