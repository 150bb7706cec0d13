package risk

import (
	"fmt"
	"math"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// SizingInput is what a PositionSizer sees.
type SizingInput struct {
	Balance    float64
	Confidence float64
	History    []domain.TradeOutcome
	WinStreak  int
	LossStreak int

	Volatility         float64
	BaselineVolatility float64
}

// Sizing is a recommended stake before limits are applied.
type Sizing struct {
	Stake       float64 `json:"stake"`
	RiskPercent float64 `json:"risk_percent"`
	Rationale   string  `json:"rationale"`
}

// PositionSizer computes a recommended stake.
type PositionSizer interface {
	Name() string
	Size(in SizingInput) Sizing
}

// NewSizer returns the sizer selected by cfg.Method.
func NewSizer(cfg SizingConfig) (PositionSizer, error) {
	base := FixedFractional{RiskPercent: cfg.RiskPercent}
	switch cfg.Method {
	case MethodFixedFractional, "":
		return base, nil
	case MethodKelly:
		return Kelly{
			Fraction:   cfg.KellyFraction,
			MinTrades:  cfg.KellyMinTrades,
			MaxPercent: cfg.KellyMaxPercent,
			Fallback:   base,
		}, nil
	case MethodAntiMartingale:
		return Progression{Base: base, Multiplier: cfg.Multiplier, MaxDepth: cfg.MaxDepth, OnWins: true}, nil
	case MethodMartingale:
		return Progression{Base: base, Multiplier: cfg.Multiplier, MaxDepth: cfg.MaxDepth}, nil
	case MethodVolatility:
		return VolatilityScaled{Base: base, TargetVolatility: cfg.TargetVolatility}, nil
	}
	return nil, fmt.Errorf("unknown sizing method %q", cfg.Method)
}

// FixedFractional risks a constant percent of balance.
type FixedFractional struct {
	RiskPercent float64
}

func (f FixedFractional) Name() string { return MethodFixedFractional }

func (f FixedFractional) Size(in SizingInput) Sizing {
	return Sizing{
		Stake:       in.Balance * f.RiskPercent / 100,
		RiskPercent: f.RiskPercent,
		Rationale:   fmt.Sprintf("fixed %.2f%% of balance", f.RiskPercent),
	}
}

// Kelly sizes by the Kelly criterion scaled by Fraction, using realized win
// rate and payoff ratio. With too little history it defers to Fallback.
type Kelly struct {
	Fraction   float64
	MinTrades  int
	MaxPercent float64
	Fallback   PositionSizer
}

func (k Kelly) Name() string { return MethodKelly }

func (k Kelly) Size(in SizingInput) Sizing {
	p, b, n := kellyInputs(in.History)
	if n < k.MinTrades || b <= 0 {
		s := k.Fallback.Size(in)
		s.Rationale = fmt.Sprintf("kelly: %d trades of history, %s", n, s.Rationale)
		return s
	}

	optimal := OptimalKelly(p, b)
	if optimal <= 0 {
		// no edge: smallest stake the limits allow
		return Sizing{Rationale: fmt.Sprintf("kelly: no edge (p=%.2f b=%.2f)", p, b)}
	}
	pct := optimal * k.Fraction * 100
	if k.MaxPercent > 0 && pct > k.MaxPercent {
		pct = k.MaxPercent
	}
	return Sizing{
		Stake:       in.Balance * pct / 100,
		RiskPercent: pct,
		Rationale:   fmt.Sprintf("kelly f*=%.3f x %.2f (p=%.2f b=%.2f)", optimal, k.Fraction, p, b),
	}
}

// OptimalKelly is f* = p - (1-p)/b.
func OptimalKelly(p, b float64) float64 {
	if b <= 0 {
		return 0
	}
	return p - (1-p)/b
}

// kellyInputs returns win probability, payoff ratio and sample size.
func kellyInputs(history []domain.TradeOutcome) (p, b float64, n int) {
	var wins, losses int
	var winSum, lossSum float64
	for _, o := range history {
		switch o.Status {
		case domain.StatusWon:
			wins++
			winSum += o.Profit
		case domain.StatusLost:
			losses++
			lossSum += math.Abs(o.Profit)
		}
	}
	n = wins + losses
	if n == 0 {
		return 0, 0, 0
	}
	p = float64(wins) / float64(n)
	if wins == 0 || losses == 0 || lossSum == 0 {
		return p, 0, n
	}
	b = (winSum / float64(wins)) / (lossSum / float64(losses))
	return p, b, n
}

// Progression multiplies the base stake per streak step, bounded by
// MaxDepth. OnWins grows after wins (anti-martingale); otherwise after
// losses (martingale).
type Progression struct {
	Base       PositionSizer
	Multiplier float64
	MaxDepth   int
	OnWins     bool
}

func (m Progression) Name() string {
	if m.OnWins {
		return MethodAntiMartingale
	}
	return MethodMartingale
}

func (m Progression) Size(in SizingInput) Sizing {
	s := m.Base.Size(in)
	streak := in.LossStreak
	if m.OnWins {
		streak = in.WinStreak
	}
	if streak > m.MaxDepth {
		streak = m.MaxDepth
	}
	factor := math.Pow(m.Multiplier, float64(streak))
	s.Stake *= factor
	s.RiskPercent *= factor
	s.Rationale = fmt.Sprintf("%s: streak %d x%.2f on %s", m.Name(), streak, factor, s.Rationale)
	return s
}

// VolatilityScaled scales the base stake by target/current volatility,
// bounded to [0.25, 2].
type VolatilityScaled struct {
	Base             PositionSizer
	TargetVolatility float64
}

func (v VolatilityScaled) Name() string { return MethodVolatility }

func (v VolatilityScaled) Size(in SizingInput) Sizing {
	s := v.Base.Size(in)
	target := v.TargetVolatility
	if target <= 0 {
		target = in.BaselineVolatility
	}
	if in.Volatility <= 0 || target <= 0 {
		s.Rationale = "volatility: no estimate, " + s.Rationale
		return s
	}
	scale := math.Max(0.25, math.Min(2, target/in.Volatility))
	s.Stake *= scale
	s.RiskPercent *= scale
	s.Rationale = fmt.Sprintf("volatility x%.2f (target %.5f, current %.5f) on %s", scale, target, in.Volatility, s.Rationale)
	return s
}
