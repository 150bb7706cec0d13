package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// outcomes builds settled history, oldest first, from a W/L string.
func outcomes(pattern string, winProfit, lossProfit float64) []domain.TradeOutcome {
	out := make([]domain.TradeOutcome, 0, len(pattern))
	for _, c := range pattern {
		o := domain.TradeOutcome{Symbol: "R_100", Stake: 1}
		if c == 'W' {
			o.Status, o.Profit = domain.StatusWon, winProfit
		} else {
			o.Status, o.Profit = domain.StatusLost, lossProfit
		}
		out = append(out, o)
	}
	return out
}

func TestKellyFraction(t *testing.T) {
	cfg := CapitalConfig{Sizing: SizingConfig{Method: MethodKelly, KellyFraction: 0.25}}.WithDefaults()
	sizer, err := NewSizer(cfg.Sizing)
	require.NoError(t, err)

	// 6 wins, 4 losses, equal average win and loss: f* = 0.6 - 0.4/1 = 0.2
	history := outcomes("WWLWLWWLWL", 0.9, -0.9)
	p, b, n := kellyInputs(history)
	require.Equal(t, 10, n)
	assert.InDelta(t, 0.2, OptimalKelly(p, b), 1e-9)

	s := sizer.Size(SizingInput{Balance: 100, History: history})
	assert.InDelta(t, 5.0, s.RiskPercent, 1e-9)
	assert.InDelta(t, 5.0, s.Stake, 1e-9)
}

func TestKellyFallsBackWithShortHistory(t *testing.T) {
	cfg := CapitalConfig{Sizing: SizingConfig{Method: MethodKelly, RiskPercent: 2}}.WithDefaults()
	sizer, err := NewSizer(cfg.Sizing)
	require.NoError(t, err)

	s := sizer.Size(SizingInput{Balance: 100, History: outcomes("WWWWWWWWL", 1, -1)})
	assert.InDelta(t, 2.0, s.Stake, 1e-9, "fewer than 10 trades uses fixed fractional")
	assert.Contains(t, s.Rationale, "9 trades")
}

func TestKellyNoEdge(t *testing.T) {
	sizer := Kelly{Fraction: 0.25, MinTrades: 10, Fallback: FixedFractional{RiskPercent: 1}}
	s := sizer.Size(SizingInput{Balance: 100, History: outcomes("WWWLLLLLLL", 1, -1)})
	assert.Zero(t, s.Stake)
}

func TestKellyCappedAtMaxPercent(t *testing.T) {
	sizer := Kelly{Fraction: 1, MinTrades: 10, MaxPercent: 10, Fallback: FixedFractional{RiskPercent: 1}}
	s := sizer.Size(SizingInput{Balance: 100, History: outcomes("WWWWWWWWWL", 1, -1)})
	assert.InDelta(t, 10.0, s.Stake, 1e-9)
}

func TestProgressionSizers(t *testing.T) {
	testCases := []struct {
		name       string
		method     string
		winStreak  int
		lossStreak int
		want       float64
	}{
		{"martingale no streak", MethodMartingale, 0, 0, 1},
		{"martingale two losses", MethodMartingale, 0, 2, 4},
		{"martingale bounded depth", MethodMartingale, 0, 7, 8},
		{"martingale ignores wins", MethodMartingale, 4, 0, 1},
		{"anti-martingale two wins", MethodAntiMartingale, 2, 0, 4},
		{"anti-martingale ignores losses", MethodAntiMartingale, 0, 3, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := CapitalConfig{Sizing: SizingConfig{Method: tc.method}}.WithDefaults()
			sizer, err := NewSizer(cfg.Sizing)
			require.NoError(t, err)
			assert.Equal(t, tc.method, sizer.Name())
			s := sizer.Size(SizingInput{Balance: 100, WinStreak: tc.winStreak, LossStreak: tc.lossStreak})
			assert.InDelta(t, tc.want, s.Stake, 1e-9)
		})
	}
}

func TestVolatilityScaled(t *testing.T) {
	sizer := VolatilityScaled{Base: FixedFractional{RiskPercent: 2}}
	testCases := []struct {
		name            string
		current, target float64
		want            float64
	}{
		{"calm doubles capped", 0.001, 0.004, 4},
		{"hot halves", 0.004, 0.002, 1},
		{"extreme floors at quarter", 0.1, 0.001, 0.5},
		{"no estimate", 0, 0.002, 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := sizer.Size(SizingInput{Balance: 100, Volatility: tc.current, BaselineVolatility: tc.target})
			assert.InDelta(t, tc.want, s.Stake, 1e-9)
		})
	}
}

func TestNewSizerUnknown(t *testing.T) {
	_, err := NewSizer(SizingConfig{Method: "yolo"})
	assert.Error(t, err)
}
