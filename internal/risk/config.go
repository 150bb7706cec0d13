// Package risk decides whether a signal may be traded and at what stake.
package risk

import "time"

// Limit is a daily target expressed as a fixed amount or as a percent of the
// start-of-day balance. Percent wins when both are set; zero disables.
type Limit struct {
	Amount  float64 `yaml:"amount"`
	Percent float64 `yaml:"percent"`
}

// Resolve returns the limit in account currency.
func (l Limit) Resolve(balance float64) float64 {
	if l.Percent > 0 {
		return balance * l.Percent / 100
	}
	return l.Amount
}

// Enabled reports whether the limit is set.
func (l Limit) Enabled() bool { return l.Amount > 0 || l.Percent > 0 }

// CapitalConfig is the part of the configuration operators change at
// runtime; it is read through a ConfigProvider on every decision.
type CapitalConfig struct {
	InitialBalance float64 `yaml:"initial_balance"` // zero means first observed balance

	MaxDailyTrades      int   `yaml:"max_daily_trades"`
	DailyLossLimit      Limit `yaml:"daily_loss_limit"`
	DailyProfitTarget   Limit `yaml:"daily_profit_target"`
	DisableTradeLimit   bool  `yaml:"disable_trade_limit"`
	DisableLossLimit    bool  `yaml:"disable_loss_limit"`
	DisableProfitTarget bool  `yaml:"disable_profit_target"`

	Sizing SizingConfig `yaml:"sizing"`
}

// SizingConfig selects and parameterizes the PositionSizer.
type SizingConfig struct {
	Method      string  `yaml:"method"`       // fixed_fractional | kelly | anti_martingale | martingale | volatility
	RiskPercent float64 `yaml:"risk_percent"` // base stake as % of balance
	MinStake    float64 `yaml:"min_stake"`
	MaxStake    float64 `yaml:"max_stake"`

	KellyFraction   float64 `yaml:"kelly_fraction"`
	KellyMinTrades  int     `yaml:"kelly_min_trades"`
	KellyMaxPercent float64 `yaml:"kelly_max_percent"`

	Multiplier float64 `yaml:"multiplier"` // martingale / anti-martingale step
	MaxDepth   int     `yaml:"max_depth"`

	TargetVolatility float64 `yaml:"target_volatility"` // stdev of tick returns; zero uses the baseline
}

// Sizing methods.
const (
	MethodFixedFractional = "fixed_fractional"
	MethodKelly           = "kelly"
	MethodAntiMartingale  = "anti_martingale"
	MethodMartingale      = "martingale"
	MethodVolatility      = "volatility"
)

// ConfigProvider supplies the active capital configuration.
type ConfigProvider interface {
	ActiveCapitalConfig() CapitalConfig
}

// WithDefaults fills zero values.
func (c CapitalConfig) WithDefaults() CapitalConfig {
	if c.MaxDailyTrades <= 0 {
		c.MaxDailyTrades = 50
	}
	s := &c.Sizing
	if s.Method == "" {
		s.Method = MethodFixedFractional
	}
	if s.RiskPercent <= 0 {
		s.RiskPercent = 1
	}
	if s.MinStake <= 0 {
		s.MinStake = 0.35
	}
	if s.MaxStake <= 0 {
		s.MaxStake = 100
	}
	if s.KellyFraction <= 0 {
		s.KellyFraction = 0.25
	}
	if s.KellyMinTrades <= 0 {
		s.KellyMinTrades = 10
	}
	if s.KellyMaxPercent <= 0 {
		s.KellyMaxPercent = 10
	}
	if s.Multiplier <= 0 {
		s.Multiplier = 2
	}
	if s.MaxDepth <= 0 {
		s.MaxDepth = 3
	}
	return c
}

// EmergencyConfig configures the rolling-window drawdown stop.
type EmergencyConfig struct {
	Window          time.Duration `yaml:"window"`
	DrawdownPercent float64       `yaml:"drawdown_percent"`
	Timeout         time.Duration `yaml:"timeout"`
}

// PortfolioConfig caps open exposure.
type PortfolioConfig struct {
	MaxPositions             int     `yaml:"max_positions"`
	MaxSinglePositionPercent float64 `yaml:"max_single_position_percent"`
	MaxPortfolioRiskPercent  float64 `yaml:"max_portfolio_risk_percent"`
}

// CorrelationGroup names a set of related symbols. A pattern ending in '*'
// matches by prefix.
type CorrelationGroup struct {
	Name     string   `yaml:"name"`
	Patterns []string `yaml:"patterns"`
}

// CorrelationConfig caps exposure within a group.
type CorrelationConfig struct {
	MaxCorrelatedPercent float64            `yaml:"max_correlated_percent"`
	Groups               []CorrelationGroup `yaml:"groups"`
}

// VolatilityConfig scales stakes down in turbulent markets.
type VolatilityConfig struct {
	Lookback         int     `yaml:"lookback"` // returns in the current window
	HighMultiple     float64 `yaml:"high_multiple"`
	ReductionPercent float64 `yaml:"reduction_percent"`
}

// AdaptiveConfig drives the AdaptiveManager.
type AdaptiveConfig struct {
	BaseConfidence         float64 `yaml:"base_confidence"`
	MinConfidence          float64 `yaml:"min_confidence"`
	ConservativeConfidence float64 `yaml:"conservative_confidence"`
	ConservativeSize       float64 `yaml:"conservative_size"`

	MinTrades        int     `yaml:"min_trades"`
	GlobalWindow     int     `yaml:"global_window"`
	RecentWindow     int     `yaml:"recent_window"`
	WinRateThreshold float64 `yaml:"win_rate_threshold"` // fraction, 0..1
	LosingStreak     int     `yaml:"losing_streak"`
	DrawdownPercent  float64 `yaml:"drawdown_percent"`

	RecoverySteps   int     `yaml:"recovery_steps"`
	RecoveryWinRate float64 `yaml:"recovery_win_rate"`

	LoosenWinStreak int     `yaml:"loosen_win_streak"`
	LoosenStep      float64 `yaml:"loosen_step"`
}

// Config is the static part of the risk configuration.
type Config struct {
	Emergency   EmergencyConfig   `yaml:"emergency"`
	Portfolio   PortfolioConfig   `yaml:"portfolio"`
	Correlation CorrelationConfig `yaml:"correlation"`
	Volatility  VolatilityConfig  `yaml:"volatility"`
	Adaptive    AdaptiveConfig    `yaml:"adaptive"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	e := &c.Emergency
	if e.Window <= 0 {
		e.Window = 5 * time.Minute
	}
	if e.DrawdownPercent <= 0 {
		e.DrawdownPercent = 10
	}
	if e.Timeout <= 0 {
		e.Timeout = 10 * time.Minute
	}

	p := &c.Portfolio
	if p.MaxPositions <= 0 {
		p.MaxPositions = 5
	}
	if p.MaxSinglePositionPercent <= 0 {
		p.MaxSinglePositionPercent = 5
	}
	if p.MaxPortfolioRiskPercent <= 0 {
		p.MaxPortfolioRiskPercent = 20
	}

	if c.Correlation.MaxCorrelatedPercent <= 0 {
		c.Correlation.MaxCorrelatedPercent = 10
	}
	if c.Correlation.Groups == nil {
		c.Correlation.Groups = []CorrelationGroup{
			{Name: "synthetic", Patterns: []string{"R_*", "1HZ*", "BOOM*", "CRASH*", "JD*", "stpRNG*"}},
			{Name: "forex", Patterns: []string{"frx*"}},
		}
	}

	v := &c.Volatility
	if v.Lookback <= 0 {
		v.Lookback = 20
	}
	if v.HighMultiple <= 0 {
		v.HighMultiple = 1.5
	}
	if v.ReductionPercent <= 0 {
		v.ReductionPercent = 50
	}

	a := &c.Adaptive
	if a.BaseConfidence <= 0 {
		a.BaseConfidence = 0.5
	}
	if a.MinConfidence <= 0 {
		a.MinConfidence = 0.45
	}
	if a.ConservativeConfidence <= 0 {
		a.ConservativeConfidence = 0.65
	}
	if a.ConservativeSize <= 0 {
		a.ConservativeSize = 0.5
	}
	if a.MinTrades <= 0 {
		a.MinTrades = 10
	}
	if a.GlobalWindow <= 0 {
		a.GlobalWindow = 50
	}
	if a.RecentWindow <= 0 {
		a.RecentWindow = 10
	}
	if a.WinRateThreshold <= 0 {
		a.WinRateThreshold = 0.45
	}
	if a.LosingStreak <= 0 {
		a.LosingStreak = 3
	}
	if a.DrawdownPercent <= 0 {
		a.DrawdownPercent = 5
	}
	if a.RecoverySteps <= 0 {
		a.RecoverySteps = 3
	}
	if a.RecoveryWinRate <= 0 {
		a.RecoveryWinRate = 0.5
	}
	if a.LoosenWinStreak <= 0 {
		a.LoosenWinStreak = 5
	}
	if a.LoosenStep <= 0 {
		a.LoosenStep = 0.02
	}
	return c
}
