package engine

import "time"

// Config controls the trade and reconciliation loops.
type Config struct {
	Symbols  []string `yaml:"symbols"`
	Excluded []string `yaml:"excluded"`
	Currency string   `yaml:"currency"`

	TickInterval      time.Duration `yaml:"tick_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	MinReentry        time.Duration `yaml:"min_reentry"`
	UnavailableRetry  time.Duration `yaml:"unavailable_retry"`
	PendingGrace      time.Duration `yaml:"pending_grace"`
	AuditTimeout      time.Duration `yaml:"audit_timeout"`

	HistoryTicks       int     `yaml:"history_ticks"`
	PerformanceWindow  int     `yaml:"performance_window"`
	VolatilityLookback int     `yaml:"volatility_lookback"`
	HighVolatility     float64 `yaml:"high_volatility_multiple"`
}

var defaultSymbols = []string{"R_10", "R_25", "R_50", "R_75", "R_100"}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if len(c.Symbols) == 0 {
		c.Symbols = append([]string(nil), defaultSymbols...)
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.MinReentry <= 0 {
		c.MinReentry = time.Minute
	}
	if c.UnavailableRetry <= 0 {
		c.UnavailableRetry = time.Hour
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = 2 * time.Minute
	}
	if c.AuditTimeout <= 0 {
		c.AuditTimeout = 5 * time.Second
	}
	if c.HistoryTicks <= 0 {
		c.HistoryTicks = 100
	}
	if c.PerformanceWindow <= 0 {
		c.PerformanceWindow = 20
	}
	if c.VolatilityLookback <= 0 {
		c.VolatilityLookback = 20
	}
	if c.HighVolatility <= 0 {
		c.HighVolatility = 1.5
	}
	return c
}

// Universe returns the configured symbols minus the excluded ones, in
// configured order.
func (c Config) Universe() []string {
	excluded := make(map[string]bool, len(c.Excluded))
	for _, s := range c.Excluded {
		excluded[s] = true
	}
	out := make([]string, 0, len(c.Symbols))
	seen := make(map[string]bool, len(c.Symbols))
	for _, s := range c.Symbols {
		if excluded[s] || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
