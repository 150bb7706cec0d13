// Package config loads the trader's YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/options-trader/internal/alerts"
	"github.com/Rajchodisetti/options-trader/internal/broker"
	"github.com/Rajchodisetti/options-trader/internal/engine"
	"github.com/Rajchodisetti/options-trader/internal/observ"
	"github.com/Rajchodisetti/options-trader/internal/risk"
	"github.com/Rajchodisetti/options-trader/internal/signal"
)

type Balance struct {
	TTL time.Duration `yaml:"ttl"`
}

type Storage struct {
	AuditPath   string `yaml:"audit_path"`   // SQLite database
	JournalPath string `yaml:"journal_path"` // JSON-lines order journal; empty disables
	BookPath    string `yaml:"book_path"`    // open-position snapshot; empty disables
}

type Monitor struct {
	Addr string `yaml:"addr"` // defaults to :8090
}

type Root struct {
	Broker  broker.Config         `yaml:"broker"`
	Balance Balance               `yaml:"balance"`
	Capital risk.CapitalConfig    `yaml:"capital"`
	Risk    risk.Config           `yaml:"risk"`
	Engine  engine.Config         `yaml:"engine"`
	Signal  signal.MomentumConfig `yaml:"signal"`
	Storage Storage               `yaml:"storage"`
	Log     observ.LogConfig      `yaml:"log"`
	Monitor Monitor               `yaml:"monitor"`
	Alerts  alerts.Config         `yaml:"alerts"`
}

// Load reads path, fills defaults and validates. A missing file yields the
// defaults.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return c, err
	default:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c = c.WithDefaults()
	if err := c.Validate(); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// WithDefaults fills zero values in every section.
func (c Root) WithDefaults() Root {
	c.Broker = c.Broker.WithDefaults()
	if c.Balance.TTL <= 0 {
		c.Balance.TTL = 15 * time.Second
	}
	c.Capital = c.Capital.WithDefaults()
	c.Risk = c.Risk.WithDefaults()
	if c.Engine.Currency == "" {
		c.Engine.Currency = c.Broker.Currency
	}
	if c.Engine.VolatilityLookback <= 0 {
		c.Engine.VolatilityLookback = c.Risk.Volatility.Lookback
	}
	if c.Engine.HighVolatility <= 0 {
		c.Engine.HighVolatility = c.Risk.Volatility.HighMultiple
	}
	c.Engine = c.Engine.WithDefaults()
	c.Signal = c.Signal.WithDefaults()
	if c.Storage.AuditPath == "" {
		c.Storage.AuditPath = "data/audit.db"
	}
	if c.Monitor.Addr == "" {
		c.Monitor.Addr = ":8090"
	}
	c.Alerts = c.Alerts.WithDefaults()
	return c
}

// Validate returns the first violation.
func (c Root) Validate() error {
	u, err := url.Parse(c.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("broker.url: scheme %q, want ws or wss", u.Scheme)
	}
	if c.Broker.Breaker.Threshold < 1 {
		return fmt.Errorf("broker.breaker.threshold must be at least 1")
	}

	s := c.Capital.Sizing
	if _, err := risk.NewSizer(s); err != nil {
		return fmt.Errorf("capital.sizing: %w", err)
	}
	if s.RiskPercent <= 0 || s.RiskPercent > 100 {
		return fmt.Errorf("capital.sizing.risk_percent %.2f out of (0, 100]", s.RiskPercent)
	}
	if s.MinStake <= 0 || s.MinStake > s.MaxStake {
		return fmt.Errorf("capital.sizing: min_stake %.2f must be positive and not above max_stake %.2f", s.MinStake, s.MaxStake)
	}
	if s.KellyFraction > 1 {
		return fmt.Errorf("capital.sizing.kelly_fraction %.2f above 1", s.KellyFraction)
	}

	if p := c.Risk.Emergency.DrawdownPercent; p >= 100 {
		return fmt.Errorf("risk.emergency.drawdown_percent %.2f must be below 100", p)
	}
	a := c.Risk.Adaptive
	if a.MinConfidence > a.BaseConfidence || a.BaseConfidence > a.ConservativeConfidence {
		return fmt.Errorf("risk.adaptive: want min_confidence <= base_confidence <= conservative_confidence")
	}
	if a.ConservativeConfidence > 1 {
		return fmt.Errorf("risk.adaptive.conservative_confidence %.2f above 1", a.ConservativeConfidence)
	}

	if len(c.Engine.Universe()) == 0 {
		return fmt.Errorf("engine: every symbol is excluded")
	}
	if c.Signal.Fast >= c.Signal.Slow {
		return fmt.Errorf("signal: fast %d must be shorter than slow %d", c.Signal.Fast, c.Signal.Slow)
	}
	return nil
}

// StaticProvider serves the capital configuration loaded at start. Update
// swaps it, e.g. after a reload.
type StaticProvider struct {
	mu  sync.RWMutex
	cfg risk.CapitalConfig
}

func NewStaticProvider(cfg risk.CapitalConfig) *StaticProvider {
	return &StaticProvider{cfg: cfg}
}

func (p *StaticProvider) ActiveCapitalConfig() risk.CapitalConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *StaticProvider) Update(cfg risk.CapitalConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}
