package broker

import (
	"time"

	"github.com/Rajchodisetti/options-trader/internal/guard"
)

// Config holds connection and account settings for the broker client.
type Config struct {
	URL      string `yaml:"url"`
	AppID    string `yaml:"app_id"`
	Token    string `yaml:"-"`
	Account  string `yaml:"account"`
	Currency string `yaml:"currency"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`

	CallsPerSecond float64             `yaml:"calls_per_second"`
	Breaker        guard.BreakerConfig `yaml:"breaker"`

	// UnknownErrorsUnavailable treats unrecognized proposal error codes as
	// "contract not offered" (skip, no retry) instead of a terminal rejection.
	UnknownErrorsUnavailable bool `yaml:"unknown_errors_unavailable"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.URL == "" {
		c.URL = "wss://ws.derivws.com/websockets/v3"
	}
	if c.AppID == "" {
		c.AppID = "1089"
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 3 * c.HeartbeatInterval
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
	if c.CallsPerSecond == 0 {
		c.CallsPerSecond = 2
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 60 * time.Second
	}
	return c
}
