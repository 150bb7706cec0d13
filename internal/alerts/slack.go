// Package alerts notifies operators when the trader enters or leaves a
// state that needs attention: emergency stop, conservative mode, an open
// circuit, a lost broker session.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/options-trader/internal/observ"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operator notification. Key identifies the condition for
// deduplication.
type Alert struct {
	Key      string
	Severity Severity
	Title    string
	Fields   map[string]string
	At       time.Time
}

// Notifier accepts alerts without blocking.
type Notifier interface {
	Notify(a Alert)
}

type Config struct {
	Enabled      bool          `yaml:"enabled"`
	WebhookURL   string        `yaml:"-"` // SLACK_WEBHOOK_URL
	Channel      string        `yaml:"channel"`
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	PerMinute    int           `yaml:"per_minute"`
	QueueSize    int           `yaml:"queue_size"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

func (c Config) WithDefaults() Config {
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 10 * time.Minute
	}
	if c.PerMinute <= 0 {
		c.PerMinute = 6
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	return c
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type attachment struct {
	Color  string  `json:"color"`
	Fields []field `json:"fields"`
}

type message struct {
	Channel     string       `json:"channel,omitempty"`
	Text        string       `json:"text"`
	Attachments []attachment `json:"attachments,omitempty"`
}

// Metrics counts delivery outcomes.
type Metrics struct {
	Sent        int64 `json:"sent"`
	Deduped     int64 `json:"deduped"`
	RateLimited int64 `json:"rate_limited"`
	Dropped     int64 `json:"dropped"`
	Failed      int64 `json:"failed"`
}

// Slack posts alerts to an incoming webhook from a single worker. Notify
// never blocks: duplicates within the dedupe window and alerts over the
// rate limit are discarded, and a full queue drops the alert unless it is
// critical, in which case the oldest queued alert makes room.
type Slack struct {
	cfg     Config
	client  *http.Client
	queue   chan Alert
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	retryInitial time.Duration

	mu      sync.Mutex
	sent    map[string]time.Time
	metrics Metrics
}

func NewSlack(cfg Config, logger *zap.Logger) *Slack {
	cfg = cfg.WithDefaults()
	return &Slack{
		cfg:          cfg,
		client:       &http.Client{Timeout: cfg.Timeout},
		queue:        make(chan Alert, cfg.QueueSize),
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.PerMinute)), cfg.PerMinute),
		logger:       observ.OrNop(logger),
		now:          time.Now,
		retryInitial: time.Second,
		sent:         make(map[string]time.Time),
	}
}

func (s *Slack) Notify(a Alert) {
	if a.At.IsZero() {
		a.At = s.now()
	}
	dedupeKey := a.Key + "|" + string(a.Severity)

	s.mu.Lock()
	if last, ok := s.sent[dedupeKey]; ok && a.At.Sub(last) < s.cfg.DedupeWindow {
		s.metrics.Deduped++
		s.mu.Unlock()
		return
	}
	s.sent[dedupeKey] = a.At
	for k, t := range s.sent {
		if a.At.Sub(t) >= s.cfg.DedupeWindow {
			delete(s.sent, k)
		}
	}
	if !s.limiter.AllowN(a.At, 1) {
		s.metrics.RateLimited++
		s.mu.Unlock()
		observ.IncCounter("alerts_rate_limited_total", nil)
		return
	}
	s.mu.Unlock()

	select {
	case s.queue <- a:
		return
	default:
	}
	if a.Severity == SeverityCritical {
		select {
		case <-s.queue:
			s.count(func(m *Metrics) { m.Dropped++ })
		default:
		}
		select {
		case s.queue <- a:
			return
		default:
		}
	}
	s.count(func(m *Metrics) { m.Dropped++ })
	observ.IncCounter("alerts_dropped_total", nil)
}

// Run delivers queued alerts until ctx is done.
func (s *Slack) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-s.queue:
			if err := s.deliver(ctx, a); err != nil {
				s.count(func(m *Metrics) { m.Failed++ })
				observ.IncCounter("alerts_webhook_errors_total", nil)
				s.logger.Warn("alert delivery failed", zap.String("key", a.Key), zap.Error(err))
				continue
			}
			s.count(func(m *Metrics) { m.Sent++ })
			observ.IncCounter("alerts_sent_total", map[string]string{"severity": string(a.Severity)})
		}
	}
}

func (s *Slack) deliver(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(format(a, s.cfg.Channel))
	if err != nil {
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryInitial
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.post(ctx, payload)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.cfg.MaxAttempts)))
	return err
}

func (s *Slack) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("webhook status %d", resp.StatusCode))
	}
}

func format(a Alert, channel string) message {
	color := "good"
	switch a.Severity {
	case SeverityWarning:
		color = "warning"
	case SeverityCritical:
		color = "danger"
	}

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]field, 0, len(keys)+1)
	for _, k := range keys {
		fields = append(fields, field{Title: k, Value: a.Fields[k], Short: true})
	}
	fields = append(fields, field{Title: "time", Value: a.At.UTC().Format(time.RFC3339), Short: true})

	return message{
		Channel:     channel,
		Text:        fmt.Sprintf("[%s] %s", a.Severity, a.Title),
		Attachments: []attachment{{Color: color, Fields: fields}},
	}
}

func (s *Slack) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Slack) count(fn func(*Metrics)) {
	s.mu.Lock()
	fn(&s.metrics)
	s.mu.Unlock()
}
