// Package broker is the WebSocket client for the broker's JSON API. Many
// logical request/response exchanges are multiplexed over one connection and
// correlated by a numeric req_id.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/guard"
	"github.com/Rajchodisetti/options-trader/internal/observ"
)

// State is the connection lifecycle position.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Account is one entry of the authorized account list.
type Account struct {
	LoginID  string `json:"loginid"`
	Currency string `json:"currency"`
	Virtual  bool   `json:"virtual"`
}

// Session describes the authorized account.
type Session struct {
	AccountID       string    `json:"account_id"`
	Currency        string    `json:"currency"`
	Virtual         bool      `json:"virtual"`
	Accounts        []Account `json:"accounts"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
}

type callResult struct {
	resp *Response
	err  error
}

type pendingRequest struct {
	kind string
	sent time.Time
	done chan callResult // cap 1, fulfilled at most once
}

// Client owns one broker connection at a time. All methods are safe for
// concurrent use.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *guard.Limiter
	breaker *guard.Breaker
	logger  *zap.Logger

	mu                  sync.Mutex
	state               State
	conn                *websocket.Conn
	pending             map[int64]*pendingRequest
	nextID              int64
	session             Session
	combinedUnsupported bool
	reconnecting        bool
	heartbeatStarted    bool
	onBalance           func(domain.BalanceSnapshot)

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = observ.OrNop(l) }
}

// WithLimiter replaces the limiter built from Config.CallsPerSecond.
func WithLimiter(l *guard.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithBreaker replaces the breaker built from Config.Breaker.
func WithBreaker(b *guard.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithDialer replaces the default websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// OnBalance registers a hook that receives every balance the broker reports,
// including the one in the authorize reply.
func OnBalance(fn func(domain.BalanceSnapshot)) Option {
	return func(c *Client) { c.onBalance = fn }
}

// New builds a disconnected client. Call Connect before issuing requests.
func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.WithDefaults()
	c := &Client{
		cfg:     cfg,
		dialer:  websocket.DefaultDialer,
		limiter: guard.NewLimiter(cfg.CallsPerSecond),
		breaker: guard.NewBreaker("broker", cfg.Breaker, IsTransient),
		logger:  zap.NewNop(),
		state:   StateDisconnected,
		pending: make(map[int64]*pendingRequest),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials, authorizes and starts the heartbeat. A failed initial
// connect is returned to the caller without retrying.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateClosed {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	if err := c.establish(ctx); err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	start := !c.heartbeatStarted
	c.heartbeatStarted = true
	c.mu.Unlock()
	if start {
		c.wg.Add(1)
		go c.heartbeat()
	}
	return nil
}

func (c *Client) establish(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		observ.IncCounter("broker_dial_failures_total", nil)
		return err
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	sess, _, err := c.Authenticate(ctx, c.cfg.Token, c.cfg.Account)
	if err != nil {
		// the read loop does the bookkeeping
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return ErrConnectionLost
	}
	c.session = sess
	c.reconnecting = false
	c.setStateLocked(StateAuthenticated)
	c.logger.Info("broker session authenticated",
		zap.String("account", sess.AccountID),
		zap.String("currency", sess.Currency),
		zap.Bool("virtual", sess.Virtual))
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	if c.cfg.AppID != "" {
		q := u.Query()
		if q.Get("app_id") == "" {
			q.Set("app_id", c.cfg.AppID)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.Warn("dropping undecodable broker message", zap.Error(err))
		return
	}
	if env.ReqID == nil {
		// subscription stream without correlation id
		c.logger.Debug("uncorrelated broker message", zap.String("msg_type", env.MsgType))
		return
	}

	id := *env.ReqID
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("late broker response", zap.Int64("req_id", id), zap.String("msg_type", env.MsgType))
		observ.IncCounter("broker_late_responses_total", nil)
		return
	}

	observ.RecordDuration("broker_call_duration", time.Since(p.sent), map[string]string{"msg_type": p.kind})
	if env.Error != nil {
		apiErr := *env.Error
		apiErr.MsgType = env.MsgType
		p.done <- callResult{err: &apiErr}
		return
	}
	p.done <- callResult{resp: &Response{ReqID: id, MsgType: env.MsgType, Raw: json.RawMessage(msg)}}
}

// handleDisconnect runs once per connection, from its read loop.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	prev := c.state

	startLoop := (prev == StateAuthenticated || prev == StateDegraded) && !c.reconnecting
	if startLoop {
		c.reconnecting = true
	}
	if c.reconnecting {
		c.setStateLocked(StateReconnecting)
	} else {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	_ = conn.Close()
	failAll(pending, ErrConnectionLost)

	c.logger.Warn("broker connection lost",
		zap.String("previous_state", prev.String()),
		zap.Int("failed_requests", len(pending)),
		zap.Error(cause))
	observ.IncCounter("broker_disconnects_total", nil)

	if startLoop {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInitial
	bo.MaxInterval = c.cfg.ReconnectMax
	bo.Reset()

	for attempt := 1; ; attempt++ {
		wait := bo.NextBackOff()
		select {
		case <-c.done:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.establish(ctx)
		cancel()
		if err == nil {
			observ.IncCounter("broker_reconnects_total", nil)
			c.logger.Info("broker reconnected", zap.Int("attempt", attempt))
			return
		}

		var authErr *AuthError
		if errors.Is(err, ErrClosed) || errors.As(err, &authErr) {
			c.mu.Lock()
			c.reconnecting = false
			if c.state != StateClosed {
				c.setStateLocked(StateDisconnected)
			}
			c.mu.Unlock()
			if authErr != nil {
				c.logger.Error("reauthorization failed, giving up on session", zap.Error(err))
			}
			return
		}

		c.mu.Lock()
		if c.state != StateClosed {
			c.setStateLocked(StateReconnecting)
		}
		c.mu.Unlock()
		c.logger.Warn("broker reconnect failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

// degrade marks a live connection unhealthy and forces a reconnect.
func (c *Client) degrade(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	if c.state == StateAuthenticated {
		c.setStateLocked(StateDegraded)
	}
	c.mu.Unlock()
	c.logger.Warn("broker connection degraded", zap.Error(cause))
	_ = conn.Close()
}

func (c *Client) heartbeat() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		conn, state := c.conn, c.state
		c.mu.Unlock()
		if conn == nil || state != StateAuthenticated {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HeartbeatTimeout)
		_, err := c.roundTrip(ctx, Request{"ping": 1}, c.cfg.HeartbeatTimeout)
		cancel()
		if err != nil {
			observ.IncCounter("broker_heartbeat_failures_total", nil)
			c.degrade(conn, err)
		}
	}
}

// Close shuts the connection and fails everything in flight with ErrClosed.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		pending := c.pending
		c.pending = make(map[int64]*pendingRequest)
		c.setStateLocked(StateClosed)
		c.mu.Unlock()

		close(c.done)
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		failAll(pending, ErrClosed)
	})
	c.wg.Wait()
	return nil
}

// State returns the lifecycle position.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the last authorized session.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Accounts = slices.Clone(c.session.Accounts)
	return s
}

// Circuit exposes the breaker state for health reporting.
func (c *Client) Circuit() guard.CircuitState {
	return c.breaker.Snapshot()
}

// Health reports connection health for the monitor endpoint.
func (c *Client) Health() (string, map[string]any) {
	state := c.State()
	circuit := c.breaker.Snapshot()
	details := map[string]any{
		"connection": state.String(),
		"circuit":    circuit.State,
		"failures":   circuit.ConsecutiveFailures,
	}
	switch {
	case state == StateClosed || state == StateDisconnected:
		return observ.StatusFailed, details
	case state != StateAuthenticated || circuit.State != guard.StateClosed:
		return observ.StatusDegraded, details
	default:
		return observ.StatusHealthy, details
	}
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	observ.SetGauge("broker_connection_state", float64(s), nil)
}

func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func failAll(pending map[int64]*pendingRequest, err error) {
	for _, p := range pending {
		p.done <- callResult{err: err}
	}
}
