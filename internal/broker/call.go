package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/observ"
)

// Call sends req and waits for the reply carrying the same req_id. The call
// is admitted by the circuit breaker and then spaced by the rate limiter.
// A non-positive timeout uses Config.CallTimeout.
func (c *Client) Call(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}
	if err := c.limiter.Acquire(ctx); err != nil {
		c.breaker.Cancel()
		return nil, err
	}
	resp, err := c.roundTrip(ctx, req, timeout)
	if Classify(err) == KindCanceled {
		c.breaker.Cancel()
	} else {
		c.breaker.Done(err)
	}
	return resp, err
}

// roundTrip is the bare correlated exchange. The heartbeat and the
// authorization handshake use it directly.
func (c *Client) roundTrip(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = c.cfg.CallTimeout
	}
	kind := req.kind()

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.nextID++
	id := c.nextID
	p := &pendingRequest{kind: kind, sent: time.Now(), done: make(chan callResult, 1)}
	c.pending[id] = p
	c.mu.Unlock()

	payload := make(map[string]any, len(req)+1)
	for k, v := range req {
		payload[k] = v
	}
	payload["req_id"] = id
	data, err := json.Marshal(payload)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("%w: encode %s: %w", ErrMalformed, kind, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		c.degrade(conn, err)
		return nil, fmt.Errorf("%w: send %s: %v", ErrConnectionLost, kind, err)
	}
	observ.IncCounter("broker_requests_total", map[string]string{"msg_type": kind})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.done:
		if r.err != nil {
			observ.IncCounter("broker_request_errors_total", map[string]string{"msg_type": kind, "kind": string(Classify(r.err))})
		}
		return r.resp, r.err
	case <-timer.C:
		c.forget(id)
		observ.IncCounter("broker_request_timeouts_total", map[string]string{"msg_type": kind})
		c.logger.Warn("broker call timed out",
			zap.String("msg_type", kind),
			zap.Int64("req_id", id),
			zap.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, kind, timeout)
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
