package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// reply is what the fake broker sends back for one request. A nil body
// means no reply at all.
type reply struct {
	body  map[string]any
	delay time.Duration
	drop  bool // close the connection instead of answering
}

type handler func(req map[string]any) reply

// fakeBroker is a scripted WebSocket server speaking the broker protocol.
type fakeBroker struct {
	t      *testing.T
	srv    *httptest.Server
	handle handler

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []map[string]any
	dials    int
}

func newFakeBroker(t *testing.T, h handler) *fakeBroker {
	t.Helper()
	f := &fakeBroker{t: t, handle: h}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.dials++
		f.mu.Unlock()
		f.serve(conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBroker) serve(conn *websocket.Conn) {
	var writeMu sync.Mutex
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req map[string]any
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		f.mu.Lock()
		f.received = append(f.received, req)
		f.mu.Unlock()

		r := f.handle(req)
		if r.drop {
			return
		}
		if r.body == nil {
			continue
		}
		r.body["req_id"] = req["req_id"]
		r.body["echo_req"] = req
		go func(r reply) {
			if r.delay > 0 {
				time.Sleep(r.delay)
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = conn.WriteJSON(r.body)
		}(r)
	}
}

func (f *fakeBroker) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// Requests returns every received request of the given kind.
func (f *fakeBroker) Requests(kind string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, r := range f.received {
		if _, ok := r[kind]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeBroker) Dials() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// DropAll closes every server-side connection.
func (f *fakeBroker) DropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		_ = c.Close()
	}
	f.conns = nil
}

func ok(msgType string, body any) reply {
	return reply{body: map[string]any{"msg_type": msgType, msgType: body}}
}

func fail(msgType, code, message string) reply {
	return reply{body: map[string]any{
		"msg_type": msgType,
		"error":    map[string]any{"code": code, "message": message},
	}}
}

func authorized(loginID string, balance float64, accounts ...string) reply {
	list := []map[string]any{{"loginid": loginID, "currency": "USD", "is_virtual": 1}}
	for _, a := range accounts {
		list = append(list, map[string]any{"loginid": a, "currency": "USD", "is_virtual": 0})
	}
	return ok("authorize", map[string]any{
		"loginid":      loginID,
		"balance":      balance,
		"currency":     "USD",
		"is_virtual":   1,
		"account_list": list,
	})
}

// standard answers the handshake and pings; everything else goes to next.
func standard(next handler) handler {
	return func(req map[string]any) reply {
		switch {
		case req["authorize"] != nil:
			return authorized("VRTC1", 100)
		case req["ping"] != nil:
			return ok("ping", "pong")
		}
		if next == nil {
			return reply{}
		}
		return next(req)
	}
}
