// Package outbox appends the order lifecycle to a JSON-lines journal next to
// the audit database. The journal records every attempt before it reaches
// the broker, so an order the broker may have filled despite a lost reply
// is still visible after a restart.
package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// Entry types.
const (
	TypeOrder      = "order"
	TypeFill       = "fill"
	TypeSettlement = "settlement"
)

type Order struct {
	TradeID   string           `json:"trade_id"`
	Symbol    string           `json:"symbol"`
	Direction domain.Direction `json:"direction"`
	Stake     float64          `json:"stake"`
	Duration  int              `json:"duration"`
}

type Fill struct {
	TradeID    string  `json:"trade_id"`
	Symbol     string  `json:"symbol"`
	ContractID string  `json:"contract_id"`
	AskPrice   float64 `json:"ask_price"`
	BuyPrice   float64 `json:"buy_price"`
	Payout     float64 `json:"payout"`
	LatencyMs  int64   `json:"latency_ms"`
}

type Settlement struct {
	ContractID string             `json:"contract_id"`
	Symbol     string             `json:"symbol"`
	Status     domain.TradeStatus `json:"status"`
	Profit     float64            `json:"profit"`
}

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox is safe for concurrent use.
type Outbox struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// New creates the journal directory. The file is created on first write.
func New(path string) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Outbox{path: path, now: time.Now}, nil
}

func (o *Outbox) WriteOrder(order Order) error { return o.append(TypeOrder, order) }

func (o *Outbox) WriteFill(fill Fill) error { return o.append(TypeFill, fill) }

func (o *Outbox) WriteSettlement(s Settlement) error { return o.append(TypeSettlement, s) }

func (o *Outbox) append(kind string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: raw, Event: o.now().UTC()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Entries reads the journal, skipping lines that do not decode.
func (o *Outbox) Entries() ([]Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.Open(o.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", o.path, err)
	}
	return out, nil
}

// LastOrders returns the time of the latest order attempt per symbol since
// the cutoff.
func (o *Outbox) LastOrders(since time.Time) (map[string]time.Time, error) {
	entries, err := o.Entries()
	if err != nil {
		return nil, err
	}
	last := make(map[string]time.Time)
	for _, e := range entries {
		if e.Type != TypeOrder || e.Event.Before(since) {
			continue
		}
		var order Order
		if json.Unmarshal(e.Data, &order) != nil {
			continue
		}
		if e.Event.After(last[order.Symbol]) {
			last[order.Symbol] = e.Event
		}
	}
	return last, nil
}
