package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

var _ Sink = (*Memory)(nil)

type memRow struct {
	rec     domain.DecisionRecord
	res     *domain.OrderResult
	profit  float64
	settled time.Time
}

// Memory is an in-process Sink for tests and dry runs.
type Memory struct {
	mu   sync.Mutex
	rows []*memRow
}

// NewMemory returns an empty sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Record(_ context.Context, rec domain.DecisionRecord, res *domain.OrderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := &memRow{rec: rec}
	if res != nil {
		r := *res
		row.res = &r
	}
	m.rows = append(m.rows, row)
	return nil
}

func (m *Memory) RecentTrades(_ context.Context, q TradeQuery) ([]domain.TradeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeOutcome
	for _, row := range m.rows {
		if row.res == nil || !row.res.Accepted {
			continue
		}
		if !placed(row.rec.Status, q.IncludePending) {
			continue
		}
		if q.Symbol != "" && row.rec.Symbol != q.Symbol {
			continue
		}
		if !q.Since.IsZero() && row.rec.CreatedAt.Before(q.Since) {
			continue
		}
		out = append(out, row.outcome())
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (m *Memory) PendingTrades(_ context.Context) ([]domain.TradeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TradeOutcome
	for _, row := range m.rows {
		if row.rec.Status == domain.StatusPending && row.res != nil {
			out = append(out, row.outcome())
		}
	}
	return out, nil
}

func (m *Memory) Settle(_ context.Context, contractID string, status domain.TradeStatus, profit float64, closedAt time.Time) error {
	if !validSettlement(status) {
		return fmt.Errorf("invalid settlement status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.res != nil && row.res.ContractID == contractID && row.rec.Status == domain.StatusPending {
			row.rec.Status = status
			row.profit = profit
			row.settled = closedAt
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, contractID)
}

// Records returns a copy of every stored decision in insertion order.
func (m *Memory) Records() []domain.DecisionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DecisionRecord, len(m.rows))
	for i, row := range m.rows {
		out[i] = row.rec
	}
	return out
}

func (r *memRow) outcome() domain.TradeOutcome {
	o := domain.TradeOutcome{
		TradeID:   r.rec.ID,
		Symbol:    r.rec.Symbol,
		Direction: r.rec.Direction,
		Stake:     r.rec.Stake,
		Duration:  r.rec.Duration,
		Profit:    r.profit,
		Status:    r.rec.Status,
		OpenedAt:  r.rec.CreatedAt,
		ClosedAt:  r.settled,
	}
	if r.res != nil {
		o.ContractID = r.res.ContractID
		o.Payout = r.res.Payout
		if r.res.BuyPrice > 0 {
			o.Stake = r.res.BuyPrice
		}
	}
	return o
}
