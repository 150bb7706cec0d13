// Package audit persists every trading decision and broker result, and
// serves the rolling trade history the risk pipeline reads.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// ErrNotFound is returned by Settle when no pending trade has the contract id.
var ErrNotFound = errors.New("pending trade not found")

// TradeQuery selects placed trades. By default only settled (won/lost)
// trades are returned.
type TradeQuery struct {
	Symbol         string    // empty means all symbols
	Since          time.Time // zero means no lower bound
	Limit          int       // most recent N; zero means no limit
	IncludePending bool
}

// Sink is the storage contract the core depends on.
type Sink interface {
	// Record stores a decision and, when an order was attempted, the broker
	// result.
	Record(ctx context.Context, rec domain.DecisionRecord, res *domain.OrderResult) error
	// RecentTrades returns matching trades, oldest first.
	RecentTrades(ctx context.Context, q TradeQuery) ([]domain.TradeOutcome, error)
	// PendingTrades returns all trades awaiting settlement.
	PendingTrades(ctx context.Context) ([]domain.TradeOutcome, error)
	// Settle finalizes a pending trade.
	Settle(ctx context.Context, contractID string, status domain.TradeStatus, profit float64, closedAt time.Time) error
}

func validSettlement(status domain.TradeStatus) bool {
	switch status {
	case domain.StatusWon, domain.StatusLost, domain.StatusExpired:
		return true
	}
	return false
}

// placed reports whether a status belongs to a contract that was bought.
func placed(status domain.TradeStatus, includePending bool) bool {
	if status.Settled() {
		return true
	}
	return includePending && (status == domain.StatusPending || status == domain.StatusExpired)
}
