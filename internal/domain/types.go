// Package domain holds the data model shared by the broker client, the risk
// pipeline, the audit sink and the execution engine.
package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a rise/fall contract.
type Direction string

const (
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
	DirectionNone Direction = "NONE"
)

// Tradable reports whether the direction maps to a contract type.
func (d Direction) Tradable() bool {
	return d == DirectionCall || d == DirectionPut
}

// ParseDirection accepts CALL/PUT as well as buy/sell and rise/fall aliases.
func ParseDirection(s string) Direction {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "BUY", "RISE", "UP":
		return DirectionCall
	case "PUT", "SELL", "FALL", "DOWN":
		return DirectionPut
	default:
		return DirectionNone
	}
}

// Signal is the common core every strategy returns. Strategy-specific fields
// go in Metadata.
type Signal struct {
	Symbol     string         `json:"symbol"`
	Direction  Direction      `json:"direction"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source_strategy"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	At         time.Time      `json:"at"`
}

// OrderIntent is what the engine asks the broker to buy. Treat as immutable.
type OrderIntent struct {
	TradeID      string    `json:"trade_id"`
	Symbol       string    `json:"symbol"`
	Direction    Direction `json:"direction"`
	Stake        float64   `json:"stake"`
	Duration     int       `json:"duration"`
	DurationUnit string    `json:"duration_unit"`
	Currency     string    `json:"currency"`
	StopLoss     *float64  `json:"stop_loss,omitempty"`
	TakeProfit   *float64  `json:"take_profit,omitempty"`
}

// OrderResult is the broker's answer to an OrderIntent.
type OrderResult struct {
	Accepted      bool      `json:"accepted"`
	ContractID    string    `json:"contract_id,omitempty"`
	AskPrice      float64   `json:"ask_price,omitempty"`
	BuyPrice      float64   `json:"buy_price,omitempty"`
	Payout        float64   `json:"payout,omitempty"`
	BalanceAfter  float64   `json:"balance_after,omitempty"`
	PurchasedAt   time.Time `json:"purchased_at,omitempty"`
	RejectKind    string    `json:"reject_kind,omitempty"`
	RejectCode    string    `json:"reject_code,omitempty"`
	RejectMessage string    `json:"reject_message,omitempty"`
}

// AccountKind distinguishes real from demo (virtual) accounts.
type AccountKind string

const (
	AccountReal AccountKind = "real"
	AccountDemo AccountKind = "demo"
)

// BalanceSnapshot is one observation of the account balance.
type BalanceSnapshot struct {
	Amount    float64     `json:"amount"`
	Currency  string      `json:"currency"`
	AccountID string      `json:"account_id"`
	Kind      AccountKind `json:"kind"`
	FetchedAt time.Time   `json:"fetched_at"`
	Stale     bool        `json:"stale,omitempty"`
	Err       string      `json:"error,omitempty"`
}

// ContractStatus is the broker's view of a purchased contract.
type ContractStatus struct {
	ContractID string  `json:"contract_id"`
	IsSold     bool    `json:"is_sold"`
	Status     string  `json:"status"` // open | won | lost | sold
	Profit     float64 `json:"profit"`
	BuyPrice   float64 `json:"buy_price"`
	SellPrice  float64 `json:"sell_price"`
}

// SellResult is the broker's answer to an early sell.
type SellResult struct {
	ContractID   string  `json:"contract_id"`
	Profit       float64 `json:"profit"`
	Price        float64 `json:"price"`
	BalanceAfter float64 `json:"balance_after"`
}

// TradeStatus is the lifecycle state stored by the audit sink.
type TradeStatus string

const (
	StatusPending  TradeStatus = "pending"
	StatusWon      TradeStatus = "won"
	StatusLost     TradeStatus = "lost"
	StatusExpired  TradeStatus = "expired"
	StatusRejected TradeStatus = "rejected"
	StatusError    TradeStatus = "error"
	StatusSkipped  TradeStatus = "skipped"
)

// Settled reports whether the status counts toward performance metrics.
func (s TradeStatus) Settled() bool {
	return s == StatusWon || s == StatusLost
}

// TradeOutcome is a placed contract as seen by the risk pipeline.
type TradeOutcome struct {
	TradeID    string      `json:"trade_id"`
	ContractID string      `json:"contract_id"`
	Symbol     string      `json:"symbol"`
	Direction  Direction   `json:"direction"`
	Stake      float64     `json:"stake"`
	Payout     float64     `json:"payout"`
	Duration   int         `json:"duration"`
	Profit     float64     `json:"profit"`
	Status     TradeStatus `json:"status"`
	OpenedAt   time.Time   `json:"opened_at"`
	ClosedAt   time.Time   `json:"closed_at,omitempty"`
}

// Won reports whether the outcome is a settled win.
func (o TradeOutcome) Won() bool { return o.Status == StatusWon }

// DecisionRecord is written to the audit sink for every evaluated signal.
type DecisionRecord struct {
	ID          string         `json:"id"`
	Symbol      string         `json:"symbol"`
	Direction   Direction      `json:"direction"`
	Strategy    string         `json:"strategy"`
	Confidence  float64        `json:"confidence"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Stake       float64        `json:"stake"`
	Duration    int            `json:"duration"`
	Status      TradeStatus    `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	Adjustments []string       `json:"adjustments,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Tick is one price observation from the broker's history endpoint.
type Tick struct {
	Time  time.Time `json:"time"`
	Price float64   `json:"price"`
}

// Money rounds an amount to cents, half away from zero.
func Money(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(2).Float64()
	return f
}
