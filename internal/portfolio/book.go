// Package portfolio tracks the contracts the account currently holds.
package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// Position is one open contract.
type Position struct {
	ContractID string           `json:"contract_id"`
	TradeID    string           `json:"trade_id"`
	Symbol     string           `json:"symbol"`
	Direction  domain.Direction `json:"direction"`
	Stake      float64          `json:"stake"`
	Payout     float64          `json:"payout"`
	OpenedAt   time.Time        `json:"opened_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// state is the persisted form of the book.
type state struct {
	Version   int64      `json:"version"`
	UpdatedAt string     `json:"updated_at"`
	Positions []Position `json:"positions"`
}

// Book is the in-memory set of open contracts keyed by contract id. It is
// rebuilt from the audit sink at start; the optional state file is a
// snapshot for operators, not a source of truth.
type Book struct {
	mu        sync.RWMutex
	positions map[string]Position
	filePath  string
	version   int64
}

// NewBook creates an empty book. An empty filePath disables snapshots.
func NewBook(filePath string) *Book {
	return &Book{positions: make(map[string]Position), filePath: filePath}
}

// Open adds a position and persists the snapshot.
func (b *Book) Open(p Position) error {
	if p.ContractID == "" {
		return fmt.Errorf("position for %s has no contract id", p.Symbol)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.ContractID] = p
	return b.saveUnsafe()
}

// Close removes a position, returning it if it was open.
func (b *Book) Close(contractID string) (Position, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[contractID]
	if !ok {
		return Position{}, false, nil
	}
	delete(b.positions, contractID)
	return p, true, b.saveUnsafe()
}

// Replace swaps the whole book, used when reloading pending trades.
func (b *Book) Replace(ps []Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]Position, len(ps))
	for _, p := range ps {
		if p.ContractID != "" {
			b.positions[p.ContractID] = p
		}
	}
	return b.saveUnsafe()
}

// Positions returns open positions, oldest first.
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ContractID < out[j].ContractID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Count returns the number of open positions.
func (b *Book) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// Exposure sums stakes at risk across open positions.
func (b *Book) Exposure() float64 {
	return b.ExposureWhere(nil)
}

// ExposureWhere sums stakes of positions whose symbol matches. A nil
// matcher matches everything.
func (b *Book) ExposureWhere(match func(symbol string) bool) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0.0
	for _, p := range b.positions {
		if match == nil || match(p.Symbol) {
			total += p.Stake
		}
	}
	return total
}

// Exposures returns stakes at risk grouped by symbol.
func (b *Book) Exposures() map[string]float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]float64)
	for _, p := range b.positions {
		out[p.Symbol] += p.Stake
	}
	return out
}

// saveUnsafe writes the snapshot atomically; caller holds the lock.
func (b *Book) saveUnsafe() error {
	b.version++
	if b.filePath == "" {
		return nil
	}
	st := state{
		Version:   b.version,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Positions: make([]Position, 0, len(b.positions)),
	}
	for _, p := range b.positions {
		st.Positions = append(st.Positions, p)
	}
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].ContractID < st.Positions[j].ContractID })

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal book: %w", err)
	}
	tempPath := b.filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp book: %w", err)
	}
	if err := os.Rename(tempPath, b.filePath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename book: %w", err)
	}
	return nil
}
