package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/observ"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ Sink = (*SQLiteSink)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	id             TEXT PRIMARY KEY,
	symbol         TEXT NOT NULL,
	direction      TEXT NOT NULL,
	strategy       TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL DEFAULT 0,
	metadata       TEXT NOT NULL DEFAULT '{}',
	stake          REAL NOT NULL DEFAULT 0,
	duration       INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL,
	reason         TEXT NOT NULL DEFAULT '',
	adjustments    TEXT NOT NULL DEFAULT '[]',
	contract_id    TEXT,
	ask_price      REAL NOT NULL DEFAULT 0,
	buy_price      REAL NOT NULL DEFAULT 0,
	payout         REAL NOT NULL DEFAULT 0,
	balance_after  REAL NOT NULL DEFAULT 0,
	profit         REAL NOT NULL DEFAULT 0,
	broker_code    TEXT NOT NULL DEFAULT '',
	broker_message TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	settled_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
CREATE INDEX IF NOT EXISTS idx_decisions_symbol_created ON decisions(symbol, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_decisions_contract ON decisions(contract_id) WHERE contract_id IS NOT NULL;
`

// SQLiteSink implements Sink on a SQLite database file.
type SQLiteSink struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init audit db: %w", err)
		}
	}
	return &SQLiteSink{db: db, logger: observ.OrNop(logger)}, nil
}

// Close closes the database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) Record(ctx context.Context, rec domain.DecisionRecord, res *domain.OrderResult) error {
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	adj, err := json.Marshal(orEmptySlice(rec.Adjustments))
	if err != nil {
		return fmt.Errorf("encode adjustments: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var (
		contractID                     sql.NullString
		ask, buyPrice, payout, balance float64
		brokerCode, brokerMessage      string
	)
	if res != nil {
		if res.ContractID != "" {
			contractID = sql.NullString{String: res.ContractID, Valid: true}
		}
		ask, buyPrice, payout, balance = res.AskPrice, res.BuyPrice, res.Payout, res.BalanceAfter
		brokerCode, brokerMessage = res.RejectCode, res.RejectMessage
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, symbol, direction, strategy, confidence, metadata, stake, duration,
			status, reason, adjustments, contract_id, ask_price, buy_price, payout, balance_after,
			broker_code, broker_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Symbol, string(rec.Direction), rec.Strategy, rec.Confidence, string(meta),
		rec.Stake, rec.Duration, string(rec.Status), rec.Reason, string(adj), contractID,
		ask, buyPrice, payout, balance, brokerCode, brokerMessage, created.UnixNano())
	if err != nil {
		observ.IncCounter("audit_write_errors_total", nil)
		return fmt.Errorf("insert decision %s: %w", rec.ID, err)
	}
	observ.IncCounter("audit_records_total", map[string]string{"status": string(rec.Status)})
	return nil
}

const outcomeColumns = `id, COALESCE(contract_id, ''), symbol, direction, stake, buy_price, payout,
	duration, profit, status, created_at, settled_at`

func (s *SQLiteSink) RecentTrades(ctx context.Context, q TradeQuery) ([]domain.TradeOutcome, error) {
	statuses := []string{string(domain.StatusWon), string(domain.StatusLost)}
	if q.IncludePending {
		statuses = append(statuses, string(domain.StatusPending), string(domain.StatusExpired))
	}
	where := []string{"status IN (" + placeholders(len(statuses)) + ")", "contract_id IS NOT NULL"}
	args := make([]any, 0, len(statuses)+3)
	for _, st := range statuses {
		args = append(args, st)
	}
	if q.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, q.Symbol)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	query := "SELECT " + outcomeColumns + " FROM decisions WHERE " + strings.Join(where, " AND ") +
		" ORDER BY created_at DESC, rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	out, err := s.queryOutcomes(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *SQLiteSink) PendingTrades(ctx context.Context) ([]domain.TradeOutcome, error) {
	return s.queryOutcomes(ctx, "SELECT "+outcomeColumns+
		" FROM decisions WHERE status = ? AND contract_id IS NOT NULL ORDER BY created_at, rowid",
		string(domain.StatusPending))
}

func (s *SQLiteSink) Settle(ctx context.Context, contractID string, status domain.TradeStatus, profit float64, closedAt time.Time) error {
	if !validSettlement(status) {
		return fmt.Errorf("invalid settlement status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET status = ?, profit = ?, settled_at = ?
		WHERE contract_id = ? AND status = ?`,
		string(status), profit, closedAt.UnixNano(), contractID, string(domain.StatusPending))
	if err != nil {
		return fmt.Errorf("settle %s: %w", contractID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle %s: %w", contractID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, contractID)
	}
	s.logger.Debug("trade settled",
		zap.String("contract_id", contractID),
		zap.String("status", string(status)),
		zap.Float64("profit", profit))
	return nil
}

func (s *SQLiteSink) queryOutcomes(ctx context.Context, query string, args ...any) ([]domain.TradeOutcome, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeOutcome
	for rows.Next() {
		var (
			o               domain.TradeOutcome
			direction       string
			status          string
			stake, buyPrice float64
			created         int64
			settled         sql.NullInt64
		)
		if err := rows.Scan(&o.TradeID, &o.ContractID, &o.Symbol, &direction, &stake, &buyPrice,
			&o.Payout, &o.Duration, &o.Profit, &status, &created, &settled); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		o.Direction = domain.Direction(direction)
		o.Status = domain.TradeStatus(status)
		o.Stake = stake
		if buyPrice > 0 {
			o.Stake = buyPrice
		}
		o.OpenedAt = time.Unix(0, created)
		if settled.Valid {
			o.ClosedAt = time.Unix(0, settled.Int64)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
