// Package engine runs the trading loop: per tick it asks the signal provider
// about every tradable symbol, sizes and admits the trade through the risk
// gate, and places it with the broker. A second loop settles open contracts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/options-trader/internal/audit"
	"github.com/Rajchodisetti/options-trader/internal/broker"
	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/observ"
	"github.com/Rajchodisetti/options-trader/internal/outbox"
	"github.com/Rajchodisetti/options-trader/internal/portfolio"
	"github.com/Rajchodisetti/options-trader/internal/risk"
	"github.com/Rajchodisetti/options-trader/internal/signal"
)

// Skip reasons for orders the broker declined without rejecting the trade.
const (
	ReasonUnavailable = "UNAVAILABLE"
	ReasonRateLimited = "RATE_LIMITED"
)

// Broker is the part of the protocol client the engine drives.
type Broker interface {
	PlaceOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error)
	ContractStatus(ctx context.Context, contractID string) (domain.ContractStatus, error)
}

// Gate admits trades.
type Gate interface {
	Refresh(ctx context.Context) (risk.Snapshot, error)
	Parameters() risk.AdaptiveParameters
	ValidateNewPosition(ctx context.Context, req risk.Request) risk.Decision
}

// Invalidator drops the cached balance after anything that changes it.
type Invalidator interface {
	Invalidate()
}

// Deps are the engine's collaborators. Journal is optional.
type Deps struct {
	Broker  Broker
	Gate    Gate
	Signals signal.Provider
	Ticks   signal.TickSource
	Audit   audit.Sink
	Book    *portfolio.Book
	Balance Invalidator
	Journal *outbox.Outbox
	Logger  *zap.Logger
}

type Engine struct {
	cfg      Config
	broker   Broker
	gate     Gate
	signals  signal.Provider
	ticks    signal.TickSource
	audit    audit.Sink
	book     *portfolio.Book
	balance  Invalidator
	journal  *outbox.Outbox
	logger   *zap.Logger
	now      func() time.Time
	reentry  *ReentryGuard
	symbols  *Availability
	universe []string
}

func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.WithDefaults()
	return &Engine{
		cfg:      cfg,
		broker:   deps.Broker,
		gate:     deps.Gate,
		signals:  deps.Signals,
		ticks:    deps.Ticks,
		audit:    deps.Audit,
		book:     deps.Book,
		balance:  deps.Balance,
		journal:  deps.Journal,
		logger:   observ.OrNop(deps.Logger),
		now:      time.Now,
		reentry:  NewReentryGuard(cfg.MinReentry),
		symbols:  NewAvailability(cfg.UnavailableRetry),
		universe: cfg.Universe(),
	}
}

// Run restores open positions and runs both loops until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Restore(ctx); err != nil {
		return err
	}
	e.logger.Info("engine started",
		zap.Strings("symbols", e.universe),
		zap.Duration("tick", e.cfg.TickInterval),
		zap.Int("open_positions", e.book.Count()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.every(ctx, e.cfg.TickInterval, e.Tick) })
	g.Go(func() error { return e.every(ctx, e.cfg.ReconcileInterval, e.Reconcile) })
	err := g.Wait()
	e.logger.Info("engine stopped", zap.Int("open_positions", e.book.Count()))
	return err
}

func (e *Engine) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Restore reloads pending trades from the audit sink into the book and
// seeds the re-entry guard from the order journal.
func (e *Engine) Restore(ctx context.Context) error {
	pending, err := e.audit.PendingTrades(ctx)
	if err != nil {
		return fmt.Errorf("load pending trades: %w", err)
	}
	positions := make([]portfolio.Position, 0, len(pending))
	for _, t := range pending {
		if t.ContractID == "" {
			continue
		}
		positions = append(positions, portfolio.Position{
			ContractID: t.ContractID,
			TradeID:    t.TradeID,
			Symbol:     t.Symbol,
			Direction:  t.Direction,
			Stake:      t.Stake,
			Payout:     t.Payout,
			OpenedAt:   t.OpenedAt,
			ExpiresAt:  t.OpenedAt.Add(time.Duration(t.Duration) * time.Second),
		})
		e.reentry.MarkAt(t.Symbol, t.OpenedAt)
	}
	if err := e.book.Replace(positions); err != nil {
		e.logger.Warn("book snapshot failed", zap.Error(err))
	}

	if e.journal != nil {
		last, err := e.journal.LastOrders(e.now().Add(-Interval(e.cfg.MinReentry, 0)))
		if err != nil {
			e.logger.Warn("order journal unreadable", zap.Error(err))
		}
		for sym, at := range last {
			e.reentry.MarkAt(sym, at)
		}
	}
	return nil
}

// Tick refreshes the risk snapshot and processes each symbol in order. It
// stops starting new symbols once ctx is done.
func (e *Engine) Tick(ctx context.Context) {
	start := e.now()
	if _, err := e.gate.Refresh(ctx); err != nil {
		e.logger.Warn("risk refresh failed", zap.Error(err))
	}
	for _, sym := range e.universe {
		if ctx.Err() != nil {
			return
		}
		e.safeProcess(ctx, sym)
	}
	observ.Observe("engine_tick_ms", float64(e.now().Sub(start).Milliseconds()), nil)
}

func (e *Engine) safeProcess(ctx context.Context, symbol string) {
	defer func() {
		if r := recover(); r != nil {
			observ.IncCounter("engine_symbol_panics_total", map[string]string{"symbol": symbol})
			e.logger.Error("symbol processing panicked",
				zap.String("symbol", symbol),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	e.ProcessSymbol(ctx, symbol)
}

// ProcessSymbol runs one symbol through signal, risk and execution.
func (e *Engine) ProcessSymbol(ctx context.Context, symbol string) {
	log := e.logger.With(zap.String("symbol", symbol))

	if !e.symbols.Available(symbol) {
		return
	}
	if wait := e.reentry.Wait(symbol, e.winRate(ctx, symbol)); wait > 0 {
		log.Debug("re-entry interval not elapsed", zap.Duration("wait", wait))
		return
	}

	ticks, err := e.ticks.TicksHistory(ctx, symbol, e.cfg.HistoryTicks)
	if err != nil {
		e.brokerSkip(log, symbol, "ticks_history", err)
		return
	}
	prices := signal.Prices(ticks)

	sig, err := e.signals.Analyze(ctx, symbol)
	if err != nil {
		e.brokerSkip(log, symbol, "signal", err)
		return
	}
	if !sig.Direction.Tradable() {
		observ.IncCounter("engine_signals_total", map[string]string{"direction": string(domain.DirectionNone)})
		return
	}
	observ.IncCounter("engine_signals_total", map[string]string{"direction": string(sig.Direction)})

	rec := domain.DecisionRecord{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Direction:  sig.Direction,
		Strategy:   sig.Source,
		Confidence: sig.Confidence,
		Metadata:   copyMetadata(sig.Metadata),
		CreatedAt:  e.now(),
	}
	log = log.With(zap.String("trade_id", rec.ID))

	if params := e.gate.Parameters(); sig.Confidence < params.ConfidenceThreshold {
		rec.Status = domain.StatusSkipped
		rec.Reason = string(risk.ReasonLowConfidence)
		e.record(ctx, log, rec, nil)
		return
	}

	_, _, ratio := risk.VolatilityRatio(prices, e.cfg.VolatilityLookback)
	rec.Duration = SelectDuration(symbol, ratio, e.cfg.HighVolatility)
	rec.Metadata["volatility_ratio"] = ratio

	decision := e.gate.ValidateNewPosition(ctx, risk.Request{Symbol: symbol, Signal: sig, Prices: prices})
	rec.Stake = decision.Stake
	rec.Adjustments = decision.Adjustments
	rec.Metadata["sizing_rationale"] = decision.Sizing.Rationale
	rec.Metadata["risk_percent"] = decision.Sizing.RiskPercent
	rec.Metadata["confidence_threshold"] = decision.Params.ConfidenceThreshold
	if !decision.Allowed {
		rec.Status = domain.StatusSkipped
		rec.Reason = string(decision.Reason)
		e.record(ctx, log, rec, nil)
		return
	}

	e.execute(ctx, log, rec)
}

func (e *Engine) execute(ctx context.Context, log *zap.Logger, rec domain.DecisionRecord) {
	intent := domain.OrderIntent{
		TradeID:      rec.ID,
		Symbol:       rec.Symbol,
		Direction:    rec.Direction,
		Stake:        rec.Stake,
		Duration:     rec.Duration,
		DurationUnit: "s",
		Currency:     e.cfg.Currency,
	}
	e.journalWrite(log, func(j *outbox.Outbox) error {
		return j.WriteOrder(outbox.Order{
			TradeID:   intent.TradeID,
			Symbol:    intent.Symbol,
			Direction: intent.Direction,
			Stake:     intent.Stake,
			Duration:  intent.Duration,
		})
	})

	sent := e.now()
	res, err := e.broker.PlaceOrder(ctx, intent)
	if err == nil && res.Accepted {
		e.filled(ctx, log, rec, res, sent)
		return
	}
	if err == nil {
		err = errors.New("order not accepted")
	}

	kind := broker.KindOf(err)
	observ.IncCounter("engine_orders_total", map[string]string{"outcome": string(kind)})
	switch kind {
	case broker.KindUnavailable:
		e.symbols.MarkUnavailable(rec.Symbol)
		log.Info("symbol unavailable, skipping",
			zap.String("code", res.RejectCode),
			zap.Duration("retry_in", e.cfg.UnavailableRetry))
		rec.Status = domain.StatusSkipped
		rec.Reason = ReasonUnavailable
		e.record(ctx, log, rec, &res)
	case broker.KindRateLimited:
		log.Info("order deferred", zap.String("kind", string(kind)), zap.Error(err))
		rec.Status = domain.StatusSkipped
		rec.Reason = ReasonRateLimited
		e.record(ctx, log, rec, &res)
	case broker.KindCircuitOpen, broker.KindCanceled:
		log.Info("order deferred", zap.String("kind", string(kind)), zap.Error(err))
	case broker.KindTerminal:
		rec.Status = domain.StatusRejected
		rec.Reason = res.RejectCode
		if rec.Reason == "" {
			rec.Reason = string(kind)
		}
		e.record(ctx, log, rec, &res)
	default:
		rec.Status = domain.StatusError
		rec.Reason = string(kind)
		// a lost buy reply may still have bought the contract
		e.reentry.Mark(rec.Symbol)
		e.record(ctx, log, rec, &res)
	}
}

func (e *Engine) filled(ctx context.Context, log *zap.Logger, rec domain.DecisionRecord, res domain.OrderResult, sent time.Time) {
	observ.IncCounter("engine_orders_total", map[string]string{"outcome": "filled"})
	rec.Status = domain.StatusPending
	e.record(ctx, log, rec, &res)

	opened := res.PurchasedAt
	if opened.IsZero() {
		opened = e.now()
	}
	stake := res.BuyPrice
	if stake == 0 {
		stake = rec.Stake
	}
	err := e.book.Open(portfolio.Position{
		ContractID: res.ContractID,
		TradeID:    rec.ID,
		Symbol:     rec.Symbol,
		Direction:  rec.Direction,
		Stake:      stake,
		Payout:     res.Payout,
		OpenedAt:   opened,
		ExpiresAt:  opened.Add(time.Duration(rec.Duration) * time.Second),
	})
	if err != nil {
		log.Warn("book update failed", zap.Error(err))
	}
	e.reentry.Mark(rec.Symbol)
	e.balance.Invalidate()

	e.journalWrite(log, func(j *outbox.Outbox) error {
		return j.WriteFill(outbox.Fill{
			TradeID:    rec.ID,
			Symbol:     rec.Symbol,
			ContractID: res.ContractID,
			AskPrice:   res.AskPrice,
			BuyPrice:   res.BuyPrice,
			Payout:     res.Payout,
			LatencyMs:  e.now().Sub(sent).Milliseconds(),
		})
	})
	log.Info("trade opened",
		zap.String("contract_id", res.ContractID),
		zap.Float64("stake", rec.Stake),
		zap.Int("duration", rec.Duration))
}

// brokerSkip handles a failed read for symbol: unavailable symbols are
// remembered, everything else waits for the next tick.
func (e *Engine) brokerSkip(log *zap.Logger, symbol, stage string, err error) {
	kind := broker.KindOf(err)
	if kind == broker.KindUnavailable {
		e.symbols.MarkUnavailable(symbol)
	}
	log.Info("symbol skipped", zap.String("stage", stage), zap.String("kind", string(kind)), zap.Error(err))
}

// record writes to the audit sink with a context that survives shutdown.
func (e *Engine) record(ctx context.Context, log *zap.Logger, rec domain.DecisionRecord, res *domain.OrderResult) {
	observ.IncCounter("engine_decisions_total", map[string]string{"status": string(rec.Status), "reason": rec.Reason})
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AuditTimeout)
	defer cancel()
	if err := e.audit.Record(wctx, rec, res); err != nil {
		log.Error("audit record failed", zap.String("status", string(rec.Status)), zap.Error(err))
		return
	}
	if rec.Status == domain.StatusSkipped {
		log.Debug("trade skipped", zap.String("reason", rec.Reason), zap.Float64("confidence", rec.Confidence))
	}
}

func (e *Engine) journalWrite(log *zap.Logger, fn func(*outbox.Outbox) error) {
	if e.journal == nil {
		return
	}
	if err := fn(e.journal); err != nil {
		log.Warn("order journal write failed", zap.Error(err))
	}
}

// winRate is the symbol's share of wins over its recent settled trades;
// 0.5 when it has none.
func (e *Engine) winRate(ctx context.Context, symbol string) float64 {
	if _, ok := e.reentry.LastTrade(symbol); !ok {
		return 0.5
	}
	trades, err := e.audit.RecentTrades(ctx, audit.TradeQuery{Symbol: symbol, Limit: e.cfg.PerformanceWindow})
	if err != nil || len(trades) == 0 {
		return 0.5
	}
	wins := 0
	for _, t := range trades {
		if t.Won() {
			wins++
		}
	}
	return float64(wins) / float64(len(trades))
}

// Unavailable lists symbols currently skipped after the broker refused them.
func (e *Engine) Unavailable() []string { return e.symbols.Unavailable() }

func copyMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+4)
	for k, v := range m {
		out[k] = v
	}
	return out
}
