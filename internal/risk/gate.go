package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/audit"
	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/observ"
)

// Reason is a machine-readable rejection code.
type Reason string

const (
	ReasonDailyTradeLimit    Reason = "DAILY_TRADE_LIMIT"
	ReasonDailyLossLimit     Reason = "DAILY_LOSS_LIMIT"
	ReasonProfitTarget       Reason = "PROFIT_TARGET_REACHED"
	ReasonEmergency          Reason = "EMERGENCY"
	ReasonMaxPositions       Reason = "MAX_POSITIONS"
	ReasonPortfolioRisk      Reason = "PORTFOLIO_RISK"
	ReasonCorrelation        Reason = "CORRELATION"
	ReasonLowConfidence      Reason = "LOW_CONFIDENCE"
	ReasonBalanceUnavailable Reason = "BALANCE_UNAVAILABLE"
	ReasonInvalidStake       Reason = "INVALID_STAKE"
	ReasonNone               Reason = ""
)

// BalanceSource is the cached balance view.
type BalanceSource interface {
	Current(ctx context.Context) (domain.BalanceSnapshot, error)
}

// History reads settled trades.
type History interface {
	RecentTrades(ctx context.Context, q audit.TradeQuery) ([]domain.TradeOutcome, error)
}

// Exposure reads open positions.
type Exposure interface {
	Count() int
	Exposure() float64
	ExposureWhere(match func(symbol string) bool) float64
}

// Request is one proposed trade.
type Request struct {
	Symbol string
	Signal domain.Signal
	Prices []float64 // recent ticks, oldest first; may be empty
}

// Decision is the pipeline output.
type Decision struct {
	Allowed     bool               `json:"allowed"`
	Stake       float64            `json:"stake"`
	Reason      Reason             `json:"reason,omitempty"`
	Detail      string             `json:"detail,omitempty"`
	Adjustments []string           `json:"adjustments,omitempty"`
	Sizing      Sizing             `json:"sizing"`
	Params      AdaptiveParameters `json:"params"`
}

// evaluation is the mutable state threaded through the stages.
type evaluation struct {
	req         Request
	capital     CapitalConfig
	snap        Snapshot
	balance     float64
	stake       float64
	sizing      Sizing
	params      AdaptiveParameters
	volatility  float64
	baseline    float64
	adjustments []string
	detail      string
}

func (ev *evaluation) adjust(format string, args ...any) {
	ev.adjustments = append(ev.adjustments, fmt.Sprintf(format, args...))
}

// floor keeps a soft reduction from taking the stake below the minimum.
func (ev *evaluation) floor(stake float64) float64 {
	if stake < ev.capital.Sizing.MinStake {
		return ev.capital.Sizing.MinStake
	}
	return stake
}

// stage is one step of the admission pipeline.
type stage interface {
	Name() string
	Priority() int // lower runs first
	Evaluate(ev *evaluation) (bool, Reason)
}

// exposureCheck is a stage whose limit depends on the stake; the gate repeats
// it on the final rounded stake.
type exposureCheck interface {
	checkExposure(ev *evaluation, stake float64) (bool, Reason)
}

// Gate runs the admission pipeline. Refresh once per tick, then call
// ValidateNewPosition per symbol.
type Gate struct {
	cfg      Config
	capital  ConfigProvider
	balance  BalanceSource
	history  History
	book     Exposure
	logger   *zap.Logger
	now      func() time.Time
	stages   []stage
	adaptive *AdaptiveManager

	emergency *Emergency

	mu       sync.Mutex
	snap     Snapshot
	hasSnap  bool
	peak     float64
	initial  float64
	day      string
	dayStart float64
}

// Deps are the Gate's collaborators.
type Deps struct {
	Capital ConfigProvider
	Balance BalanceSource
	History History
	Book    Exposure
	Logger  *zap.Logger
}

// NewGate wires the pipeline.
func NewGate(cfg Config, deps Deps) *Gate {
	cfg = cfg.WithDefaults()
	logger := observ.OrNop(deps.Logger)
	g := &Gate{
		cfg:       cfg,
		capital:   deps.Capital,
		balance:   deps.Balance,
		history:   deps.History,
		book:      deps.Book,
		logger:    logger,
		now:       time.Now,
		adaptive:  NewAdaptiveManager(cfg.Adaptive, logger),
		emergency: NewEmergency(cfg.Emergency, logger),
	}
	corr := NewCorrelation(cfg.Correlation.Groups)
	g.stages = []stage{
		&capitalStage{},
		&emergencyStage{emergency: g.emergency},
		&portfolioStage{cfg: cfg.Portfolio, book: deps.Book},
		&correlationStage{cfg: cfg.Correlation, corr: corr, book: deps.Book},
		&volatilityStage{cfg: cfg.Volatility},
		&adaptiveStage{},
	}
	sort.SliceStable(g.stages, func(i, j int) bool { return g.stages[i].Priority() < g.stages[j].Priority() })
	return g
}

// Adaptive exposes the adaptive manager.
func (g *Gate) Adaptive() *AdaptiveManager { return g.adaptive }

// Parameters returns the active adaptive thresholds.
func (g *Gate) Parameters() AdaptiveParameters { return g.adaptive.Parameters() }

// Emergency exposes the emergency stop.
func (g *Gate) Emergency() *Emergency { return g.emergency }

// Snapshot returns the last computed snapshot.
func (g *Gate) Snapshot() (Snapshot, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snap, g.hasSnap
}

// Refresh recomputes the snapshot from audit history and the current
// balance, and updates the adaptive parameters.
func (g *Gate) Refresh(ctx context.Context) (Snapshot, error) {
	bal, err := g.balance.Current(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("balance: %w", err)
	}
	now := g.now()

	settled, err := g.history.RecentTrades(ctx, audit.TradeQuery{Limit: g.cfg.Adaptive.GlobalWindow})
	if err != nil {
		return Snapshot{}, fmt.Errorf("history: %w", err)
	}
	today, err := g.history.RecentTrades(ctx, audit.TradeQuery{Since: startOfDay(now), IncludePending: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("history today: %w", err)
	}

	capital := g.capital.ActiveCapitalConfig().WithDefaults()

	g.mu.Lock()
	g.track(bal.Amount, capital, now)
	snap := BuildSnapshot(settled, today, bal.Amount, g.peak, g.initial, g.dayStart, g.cfg.Adaptive.RecentWindow, now)
	g.snap = snap
	g.hasSnap = true
	g.mu.Unlock()

	g.emergency.Observe(bal.Amount)
	g.adaptive.Update(snap)

	observ.SetGauge("risk_balance", snap.Balance, nil)
	observ.SetGauge("risk_drawdown_pct", snap.DrawdownPct, nil)
	observ.SetGauge("risk_recent_win_rate", snap.RecentWinRate, nil)
	return snap, nil
}

// track updates peak, initial and start-of-day balances; caller holds g.mu.
func (g *Gate) track(balance float64, capital CapitalConfig, now time.Time) {
	if g.initial == 0 {
		g.initial = capital.InitialBalance
		if g.initial <= 0 {
			g.initial = balance
		}
	}
	if balance > g.peak {
		g.peak = balance
	}
	if g.peak < g.initial {
		g.peak = g.initial
	}
	if day := now.Format("2006-01-02"); day != g.day {
		g.day = day
		g.dayStart = balance
	}
}

// ValidateNewPosition runs the pipeline for one proposed trade.
func (g *Gate) ValidateNewPosition(ctx context.Context, req Request) Decision {
	log := g.logger.With(zap.String("symbol", req.Symbol))

	bal, err := g.balance.Current(ctx)
	if err != nil {
		return g.reject(log, &evaluation{req: req, detail: err.Error()}, ReasonBalanceUnavailable)
	}
	g.emergency.Observe(bal.Amount)

	snap, ok := g.Snapshot()
	if !ok {
		if snap, err = g.Refresh(ctx); err != nil {
			return g.reject(log, &evaluation{req: req, detail: err.Error()}, ReasonBalanceUnavailable)
		}
	}
	snap.Balance = bal.Amount

	ev := &evaluation{
		req:     req,
		capital: g.capital.ActiveCapitalConfig().WithDefaults(),
		snap:    snap,
		balance: bal.Amount,
		params:  g.adaptive.Parameters(),
	}
	if len(req.Prices) > 2 {
		ev.volatility, ev.baseline, _ = VolatilityRatio(req.Prices, g.cfg.Volatility.Lookback)
	}

	for _, st := range g.stages {
		if ok, reason := st.Evaluate(ev); !ok {
			return g.reject(log, ev, reason)
		}
	}

	stake := domain.Money(ev.stake)
	if stake <= 0 || stake > ev.balance {
		ev.detail = fmt.Sprintf("stake %.2f with balance %.2f", stake, ev.balance)
		return g.reject(log, ev, ReasonInvalidStake)
	}
	for _, st := range g.stages {
		if ec, ok := st.(exposureCheck); ok {
			if pass, reason := ec.checkExposure(ev, stake); !pass {
				return g.reject(log, ev, reason)
			}
		}
	}
	ev.stake = stake

	observ.IncCounter("risk_decisions_total", map[string]string{"result": "allowed"})
	log.Debug("position approved",
		zap.Float64("stake", stake),
		zap.String("sizing", ev.sizing.Rationale),
		zap.Strings("adjustments", ev.adjustments))
	return Decision{
		Allowed:     true,
		Stake:       stake,
		Adjustments: ev.adjustments,
		Sizing:      ev.sizing,
		Params:      ev.params,
	}
}

func (g *Gate) reject(log *zap.Logger, ev *evaluation, reason Reason) Decision {
	observ.IncCounter("risk_decisions_total", map[string]string{"result": "rejected", "reason": string(reason)})
	log.Info("position rejected", zap.String("reason", string(reason)), zap.String("detail", ev.detail))
	return Decision{
		Reason:      reason,
		Detail:      ev.detail,
		Stake:       ev.stake,
		Adjustments: ev.adjustments,
		Sizing:      ev.sizing,
		Params:      ev.params,
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
