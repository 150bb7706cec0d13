package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/options-trader/internal/audit"
	"github.com/Rajchodisetti/options-trader/internal/broker"
	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/guard"
	"github.com/Rajchodisetti/options-trader/internal/outbox"
	"github.com/Rajchodisetti/options-trader/internal/portfolio"
	"github.com/Rajchodisetti/options-trader/internal/risk"
)

type fakeBroker struct {
	mu       sync.Mutex
	place    func(domain.OrderIntent) (domain.OrderResult, error)
	statuses map[string]domain.ContractStatus
	intents  []domain.OrderIntent
}

func (f *fakeBroker) PlaceOrder(_ context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
	f.mu.Lock()
	f.intents = append(f.intents, intent)
	place := f.place
	f.mu.Unlock()
	return place(intent)
}

func (f *fakeBroker) ContractStatus(_ context.Context, id string) (domain.ContractStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return domain.ContractStatus{}, broker.ErrTimeout
	}
	return st, nil
}

func (f *fakeBroker) Intents() []domain.OrderIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OrderIntent(nil), f.intents...)
}

func filled(id string) func(domain.OrderIntent) (domain.OrderResult, error) {
	return func(in domain.OrderIntent) (domain.OrderResult, error) {
		return domain.OrderResult{Accepted: true, ContractID: id, AskPrice: in.Stake, BuyPrice: in.Stake, Payout: in.Stake * 1.9}, nil
	}
}

func rejected(kind broker.ErrorKind, code string) func(domain.OrderIntent) (domain.OrderResult, error) {
	return func(domain.OrderIntent) (domain.OrderResult, error) {
		err := &broker.OrderError{Kind: kind, Stage: broker.StageProposal, Err: &broker.APIError{Code: code, Message: code}}
		return domain.OrderResult{RejectKind: string(kind), RejectCode: code, RejectMessage: err.Error()}, err
	}
}

type fakeBalance struct {
	mu            sync.Mutex
	amount        float64
	invalidations int
}

func (b *fakeBalance) Current(context.Context) (domain.BalanceSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BalanceSnapshot{Amount: b.amount, Currency: "USD"}, nil
}

func (b *fakeBalance) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidations++
}

func (b *fakeBalance) Invalidations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalidations
}

type fakeSignals struct {
	sigs    map[string]domain.Signal
	panicOn string
}

func (f *fakeSignals) Analyze(_ context.Context, symbol string) (domain.Signal, error) {
	if symbol == f.panicOn {
		panic("bad payload")
	}
	sig, ok := f.sigs[symbol]
	if !ok {
		return domain.Signal{Symbol: symbol, Direction: domain.DirectionNone}, nil
	}
	return sig, nil
}

type flatTicks struct{ err error }

func (f flatTicks) TicksHistory(_ context.Context, _ string, count int) ([]domain.Tick, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Tick, count)
	for i := range out {
		out[i] = domain.Tick{Price: 100}
	}
	return out, nil
}

type defaultCapital struct{}

func (defaultCapital) ActiveCapitalConfig() risk.CapitalConfig { return risk.CapitalConfig{} }

type fixture struct {
	eng     *Engine
	broker  *fakeBroker
	signals *fakeSignals
	audit   *audit.Memory
	book    *portfolio.Book
	balance *fakeBalance
}

func call(symbol string, confidence float64) domain.Signal {
	return domain.Signal{Symbol: symbol, Direction: domain.DirectionCall, Confidence: confidence, Source: "test", Metadata: map[string]any{"k": "v"}}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		broker:  &fakeBroker{place: filled("123"), statuses: map[string]domain.ContractStatus{}},
		signals: &fakeSignals{sigs: map[string]domain.Signal{}},
		audit:   audit.NewMemory(),
		book:    portfolio.NewBook(""),
		balance: &fakeBalance{amount: 100},
	}
	gate := risk.NewGate(risk.Config{}, risk.Deps{
		Capital: defaultCapital{},
		Balance: f.balance,
		History: f.audit,
		Book:    f.book,
	})
	if cfg.Symbols == nil {
		cfg.Symbols = []string{"R_100"}
	}
	f.eng = New(cfg, Deps{
		Broker:  f.broker,
		Gate:    gate,
		Signals: f.signals,
		Ticks:   flatTicks{},
		Audit:   f.audit,
		Book:    f.book,
		Balance: f.balance,
	})
	return f
}

func TestUniverse(t *testing.T) {
	cfg := Config{Symbols: []string{"R_10", "R_25", "RDBULL", "R_10", "frxEURUSD"}, Excluded: []string{"RDBULL"}}
	assert.Equal(t, []string{"R_10", "R_25", "frxEURUSD"}, cfg.Universe())
	assert.Equal(t, defaultSymbols, Config{}.WithDefaults().Universe())
}

func TestSelectDuration(t *testing.T) {
	testCases := []struct {
		name   string
		symbol string
		ratio  float64
		want   int
	}{
		{"synthetic base", "R_100", 1, 60},
		{"synthetic unknown volatility", "R_100", 0, 60},
		{"synthetic high volatility", "R_100", 2, 30},
		{"synthetic low volatility", "1HZ10V", 0.3, 120},
		{"forex base", "frxEURUSD", 1, 900},
		{"forex high volatility", "frxEURUSD", 3, 900},
		{"forex low volatility", "frxGBPUSD", 0.2, 1800},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SelectDuration(tc.symbol, tc.ratio, 1.5))
		})
	}
}

func TestSnapToNearestBucket(t *testing.T) {
	assert.Equal(t, 15, snap(syntheticBuckets, 1))
	assert.Equal(t, 180, snap(syntheticBuckets, 170))
	assert.Equal(t, 600, snap(syntheticBuckets, 5000))
}

func TestInterval(t *testing.T) {
	base := time.Minute
	testCases := []struct {
		winRate float64
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{0.75, 45 * time.Second},
		{0.5, time.Minute},
		{0, 90 * time.Second},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Interval(base, tc.winRate), "win rate %.2f", tc.winRate)
	}
}

func TestReentryGuard(t *testing.T) {
	now := time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)
	g := NewReentryGuard(time.Minute)
	g.now = func() time.Time { return now }

	assert.Zero(t, g.Wait("R_100", 0.5), "never traded")
	g.Mark("R_100")
	now = now.Add(40 * time.Second)
	assert.Equal(t, 20*time.Second, g.Wait("R_100", 0.5))
	assert.Zero(t, g.Wait("R_100", 1), "winning symbol waits 30s")

	g.MarkAt("R_100", now.Add(-time.Hour))
	last, ok := g.LastTrade("R_100")
	require.True(t, ok)
	assert.Equal(t, now.Add(-40*time.Second), last, "older mark ignored")
}

func TestAvailability(t *testing.T) {
	now := time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC)
	a := NewAvailability(time.Hour)
	a.now = func() time.Time { return now }

	a.MarkUnavailable("frxXAUUSD")
	assert.False(t, a.Available("frxXAUUSD"))
	assert.True(t, a.Available("R_100"))
	assert.Equal(t, []string{"frxXAUUSD"}, a.Unavailable())

	now = now.Add(time.Hour)
	assert.True(t, a.Available("frxXAUUSD"))
	assert.Empty(t, a.Unavailable())
}

func TestProcessSymbolPlacesOrder(t *testing.T) {
	f := newFixture(t, Config{})
	f.signals.sigs["R_100"] = call("R_100", 0.65)

	f.eng.Tick(context.Background())

	intents := f.broker.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, 1.0, intents[0].Stake)
	assert.Equal(t, 60, intents[0].Duration)
	assert.Equal(t, "s", intents[0].DurationUnit)
	assert.Equal(t, "USD", intents[0].Currency)

	recs := f.audit.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusPending, recs[0].Status)
	assert.Equal(t, intents[0].TradeID, recs[0].ID)
	assert.Equal(t, "test", recs[0].Strategy)
	assert.Equal(t, "v", recs[0].Metadata["k"])
	assert.Contains(t, recs[0].Metadata, "sizing_rationale")

	assert.Equal(t, 1, f.book.Count())
	assert.Equal(t, 1, f.balance.Invalidations())

	// the re-entry interval holds the next tick back
	f.eng.Tick(context.Background())
	assert.Len(t, f.broker.Intents(), 1)
}

func TestOrderOutcomes(t *testing.T) {
	testCases := []struct {
		name        string
		place       func(domain.OrderIntent) (domain.OrderResult, error)
		wantStatus  domain.TradeStatus // empty means no audit record
		wantReason  string
		unavailable bool
	}{
		{"unavailable", rejected(broker.KindUnavailable, broker.CodeInvalidSymbol), domain.StatusSkipped, ReasonUnavailable, true},
		{"rate limited", rejected(broker.KindRateLimited, broker.CodeRateLimit), domain.StatusSkipped, ReasonRateLimited, false},
		{"circuit open", func(domain.OrderIntent) (domain.OrderResult, error) {
			return domain.OrderResult{}, &broker.OrderError{Kind: broker.KindCircuitOpen, Stage: broker.StageProposal, Err: guard.ErrCircuitOpen}
		}, "", "", false},
		{"terminal", rejected(broker.KindTerminal, broker.CodeInsufficientBalance), domain.StatusRejected, broker.CodeInsufficientBalance, false},
		{"transient", func(domain.OrderIntent) (domain.OrderResult, error) {
			return domain.OrderResult{}, &broker.OrderError{Kind: broker.KindTransient, Stage: broker.StageBuy, Err: broker.ErrTimeout}
		}, domain.StatusError, string(broker.KindTransient), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.broker.place = tc.place
			f.signals.sigs["R_100"] = call("R_100", 0.8)

			f.eng.ProcessSymbol(context.Background(), "R_100")

			recs := f.audit.Records()
			if tc.wantStatus == "" {
				assert.Empty(t, recs)
			} else {
				require.Len(t, recs, 1)
				assert.Equal(t, tc.wantStatus, recs[0].Status)
				assert.Equal(t, tc.wantReason, recs[0].Reason)
			}
			assert.Equal(t, tc.unavailable, !f.eng.symbols.Available("R_100"))
			assert.Zero(t, f.book.Count())
		})
	}
}

func TestUnavailableSymbolIsSkipped(t *testing.T) {
	f := newFixture(t, Config{})
	f.broker.place = rejected(broker.KindUnavailable, broker.CodeNotAvailable)
	f.signals.sigs["R_100"] = call("R_100", 0.8)

	f.eng.ProcessSymbol(context.Background(), "R_100")
	f.eng.ProcessSymbol(context.Background(), "R_100")
	assert.Len(t, f.broker.Intents(), 1, "second attempt skipped without a broker call")
	assert.Equal(t, []string{"R_100"}, f.eng.Unavailable())
}

func TestGatedSignalsAreRecorded(t *testing.T) {
	testCases := []struct {
		name       string
		signal     domain.Signal
		wantReason risk.Reason
	}{
		{"below threshold", call("R_100", 0.3), risk.ReasonLowConfidence},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			f.signals.sigs["R_100"] = tc.signal

			f.eng.ProcessSymbol(context.Background(), "R_100")

			assert.Empty(t, f.broker.Intents())
			recs := f.audit.Records()
			require.Len(t, recs, 1)
			assert.Equal(t, domain.StatusSkipped, recs[0].Status)
			assert.Equal(t, string(tc.wantReason), recs[0].Reason)
		})
	}

	t.Run("risk rejection", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.signals.sigs["R_100"] = call("R_100", 0.9)
		for i := 0; i < 5; i++ {
			require.NoError(t, f.book.Open(portfolio.Position{ContractID: string(rune('a' + i)), Symbol: "cryBTCUSD", Stake: 0.5}))
		}

		f.eng.ProcessSymbol(context.Background(), "R_100")

		assert.Empty(t, f.broker.Intents())
		recs := f.audit.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, domain.StatusSkipped, recs[0].Status)
		assert.Equal(t, string(risk.ReasonMaxPositions), recs[0].Reason)
		assert.Equal(t, 60, recs[0].Duration)
	})
}

func TestNoneSignalIsIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	f.eng.ProcessSymbol(context.Background(), "R_100")
	assert.Empty(t, f.audit.Records())
	assert.Empty(t, f.broker.Intents())
}

func TestTickIsolatesSymbolFailures(t *testing.T) {
	f := newFixture(t, Config{Symbols: []string{"R_10", "R_25", "R_50"}})
	f.signals.panicOn = "R_10"
	f.signals.sigs["R_50"] = call("R_50", 0.9)
	f.eng.ticks = &failingTicks{symbol: "R_25"}

	f.eng.Tick(context.Background())

	intents := f.broker.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, "R_50", intents[0].Symbol)
}

type failingTicks struct{ symbol string }

func (f *failingTicks) TicksHistory(ctx context.Context, symbol string, count int) ([]domain.Tick, error) {
	if symbol == f.symbol {
		return nil, errors.New("socket closed")
	}
	return flatTicks{}.TicksHistory(ctx, symbol, count)
}

func TestTickStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{Symbols: []string{"R_10", "R_25"}})
	f.signals.sigs["R_10"] = call("R_10", 0.9)
	f.signals.sigs["R_25"] = call("R_25", 0.9)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.eng.Tick(ctx)
	assert.Empty(t, f.broker.Intents())
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, Config{PendingGrace: time.Minute})
	now := time.Now()
	open := func(id string, expires time.Time) {
		rec := domain.DecisionRecord{ID: "t" + id, Symbol: "R_100", Direction: domain.DirectionCall, Stake: 1, Duration: 60, Status: domain.StatusPending, CreatedAt: now.Add(-time.Hour)}
		require.NoError(t, f.audit.Record(context.Background(), rec, &domain.OrderResult{Accepted: true, ContractID: id, BuyPrice: 1, Payout: 1.9}))
		require.NoError(t, f.book.Open(portfolio.Position{ContractID: id, Symbol: "R_100", Stake: 1, OpenedAt: now.Add(-time.Hour), ExpiresAt: expires}))
	}
	open("won", now.Add(time.Minute))
	open("lost", now.Add(time.Minute))
	open("open", now.Add(time.Minute))
	open("stale", now.Add(-2*time.Minute))
	open("missing", now.Add(-30*time.Second))
	f.broker.statuses["won"] = domain.ContractStatus{IsSold: true, Status: "won", Profit: 0.9}
	f.broker.statuses["lost"] = domain.ContractStatus{IsSold: true, Status: "sold", Profit: -1}
	f.broker.statuses["open"] = domain.ContractStatus{Status: "open"}

	f.eng.Reconcile(context.Background())

	status := map[string]domain.TradeStatus{}
	for _, r := range f.audit.Records() {
		status[r.ID] = r.Status
	}
	assert.Equal(t, domain.StatusWon, status["twon"])
	assert.Equal(t, domain.StatusLost, status["tlost"])
	assert.Equal(t, domain.StatusPending, status["topen"])
	assert.Equal(t, domain.StatusExpired, status["tstale"])
	assert.Equal(t, domain.StatusPending, status["tmissing"], "still inside the grace period")

	assert.Equal(t, 2, f.book.Count())
	assert.Equal(t, 3, f.balance.Invalidations())

	settled, err := f.audit.RecentTrades(context.Background(), audit.TradeQuery{})
	require.NoError(t, err)
	require.Len(t, settled, 2)
}

func TestRestoreReloadsPending(t *testing.T) {
	f := newFixture(t, Config{})
	opened := time.Now().Add(-10 * time.Second)
	rec := domain.DecisionRecord{ID: "t1", Symbol: "R_100", Direction: domain.DirectionPut, Stake: 2, Duration: 60, Status: domain.StatusPending, CreatedAt: opened}
	require.NoError(t, f.audit.Record(context.Background(), rec, &domain.OrderResult{Accepted: true, ContractID: "555", BuyPrice: 2, Payout: 3.8}))

	require.NoError(t, f.eng.Restore(context.Background()))

	ps := f.book.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, "555", ps[0].ContractID)
	assert.Equal(t, opened.Add(time.Minute), ps[0].ExpiresAt)
	assert.Positive(t, f.eng.reentry.Wait("R_100", 0.5), "restored trade counts toward re-entry")
}

func TestJournalRecordsLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	j, err := outbox.New(filepath.Join(t.TempDir(), "orders.jsonl"))
	require.NoError(t, err)
	f.eng.journal = j
	f.signals.sigs["R_100"] = call("R_100", 0.9)

	f.eng.ProcessSymbol(context.Background(), "R_100")
	f.broker.statuses["123"] = domain.ContractStatus{IsSold: true, Status: "won", Profit: 0.9}
	f.eng.Reconcile(context.Background())

	entries, err := j.Entries()
	require.NoError(t, err)
	var kinds []string
	for _, e := range entries {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []string{outbox.TypeOrder, outbox.TypeFill, outbox.TypeSettlement}, kinds)

	// a fresh engine over the same journal respects the re-entry interval
	g := newFixture(t, Config{})
	g.eng.journal = j
	require.NoError(t, g.eng.Restore(context.Background()))
	assert.Positive(t, g.eng.reentry.Wait("R_100", 0.5))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t, Config{TickInterval: 10 * time.Millisecond, ReconcileInterval: 10 * time.Millisecond})
	f.signals.sigs["R_100"] = call("R_100", 0.9)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.eng.Run(ctx) }()
	require.Eventually(t, func() bool { return len(f.broker.Intents()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
