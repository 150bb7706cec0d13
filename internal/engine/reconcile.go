package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/audit"
	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/observ"
	"github.com/Rajchodisetti/options-trader/internal/outbox"
	"github.com/Rajchodisetti/options-trader/internal/portfolio"
)

// Reconcile polls every open contract and settles the ones the broker has
// closed. Contracts still unresolved past expiry plus the grace period are
// settled as expired.
func (e *Engine) Reconcile(ctx context.Context) {
	for _, p := range e.book.Positions() {
		if ctx.Err() != nil {
			return
		}
		e.reconcileOne(ctx, p)
	}
	observ.SetGauge("engine_open_positions", float64(e.book.Count()), nil)
}

func (e *Engine) reconcileOne(ctx context.Context, p portfolio.Position) {
	log := e.logger.With(zap.String("contract_id", p.ContractID), zap.String("symbol", p.Symbol))

	st, err := e.broker.ContractStatus(ctx, p.ContractID)
	switch {
	case err == nil && st.IsSold:
		e.settle(ctx, log, p, outcome(st), st.Profit)
		return
	case err != nil:
		log.Debug("contract status unavailable", zap.Error(err))
	}

	if e.now().After(p.ExpiresAt.Add(e.cfg.PendingGrace)) {
		log.Warn("contract unresolved past expiry", zap.Time("expires_at", p.ExpiresAt))
		e.settle(ctx, log, p, domain.StatusExpired, 0)
	}
}

func (e *Engine) settle(ctx context.Context, log *zap.Logger, p portfolio.Position, status domain.TradeStatus, profit float64) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.AuditTimeout)
	defer cancel()
	err := e.audit.Settle(wctx, p.ContractID, status, profit, e.now())
	switch {
	case errors.Is(err, audit.ErrNotFound):
		log.Warn("settled contract missing from audit")
	case err != nil:
		// keep the position so the next pass retries
		log.Error("settle failed", zap.Error(err))
		return
	}

	if _, _, err := e.book.Close(p.ContractID); err != nil {
		log.Warn("book update failed", zap.Error(err))
	}
	e.balance.Invalidate()
	e.journalWrite(log, func(j *outbox.Outbox) error {
		return j.WriteSettlement(outbox.Settlement{ContractID: p.ContractID, Symbol: p.Symbol, Status: status, Profit: profit})
	})
	observ.IncCounter("engine_settlements_total", map[string]string{"status": string(status)})
	log.Info("trade settled", zap.String("status", string(status)), zap.Float64("profit", profit))
}

// outcome maps a sold contract to won or lost.
func outcome(st domain.ContractStatus) domain.TradeStatus {
	switch st.Status {
	case string(domain.StatusWon):
		return domain.StatusWon
	case string(domain.StatusLost):
		return domain.StatusLost
	}
	if st.Profit > 0 {
		return domain.StatusWon
	}
	return domain.StatusLost
}
