package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/domain"
	"github.com/Rajchodisetti/options-trader/internal/observ"
)

// PlaceOrder prices the contract with a proposal and buys it at the quoted
// ask price. A rejection at either stage returns an *OrderError and a result
// with Accepted false.
func (c *Client) PlaceOrder(ctx context.Context, intent domain.OrderIntent) (domain.OrderResult, error) {
	if !intent.Direction.Tradable() {
		return domain.OrderResult{}, fmt.Errorf("%w: direction %q is not tradable", ErrInvalidOrder, intent.Direction)
	}
	stake := domain.Money(intent.Stake)
	if stake <= 0 {
		return domain.OrderResult{}, fmt.Errorf("%w: stake %.2f must be positive", ErrInvalidOrder, intent.Stake)
	}
	currency := intent.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	unit := intent.DurationUnit
	if unit == "" {
		unit = "s"
	}

	params := map[string]any{
		"amount":        stake,
		"basis":         "stake",
		"contract_type": string(intent.Direction),
		"currency":      currency,
		"duration":      intent.Duration,
		"duration_unit": unit,
		"symbol":        intent.Symbol,
	}
	if intent.StopLoss != nil || intent.TakeProfit != nil {
		limits := map[string]any{}
		if intent.StopLoss != nil {
			limits["stop_loss"] = domain.Money(*intent.StopLoss)
		}
		if intent.TakeProfit != nil {
			limits["take_profit"] = domain.Money(*intent.TakeProfit)
		}
		params["limit_order"] = limits
	}

	log := c.logger.With(
		zap.String("trade_id", intent.TradeID),
		zap.String("symbol", intent.Symbol),
		zap.String("direction", string(intent.Direction)))

	proposal := Request{"proposal": 1}
	for k, v := range params {
		proposal[k] = v
	}
	resp, err := c.Call(ctx, proposal, 0)
	if err != nil {
		return c.reject(log, StageProposal, err)
	}
	var p proposalResponse
	if err := resp.Decode(&p); err != nil {
		return c.reject(log, StageProposal, err)
	}
	ask := domain.Money(p.Proposal.AskPrice)

	resp, err = c.Call(ctx, Request{"buy": 1, "price": ask, "parameters": params}, 0)
	if err != nil {
		res, oerr := c.reject(log, StageBuy, err)
		res.AskPrice = ask
		return res, oerr
	}
	var b buyResponse
	if err := resp.Decode(&b); err != nil {
		return c.reject(log, StageBuy, err)
	}

	payout := b.Buy.Payout
	if payout == 0 {
		payout = p.Proposal.Payout
	}
	purchased := time.Now()
	if b.Buy.PurchaseTime > 0 {
		purchased = time.Unix(b.Buy.PurchaseTime, 0)
	}
	res := domain.OrderResult{
		Accepted:     true,
		ContractID:   b.Buy.ContractID.String(),
		AskPrice:     ask,
		BuyPrice:     b.Buy.BuyPrice,
		Payout:       payout,
		BalanceAfter: b.Buy.BalanceAfter,
		PurchasedAt:  purchased,
	}
	observ.IncCounter("broker_orders_total", map[string]string{"result": "filled"})
	log.Info("order filled",
		zap.String("contract_id", res.ContractID),
		zap.Float64("stake", stake),
		zap.Float64("ask_price", ask),
		zap.Float64("buy_price", res.BuyPrice))
	return res, nil
}

func (c *Client) reject(log *zap.Logger, stage string, err error) (domain.OrderResult, error) {
	kind := c.classifyOrderErr(stage, err)
	oerr := &OrderError{Kind: kind, Stage: stage, Err: err}
	res := domain.OrderResult{
		RejectKind:    string(kind),
		RejectCode:    oerr.Code(),
		RejectMessage: err.Error(),
	}
	observ.IncCounter("broker_orders_total", map[string]string{"result": string(kind), "stage": stage})
	switch kind {
	case KindUnavailable, KindRateLimited, KindCircuitOpen:
		log.Info("order not placed", zap.String("stage", stage), zap.String("kind", string(kind)), zap.Error(err))
	default:
		log.Warn("order rejected", zap.String("stage", stage), zap.String("kind", string(kind)), zap.Error(err))
	}
	return res, oerr
}

func (c *Client) classifyOrderErr(stage string, err error) ErrorKind {
	kind := Classify(err)
	if kind != KindTerminal || stage != StageProposal || !c.cfg.UnknownErrorsUnavailable {
		return kind
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !isKnownCode(apiErr.Code) {
		return KindUnavailable
	}
	return kind
}

// Balance fetches the live account balance.
func (c *Client) Balance(ctx context.Context) (domain.BalanceSnapshot, error) {
	resp, err := c.Call(ctx, Request{"balance": 1}, 0)
	if err != nil {
		return domain.BalanceSnapshot{}, err
	}
	var b balanceResponse
	if err := resp.Decode(&b); err != nil {
		return domain.BalanceSnapshot{}, err
	}
	sess := c.Session()
	account := b.Balance.LoginID
	if account == "" {
		account = sess.AccountID
	}
	snap := domain.BalanceSnapshot{
		Amount:    b.Balance.Balance,
		Currency:  b.Balance.Currency,
		AccountID: account,
		Kind:      accountKind(sess.Virtual),
		FetchedAt: time.Now(),
	}
	if c.onBalance != nil {
		c.onBalance(snap)
	}
	return snap, nil
}

// ContractStatus queries an open or settled contract.
func (c *Client) ContractStatus(ctx context.Context, contractID string) (domain.ContractStatus, error) {
	resp, err := c.Call(ctx, Request{"proposal_open_contract": 1, "contract_id": contractRef(contractID)}, 0)
	if err != nil {
		return domain.ContractStatus{}, err
	}
	var r openContractResponse
	if err := resp.Decode(&r); err != nil {
		return domain.ContractStatus{}, err
	}
	id := r.Contract.ContractID.String()
	if id == "" {
		id = contractID
	}
	return domain.ContractStatus{
		ContractID: id,
		IsSold:     bool(r.Contract.IsSold),
		Status:     r.Contract.Status,
		Profit:     r.Contract.Profit,
		BuyPrice:   r.Contract.BuyPrice,
		SellPrice:  r.Contract.SellPrice,
	}, nil
}

// Sell closes an open contract at market.
func (c *Client) Sell(ctx context.Context, contractID string) (domain.SellResult, error) {
	resp, err := c.Call(ctx, Request{"sell": contractRef(contractID), "price": 0}, 0)
	if err != nil {
		return domain.SellResult{}, err
	}
	var r sellResponse
	if err := resp.Decode(&r); err != nil {
		return domain.SellResult{}, err
	}
	price := r.Sell.Price
	if price == 0 {
		price = r.Sell.SoldFor
	}
	id := r.Sell.ContractID.String()
	if id == "" {
		id = contractID
	}
	return domain.SellResult{
		ContractID:   id,
		Profit:       r.Sell.Profit,
		Price:        price,
		BalanceAfter: r.Sell.BalanceAfter,
	}, nil
}

// TicksHistory returns up to count most recent ticks, oldest first.
func (c *Client) TicksHistory(ctx context.Context, symbol string, count int) ([]domain.Tick, error) {
	resp, err := c.Call(ctx, Request{
		"ticks_history": symbol,
		"end":           "latest",
		"count":         count,
		"style":         "ticks",
	}, 0)
	if err != nil {
		return nil, err
	}
	var h historyResponse
	if err := resp.Decode(&h); err != nil {
		return nil, err
	}
	ticks := make([]domain.Tick, 0, len(h.History.Prices))
	for i, price := range h.History.Prices {
		t := domain.Tick{Price: price}
		if i < len(h.History.Times) {
			t.Time = time.Unix(h.History.Times[i], 0)
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}
