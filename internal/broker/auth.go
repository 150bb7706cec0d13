package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Rajchodisetti/options-trader/internal/domain"
)

// Authenticate authorizes the current connection. With a target account it
// first tries the combined "token:account" form; if the broker rejects that
// form the client falls back to the bare token and remembers the fallback
// for the rest of its life. The session must be authorized on the target
// account itself; a token that lands on another account of the same list
// fails with ErrAccountNotFound.
func (c *Client) Authenticate(ctx context.Context, token, account string) (Session, domain.BalanceSnapshot, error) {
	if token == "" {
		return Session{}, domain.BalanceSnapshot{}, &AuthError{Err: errors.New("empty api token")}
	}

	c.mu.Lock()
	combined := account != "" && !c.combinedUnsupported
	c.mu.Unlock()

	var (
		auth authorizeResponse
		err  error
	)
	if combined {
		auth, err = c.authorize(ctx, token+":"+account)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == CodeInputValidationFailed {
			c.logger.Warn("combined token:account authorization unsupported, using plain token",
				zap.String("account", account))
			c.mu.Lock()
			c.combinedUnsupported = true
			c.mu.Unlock()
			auth, err = c.authorize(ctx, token)
		}
	} else {
		auth, err = c.authorize(ctx, token)
	}
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return Session{}, domain.BalanceSnapshot{}, &AuthError{Err: err}
		}
		return Session{}, domain.BalanceSnapshot{}, err
	}

	a := auth.Authorize
	if account != "" && !auth.hasAccount(account) {
		return Session{}, domain.BalanceSnapshot{}, &AuthError{
			Err: fmt.Errorf("%w: %s not in authorized account list", ErrAccountNotFound, account),
		}
	}
	if account != "" && !strings.EqualFold(a.LoginID, account) {
		c.logger.Error("authorized account differs from target",
			zap.String("target", account),
			zap.String("authorized", a.LoginID))
		return Session{}, domain.BalanceSnapshot{}, &AuthError{
			Err: fmt.Errorf("%w: token authorized %s, not %s", ErrAccountNotFound, a.LoginID, account),
		}
	}

	now := time.Now()
	sess := Session{
		AccountID:       a.LoginID,
		Currency:        a.Currency,
		Virtual:         bool(a.IsVirtual),
		AuthenticatedAt: now,
	}
	for _, acc := range a.AccountList {
		sess.Accounts = append(sess.Accounts, Account{
			LoginID:  acc.LoginID,
			Currency: acc.Currency,
			Virtual:  bool(acc.IsVirtual),
		})
	}

	snap := domain.BalanceSnapshot{
		Amount:    a.Balance,
		Currency:  a.Currency,
		AccountID: a.LoginID,
		Kind:      accountKind(sess.Virtual),
		FetchedAt: now,
	}
	if c.onBalance != nil {
		c.onBalance(snap)
	}
	return sess, snap, nil
}

func (c *Client) authorize(ctx context.Context, token string) (authorizeResponse, error) {
	var out authorizeResponse
	if err := c.limiter.Acquire(ctx); err != nil {
		return out, err
	}
	resp, err := c.roundTrip(ctx, Request{"authorize": token}, c.cfg.CallTimeout)
	if err != nil {
		return out, err
	}
	err = resp.Decode(&out)
	return out, err
}

func accountKind(virtual bool) domain.AccountKind {
	if virtual {
		return domain.AccountDemo
	}
	return domain.AccountReal
}
