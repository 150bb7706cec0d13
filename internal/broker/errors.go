package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/Rajchodisetti/options-trader/internal/guard"
)

var (
	ErrTimeout         = errors.New("broker call timed out")
	ErrConnectionLost  = errors.New("broker connection lost")
	ErrNotConnected    = errors.New("broker not connected")
	ErrClosed          = errors.New("broker client closed")
	ErrAccountNotFound = errors.New("account not found")
	ErrMalformed       = errors.New("malformed broker message")
	ErrInvalidOrder    = errors.New("invalid order")
)

// Error codes the client reacts to.
const (
	CodeInvalidSymbol           = "InvalidSymbol"
	CodeNotAvailable            = "NotAvailable"
	CodeInvalidOfferings        = "InvalidOfferings"
	CodeContractCreationFailure = "ContractCreationFailure"
	CodeMarketIsClosed          = "MarketIsClosed"
	CodeRateLimit               = "RateLimit"
	CodeInputValidationFailed   = "InputValidationFailed"
	CodeInsufficientBalance     = "InsufficientBalance"
	CodeInvalidToken            = "InvalidToken"
	CodeAuthorizationRequired   = "AuthorizationRequired"
	CodeInternalServerError     = "InternalServerError"
)

// APIError is the broker's error envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	MsgType string `json:"-"`
}

func (e *APIError) Error() string {
	if e.MsgType != "" {
		return fmt.Sprintf("%s: %s: %s", e.MsgType, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AuthError wraps a failure of the authorization handshake. It is fatal for
// the session: reconnection stops retrying.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "authorize: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// ErrorKind is the retry policy class of an error.
type ErrorKind string

const (
	KindUnavailable ErrorKind = "unavailable"  // not offered: skip, never retry, not a circuit failure
	KindRateLimited ErrorKind = "rate_limited" // retry next tick, not a hard failure
	KindTransient   ErrorKind = "transient"    // network or timeout: counts toward the breaker
	KindTerminal    ErrorKind = "terminal"     // surfaced to the caller, no retry
	KindCircuitOpen ErrorKind = "circuit_open" // failed fast, network untouched
	KindCanceled    ErrorKind = "canceled"     // caller gave up
)

var unavailableCodes = map[string]bool{
	CodeInvalidSymbol:           true,
	CodeNotAvailable:            true,
	CodeInvalidOfferings:        true,
	CodeContractCreationFailure: true,
	CodeMarketIsClosed:          true,
}

var terminalCodes = map[string]bool{
	CodeInsufficientBalance:   true,
	CodeInputValidationFailed: true,
	CodeInvalidToken:          true,
	CodeAuthorizationRequired: true,
}

// Classify maps an error to its retry policy class. Unrecognized broker codes
// are terminal.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	switch {
	case errors.Is(err, guard.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		return KindCanceled
	case errors.As(err, &apiErr):
		return classifyCode(apiErr.Code)
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrInvalidOrder):
		return KindTerminal
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrConnectionLost),
		errors.Is(err, ErrNotConnected), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return KindTerminal
	}
	// anything else came from dialing or the socket
	return KindTransient
}

func classifyCode(code string) ErrorKind {
	switch {
	case unavailableCodes[code]:
		return KindUnavailable
	case code == CodeRateLimit:
		return KindRateLimited
	case code == CodeInternalServerError:
		return KindTransient
	default:
		return KindTerminal
	}
}

func isKnownCode(code string) bool {
	return unavailableCodes[code] || terminalCodes[code] ||
		code == CodeRateLimit || code == CodeInternalServerError
}

// IsTransient is the breaker's failure classifier.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// Order stages.
const (
	StageProposal = "proposal"
	StageBuy      = "buy"
)

// OrderError is returned by PlaceOrder when the order was not filled.
type OrderError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// Code returns the broker error code, if the failure carried one.
func (e *OrderError) Code() string {
	var apiErr *APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// KindOf returns the kind of an OrderError, or classifies err directly.
func KindOf(err error) ErrorKind {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return Classify(err)
}
