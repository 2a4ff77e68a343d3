// Package apperrors defines the standardized error kinds surfaced by the
// backend. Every error returned across a package boundary maps to exactly
// one kind, so callers can branch with errors.Is and metrics can label
// failures without string matching.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Standardized backend errors
var (
	ErrAuthNotConfigured = errors.New("auth not configured")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrPolicyDenied      = errors.New("policy denied")
	ErrRateLimited       = errors.New("rate limited")
	ErrCircuitOpen       = errors.New("circuit open")
	ErrTransport         = errors.New("transport error")
	ErrNonceConflict     = errors.New("nonce conflict")
	ErrExchange          = errors.New("exchange error")
	ErrPoolSaturated     = errors.New("subscription pool saturated")
	ErrWSNotConnected    = errors.New("websocket not connected")
	ErrDeadManSwitch     = errors.New("dead man switch rejected")
	ErrDuplicateRequest  = errors.New("duplicate request")
	ErrInvalidTimezone   = errors.New("invalid timezone")
	ErrInternal          = errors.New("internal error")
)

// PolicyDeniedError carries the machine-readable denial reason, e.g.
// "outside_trading_window" or "risk_guard_blocked:max_daily_loss".
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// PolicyDenied builds a PolicyDeniedError for the given reason.
func PolicyDenied(reason string) error {
	return &PolicyDeniedError{Reason: reason}
}

// ExchangeError is a structured error reported by the exchange itself, as
// opposed to a transport failure reaching it.
type ExchangeError struct {
	Code    int64
	Message string
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("exchange error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("exchange error: %s", e.Message)
}

func (e *ExchangeError) Unwrap() error { return ErrExchange }

// RateLimitedError optionally carries the server-advised retry delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// CircuitOpenError carries the time the transport circuit re-admits probes.
type CircuitOpenError struct {
	Until time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open until %s", e.Until.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// InvalidOrderError explains which part of an order request failed
// validation.
type InvalidOrderError struct {
	Field  string
	Detail string
}

func (e *InvalidOrderError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid order: %s: %s", e.Field, e.Detail)
	}
	return fmt.Sprintf("invalid order: %s", e.Detail)
}

func (e *InvalidOrderError) Unwrap() error { return ErrInvalidOrder }

// InvalidOrder builds an InvalidOrderError for a single field.
func InvalidOrder(field, detail string) error {
	return &InvalidOrderError{Field: field, Detail: detail}
}

// Kind maps an error to its stable machine-readable label, used for metric
// and log labels. Unknown errors map to "internal_error".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthNotConfigured):
		return "auth_not_configured"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, ErrPolicyDenied):
		var pd *PolicyDeniedError
		if errors.As(err, &pd) {
			return "policy_denied:" + pd.Reason
		}
		return "policy_denied"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrNonceConflict):
		return "nonce_conflict"
	case errors.Is(err, ErrExchange):
		return "exchange_error"
	case errors.Is(err, ErrPoolSaturated):
		return "pool_saturated"
	case errors.Is(err, ErrWSNotConnected):
		return "ws_not_connected"
	case errors.Is(err, ErrDeadManSwitch):
		return "dead_man_switch_failed"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrInvalidTimezone):
		return "invalid_timezone"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	default:
		return "internal_error"
	}
}

// IsTransient reports whether a retry of the same call could plausibly
// succeed. Validation and policy failures are final; transport-level
// failures are not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNonceConflict) ||
		errors.Is(err, ErrWSNotConnected)
}
