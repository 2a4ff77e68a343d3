package apperrors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrAuthNotConfigured, "auth_not_configured"},
		{InvalidOrder("amount", "must be positive"), "invalid_order"},
		{ErrUnknownSymbol, "unknown_symbol"},
		{PolicyDenied("trading_paused"), "policy_denied:trading_paused"},
		{PolicyDenied("risk_guard_blocked:max_daily_loss"), "policy_denied:risk_guard_blocked:max_daily_loss"},
		{&RateLimitedError{RetryAfter: 2 * time.Second}, "rate_limited"},
		{&CircuitOpenError{Until: time.Now()}, "circuit_open"},
		{fmt.Errorf("request failed: %w", ErrTransport), "transport_error"},
		{ErrNonceConflict, "nonce_conflict"},
		{&ExchangeError{Code: 10100, Message: "apikey: invalid"}, "exchange_error"},
		{ErrPoolSaturated, "pool_saturated"},
		{ErrWSNotConnected, "ws_not_connected"},
		{ErrDeadManSwitch, "dead_man_switch_failed"},
		{ErrDuplicateRequest, "duplicate_request"},
		{errors.New("something else"), "internal_error"},
	}

	for _, tc := range cases {
		if got := Kind(tc.err); got != tc.want {
			t.Errorf("Kind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestKindNil(t *testing.T) {
	if got := Kind(nil); got != "" {
		t.Errorf("Kind(nil) = %q, want empty", got)
	}
}

func TestTypedErrorsUnwrap(t *testing.T) {
	err := fmt.Errorf("submit: %w", &ExchangeError{Code: 10114, Message: "nonce: small"})
	if !errors.Is(err, ErrExchange) {
		t.Error("wrapped ExchangeError should match ErrExchange")
	}

	var exchErr *ExchangeError
	if !errors.As(err, &exchErr) {
		t.Fatal("errors.As should extract ExchangeError")
	}
	if exchErr.Code != 10114 {
		t.Errorf("code = %d, want 10114", exchErr.Code)
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		ErrTransport,
		&RateLimitedError{},
		ErrNonceConflict,
		ErrWSNotConnected,
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("expected %v to be transient", err)
		}
	}

	final := []error{
		InvalidOrder("type", "unsupported"),
		PolicyDenied("daily_trade_limit_reached"),
		ErrDuplicateRequest,
		&ExchangeError{Code: 10001, Message: "symbol: invalid"},
	}
	for _, err := range final {
		if IsTransient(err) {
			t.Errorf("expected %v to be final", err)
		}
	}
}
