// Package core defines the domain types and interfaces shared across the
// trading backend.
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IOrderSubmitter places and cancels live orders on the exchange. Both the
// REST and WebSocket transports satisfy it, as does the mock used in tests.
type IOrderSubmitter interface {
	Submit(ctx context.Context, intent *OrderIntent) (*LiveOrder, error)
	Cancel(ctx context.Context, orderID int64) error
}

// ITickerSource produces the current ticker for a symbol, with attribution.
type ITickerSource interface {
	Ticker(ctx context.Context, symbol string) (*TickerSnapshot, error)
}

// ICandleSource produces recent candles for a symbol and timeframe, most
// recent last.
type ICandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// IEquitySource values the account in the quote currency. Implementations
// must respect the context deadline; callers treat a timeout as a stale read.
type IEquitySource interface {
	Equity(ctx context.Context) (decimal.Decimal, error)
}

// IWalletSource lists the account wallets backing equity valuation.
type IWalletSource interface {
	Wallets(ctx context.Context) ([]Wallet, error)
}

// IEventRecorder collects component state transitions (breaker opens, guard
// trips, feed losses) into one observable stream. Recording must never block
// the caller.
type IEventRecorder interface {
	Record(source, kind, detail string)
}
