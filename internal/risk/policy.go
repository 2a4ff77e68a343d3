package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// Rejection reasons in priority order: when several conditions hold at once
// the engine reports the highest-priority one, so callers and tests see a
// stable answer.
const (
	ReasonTradingPaused    = "trading_paused"
	ReasonOutsideWindow    = "outside_trading_window"
	ReasonGuardBlocked     = "risk_guard_blocked:" // + guard name
	ReasonSymbolDailyLimit = "symbol_daily_trade_limit_reached"
	ReasonDailyLimit       = "daily_trade_limit_reached"
	ReasonCooldownActive   = "trade_cooldown_active"
)

// PolicyRequest describes the order being considered. Amount and price ride
// along for guards that need them; the built-in guards only use the symbol.
type PolicyRequest struct {
	Symbol        string
	Amount        decimal.Decimal
	Price         decimal.Decimal
	IncludeGuards bool
}

// Decision is the composed allow/deny answer.
type Decision struct {
	Allowed bool
	Reason  string
}

// Engine composes the trading window, trade counter, and risk guards into
// one decision. Limits come from the runtime config so operators can tune
// them without a restart; one snapshot is taken per evaluation so every
// limit consulted belongs to the same generation.
type Engine struct {
	window  *TradingWindow
	counter *TradeCounter
	guards  *GuardSet
	rt      *config.Runtime
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	now func() time.Time
}

// NewEngine wires the policy engine.
func NewEngine(
	window *TradingWindow,
	counter *TradeCounter,
	guards *GuardSet,
	rt *config.Runtime,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) *Engine {
	return &Engine{
		window:  window,
		counter: counter,
		guards:  guards,
		rt:      rt,
		logger:  logger.WithField("component", "risk_policy"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Evaluate runs every check in priority order and returns the first denial,
// or an allowed decision. Denials are counted per reason.
func (e *Engine) Evaluate(ctx context.Context, req PolicyRequest) Decision {
	snap := e.rt.Snapshot()
	now := e.now()

	if snap.Bool(config.KeyTradingPaused) || e.window.IsPaused() {
		return e.deny(ctx, req, ReasonTradingPaused)
	}
	if !e.window.IsOpen(now) {
		return e.deny(ctx, req, ReasonOutsideWindow)
	}
	if req.IncludeGuards && e.guards != nil {
		if name := e.guards.CheckAll(ctx); name != "" {
			return e.deny(ctx, req, ReasonGuardBlocked+name)
		}
	}
	if maxSym := snap.Int(config.KeyMaxTradesPerSymbol); maxSym > 0 && req.Symbol != "" {
		if e.counter.SymbolCount(req.Symbol) >= maxSym {
			return e.deny(ctx, req, ReasonSymbolDailyLimit)
		}
	}
	if maxDay := snap.Int(config.KeyMaxTradesPerDay); maxDay > 0 {
		if e.counter.Total() >= maxDay {
			return e.deny(ctx, req, ReasonDailyLimit)
		}
	}
	if cooldown := snap.Seconds(config.KeyTradeCooldownSecs); cooldown > 0 {
		if last := e.counter.LastTradeAt(); !last.IsZero() && now.Sub(last) < cooldown {
			return e.deny(ctx, req, ReasonCooldownActive)
		}
	}
	return Decision{Allowed: true}
}

// RecordTrade counts an executed trade against the daily limits.
func (e *Engine) RecordTrade(symbol string) error {
	return e.counter.RecordTrade(symbol)
}

func (e *Engine) deny(ctx context.Context, req PolicyRequest, reason string) Decision {
	if e.metrics != nil {
		e.metrics.IncConstraintsBlocked(ctx, reason)
	}
	e.logger.Info("Order blocked by policy", "reason", reason, "symbol", req.Symbol)
	return Decision{Reason: reason}
}
