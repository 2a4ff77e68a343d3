package scheduler

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/internal/marketdata"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// Report carries one job run's outcome for logging and the status surface.
type Report map[string]any

// EquityUpdater is the risk-layer slice the equity snapshot job drives.
// *risk.GuardSet satisfies it.
type EquityUpdater interface {
	UpdateEquity(ctx context.Context) (core.EquitySnapshot, error)
}

// RetentionStore is the candle-cache slice the retention job drives.
// *marketdata.CandleStore satisfies it.
type RetentionStore interface {
	EnforceRetention(ctx context.Context, maxAge time.Duration, maxRowsPerPair int) (int64, error)
}

// RegimeSource lists the streaming pairs and their indicator state.
// *marketdata.Facade satisfies it.
type RegimeSource interface {
	WatchedPairs() [][2]string
	IndicatorSnapshot(symbol, timeframe string) (marketdata.IndicatorSnapshot, bool)
}

// ProbModel is the probability model hook. The model's math lives outside
// this backend; the coordinator only drives its maintenance cycle.
type ProbModel interface {
	Validate(ctx context.Context) (Report, error)
	Retrain(ctx context.Context) (Report, error)
}

// NoopProbModel ships as the default so the scheduler wiring works before a
// real model is attached.
type NoopProbModel struct{}

func (NoopProbModel) Validate(context.Context) (Report, error) {
	return Report{"status": "skipped", "detail": "no probability model attached"}, nil
}

func (NoopProbModel) Retrain(context.Context) (Report, error) {
	return Report{"status": "skipped", "detail": "no probability model attached"}, nil
}

// Market regime codes, exported through the per-symbol gauge.
const (
	RegimeBear  int64 = -1
	RegimeRange int64 = 0
	RegimeBull  int64 = 1
)

// Coordinator implements the periodic maintenance work as plain methods:
// each takes a context, returns a report plus an error, and holds no timer
// state of its own. The scheduler owns the cadence.
type Coordinator struct {
	guards  EquityUpdater
	store   RetentionStore
	market  RegimeSource
	model   ProbModel
	rt      *config.Runtime
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
}

// NewCoordinator wires the coordinator. store, market and model may be nil;
// the corresponding jobs then report themselves skipped.
func NewCoordinator(
	guards EquityUpdater,
	store RetentionStore,
	market RegimeSource,
	model ProbModel,
	rt *config.Runtime,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) *Coordinator {
	if model == nil {
		model = NoopProbModel{}
	}
	return &Coordinator{
		guards:  guards,
		store:   store,
		market:  market,
		model:   model,
		rt:      rt,
		logger:  logger.WithField("component", "coordinator"),
		metrics: metrics,
	}
}

// EquitySnapshot values the account, advances the risk baselines, and
// publishes the equity gauge. A stale valuation is still a success: the
// guards carry the last known value and the staleness counter climbs.
func (c *Coordinator) EquitySnapshot(ctx context.Context) (Report, error) {
	snap, err := c.guards.UpdateEquity(ctx)
	if err != nil {
		return nil, err
	}
	usd, _ := snap.Equity.Float64()
	c.metrics.SetAccountEquity(usd)
	return Report{"equity": snap.Equity.String(), "currency": snap.Currency, "stale": snap.Stale}, nil
}

// EnforceCandleRetention trims the candle cache to the configured age and
// per-pair row bounds. Both knobs are runtime-settable.
func (c *Coordinator) EnforceCandleRetention(ctx context.Context) (Report, error) {
	if c.store == nil {
		return Report{"status": "skipped", "detail": "no candle store"}, nil
	}
	snap := c.rt.Snapshot()
	days := snap.Int(config.KeyCandleRetentionDays)
	maxRows := snap.Int(config.KeyCandleMaxRowsPerPair)
	deleted, err := c.store.EnforceRetention(ctx, time.Duration(days)*24*time.Hour, maxRows)
	if err != nil {
		return nil, err
	}
	return Report{"deleted": deleted, "max_days": days, "max_rows_per_pair": maxRows}, nil
}

// ProbValidation runs the model's out-of-sample validation pass.
func (c *Coordinator) ProbValidation(ctx context.Context) (Report, error) {
	return c.model.Validate(ctx)
}

// ProbRetrain runs the model's retraining pass.
func (c *Coordinator) ProbRetrain(ctx context.Context) (Report, error) {
	return c.model.Retrain(ctx)
}

// UpdateRegime classifies every streaming pair from its incremental RSI and
// publishes the per-symbol regime gauge. Pairs still warming up are left at
// their previous classification.
func (c *Coordinator) UpdateRegime(ctx context.Context) (Report, error) {
	if c.market == nil {
		return Report{"status": "skipped", "detail": "no market data facade"}, nil
	}

	pairs := c.market.WatchedPairs()
	regimes := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, ok := c.market.IndicatorSnapshot(pair[0], pair[1])
		if !ok || snap.Samples < 2 {
			continue
		}
		code, label := classifyRegime(snap)
		c.metrics.SetMarketRegime(pair[0], code)
		regimes[pair[0]+"|"+pair[1]] = label
	}
	return Report{"pairs": len(pairs), "classified": len(regimes), "regimes": regimes}, nil
}

var (
	seventy = decimal.NewFromInt(70)
	thirty  = decimal.NewFromInt(30)
)

// classifyRegime maps RSI to a coarse regime: above 70 trending up, below
// 30 trending down, ranging in between.
func classifyRegime(snap marketdata.IndicatorSnapshot) (int64, string) {
	switch {
	case snap.RSI.GreaterThan(seventy):
		return RegimeBull, "bull"
	case snap.RSI.LessThan(thirty):
		return RegimeBear, "bear"
	default:
		return RegimeRange, "range"
	}
}
