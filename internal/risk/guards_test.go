package risk

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/logging"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

type fakeEquity struct {
	mu           sync.Mutex
	eq           decimal.Decimal
	err          error
	calls        int
	wantDeadline bool
}

func (f *fakeEquity) Equity(ctx context.Context) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.wantDeadline {
		if _, ok := ctx.Deadline(); !ok {
			panic("equity valuation called without a deadline")
		}
		return decimal.Zero, context.DeadlineExceeded
	}
	if f.err != nil {
		return decimal.Zero, f.err
	}
	return f.eq, nil
}

func (f *fakeEquity) set(eq string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eq = decimal.RequireFromString(eq)
}

func (f *fakeEquity) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type guardsFixture struct {
	guards  *GuardSet
	equity  *fakeEquity
	metrics *telemetry.MetricsHolder
	path    string
	clock   time.Time
}

func newGuardsFixture(t *testing.T, mutate func(*config.RiskConfig)) *guardsFixture {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg := config.DefaultConfig().Risk
	if mutate != nil {
		mutate(&cfg)
	}

	fx := &guardsFixture{
		equity:  &fakeEquity{eq: decimal.RequireFromString("10000")},
		metrics: telemetry.NewMetricsHolder(),
		path:    filepath.Join(t.TempDir(), "risk_guards.json"),
		clock:   monday(12, 0),
	}
	fx.guards, err = NewGuardSet(fx.path, cfg, time.UTC, fx.equity, logger, fx.metrics)
	require.NoError(t, err)
	fx.guards.now = func() time.Time { return fx.clock }
	return fx
}

func TestGuardsAllClearEstablishesBaselines(t *testing.T) {
	fx := newGuardsFixture(t, nil)

	assert.Empty(t, fx.guards.CheckAll(context.Background()))

	day, dayStart, peak, lastLoss, kill := fx.guards.State()
	assert.Equal(t, "2026-08-24", day)
	assert.Equal(t, "10000", dayStart.String())
	assert.Equal(t, "10000", peak.String())
	assert.Zero(t, lastLoss)
	assert.False(t, kill)
}

func TestGuardsKillSwitch(t *testing.T) {
	fx := newGuardsFixture(t, nil)

	require.NoError(t, fx.guards.SetKillSwitch(true))
	assert.Equal(t, GuardKillSwitch, fx.guards.CheckAll(context.Background()))
	assert.Zero(t, fx.equity.callCount(), "kill switch is decided before any valuation")

	require.NoError(t, fx.guards.SetKillSwitch(false))
	assert.Empty(t, fx.guards.CheckAll(context.Background()))
}

func TestGuardsDailyLossLimit(t *testing.T) {
	fx := newGuardsFixture(t, nil) // default 5% daily loss
	ctx := context.Background()

	require.Empty(t, fx.guards.CheckAll(ctx), "baseline primes at 10000")

	fx.equity.set("9400") // 6% under the day start
	assert.Equal(t, GuardMaxDailyLoss, fx.guards.CheckAll(ctx))

	fx.equity.set("9600") // 4% under, inside the limit
	assert.Empty(t, fx.guards.CheckAll(ctx))
}

func TestGuardsDrawdownFromPeak(t *testing.T) {
	fx := newGuardsFixture(t, func(c *config.RiskConfig) {
		c.MaxDailyLossPercent = 0 // isolate the drawdown guard
	})
	ctx := context.Background()

	require.Empty(t, fx.guards.CheckAll(ctx))
	fx.equity.set("12000")
	require.Empty(t, fx.guards.CheckAll(ctx), "peak rises to 12000")

	fx.equity.set("10100") // 15.8% off the peak, default limit is 15%
	assert.Equal(t, GuardMaxDrawdown, fx.guards.CheckAll(ctx))

	require.NoError(t, fx.guards.ResetPeak())
	assert.Empty(t, fx.guards.CheckAll(ctx), "rebased peak accepts the drawdown")
}

func TestGuardsCooldownAfterLoss(t *testing.T) {
	fx := newGuardsFixture(t, nil) // default cooldown 300s
	ctx := context.Background()

	require.NoError(t, fx.guards.NoteLoss())
	assert.Equal(t, GuardCooldownAfterLoss, fx.guards.CheckAll(ctx))
	assert.Zero(t, fx.equity.callCount(), "cooldown is decided before any valuation")

	fx.clock = fx.clock.Add(301 * time.Second)
	assert.Empty(t, fx.guards.CheckAll(ctx))
}

func TestGuardsFailOpenWhenEquityUnavailable(t *testing.T) {
	fx := newGuardsFixture(t, nil)
	fx.equity.err = apperrors.ErrTransport

	assert.Empty(t, fx.guards.CheckAll(context.Background()), "equity guards fail open")
	assert.Equal(t, int64(1), fx.metrics.CounterValue(telemetry.MetricEquityStaleTotal))
}

func TestGuardsApplyHardTimeout(t *testing.T) {
	fx := newGuardsFixture(t, nil)
	fx.equity.wantDeadline = true

	assert.Empty(t, fx.guards.CheckAll(context.Background()))
	assert.Equal(t, int64(1), fx.metrics.CounterValue(telemetry.MetricEquityStaleTotal))
}

func TestGuardsDisableAndUnknownGuard(t *testing.T) {
	fx := newGuardsFixture(t, nil)
	ctx := context.Background()

	require.Empty(t, fx.guards.CheckAll(ctx))
	require.NoError(t, fx.guards.SetGuardEnabled(GuardMaxDailyLoss, false))

	fx.equity.set("9400") // would trip max_daily_loss
	assert.Empty(t, fx.guards.CheckAll(ctx))

	assert.Error(t, fx.guards.SetGuardEnabled("volume_anomaly", false))
}

func TestGuardsStatePersists(t *testing.T) {
	fx := newGuardsFixture(t, nil)
	require.Empty(t, fx.guards.CheckAll(context.Background()))
	require.NoError(t, fx.guards.SetKillSwitch(true))
	require.NoError(t, fx.guards.NoteLoss())

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	reopened, err := NewGuardSet(fx.path, config.DefaultConfig().Risk, time.UTC, fx.equity, logger, fx.metrics)
	require.NoError(t, err)

	day, dayStart, peak, lastLoss, kill := reopened.State()
	assert.Equal(t, "2026-08-24", day)
	assert.Equal(t, "10000", dayStart.String())
	assert.Equal(t, "10000", peak.String())
	assert.Equal(t, fx.clock.Unix(), lastLoss)
	assert.True(t, kill, "kill switch survives restart")
}

func TestGuardsUpdateEquityCarriesStaleValue(t *testing.T) {
	fx := newGuardsFixture(t, nil)
	ctx := context.Background()

	snap, err := fx.guards.UpdateEquity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "10000", snap.Equity.String())
	assert.False(t, snap.Stale)

	fx.equity.err = apperrors.ErrTransport
	snap, err = fx.guards.UpdateEquity(ctx)
	require.NoError(t, err, "a known value beats an error")
	assert.True(t, snap.Stale)
	assert.Equal(t, "10000", snap.Equity.String())
	assert.Equal(t, int64(1), fx.metrics.CounterValue(telemetry.MetricEquityStaleTotal))
}

func TestGuardsDayRolloverRebasesDayStart(t *testing.T) {
	fx := newGuardsFixture(t, nil)
	ctx := context.Background()

	require.Empty(t, fx.guards.CheckAll(ctx))
	fx.equity.set("9400")

	// Same day: 6% under the 10000 day start trips the guard.
	require.Equal(t, GuardMaxDailyLoss, fx.guards.CheckAll(ctx))

	// Next day the surviving equity becomes the new baseline.
	fx.clock = fx.clock.Add(24 * time.Hour)
	assert.Empty(t, fx.guards.CheckAll(ctx))

	_, dayStart, peak, _, _ := fx.guards.State()
	assert.Equal(t, "9400", dayStart.String())
	assert.Equal(t, "10000", peak.String(), "the peak survives rollover")
}
