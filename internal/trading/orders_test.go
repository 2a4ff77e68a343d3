package trading

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/logging"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

type fakeCanceller struct {
	mu     sync.Mutex
	calls  []int64
	failOn map[int64]error
}

func (f *fakeCanceller) Cancel(ctx context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orderID)
	if err, ok := f.failOn[orderID]; ok {
		return err
	}
	return nil
}

func (f *fakeCanceller) cancelled() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

type fakeOrdersSource struct {
	orders []*core.LiveOrder
	err    error
}

func (f *fakeOrdersSource) ActiveOrders(ctx context.Context) ([]*core.LiveOrder, error) {
	return f.orders, f.err
}

type registryFixture struct {
	registry  *OrderRegistry
	canceller *fakeCanceller
	metrics   *telemetry.MetricsHolder
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	canceller := &fakeCanceller{failOn: map[int64]error{}}
	metrics := telemetry.NewMetricsHolder()
	return &registryFixture{
		registry:  NewOrderRegistry(canceller, logger, metrics),
		canceller: canceller,
		metrics:   metrics,
	}
}

func liveOrder(id, gid int64, symbol, status string, amount string) *core.LiveOrder {
	amt := decimal.RequireFromString(amount)
	return &core.LiveOrder{
		ID:         id,
		GroupID:    gid,
		Symbol:     symbol,
		Amount:     amt,
		AmountOrig: amt,
		Type:       core.TypeExchangeLimit,
		Status:     status,
		Price:      decimal.RequireFromString("30000"),
	}
}

func TestRegistryTracksOrderLifecycle(t *testing.T) {
	fx := newRegistryFixture(t)

	fx.registry.Track(liveOrder(1, 0, "tBTCUSD", "ACTIVE", "0.5"))
	got, ok := fx.registry.Get(1)
	require.True(t, ok)
	assert.Equal(t, "ACTIVE", got.Status)

	// Partial fill updates in place.
	fx.registry.Track(liveOrder(1, 0, "tBTCUSD", "PARTIALLY FILLED @ 30000.0(0.2)", "0.3"))
	got, ok = fx.registry.Get(1)
	require.True(t, ok)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, 1, fx.registry.Len())

	// Full execution leaves the registry and counts as a fill.
	fx.registry.Track(liveOrder(1, 0, "tBTCUSD", "EXECUTED @ 30000.0(0.5)", "0"))
	_, ok = fx.registry.Get(1)
	assert.False(t, ok)
	assert.Zero(t, fx.registry.Len())
	assert.Equal(t, int64(1), fx.metrics.CounterValue(telemetry.MetricOrdersFilledTotal))
}

func TestRegistryCanceledIsNotAFill(t *testing.T) {
	fx := newRegistryFixture(t)

	fx.registry.Track(liveOrder(7, 0, "tBTCUSD", "ACTIVE", "1"))
	fx.registry.Track(liveOrder(7, 0, "tBTCUSD", "CANCELED was: PARTIALLY FILLED @ 30000.0(0.1)", "0.9"))

	assert.Zero(t, fx.registry.Len())
	assert.Zero(t, fx.metrics.CounterValue(telemetry.MetricOrdersFilledTotal))
}

func TestRegistryTerminalForUnknownOrderIsNoop(t *testing.T) {
	fx := newRegistryFixture(t)

	fx.registry.Track(liveOrder(9, 0, "tBTCUSD", "EXECUTED @ 30000.0(1.0)", "0"))

	assert.Zero(t, fx.registry.Len())
	assert.Zero(t, fx.metrics.CounterValue(telemetry.MetricOrdersFilledTotal),
		"an execution the registry never saw open must not count as a fill")
}

func TestRegistryHandleOrderEventGuards(t *testing.T) {
	fx := newRegistryFixture(t)

	fx.registry.HandleOrderEvent("on", nil)
	fx.registry.HandleOrderEvent("on", &core.LiveOrder{})
	assert.Zero(t, fx.registry.Len())

	fx.registry.HandleOrderEvent("on", liveOrder(3, 0, "tETHUSD", "ACTIVE", "1"))
	assert.Equal(t, 1, fx.registry.Len())
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	fx := newRegistryFixture(t)

	fx.registry.Track(liveOrder(4, 0, "tBTCUSD", "ACTIVE", "1"))
	got, ok := fx.registry.Get(4)
	require.True(t, ok)

	got.Status = "mutated"
	fresh, _ := fx.registry.Get(4)
	assert.Equal(t, "ACTIVE", fresh.Status)
}

func TestRegistryGroupIndex(t *testing.T) {
	fx := newRegistryFixture(t)

	fx.registry.Track(liveOrder(10, 100, "tBTCUSD", "ACTIVE", "1"))
	fx.registry.Track(liveOrder(11, 100, "tBTCUSD", "ACTIVE", "1"))
	fx.registry.Track(liveOrder(12, 0, "tETHUSD", "ACTIVE", "1"))

	assert.Len(t, fx.registry.ByGroup(100), 2)
	assert.Empty(t, fx.registry.ByGroup(999))

	// A terminal member drops out of the group view.
	fx.registry.Track(liveOrder(10, 100, "tBTCUSD", "EXECUTED @ 30000.0(1.0)", "0"))
	assert.Len(t, fx.registry.ByGroup(100), 1)

	// Moving an order between groups reindexes it.
	fx.registry.Track(liveOrder(11, 200, "tBTCUSD", "ACTIVE", "1"))
	assert.Empty(t, fx.registry.ByGroup(100))
	assert.Len(t, fx.registry.ByGroup(200), 1)
}

func TestRegistryCancelGroup(t *testing.T) {
	fx := newRegistryFixture(t)
	boom := errors.New("exchange said no")
	fx.canceller.failOn[21] = boom

	fx.registry.Track(liveOrder(20, 300, "tBTCUSD", "ACTIVE", "1"))
	fx.registry.Track(liveOrder(21, 300, "tBTCUSD", "ACTIVE", "1"))

	canceled, err := fx.registry.CancelGroup(context.Background(), 300)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, canceled)
	assert.ElementsMatch(t, []int64{20, 21}, fx.canceller.cancelled(),
		"one refusal must not stop the sweep")
}

func TestRegistryCancelGroupWithoutCanceller(t *testing.T) {
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	registry := NewOrderRegistry(nil, logger, telemetry.NewMetricsHolder())

	_, err = registry.CancelGroup(context.Background(), 1)
	require.Error(t, err)
}

func TestRegistryReconcile(t *testing.T) {
	fx := newRegistryFixture(t)

	fx.registry.Track(liveOrder(1, 0, "tBTCUSD", "ACTIVE", "1")) // zombie: gone on the exchange
	fx.registry.Track(liveOrder(2, 0, "tBTCUSD", "ACTIVE", "1"))

	source := &fakeOrdersSource{orders: []*core.LiveOrder{
		liveOrder(2, 0, "tBTCUSD", "ACTIVE", "1"),
		liveOrder(3, 0, "tETHUSD", "ACTIVE", "2"), // placed outside this process
	}}

	report, err := fx.registry.Reconcile(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Active: 2, Adopted: 1, ZombiesCleared: 1}, report)

	_, ok := fx.registry.Get(1)
	assert.False(t, ok)
	_, ok = fx.registry.Get(3)
	assert.True(t, ok)
	assert.Equal(t, 2, fx.registry.Len())
}

func TestRegistryReconcileSourceError(t *testing.T) {
	fx := newRegistryFixture(t)
	fx.registry.Track(liveOrder(1, 0, "tBTCUSD", "ACTIVE", "1"))

	boom := errors.New("rest unavailable")
	_, err := fx.registry.Reconcile(context.Background(), &fakeOrdersSource{err: boom})
	require.ErrorIs(t, err, boom)

	// A failed sync must not touch the local image.
	assert.Equal(t, 1, fx.registry.Len())
}
