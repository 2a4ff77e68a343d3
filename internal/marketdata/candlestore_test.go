package marketdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

func testStore(t *testing.T) *CandleStore {
	t.Helper()
	store, err := NewCandleStore(filepath.Join(t.TempDir(), "candles.db"), telemetry.NewMetricsHolder())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCandleStoreUpsertAndLoadRecent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []core.Candle{
		bar(60000, "100", "101", "102", "99"),
		bar(180000, "103", "104", "105", "100"),
		bar(120000, "101", "103", "104", "100"),
	}))

	got, err := store.LoadRecent(ctx, "tBTCUSD", "1m", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(180000), got[0].MTS, "newest first")
	assert.Equal(t, int64(120000), got[1].MTS)
	assert.Equal(t, "104", got[0].Close.String())

	// Re-writing a key converges the in-progress bar to its final values.
	require.NoError(t, store.Upsert(ctx, []core.Candle{bar(180000, "103", "106", "107", "100")}))
	got, err = store.LoadRecent(ctx, "tBTCUSD", "1m", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "106", got[0].Close.String())

	n, err := store.RowCount(ctx, "tBTCUSD", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCandleStoreSeparatesPairs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	eth := bar(60000, "10", "11", "12", "9")
	eth.Symbol = "tETHUSD"
	fiveMin := bar(60000, "100", "101", "102", "99")
	fiveMin.Timeframe = "5m"
	require.NoError(t, store.Upsert(ctx, []core.Candle{
		bar(60000, "100", "101", "102", "99"),
		eth,
		fiveMin,
	}))

	got, err := store.LoadRecent(ctx, "tBTCUSD", "1m", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	n, err := store.RowCount(ctx, "tETHUSD", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCandleStoreRetention(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-40 * 24 * time.Hour).UnixMilli()
	fresh := now.Add(-time.Hour).UnixMilli()

	require.NoError(t, store.Upsert(ctx, []core.Candle{
		bar(old, "1", "1", "1", "1"),
		bar(old+60000, "1", "1", "1", "1"),
		bar(fresh, "2", "2", "2", "2"),
		bar(fresh+60000, "2", "2", "2", "2"),
		bar(fresh+120000, "2", "2", "2", "2"),
	}))

	deleted, err := store.EnforceRetention(ctx, 30*24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted, "aged bars removed")

	deleted, err = store.EnforceRetention(ctx, 30*24*time.Hour, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted, "per-pair cap keeps the newest rows")

	got, err := store.LoadRecent(ctx, "tBTCUSD", "1m", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, fresh+120000, got[0].MTS)
	assert.Equal(t, fresh+60000, got[1].MTS)
}
