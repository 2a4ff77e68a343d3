package config

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSeedsFromBase(t *testing.T) {
	base := DefaultConfig()
	base.Trading.MaxTradesPerDay = 7
	base.Trading.TradingPaused = true
	rt := NewRuntime(base)

	assert.Equal(t, 7, rt.Int(KeyMaxTradesPerDay))
	assert.True(t, rt.Bool(KeyTradingPaused))
	assert.Equal(t, "auto", rt.Str(KeyMarketDataMode))
}

func TestRuntimeSetAndSnapshotIsolation(t *testing.T) {
	rt := NewRuntime(DefaultConfig())

	before := rt.Snapshot()
	require.NoError(t, rt.Set(KeyMarketDataMode, "rest_only"))
	after := rt.Snapshot()

	// The snapshot taken before the write must not see it.
	assert.Equal(t, "auto", before.Str(KeyMarketDataMode))
	assert.Equal(t, "rest_only", after.Str(KeyMarketDataMode))
	assert.Greater(t, after.Version(), before.Version())
}

func TestRuntimeSetValidation(t *testing.T) {
	rt := NewRuntime(DefaultConfig())

	assert.Error(t, rt.Set("NO_SUCH_KEY", "1"), "unknown key must be rejected")
	assert.Error(t, rt.Set(KeyMarketDataMode, "sometimes"), "enum value outside set")
	assert.Error(t, rt.Set(KeyWSTickerWarmupMS, "750"), "int above bound")
	assert.Error(t, rt.Set(KeyWSTickerWarmupMS, "abc"), "non-integer")
	assert.Error(t, rt.Set(KeyTradingPaused, "perhaps"), "non-boolean")

	require.NoError(t, rt.Set(KeyWSTickerWarmupMS, "500"))
	assert.Equal(t, 500, rt.Int(KeyWSTickerWarmupMS))

	// Booleans accept the strconv forms and normalize.
	require.NoError(t, rt.Set(KeyTradingPaused, "TRUE"))
	assert.True(t, rt.Bool(KeyTradingPaused))
}

func TestRuntimeConcurrentReadersAndWriters(t *testing.T) {
	rt := NewRuntime(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := rt.Snapshot()
				// Within one snapshot the paired knobs stay coherent.
				_ = snap.Int(KeyMaxTradesPerDay)
				_ = snap.Bool(KeyTradingPaused)
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if id == 0 {
					_ = rt.Set(KeyMaxTradesPerDay, "5")
				} else {
					_ = rt.Set(KeyTradingPaused, "true")
				}
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, rt.Int(KeyMaxTradesPerDay))
	assert.True(t, rt.Bool(KeyTradingPaused))
}

func TestSnapshotSecondsHelpers(t *testing.T) {
	rt := NewRuntime(DefaultConfig())
	require.NoError(t, rt.Set(KeyTradeCooldownSecs, "90"))

	snap := rt.Snapshot()
	assert.Equal(t, "1m30s", snap.Seconds(KeyTradeCooldownSecs).String())
	assert.Equal(t, "250ms", snap.Millis(KeyWSTickerWarmupMS).String())
}
