package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func bar(mts int64, open, close, high, low string) core.Candle {
	return core.Candle{
		Symbol:    "tBTCUSD",
		Timeframe: "1m",
		MTS:       mts,
		Open:      d(open),
		Close:     d(close),
		High:      d(high),
		Low:       d(low),
		Volume:    d("1"),
	}
}

func TestIndicatorsFirstSampleSeedsState(t *testing.T) {
	x := NewIndicators(IndicatorConfig{})

	snap := x.UpdateCandle(bar(1000, "10", "10", "12", "8"))

	assert.Equal(t, 1, snap.Samples)
	assert.True(t, snap.EMA.Equal(d("10")), "EMA seeds from close, got %s", snap.EMA)
	assert.True(t, snap.ATR.Equal(d("4")), "ATR seeds from high-low, got %s", snap.ATR)
	assert.True(t, snap.RSI.Equal(d("50")), "RSI is neutral on the first sample, got %s", snap.RSI)
}

func TestIndicatorsEMA(t *testing.T) {
	// period 3 gives alpha = 0.5, so each step moves halfway to the close
	x := NewIndicators(IndicatorConfig{EMAPeriod: 3})

	x.UpdateCandle(bar(1000, "10", "10", "10", "10"))
	snap := x.UpdateCandle(bar(2000, "10", "20", "20", "10"))
	assert.True(t, snap.EMA.Equal(d("15")), "got %s", snap.EMA)

	snap = x.UpdateCandle(bar(3000, "20", "30", "30", "20"))
	assert.True(t, snap.EMA.Equal(d("22.5")), "got %s", snap.EMA)
}

func TestIndicatorsRSI(t *testing.T) {
	x := NewIndicators(IndicatorConfig{RSIPeriod: 2})

	x.UpdateCandle(bar(1000, "10", "10", "10", "10"))

	snap := x.UpdateCandle(bar(2000, "10", "12", "12", "10"))
	assert.True(t, snap.RSI.Equal(d("100")), "no losses yet means RSI 100, got %s", snap.RSI)

	// Wilder with n=2: avgGain=(2+0)/2=1, avgLoss=(0+1)/2=0.5, RS=2,
	// RSI = 100 - 100/3
	snap = x.UpdateCandle(bar(3000, "12", "11", "12", "11"))
	rsi, _ := snap.RSI.Float64()
	assert.InDelta(t, 66.6667, rsi, 0.001)
}

func TestIndicatorsATRUsesTrueRange(t *testing.T) {
	x := NewIndicators(IndicatorConfig{ATRPeriod: 2})

	x.UpdateCandle(bar(1000, "10", "10", "12", "8"))

	// Gap up: high-low is 2 but |high-prev_close| is 11, so TR = 11 and
	// ATR = (4 + 11) / 2
	snap := x.UpdateCandle(bar(2000, "20", "21", "21", "19"))
	assert.True(t, snap.ATR.Equal(d("7.5")), "got %s", snap.ATR)
}

func TestIndicatorsIgnoresReplayedBars(t *testing.T) {
	x := NewIndicators(IndicatorConfig{})

	x.UpdateCandle(bar(1000, "10", "10", "12", "8"))
	before := x.UpdateCandle(bar(2000, "10", "11", "11", "10"))

	after := x.UpdateCandle(bar(2000, "10", "99", "99", "10"))
	assert.Equal(t, before.Samples, after.Samples)
	assert.True(t, after.EMA.Equal(before.EMA), "replayed bar must not move the EMA")

	after = x.UpdateCandle(bar(1000, "10", "99", "99", "10"))
	assert.Equal(t, before.Samples, after.Samples, "stale bar must not advance state")
}

func TestIndicatorsSnapshotAndReset(t *testing.T) {
	x := NewIndicators(IndicatorConfig{})

	_, ok := x.Snapshot("tBTCUSD", "1m")
	assert.False(t, ok)

	x.UpdateCandle(bar(1000, "10", "10", "12", "8"))
	snap, ok := x.Snapshot("tBTCUSD", "1m")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Samples)
	assert.Equal(t, int64(1000), snap.LastMTS)

	_, ok = x.Snapshot("tETHUSD", "1m")
	assert.False(t, ok, "pairs are independent")

	x.Reset("tBTCUSD", "1m")
	_, ok = x.Snapshot("tBTCUSD", "1m")
	assert.False(t, ok)
}
