package marketdata

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// IndicatorConfig fixes the smoothing periods. Zero values fall back to the
// standard periods.
type IndicatorConfig struct {
	EMAPeriod int
	RSIPeriod int
	ATRPeriod int
}

func (c IndicatorConfig) withDefaults() IndicatorConfig {
	if c.EMAPeriod <= 0 {
		c.EMAPeriod = 20
	}
	if c.RSIPeriod <= 0 {
		c.RSIPeriod = 14
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	return c
}

// IndicatorSnapshot is the point-in-time view returned after each update.
type IndicatorSnapshot struct {
	Symbol    string
	Timeframe string
	EMA       decimal.Decimal
	RSI       decimal.Decimal
	ATR       decimal.Decimal
	Samples   int
	LastMTS   int64
}

// Indicators keeps O(1) EMA/RSI/ATR state per (symbol, timeframe). Feeding
// one closed candle advances all three; no candle history is retained.
type Indicators struct {
	mu     sync.Mutex
	cfg    IndicatorConfig
	states map[string]*indicatorState
}

type indicatorState struct {
	samples int
	lastMTS int64

	ema       decimal.Decimal
	avgGain   decimal.Decimal
	avgLoss   decimal.Decimal
	atr       decimal.Decimal
	prevClose decimal.Decimal
}

// NewIndicators builds the indicator registry.
func NewIndicators(cfg IndicatorConfig) *Indicators {
	return &Indicators{
		cfg:    cfg.withDefaults(),
		states: make(map[string]*indicatorState),
	}
}

// UpdateCandle advances the (symbol, timeframe) state with one closed candle
// and returns the resulting snapshot. Candles at or before the last seen bar
// open are ignored, which makes replays after a reconnect harmless.
func (x *Indicators) UpdateCandle(c core.Candle) IndicatorSnapshot {
	x.mu.Lock()
	defer x.mu.Unlock()

	key := c.Symbol + "|" + c.Timeframe
	st, ok := x.states[key]
	if !ok {
		st = &indicatorState{}
		x.states[key] = st
	}

	if st.samples > 0 && c.MTS <= st.lastMTS {
		return x.snapshotLocked(c.Symbol, c.Timeframe, st)
	}

	if st.samples == 0 {
		// First observation seeds the state: EMA = close, ATR = high-low,
		// RSI has no delta yet and reads the neutral 50.
		st.ema = c.Close
		st.atr = c.High.Sub(c.Low)
		st.prevClose = c.Close
		st.samples = 1
		st.lastMTS = c.MTS
		return x.snapshotLocked(c.Symbol, c.Timeframe, st)
	}

	// EMA = EMA + alpha * (close - EMA), alpha = 2 / (period + 1)
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(x.cfg.EMAPeriod + 1)))
	st.ema = st.ema.Add(alpha.Mul(c.Close.Sub(st.ema)))

	change := c.Close.Sub(st.prevClose)
	var gain, loss decimal.Decimal
	if change.IsPositive() {
		gain = change
	} else {
		loss = change.Abs()
	}
	if st.samples == 1 {
		st.avgGain = gain
		st.avgLoss = loss
	} else {
		// Wilder: AvgGain = (PrevAvgGain * (n-1) + CurrentGain) / n
		n := decimal.NewFromInt(int64(x.cfg.RSIPeriod))
		nm1 := decimal.NewFromInt(int64(x.cfg.RSIPeriod - 1))
		st.avgGain = st.avgGain.Mul(nm1).Add(gain).Div(n)
		st.avgLoss = st.avgLoss.Mul(nm1).Add(loss).Div(n)
	}

	// TR = max(high-low, |high-prev_close|, |low-prev_close|)
	tr := c.High.Sub(c.Low)
	if d := c.High.Sub(st.prevClose).Abs(); d.GreaterThan(tr) {
		tr = d
	}
	if d := c.Low.Sub(st.prevClose).Abs(); d.GreaterThan(tr) {
		tr = d
	}
	n := decimal.NewFromInt(int64(x.cfg.ATRPeriod))
	nm1 := decimal.NewFromInt(int64(x.cfg.ATRPeriod - 1))
	st.atr = st.atr.Mul(nm1).Add(tr).Div(n)

	st.prevClose = c.Close
	st.samples++
	st.lastMTS = c.MTS
	return x.snapshotLocked(c.Symbol, c.Timeframe, st)
}

// Snapshot returns the current state without advancing it. The second return
// is false until the pair has seen at least one candle.
func (x *Indicators) Snapshot(symbol, timeframe string) (IndicatorSnapshot, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	st, ok := x.states[symbol+"|"+timeframe]
	if !ok {
		return IndicatorSnapshot{}, false
	}
	return x.snapshotLocked(symbol, timeframe, st), true
}

// Reset drops the state for one pair, forcing a fresh warmup.
func (x *Indicators) Reset(symbol, timeframe string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.states, symbol+"|"+timeframe)
}

func (x *Indicators) snapshotLocked(symbol, timeframe string, st *indicatorState) IndicatorSnapshot {
	return IndicatorSnapshot{
		Symbol:    symbol,
		Timeframe: timeframe,
		EMA:       st.ema,
		RSI:       st.rsi(),
		ATR:       st.atr,
		Samples:   st.samples,
		LastMTS:   st.lastMTS,
	}
}

func (st *indicatorState) rsi() decimal.Decimal {
	if st.samples <= 1 {
		return decimal.NewFromInt(50)
	}
	if st.avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	// RSI = 100 - 100 / (1 + RS), RS = AvgGain / AvgLoss
	rs := st.avgGain.Div(st.avgLoss)
	return decimal.NewFromInt(100).Sub(decimal.NewFromInt(100).Div(decimal.NewFromInt(1).Add(rs)))
}
