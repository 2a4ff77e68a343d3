package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/JohnCCarter/Genesis-sub002/internal/bitfinex"
	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/internal/ws"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// RestSource is the REST slice of the exchange client the facade falls
// back to. bitfinex.Client satisfies it.
type RestSource interface {
	Ticker(ctx context.Context, symbol string) (*core.Ticker, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error)
}

// PublicSubscriber is the slice of the WebSocket pool the facade consumes.
type PublicSubscriber interface {
	Subscribe(ctx context.Context, channel ws.Channel, symbol, timeframe string, h ws.Handler) (string, error)
	Unsubscribe(key string) error
}

const defaultCandleLimit = 120

// Timeframes the exchange serves, mapped to their bar length for freshness
// checks.
var timeframeLengths = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"3h":  3 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1D":  24 * time.Hour,
	"1W":  7 * 24 * time.Hour,
	"14D": 14 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

type tickerWatch struct {
	subKey  string
	last    *core.Ticker
	at      time.Time
	waiters []chan struct{}
}

type candleWatch struct {
	subKey  string
	pending *core.Candle
}

// Facade is the WebSocket-first, REST-fallback market data surface.
// Tickers are served from live stream snapshots while they are fresh;
// candles are served from the SQLite store while coverage and freshness
// hold. Everything else falls back to REST, with a short TTL cache in
// front of ticker calls.
type Facade struct {
	rest    RestSource
	pool    PublicSubscriber
	store   *CandleStore
	ind     *Indicators
	rt      *config.Runtime
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	cache   *gocache.Cache

	mu      sync.Mutex
	tickers map[string]*tickerWatch
	candles map[string]*candleWatch

	now func() time.Time
}

// NewFacade builds the facade. pool and store may be nil, which disables
// the WS-first and cache-first paths respectively.
func NewFacade(
	cfg config.MarketDataConfig,
	rest RestSource,
	pool PublicSubscriber,
	store *CandleStore,
	rt *config.Runtime,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) *Facade {
	return &Facade{
		rest:  rest,
		pool:  pool,
		store: store,
		ind: NewIndicators(IndicatorConfig{
			EMAPeriod: cfg.EMAPeriod,
			RSIPeriod: cfg.RSIPeriod,
			ATRPeriod: cfg.ATRPeriod,
		}),
		rt:      rt,
		logger:  logger.WithField("component", "marketdata"),
		metrics: metrics,
		cache:   gocache.New(gocache.NoExpiration, 10*time.Minute),
		tickers: make(map[string]*tickerWatch),
		candles: make(map[string]*candleWatch),
		now:     time.Now,
	}
}

// Ticker returns the freshest available ticker for the symbol. In auto
// mode it serves a live WS snapshot when one is younger than
// WS_TICKER_STALE_SECS, waits up to WS_TICKER_WARMUP_MS for the next tick
// otherwise, and only then falls back to REST. rest_only skips the stream
// entirely; ws_only fails instead of falling back.
func (f *Facade) Ticker(ctx context.Context, symbol string) (*core.TickerSnapshot, error) {
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return nil, err
	}

	snap := f.rt.Snapshot()
	mode := snap.Str(config.KeyMarketDataMode)
	if mode == "rest_only" || f.pool == nil {
		return f.restTicker(ctx, canonical, snap, "rest_only")
	}

	watchErr := f.WatchTicker(ctx, canonical)

	if t, ok := f.wsTicker(ctx, canonical, snap); ok {
		return t, nil
	}
	if t := f.awaitTicker(ctx, canonical, snap); t != nil {
		return t, nil
	}

	if mode == "ws_only" {
		return nil, fmt.Errorf("%w: no fresh websocket ticker for %s", apperrors.ErrWSNotConnected, canonical)
	}
	reason := "ws_miss"
	if watchErr != nil {
		reason = "ws_unavailable"
	}
	return f.restTicker(ctx, canonical, snap, reason)
}

// WatchTicker ensures a pool subscription feeds the symbol's snapshot.
// Repeated calls are no-ops.
func (f *Facade) WatchTicker(ctx context.Context, symbol string) error {
	if f.pool == nil {
		return fmt.Errorf("%w: no public pool configured", apperrors.ErrWSNotConnected)
	}
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if _, ok := f.tickers[canonical]; ok {
		f.mu.Unlock()
		return nil
	}
	f.tickers[canonical] = &tickerWatch{}
	f.mu.Unlock()

	key, err := f.pool.Subscribe(ctx, ws.ChannelTicker, canonical, "", f.onTickerMessage)
	if err != nil {
		f.mu.Lock()
		delete(f.tickers, canonical)
		f.mu.Unlock()
		f.logger.Warn("ticker watch unavailable", "symbol", canonical, "error", err)
		return err
	}

	f.mu.Lock()
	if w := f.tickers[canonical]; w != nil {
		w.subKey = key
	}
	f.mu.Unlock()
	f.logger.Info("watching ticker", "symbol", canonical, "key", key)
	return nil
}

// UnwatchTicker drops the stream subscription for the symbol.
func (f *Facade) UnwatchTicker(symbol string) error {
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return err
	}
	f.mu.Lock()
	w := f.tickers[canonical]
	delete(f.tickers, canonical)
	f.mu.Unlock()
	if w == nil || w.subKey == "" || f.pool == nil {
		return nil
	}
	return f.pool.Unsubscribe(w.subKey)
}

// Candles returns up to limit bars, oldest first. The store serves the
// read when it holds enough rows and the newest bar is recent; otherwise
// the bars are fetched over REST, folded into the store, and the merged
// view is returned.
func (f *Facade) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultCandleLimit
	}

	mode := f.rt.Str(config.KeyMarketDataMode)
	if f.store != nil && mode != "rest_only" {
		cached, err := f.store.LoadRecent(ctx, canonical, timeframe, limit)
		if err != nil {
			f.logger.Warn("candle cache read failed", "symbol", canonical, "error", err)
		} else if len(cached) >= limit && f.coversNow(cached, timeframe) {
			return reverseCandles(cached), nil
		}
	}

	fetched, err := f.rest.Candles(ctx, canonical, timeframe, limit)
	if err != nil {
		// A degraded cache read beats no data when REST is down.
		if f.store != nil {
			if cached, cerr := f.store.LoadRecent(ctx, canonical, timeframe, limit); cerr == nil && len(cached) > 0 {
				f.logger.Warn("serving stale candles, REST fetch failed",
					"symbol", canonical, "timeframe", timeframe, "error", err)
				return reverseCandles(cached), nil
			}
		}
		return nil, err
	}

	if f.store != nil {
		if err := f.store.Upsert(ctx, fetched); err != nil {
			f.logger.Warn("candle cache write failed", "symbol", canonical, "error", err)
		}
		if merged, err := f.store.LoadRecent(ctx, canonical, timeframe, limit); err == nil && len(merged) >= len(fetched) {
			return reverseCandles(merged), nil
		}
	}
	return fetched, nil
}

// WatchCandles streams bars for the pair into the store and the indicator
// pipeline. Repeated calls are no-ops.
func (f *Facade) WatchCandles(ctx context.Context, symbol, timeframe string) error {
	if f.pool == nil {
		return fmt.Errorf("%w: no public pool configured", apperrors.ErrWSNotConnected)
	}
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return err
	}
	id := canonical + "|" + timeframe

	f.mu.Lock()
	if _, ok := f.candles[id]; ok {
		f.mu.Unlock()
		return nil
	}
	f.candles[id] = &candleWatch{}
	f.mu.Unlock()

	key, err := f.pool.Subscribe(ctx, ws.ChannelCandles, canonical, timeframe, f.onCandleMessage)
	if err != nil {
		f.mu.Lock()
		delete(f.candles, id)
		f.mu.Unlock()
		f.logger.Warn("candle watch unavailable", "symbol", canonical, "timeframe", timeframe, "error", err)
		return err
	}

	f.mu.Lock()
	if w := f.candles[id]; w != nil {
		w.subKey = key
	}
	f.mu.Unlock()
	f.logger.Info("watching candles", "symbol", canonical, "timeframe", timeframe, "key", key)
	return nil
}

// UnwatchCandles drops the candle stream for the pair.
func (f *Facade) UnwatchCandles(symbol, timeframe string) error {
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return err
	}
	id := canonical + "|" + timeframe
	f.mu.Lock()
	w := f.candles[id]
	delete(f.candles, id)
	f.mu.Unlock()
	if w == nil || w.subKey == "" || f.pool == nil {
		return nil
	}
	return f.pool.Unsubscribe(w.subKey)
}

// IndicatorSnapshot exposes the incremental indicator state for the pair.
func (f *Facade) IndicatorSnapshot(symbol, timeframe string) (IndicatorSnapshot, bool) {
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return IndicatorSnapshot{}, false
	}
	return f.ind.Snapshot(canonical, timeframe)
}

// WatchedPairs lists the candle pairs currently streaming, for the
// scheduler's regime refresh.
func (f *Facade) WatchedPairs() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, 0, len(f.candles))
	for id := range f.candles {
		if symbol, timeframe, ok := strings.Cut(id, "|"); ok {
			out = append(out, [2]string{symbol, timeframe})
		}
	}
	return out
}

// Close drops every stream subscription. REST reads keep working.
func (f *Facade) Close() {
	f.mu.Lock()
	keys := make([]string, 0, len(f.tickers)+len(f.candles))
	for _, w := range f.tickers {
		if w.subKey != "" {
			keys = append(keys, w.subKey)
		}
	}
	for _, w := range f.candles {
		if w.subKey != "" {
			keys = append(keys, w.subKey)
		}
	}
	f.tickers = make(map[string]*tickerWatch)
	f.candles = make(map[string]*candleWatch)
	f.mu.Unlock()

	if f.pool == nil {
		return
	}
	for _, key := range keys {
		if err := f.pool.Unsubscribe(key); err != nil {
			f.logger.Debug("unsubscribe on close failed", "key", key, "error", err)
		}
	}
}

// wsTicker serves the live snapshot when it is younger than the staleness
// bound.
func (f *Facade) wsTicker(ctx context.Context, symbol string, snap *config.Snapshot) (*core.TickerSnapshot, bool) {
	stale := snap.Seconds(config.KeyWSTickerStaleSecs)

	f.mu.Lock()
	w := f.tickers[symbol]
	var out *core.TickerSnapshot
	if w != nil && w.last != nil && f.now().Sub(w.at) < stale {
		out = &core.TickerSnapshot{Ticker: *w.last, Source: core.TickerSourceWS, ObservedAt: w.at.UnixMilli()}
	}
	f.mu.Unlock()

	if out == nil {
		return nil, false
	}
	if f.metrics != nil {
		f.metrics.IncTickerReads(ctx, string(core.TickerSourceWS))
	}
	return out, true
}

// awaitTicker blocks for the warmup window hoping the stream delivers a
// first tick, so a cold start right after subscribing does not burn a REST
// call.
func (f *Facade) awaitTicker(ctx context.Context, symbol string, snap *config.Snapshot) *core.TickerSnapshot {
	warmup := snap.Millis(config.KeyWSTickerWarmupMS)
	if warmup <= 0 {
		return nil
	}

	f.mu.Lock()
	w := f.tickers[symbol]
	if w == nil {
		f.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters = append(w.waiters, ch)
	f.mu.Unlock()

	timer := time.NewTimer(warmup)
	defer timer.Stop()
	select {
	case <-ch:
		out, _ := f.wsTicker(ctx, symbol, snap)
		return out
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	}
}

func (f *Facade) restTicker(ctx context.Context, symbol string, snap *config.Snapshot, reason string) (*core.TickerSnapshot, error) {
	ttl := snap.Seconds(config.KeyTickerCacheTTLSecs)
	if ttl > 0 {
		if v, ok := f.cache.Get(symbol); ok {
			cached := v.(*core.TickerSnapshot)
			if f.metrics != nil {
				f.metrics.IncTickerReads(ctx, string(core.TickerSourceCache))
			}
			return &core.TickerSnapshot{
				Ticker:     cached.Ticker,
				Source:     core.TickerSourceCache,
				ObservedAt: cached.ObservedAt,
			}, nil
		}
	}

	t, err := f.rest.Ticker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := &core.TickerSnapshot{Ticker: *t, Source: core.TickerSourceREST, ObservedAt: f.now().UnixMilli()}
	if ttl > 0 {
		f.cache.Set(symbol, out, ttl)
	}
	if f.metrics != nil {
		f.metrics.IncTickerReads(ctx, string(core.TickerSourceREST))
	}
	f.logger.Debug("ticker served over REST", "symbol", symbol, "reason", reason)
	return out, nil
}

// onTickerMessage runs on the socket read goroutine; it stores the
// snapshot and releases warmup waiters.
func (f *Facade) onTickerMessage(msg ws.Message) {
	if msg.Ticker == nil {
		return
	}
	f.mu.Lock()
	w := f.tickers[msg.Symbol]
	if w == nil {
		f.mu.Unlock()
		return
	}
	w.last = msg.Ticker
	w.at = f.now()
	waiters := w.waiters
	w.waiters = nil
	f.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// onCandleMessage folds stream bars into the store and feeds the
// indicator pipeline one closed bar at a time.
func (f *Facade) onCandleMessage(msg ws.Message) {
	if len(msg.Candles) == 0 {
		return
	}
	if f.store != nil {
		if err := f.store.Upsert(context.Background(), msg.Candles); err != nil {
			f.logger.Warn("candle stream write failed", "key", msg.SubKey, "error", err)
		}
	}

	id := msg.Symbol + "|" + msg.Timeframe
	f.mu.Lock()
	w := f.candles[id]
	f.mu.Unlock()
	if w == nil {
		return
	}
	for _, c := range msg.Candles {
		f.advanceBar(w, c)
	}
}

// advanceBar promotes the pending bar to the indicators once a later bar
// appears: an in-progress bar keeps replacing itself, and a bar is closed
// exactly when its successor shows up.
func (f *Facade) advanceBar(w *candleWatch, c core.Candle) {
	f.mu.Lock()
	var closed *core.Candle
	switch {
	case w.pending == nil || c.MTS == w.pending.MTS:
		bar := c
		w.pending = &bar
	case c.MTS > w.pending.MTS:
		prev := *w.pending
		closed = &prev
		bar := c
		w.pending = &bar
	}
	f.mu.Unlock()

	if closed != nil {
		f.ind.UpdateCandle(*closed)
	}
}

// coversNow reports whether the newest cached bar (rows are newest first)
// is recent enough to serve without a REST refresh.
func (f *Facade) coversNow(newestFirst []core.Candle, timeframe string) bool {
	barLen, ok := timeframeLengths[timeframe]
	if !ok {
		return false
	}
	age := f.now().Sub(time.UnixMilli(newestFirst[0].MTS))
	return age < 2*barLen
}

func reverseCandles(newestFirst []core.Candle) []core.Candle {
	out := make([]core.Candle, len(newestFirst))
	for i, c := range newestFirst {
		out[len(newestFirst)-1-i] = c
	}
	return out
}
