package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/logging"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

type poolFixture struct {
	pool    *PublicPool
	rt      *config.Runtime
	metrics *telemetry.MetricsHolder
	dialed  []*fakeSocket
}

func newPoolFixture(t *testing.T, mutate func(*config.Config)) *poolFixture {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	fx := &poolFixture{
		rt:      config.NewRuntime(cfg),
		metrics: telemetry.NewMetricsHolder(),
	}
	dial := func(name string, onMessage func([]byte), onConnected, onDisconnected func()) Socket {
		sock := &fakeSocket{
			name:           name,
			onMessage:      onMessage,
			onConnected:    onConnected,
			onDisconnected: onDisconnected,
		}
		fx.dialed = append(fx.dialed, sock)
		return sock
	}
	fx.pool = NewPublicPool(dial, fx.rt, logger, fx.metrics)
	t.Cleanup(fx.pool.Close)
	return fx
}

// capture collects delivered messages; delivery is synchronous with inject,
// so counts are deterministic.
type capture struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *capture) handler() Handler {
	return func(msg Message) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.msgs = append(c.msgs, msg)
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *capture) at(i int) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[i]
}

const tickerRow = `[30000,5,30001,4,100,0.0033,30000.5,1200,31000,29000]`

func TestPoolSubscribeDeliversTicker(t *testing.T) {
	fx := newPoolFixture(t, nil)
	var got capture

	key, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", got.handler())
	require.NoError(t, err)
	assert.Equal(t, "ticker|tBTCUSD", key)

	require.Len(t, fx.dialed, 1)
	sock := fx.dialed[0]
	require.True(t, sock.IsConnected(), "first subscribe starts the socket")

	frames := sock.subscribeFrames()
	require.Len(t, frames, 1, "connect replay sends exactly one subscribe")
	assert.Equal(t, subscribeRequest{Event: "subscribe", Channel: "ticker", Symbol: "tBTCUSD"}, frames[0])

	sock.inject(t, `{"event":"subscribed","channel":"ticker","chanId":17,"symbol":"tBTCUSD"}`)
	sock.inject(t, `[17,`+tickerRow+`]`)

	require.Equal(t, 1, got.count())
	msg := got.at(0)
	assert.Equal(t, ChannelTicker, msg.Channel)
	assert.Equal(t, "tBTCUSD", msg.Symbol)
	assert.Equal(t, "update", msg.Label)
	require.NotNil(t, msg.Ticker)
	assert.Equal(t, "30000", msg.Ticker.Bid.String())
	assert.Equal(t, "30001", msg.Ticker.Ask.String())
	assert.Equal(t, "30000.5", msg.Ticker.LastPrice.String())

	// Heartbeats and unknown channel ids are dropped silently.
	sock.inject(t, `[17,"hb"]`)
	sock.inject(t, `[99,`+tickerRow+`]`)
	assert.Equal(t, 1, got.count())

	socks, subs := fx.pool.Stats()
	assert.Equal(t, 1, socks)
	assert.Equal(t, 1, subs)
}

func TestPoolCoalescesDuplicateSubscriptions(t *testing.T) {
	fx := newPoolFixture(t, nil)
	var a, b capture

	key1, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "BTCUSD", "", a.handler())
	require.NoError(t, err)
	key2, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", b.handler())
	require.NoError(t, err)
	assert.Equal(t, key1, key2, "normalized symbols share one subscription")

	require.Len(t, fx.dialed, 1)
	sock := fx.dialed[0]
	assert.Len(t, sock.subscribeFrames(), 1, "coalesced subscribe sends no second frame")

	sock.inject(t, `{"event":"subscribed","channel":"ticker","chanId":3,"symbol":"tBTCUSD"}`)
	sock.inject(t, `[3,`+tickerRow+`]`)

	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestPoolSaturatesAtCaps(t *testing.T) {
	fx := newPoolFixture(t, func(c *config.Config) {
		c.WS.MaxSubsPerSocket = 1
		c.WS.PublicSocketsMax = 2
	})

	keyBTC, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", func(Message) {})
	require.NoError(t, err)
	_, err = fx.pool.Subscribe(context.Background(), ChannelTicker, "tETHUSD", "", func(Message) {})
	require.NoError(t, err)
	require.Len(t, fx.dialed, 2, "second subscription opens a second socket")

	_, err = fx.pool.Subscribe(context.Background(), ChannelTicker, "tLTCUSD", "", func(Message) {})
	assert.ErrorIs(t, err, apperrors.ErrPoolSaturated)

	// Freeing a slot re-admits subscribers on the warm socket.
	require.NoError(t, fx.pool.Unsubscribe(keyBTC))
	_, err = fx.pool.Subscribe(context.Background(), ChannelTicker, "tLTCUSD", "", func(Message) {})
	require.NoError(t, err)
	require.Len(t, fx.dialed, 2, "freed capacity is reused, no new socket")

	frames := fx.dialed[0].subscribeFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, "tLTCUSD", frames[1].Symbol)
}

func TestPoolCandleSubscriptionUsesStreamKey(t *testing.T) {
	fx := newPoolFixture(t, nil)
	var got capture

	key, err := fx.pool.Subscribe(context.Background(), ChannelCandles, "tBTCUSD", "1m", got.handler())
	require.NoError(t, err)
	assert.Equal(t, "candles|1m:tBTCUSD", key)

	sock := fx.dialed[0]
	frames := sock.subscribeFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, subscribeRequest{Event: "subscribe", Channel: "candles", Key: "trade:1m:tBTCUSD"}, frames[0])

	sock.inject(t, `{"event":"subscribed","channel":"candles","chanId":9,"key":"trade:1m:tBTCUSD"}`)
	// Snapshots arrive newest first.
	sock.inject(t, `[9,[[120000,101,102,103,100,7],[60000,100,101,102,99,5]]]`)

	require.Equal(t, 1, got.count())
	snap := got.at(0)
	assert.Equal(t, "snapshot", snap.Label)
	require.Len(t, snap.Candles, 2)
	assert.Equal(t, int64(60000), snap.Candles[0].MTS, "snapshot delivered chronologically")
	assert.Equal(t, int64(120000), snap.Candles[1].MTS)

	sock.inject(t, `[9,[180000,102,104,105,101,9]]`)
	require.Equal(t, 2, got.count())
	upd := got.at(1)
	assert.Equal(t, "update", upd.Label)
	require.Len(t, upd.Candles, 1)
	assert.Equal(t, int64(180000), upd.Candles[0].MTS)
	assert.Equal(t, "1m", upd.Timeframe)
	assert.Equal(t, "104", upd.Candles[0].Close.String())
}

func TestPoolTradeStream(t *testing.T) {
	fx := newPoolFixture(t, nil)
	var got capture

	_, err := fx.pool.Subscribe(context.Background(), ChannelTrades, "tBTCUSD", "", got.handler())
	require.NoError(t, err)

	sock := fx.dialed[0]
	sock.inject(t, `{"event":"subscribed","channel":"trades","chanId":5,"symbol":"tBTCUSD"}`)
	sock.inject(t, `[5,[[401,60000,0.05,30010],[400,59000,-0.02,30005]]]`)
	sock.inject(t, `[5,"te",[402,61000,0.01,30020]]`)
	sock.inject(t, `[5,"tu",[402,61000,0.01,30021]]`)

	require.Equal(t, 3, got.count())
	assert.Equal(t, "snapshot", got.at(0).Label)
	assert.Len(t, got.at(0).Trades, 2)

	te := got.at(1)
	assert.Equal(t, "te", te.Label)
	require.Len(t, te.Trades, 1)
	assert.Equal(t, int64(402), te.Trades[0].ID)
	assert.Equal(t, "30020", te.Trades[0].Price.String())

	assert.Equal(t, "tu", got.at(2).Label)
	assert.Equal(t, "30021", got.at(2).Trades[0].Price.String())
}

func TestPoolUnsubscribeReleasesSocketBeyondWarmPool(t *testing.T) {
	fx := newPoolFixture(t, func(c *config.Config) {
		c.WS.MaxSubsPerSocket = 1
		c.WS.PublicSocketsMax = 3
	})

	keyBTC, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", func(Message) {})
	require.NoError(t, err)
	keyETH, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tETHUSD", "", func(Message) {})
	require.NoError(t, err)
	_, err = fx.pool.Subscribe(context.Background(), ChannelTicker, "tLTCUSD", "", func(Message) {})
	require.NoError(t, err)
	require.Len(t, fx.dialed, 3)

	fx.dialed[0].inject(t, `{"event":"subscribed","channel":"ticker","chanId":11,"symbol":"tBTCUSD"}`)

	// First empty socket stays warm for the next subscriber.
	require.NoError(t, fx.pool.Unsubscribe(keyBTC))
	socks, subs := fx.pool.Stats()
	assert.Equal(t, 3, socks)
	assert.Equal(t, 2, subs)
	assert.True(t, fx.dialed[0].IsConnected())

	found := false
	for _, v := range fx.dialed[0].frames() {
		if req, ok := v.(unsubscribeRequest); ok {
			assert.Equal(t, int64(11), req.ChanID)
			found = true
		}
	}
	assert.True(t, found, "confirmed subscription sends an unsubscribe frame")

	// A second empty socket is surplus and gets closed.
	require.NoError(t, fx.pool.Unsubscribe(keyETH))
	socks, subs = fx.pool.Stats()
	assert.Equal(t, 2, socks)
	assert.Equal(t, 1, subs)
	assert.False(t, fx.dialed[1].IsConnected())

	// Unknown keys are a no-op.
	require.NoError(t, fx.pool.Unsubscribe("ticker|tXXXUSD"))
}

func TestPoolReplaysSubscriptionsOnReconnect(t *testing.T) {
	fx := newPoolFixture(t, nil)
	var got capture

	_, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", got.handler())
	require.NoError(t, err)
	sock := fx.dialed[0]
	sock.inject(t, `{"event":"subscribed","channel":"ticker","chanId":17,"symbol":"tBTCUSD"}`)

	sock.drop()
	sock.Start()

	frames := sock.subscribeFrames()
	require.Len(t, frames, 2, "reconnect replays the subscribe")
	assert.Equal(t, int64(1), fx.metrics.CounterValueFor(telemetry.MetricWSReconnectsTotal, "public"))

	// The stale channel id is forgotten until the new confirmation lands.
	sock.inject(t, `[17,`+tickerRow+`]`)
	assert.Equal(t, 0, got.count())

	sock.inject(t, `{"event":"subscribed","channel":"ticker","chanId":42,"symbol":"tBTCUSD"}`)
	sock.inject(t, `[42,`+tickerRow+`]`)
	assert.Equal(t, 1, got.count())
}

func TestPoolPausesPanickingHandler(t *testing.T) {
	fx := newPoolFixture(t, nil)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fx.pool.now = func() time.Time { return clock }

	calls := 0
	_, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", func(Message) {
		calls++
		panic("boom")
	})
	require.NoError(t, err)

	sock := fx.dialed[0]
	sock.inject(t, `{"event":"subscribed","channel":"ticker","chanId":1,"symbol":"tBTCUSD"}`)

	for i := 0; i < 4; i++ {
		sock.inject(t, `[1,`+tickerRow+`]`)
	}
	assert.Equal(t, 3, calls, "repeated panics pause the subscription")

	clock = clock.Add(handlerPause + time.Second)
	sock.inject(t, `[1,`+tickerRow+`]`)
	assert.Equal(t, 4, calls, "delivery resumes after the pause expires")
}

func TestPoolSubscribeRejection(t *testing.T) {
	fx := newPoolFixture(t, nil)

	_, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", func(Message) {})
	require.NoError(t, err)
	sock := fx.dialed[0]

	// "Already subscribed" means the first frame won a race; the
	// subscription itself is healthy.
	sock.inject(t, `{"event":"error","channel":"ticker","symbol":"tBTCUSD","code":10301,"msg":"subscribe: dup"}`)
	_, subs := fx.pool.Stats()
	assert.Equal(t, 1, subs)

	// A real rejection removes the subscription and frees the slot.
	sock.inject(t, `{"event":"error","channel":"ticker","symbol":"tBTCUSD","code":10300,"msg":"subscription failed"}`)
	_, subs = fx.pool.Stats()
	assert.Equal(t, 0, subs)

	_, err = fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", func(Message) {})
	require.NoError(t, err)
}

func TestPoolMaintenanceEndTriggersResubscribe(t *testing.T) {
	fx := newPoolFixture(t, nil)
	var got capture

	_, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", got.handler())
	require.NoError(t, err)
	sock := fx.dialed[0]
	sock.inject(t, `{"event":"subscribed","channel":"ticker","chanId":4,"symbol":"tBTCUSD"}`)
	require.Len(t, sock.subscribeFrames(), 1)

	sock.inject(t, `{"event":"info","code":20061,"msg":"Resync from the Trading Engine has ended"}`)
	assert.Len(t, sock.subscribeFrames(), 2, "maintenance end replays subscriptions")

	// Old channel binding is dropped until the fresh confirmation.
	sock.inject(t, `[4,`+tickerRow+`]`)
	assert.Equal(t, 0, got.count())
	sock.inject(t, `{"event":"subscribed","channel":"ticker","chanId":8,"symbol":"tBTCUSD"}`)
	sock.inject(t, `[8,`+tickerRow+`]`)
	assert.Equal(t, 1, got.count())
}

func TestPoolReconcileRelocatesAfterCapReduction(t *testing.T) {
	fx := newPoolFixture(t, func(c *config.Config) {
		c.WS.MaxSubsPerSocket = 1
		c.WS.PublicSocketsMax = 2
	})
	var btc, eth capture

	_, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", btc.handler())
	require.NoError(t, err)
	_, err = fx.pool.Subscribe(context.Background(), ChannelTicker, "tETHUSD", "", eth.handler())
	require.NoError(t, err)
	require.Len(t, fx.dialed, 2)

	fx.dialed[0].inject(t, `{"event":"subscribed","channel":"ticker","chanId":1,"symbol":"tBTCUSD"}`)
	fx.dialed[1].inject(t, `{"event":"subscribed","channel":"ticker","chanId":2,"symbol":"tETHUSD"}`)

	require.NoError(t, fx.rt.Set(config.KeyWSPublicSocketsMax, "1"))
	require.NoError(t, fx.rt.Set(config.KeyWSMaxSubsPerSocket, "2"))
	fx.pool.Reconcile()

	socks, subs := fx.pool.Stats()
	assert.Equal(t, 1, socks)
	assert.Equal(t, 2, subs, "no subscription lost when capacity still fits")
	assert.False(t, fx.dialed[1].IsConnected(), "drained socket is closed")

	frames := fx.dialed[0].subscribeFrames()
	require.Len(t, frames, 2, "relocated subscription resubscribes on the survivor")
	assert.Equal(t, "tETHUSD", frames[1].Symbol)

	fx.dialed[0].inject(t, `{"event":"subscribed","channel":"ticker","chanId":7,"symbol":"tETHUSD"}`)
	fx.dialed[0].inject(t, `[7,[2000,5,2001,4,10,0.005,2000.5,900,2100,1900]]`)
	assert.Equal(t, 1, eth.count())
}

func TestPoolCloseRejectsNewSubscriptions(t *testing.T) {
	fx := newPoolFixture(t, nil)

	_, err := fx.pool.Subscribe(context.Background(), ChannelTicker, "tBTCUSD", "", func(Message) {})
	require.NoError(t, err)

	fx.pool.Close()
	assert.False(t, fx.dialed[0].IsConnected())

	_, err = fx.pool.Subscribe(context.Background(), ChannelTicker, "tETHUSD", "", func(Message) {})
	assert.ErrorIs(t, err, apperrors.ErrWSNotConnected)
}
