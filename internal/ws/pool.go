package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/bitfinex"
	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
	pkgws "github.com/JohnCCarter/Genesis-sub002/pkg/websocket"
)

// Message is one decoded public-channel payload delivered to handlers.
// Exactly one of Ticker, Candles or Trades is populated, matching Channel.
type Message struct {
	SubKey    string
	Channel   Channel
	Symbol    string
	Timeframe string
	Label     string // "update", "snapshot", "te" or "tu"
	Ticker    *core.Ticker
	Candles   []core.Candle
	Trades    []core.PublicTrade
}

// Handler consumes messages for one subscription. Handlers run on the
// socket's read goroutine, so messages of one channel arrive in order;
// slow work belongs on the handler's own queue.
type Handler func(Message)

// Socket is the transport under one pool slot. pkg/websocket.Client is the
// production implementation; tests substitute an in-memory fake.
type Socket interface {
	Start()
	Stop()
	Send(v interface{}) error
	IsConnected() bool
}

// DialFunc builds a socket. onMessage receives raw frames, onConnected
// fires after every successful (re)connect, onDisconnected after each loss.
type DialFunc func(name string, onMessage func([]byte), onConnected, onDisconnected func()) Socket

// GorillaDial returns the production DialFunc over the reconnecting client.
func GorillaDial(url string, cfg config.WSConfig, logger core.ILogger) DialFunc {
	return func(name string, onMessage func([]byte), onConnected, onDisconnected func()) Socket {
		c := pkgws.NewClient(name, url, onMessage, logger)
		if cfg.PingIntervalSecs > 0 {
			c.SetPingConfig(
				time.Duration(cfg.PingIntervalSecs)*time.Second,
				10*time.Second,
				time.Duration(cfg.PongWaitSecs)*time.Second)
		}
		c.SetOnConnected(onConnected)
		c.SetOnDisconnected(onDisconnected)
		return c
	}
}

const (
	// warmSockets is how many empty sockets stay open for the next subscribe.
	warmSockets = 1
	// handlerFailureLimit consecutive handler panics pause a subscription.
	handlerFailureLimit = 3
	handlerPause        = 30 * time.Second
)

type subscription struct {
	key       string
	channel   Channel
	symbol    string
	timeframe string
	handlers  []Handler

	sock      *poolSocket
	chanID    int64
	confirmed bool

	failures  int
	pausedTil time.Time
}

type poolSocket struct {
	id      string
	client  Socket
	byChan  map[int64]*subscription
	pending map[string]*subscription
	count   int
	started bool
	ever    bool // has connected at least once
}

// PublicPool owns up to PUBLIC_SOCKETS_MAX public sockets, each carrying at
// most MAX_SUBS_PER_SOCKET subscriptions. Subscriptions survive reconnects:
// the pool replays subscribe frames whenever a socket comes (back) up.
type PublicPool struct {
	mu      sync.Mutex
	dial    DialFunc
	rt      *config.Runtime
	logger  core.ILogger
	metrics *telemetry.MetricsHolder

	sockets []*poolSocket
	subs    map[string]*subscription
	nextID  int
	closed  bool
	now     func() time.Time
}

// NewPublicPool builds the pool. rt supplies the socket and subscription
// caps so they stay adjustable at runtime.
func NewPublicPool(dial DialFunc, rt *config.Runtime, logger core.ILogger, metrics *telemetry.MetricsHolder) *PublicPool {
	return &PublicPool{
		dial:    dial,
		rt:      rt,
		logger:  logger.WithField("component", "ws_public_pool"),
		metrics: metrics,
		subs:    make(map[string]*subscription),
		now:     time.Now,
	}
}

// Subscribe attaches a handler to the channel/symbol/timeframe stream and
// returns the sub key. Subscribing to an existing key coalesces onto the
// live subscription. When every socket is full and the socket cap is
// reached it fails with ErrPoolSaturated.
func (p *PublicPool) Subscribe(ctx context.Context, channel Channel, symbol, timeframe string, h Handler) (string, error) {
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return "", err
	}
	key := SubKey(channel, canonical, timeframe)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: pool is closed", apperrors.ErrWSNotConnected)
	}

	if sub, ok := p.subs[key]; ok {
		sub.handlers = append(sub.handlers, h)
		p.mu.Unlock()
		return key, nil
	}

	sock := p.socketWithCapacityLocked()
	if sock == nil {
		p.mu.Unlock()
		return "", apperrors.ErrPoolSaturated
	}

	sub := &subscription{
		key:       key,
		channel:   channel,
		symbol:    canonical,
		timeframe: timeframe,
		handlers:  []Handler{h},
		sock:      sock,
	}
	p.subs[key] = sub
	sock.pending[key] = sub
	sock.count++
	p.gaugeLocked(sock)
	needStart := !sock.started
	sock.started = true
	frame := subscribeFrame(channel, canonical, timeframe)
	p.mu.Unlock()

	// Start outside the lock: the connect callback re-enters the pool. On a
	// fresh socket the connect replay sends the frame; established sockets
	// get it directly, and a failed send just waits for the next replay.
	if needStart {
		sock.client.Start()
	} else if err := sock.client.Send(frame); err != nil {
		p.logger.Debug("subscribe frame deferred until connect", "key", key)
	}
	p.logger.Info("subscription requested", "key", key, "socket", sock.id)
	return key, nil
}

// Unsubscribe removes a subscription by key. Unknown keys are a no-op.
// Emptied sockets beyond the warm-pool threshold are closed.
func (p *PublicPool) Unsubscribe(key string) error {
	p.mu.Lock()
	sub, ok := p.subs[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}

	delete(p.subs, key)
	sock := sub.sock
	delete(sock.pending, key)
	if sub.confirmed {
		delete(sock.byChan, sub.chanID)
	}
	sock.count--
	p.gaugeLocked(sock)

	var frame any
	if sub.confirmed && sock.client.IsConnected() {
		frame = unsubscribeRequest{Event: "unsubscribe", ChanID: sub.chanID}
	}

	var toStop *poolSocket
	if sock.count == 0 && p.emptySocketsLocked() > warmSockets {
		toStop = p.removeSocketLocked(sock)
	}
	p.mu.Unlock()

	if frame != nil {
		if err := sock.client.Send(frame); err != nil {
			p.logger.Debug("unsubscribe frame not sent", "key", key, "error", err)
		}
	}
	if toStop != nil {
		toStop.client.Stop()
		p.logger.Info("closed idle public socket", "socket", toStop.id)
	}
	p.logger.Info("unsubscribed", "key", key)
	return nil
}

// Reconcile enforces the runtime caps, relocating subscriptions off excess
// sockets when the socket cap was lowered. Subscriptions are dropped only
// when total remaining capacity cannot hold them.
func (p *PublicPool) Reconcile() {
	maxSockets := p.rt.Int(config.KeyWSPublicSocketsMax)
	maxSubs := p.rt.Int(config.KeyWSMaxSubsPerSocket)

	p.mu.Lock()
	var moved []*subscription
	var dropped []string
	var stopped []*poolSocket

	for len(p.sockets) > maxSockets {
		victim := p.sockets[len(p.sockets)-1]
		for _, sub := range victim.ownedLocked() {
			target := p.socketWithRoomLocked(victim, maxSubs)
			if target == nil {
				delete(p.subs, sub.key)
				dropped = append(dropped, sub.key)
				continue
			}
			sub.sock = target
			sub.confirmed = false
			sub.chanID = 0
			target.pending[sub.key] = sub
			target.count++
			p.gaugeLocked(target)
			moved = append(moved, sub)
		}
		stopped = append(stopped, p.removeSocketLocked(victim))
	}
	p.mu.Unlock()

	for _, sub := range moved {
		if err := sub.sock.client.Send(subscribeFrame(sub.channel, sub.symbol, sub.timeframe)); err != nil {
			p.logger.Debug("relocated subscribe frame deferred until connect", "key", sub.key)
		}
		p.logger.Info("relocated subscription", "key", sub.key, "socket", sub.sock.id)
	}
	for _, key := range dropped {
		p.logger.Warn("dropped subscription, no capacity after cap reduction", "key", key)
	}
	for _, s := range stopped {
		s.client.Stop()
		p.logger.Info("drained and closed public socket", "socket", s.id)
	}
}

// Stats reports socket and subscription counts for the status surface.
func (p *PublicPool) Stats() (sockets, subs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sockets), len(p.subs)
}

// Close stops every socket. The pool rejects subscribes afterwards.
func (p *PublicPool) Close() {
	p.mu.Lock()
	p.closed = true
	sockets := p.sockets
	p.sockets = nil
	p.mu.Unlock()

	for _, s := range sockets {
		s.client.Stop()
	}
}

func (p *PublicPool) socketWithCapacityLocked() *poolSocket {
	maxSubs := p.rt.Int(config.KeyWSMaxSubsPerSocket)
	for _, s := range p.sockets {
		if s.count < maxSubs {
			return s
		}
	}
	if len(p.sockets) >= p.rt.Int(config.KeyWSPublicSocketsMax) {
		return nil
	}
	return p.openSocketLocked()
}

func (p *PublicPool) socketWithRoomLocked(exclude *poolSocket, maxSubs int) *poolSocket {
	for _, s := range p.sockets {
		if s != exclude && s.count < maxSubs {
			return s
		}
	}
	return nil
}

func (p *PublicPool) openSocketLocked() *poolSocket {
	ps := &poolSocket{
		id:      fmt.Sprintf("pub-%d", p.nextID),
		byChan:  make(map[int64]*subscription),
		pending: make(map[string]*subscription),
	}
	p.nextID++
	ps.client = p.dial(ps.id,
		func(msg []byte) { p.onMessage(ps, msg) },
		func() { p.onConnected(ps) },
		func() { p.logger.Warn("public socket disconnected", "socket", ps.id) })
	p.sockets = append(p.sockets, ps)
	p.logger.Info("opened public socket", "socket", ps.id)
	return ps
}

func (p *PublicPool) removeSocketLocked(sock *poolSocket) *poolSocket {
	for i, s := range p.sockets {
		if s == sock {
			p.sockets = append(p.sockets[:i], p.sockets[i+1:]...)
			break
		}
	}
	if p.metrics != nil {
		p.metrics.SetPoolSubscriptions(sock.id, 0)
	}
	return sock
}

func (p *PublicPool) emptySocketsLocked() int {
	n := 0
	for _, s := range p.sockets {
		if s.count == 0 {
			n++
		}
	}
	return n
}

func (p *PublicPool) gaugeLocked(sock *poolSocket) {
	if p.metrics != nil {
		p.metrics.SetPoolSubscriptions(sock.id, int64(sock.count))
	}
}

func (s *poolSocket) ownedLocked() []*subscription {
	owned := make([]*subscription, 0, s.count)
	for _, sub := range s.pending {
		owned = append(owned, sub)
	}
	for _, sub := range s.byChan {
		owned = append(owned, sub)
	}
	return owned
}

// onConnected replays every owned subscription. It runs on first connect
// and after each reconnect, which makes resubscription idempotent: the
// exchange assigns fresh channel ids and the stale ones are forgotten.
func (p *PublicPool) onConnected(ps *poolSocket) {
	p.mu.Lock()
	reconnect := ps.ever
	ps.ever = true
	frames := p.resubscribeFramesLocked(ps)
	p.mu.Unlock()

	if reconnect {
		p.logger.Warn("public socket reconnected, replaying subscriptions",
			"socket", ps.id, "subs", len(frames))
		if p.metrics != nil {
			p.metrics.IncWSReconnects(context.Background(), "public")
		}
	}
	for _, f := range frames {
		if err := ps.client.Send(f); err != nil {
			p.logger.Error("resubscribe frame failed", "socket", ps.id, "error", err)
			return
		}
	}
}

func (p *PublicPool) resubscribeFramesLocked(ps *poolSocket) []subscribeRequest {
	for id, sub := range ps.byChan {
		delete(ps.byChan, id)
		sub.confirmed = false
		sub.chanID = 0
		ps.pending[sub.key] = sub
	}
	frames := make([]subscribeRequest, 0, len(ps.pending))
	for _, sub := range ps.pending {
		frames = append(frames, subscribeFrame(sub.channel, sub.symbol, sub.timeframe))
	}
	return frames
}

func (p *PublicPool) onMessage(ps *poolSocket, raw []byte) {
	if ev, ok := decodeEvent(raw); ok {
		p.handleEvent(ps, ev)
		return
	}
	arr, err := bitfinex.DecodeArray(raw)
	if err != nil {
		p.logger.Debug("unparseable public frame", "socket", ps.id, "error", err)
		return
	}
	p.handleChannel(ps, arr)
}

func (p *PublicPool) handleEvent(ps *poolSocket, ev *wsEvent) {
	switch ev.Event {
	case "subscribed":
		key, ok := eventSubKey(ev)
		if !ok {
			return
		}
		p.mu.Lock()
		sub := ps.pending[key]
		if sub != nil {
			delete(ps.pending, key)
			sub.chanID = ev.ChanID
			sub.confirmed = true
			ps.byChan[ev.ChanID] = sub
		}
		p.mu.Unlock()
		if sub != nil {
			p.logger.Info("subscription confirmed", "key", key, "chan_id", ev.ChanID, "socket", ps.id)
		}

	case "unsubscribed":
		p.mu.Lock()
		delete(ps.byChan, ev.ChanID)
		p.mu.Unlock()

	case "error":
		key, _ := eventSubKey(ev)
		// 10301 means "already subscribed": the first frame won the race,
		// so the subscription itself is healthy.
		if ev.Code == 10301 {
			p.logger.Debug("duplicate subscribe ignored", "key", key)
			return
		}
		p.mu.Lock()
		sub := ps.pending[key]
		if sub != nil {
			delete(ps.pending, key)
			delete(p.subs, key)
			ps.count--
			p.gaugeLocked(ps)
		}
		p.mu.Unlock()
		p.logger.Error("subscribe rejected", "key", key, "code", ev.Code, "msg", ev.Msg)

	case "info":
		switch ev.Code {
		case infoServerRestart:
			p.logger.Warn("exchange requested reconnect", "socket", ps.id)
		case infoMaintenanceOn:
			p.logger.Warn("exchange entered maintenance, stream may stall", "socket", ps.id)
		case infoMaintenanceDone:
			p.logger.Warn("exchange maintenance over, resubscribing", "socket", ps.id)
			p.mu.Lock()
			frames := p.resubscribeFramesLocked(ps)
			p.mu.Unlock()
			for _, f := range frames {
				if err := ps.client.Send(f); err != nil {
					break
				}
			}
		}
	}
}

func eventSubKey(ev *wsEvent) (string, bool) {
	if ev.Channel == string(ChannelCandles) || ev.Key != "" {
		tf, symbol, ok := parseCandleStreamKey(ev.Key)
		if !ok {
			return "", false
		}
		return SubKey(ChannelCandles, symbol, tf), true
	}
	if ev.Channel == "" || ev.Symbol == "" {
		return "", false
	}
	return SubKey(Channel(ev.Channel), ev.Symbol, ""), true
}

func (p *PublicPool) handleChannel(ps *poolSocket, arr []any) {
	chanID, ok := frameChanID(arr)
	if !ok || len(arr) < 2 {
		return
	}
	if frameLabel(arr, 1) == "hb" {
		return
	}

	p.mu.Lock()
	sub := ps.byChan[chanID]
	var handlers []Handler
	paused := false
	if sub != nil {
		if p.now().Before(sub.pausedTil) {
			paused = true
		} else {
			handlers = append(handlers, sub.handlers...)
		}
	}
	p.mu.Unlock()
	if sub == nil || paused {
		return
	}

	msg, ok := p.decodePayload(sub, arr)
	if !ok {
		return
	}
	for _, h := range handlers {
		p.deliver(sub, h, msg)
	}
}

func (p *PublicPool) decodePayload(sub *subscription, arr []any) (Message, bool) {
	msg := Message{
		SubKey:    sub.key,
		Channel:   sub.channel,
		Symbol:    sub.symbol,
		Timeframe: sub.timeframe,
		Label:     "update",
	}

	switch sub.channel {
	case ChannelTicker:
		row, ok := arr[1].([]any)
		if !ok {
			return msg, false
		}
		ticker, err := bitfinex.ParseTickerRow(sub.symbol, row)
		if err != nil {
			p.logger.Warn("bad ticker frame", "key", sub.key, "error", err)
			return msg, false
		}
		msg.Ticker = ticker
		return msg, true

	case ChannelTrades:
		if label := frameLabel(arr, 1); label == "te" || label == "tu" {
			row, ok := arrAt(arr, 2)
			if !ok {
				return msg, false
			}
			trade, err := bitfinex.ParsePublicTradeRow(row)
			if err != nil {
				return msg, false
			}
			msg.Label = label
			msg.Trades = []core.PublicTrade{trade}
			return msg, true
		}
		rows, ok := frameRows(arr[1])
		if !ok {
			return msg, false
		}
		msg.Label = "snapshot"
		for _, row := range rows {
			trade, err := bitfinex.ParsePublicTradeRow(row)
			if err != nil {
				continue
			}
			msg.Trades = append(msg.Trades, trade)
		}
		return msg, len(msg.Trades) > 0

	case ChannelCandles:
		if rows, ok := frameRows(arr[1]); ok {
			// Snapshots arrive newest first; deliver chronological.
			msg.Label = "snapshot"
			for i := len(rows) - 1; i >= 0; i-- {
				candle, err := bitfinex.ParseCandleRow(sub.symbol, sub.timeframe, rows[i])
				if err != nil {
					continue
				}
				msg.Candles = append(msg.Candles, candle)
			}
			return msg, len(msg.Candles) > 0
		}
		row, ok := arr[1].([]any)
		if !ok {
			return msg, false
		}
		candle, err := bitfinex.ParseCandleRow(sub.symbol, sub.timeframe, row)
		if err != nil {
			p.logger.Warn("bad candle frame", "key", sub.key, "error", err)
			return msg, false
		}
		msg.Candles = []core.Candle{candle}
		return msg, true
	}
	return msg, false
}

// deliver runs one handler, pausing the subscription after repeated panics
// so a broken consumer cannot poison the socket's read loop.
func (p *PublicPool) deliver(sub *subscription, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			sub.failures++
			paused := sub.failures >= handlerFailureLimit
			if paused {
				sub.pausedTil = p.now().Add(handlerPause)
				sub.failures = 0
			}
			p.mu.Unlock()
			p.logger.Error("subscription handler panicked",
				"key", sub.key, "panic", fmt.Sprint(r), "paused", paused)
		}
	}()
	h(msg)
	p.mu.Lock()
	sub.failures = 0
	p.mu.Unlock()
}

func arrAt(arr []any, i int) ([]any, bool) {
	if i >= len(arr) {
		return nil, false
	}
	row, ok := arr[i].([]any)
	return row, ok
}
