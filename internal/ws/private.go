package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/bitfinex"
	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/concurrency"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// Handlers for the typed private event stream. code is the wire event that
// produced the value ("os", "on", "ou", "oc", "te", "tu", "ws", "wu",
// "ps", "pn", "pu", "pc"). Handlers run on a single dispatch worker, so
// events arrive in stream order; they must not block.
type (
	OrderEventHandler    func(code string, order *core.LiveOrder)
	TradeEventHandler    func(code string, trade *core.TradeExecution)
	WalletEventHandler   func(code string, wallet core.Wallet)
	PositionEventHandler func(code string, position core.Position)
)

const submitAckTimeout = 10 * time.Second

type waitResult struct {
	order *core.LiveOrder
	err   error
}

// PrivateSession is the single authenticated WebSocket session. It
// authenticates on every (re)connect, arms the exchange-side dead man
// switch, fans private events out to registered handlers, and implements
// core.IOrderSubmitter over the socket with notification-correlated acks.
type PrivateSession struct {
	client   Socket
	signer   *bitfinex.Signer
	cfg      config.WSConfig
	affCode  string
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	dispatch *concurrency.WorkerPool

	mu             sync.Mutex
	authed         bool
	ever           bool
	lastHeartbeat  time.Time
	events         core.IEventRecorder
	orderHandlers  []OrderEventHandler
	tradeHandlers  []TradeEventHandler
	walletHandlers []WalletEventHandler
	posHandlers    []PositionEventHandler
	submitWaiters  map[int64]chan waitResult // keyed by client order id
	cancelWaiters  map[int64]chan error      // keyed by exchange order id

	now func() time.Time
}

// NewPrivateSession builds the session. dial supplies the socket so tests
// can run against a fake transport.
func NewPrivateSession(
	dial DialFunc,
	signer *bitfinex.Signer,
	cfg config.WSConfig,
	affCode string,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) *PrivateSession {
	s := &PrivateSession{
		signer:        signer,
		cfg:           cfg,
		affCode:       affCode,
		logger:        logger.WithField("component", "ws_private"),
		metrics:       metrics,
		submitWaiters: make(map[int64]chan waitResult),
		cancelWaiters: make(map[int64]chan error),
		now:           time.Now,
	}
	s.dispatch = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "ws-private-events",
		MaxWorkers:  1, // one worker keeps handler invocation in stream order
		MaxCapacity: 1024,
	}, logger)
	s.client = dial("private", s.onMessage, s.onConnected, s.onDisconnected)
	return s
}

// SetEventSink routes session state changes into the unified event log.
func (s *PrivateSession) SetEventSink(events core.IEventRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
}

// Start opens the socket. Authentication happens in the connect callback.
func (s *PrivateSession) Start() {
	s.client.Start()
}

// Stop closes the socket and drains the dispatch queue.
func (s *PrivateSession) Stop() {
	s.client.Stop()
	s.dispatch.Stop()
}

// Authenticated reports whether the session holds a confirmed auth.
func (s *PrivateSession) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// LastHeartbeat returns the time of the last server heartbeat, zero before
// the first one.
func (s *PrivateSession) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// OnOrder registers a handler for os/on/ou/oc events.
func (s *PrivateSession) OnOrder(h OrderEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderHandlers = append(s.orderHandlers, h)
}

// OnTrade registers a handler for te/tu events.
func (s *PrivateSession) OnTrade(h TradeEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tradeHandlers = append(s.tradeHandlers, h)
}

// OnWallet registers a handler for ws/wu events.
func (s *PrivateSession) OnWallet(h WalletEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.walletHandlers = append(s.walletHandlers, h)
}

// OnPosition registers a handler for ps/pn/pu/pc events.
func (s *PrivateSession) OnPosition(h PositionEventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posHandlers = append(s.posHandlers, h)
}

// Submit places an order over the socket and waits for the on-req
// notification carrying the accepted order. The intent must carry a client
// id; it is the correlation key.
func (s *PrivateSession) Submit(ctx context.Context, intent *core.OrderIntent) (*core.LiveOrder, error) {
	if !s.Authenticated() {
		return nil, fmt.Errorf("%w: private session not authenticated", apperrors.ErrWSNotConnected)
	}
	if intent.ClientID == 0 {
		return nil, apperrors.InvalidOrder("client_id", "websocket submit requires a client id")
	}

	ch := make(chan waitResult, 1)
	s.mu.Lock()
	if _, dup := s.submitWaiters[intent.ClientID]; dup {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: client id %d already in flight", apperrors.ErrDuplicateRequest, intent.ClientID)
	}
	s.submitWaiters[intent.ClientID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.submitWaiters, intent.ClientID)
		s.mu.Unlock()
	}()

	payload := map[string]any{
		"type":   intent.Type,
		"symbol": intent.Symbol,
		"amount": intent.Amount.String(),
		"cid":    intent.ClientID,
	}
	if !intent.Price.IsZero() {
		payload["price"] = intent.Price.String()
	}
	if intent.GroupID != 0 {
		payload["gid"] = intent.GroupID
	}
	if intent.Flags != 0 {
		payload["flags"] = intent.Flags
	}
	if s.affCode != "" {
		payload["meta"] = map[string]any{"aff_code": s.affCode}
	}

	if err := s.client.Send([]any{0, "on", nil, payload}); err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.order, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(submitAckTimeout):
		return nil, fmt.Errorf("%w: no submit ack within %s", apperrors.ErrTransport, submitAckTimeout)
	}
}

// Cancel cancels an order over the socket and waits for the oc-req ack.
func (s *PrivateSession) Cancel(ctx context.Context, orderID int64) error {
	if !s.Authenticated() {
		return fmt.Errorf("%w: private session not authenticated", apperrors.ErrWSNotConnected)
	}

	ch := make(chan error, 1)
	s.mu.Lock()
	if _, dup := s.cancelWaiters[orderID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("%w: cancel for order %d already in flight", apperrors.ErrDuplicateRequest, orderID)
	}
	s.cancelWaiters[orderID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancelWaiters, orderID)
		s.mu.Unlock()
	}()

	if err := s.client.Send([]any{0, "oc", nil, map[string]any{"id": orderID}}); err != nil {
		return err
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(submitAckTimeout):
		return fmt.Errorf("%w: no cancel ack within %s", apperrors.ErrTransport, submitAckTimeout)
	}
}

func (s *PrivateSession) onConnected() {
	s.mu.Lock()
	reconnect := s.ever
	s.ever = true
	s.mu.Unlock()

	if reconnect {
		s.logger.Warn("private socket reconnected, re-authenticating")
		if s.metrics != nil {
			s.metrics.IncWSReconnects(context.Background(), "private")
		}
	}

	auth, err := s.signer.WSAuthPayload(s.cfg.DeadManSwitch)
	if err != nil {
		s.logger.Error("cannot authenticate private socket", "error", err)
		return
	}
	if err := s.client.Send(auth); err != nil {
		s.logger.Error("auth frame failed", "error", err)
	}
}

// onDisconnected drops auth state and fails every in-flight waiter: once
// the socket is gone their acks can never arrive.
func (s *PrivateSession) onDisconnected() {
	s.mu.Lock()
	s.authed = false
	submitWaiters := s.submitWaiters
	cancelWaiters := s.cancelWaiters
	s.submitWaiters = make(map[int64]chan waitResult)
	s.cancelWaiters = make(map[int64]chan error)
	events := s.events
	s.mu.Unlock()

	for _, ch := range submitWaiters {
		ch <- waitResult{err: fmt.Errorf("%w: connection lost before ack", apperrors.ErrWSNotConnected)}
	}
	for _, ch := range cancelWaiters {
		ch <- fmt.Errorf("%w: connection lost before ack", apperrors.ErrWSNotConnected)
	}
	if events != nil {
		events.Record("ws_private", "disconnected", "")
	}
	s.logger.Warn("private socket disconnected",
		"failed_submits", len(submitWaiters), "failed_cancels", len(cancelWaiters))
}

func (s *PrivateSession) onMessage(raw []byte) {
	if ev, ok := decodeEvent(raw); ok {
		s.handleEvent(ev)
		return
	}
	arr, err := bitfinex.DecodeArray(raw)
	if err != nil {
		s.logger.Debug("unparseable private frame", "error", err)
		return
	}
	s.handleStream(arr)
}

func (s *PrivateSession) handleEvent(ev *wsEvent) {
	switch ev.Event {
	case "auth":
		if ev.Status == "OK" {
			s.mu.Lock()
			s.authed = true
			events := s.events
			s.mu.Unlock()

			dmsArmed := ev.DMS == 4
			s.logger.Info("private session authenticated",
				"user_id", ev.UserID, "dead_man_switch", dmsArmed)
			if s.cfg.DeadManSwitch && !dmsArmed {
				// Orders would survive a dead session; that breaks the
				// safety contract, so it is loud.
				s.logger.Error("dead man switch requested but not armed")
				if s.metrics != nil {
					s.metrics.IncDeadManSwitchFailures(context.Background())
				}
				if events != nil {
					events.Record("ws_private", "dms_unarmed", "")
				}
			}
			return
		}
		s.mu.Lock()
		s.authed = false
		events := s.events
		s.mu.Unlock()
		s.logger.Error("private authentication failed", "code", ev.Code, "msg", ev.Msg)
		if events != nil {
			events.Record("ws_private", "auth_failed", fmt.Sprintf("code=%d", ev.Code))
		}

	case "info":
		if ev.Code == infoServerRestart {
			s.logger.Warn("exchange requested private reconnect")
		}
	}
}

func (s *PrivateSession) handleStream(arr []any) {
	if len(arr) < 2 {
		return
	}
	code := frameLabel(arr, 1)
	if code == "hb" {
		s.mu.Lock()
		s.lastHeartbeat = s.now()
		s.mu.Unlock()
		return
	}
	if len(arr) < 3 {
		return
	}

	switch code {
	case "n":
		row, ok := arrAt(arr, 2)
		if !ok {
			return
		}
		notif, err := bitfinex.ParseNotificationRow(row)
		if err != nil {
			s.logger.Warn("bad notification frame", "error", err)
			return
		}
		s.resolveNotification(notif)

	case "os":
		rows, ok := frameRows(arr[2])
		if !ok {
			return
		}
		for _, r := range rows {
			if order, err := bitfinex.ParseOrderRow(r); err == nil {
				s.fanOutOrder(code, order)
			}
		}

	case "on", "ou", "oc":
		row, ok := arrAt(arr, 2)
		if !ok {
			return
		}
		order, err := bitfinex.ParseOrderRow(row)
		if err != nil {
			s.logger.Warn("bad order frame", "code", code, "error", err)
			return
		}
		s.fanOutOrder(code, order)

	case "te", "tu":
		row, ok := arrAt(arr, 2)
		if !ok {
			return
		}
		trade, err := bitfinex.ParseTradeRow(row)
		if err != nil {
			s.logger.Warn("bad trade frame", "code", code, "error", err)
			return
		}
		s.fanOutTrade(code, trade)

	case "ws":
		rows, ok := frameRows(arr[2])
		if !ok {
			return
		}
		for _, r := range rows {
			if wallet, err := bitfinex.ParseWalletRow(r); err == nil {
				s.fanOutWallet(code, wallet)
			}
		}

	case "wu":
		row, ok := arrAt(arr, 2)
		if !ok {
			return
		}
		if wallet, err := bitfinex.ParseWalletRow(row); err == nil {
			s.fanOutWallet(code, wallet)
		}

	case "ps":
		rows, ok := frameRows(arr[2])
		if !ok {
			return
		}
		for _, r := range rows {
			if pos, err := bitfinex.ParsePositionRow(r); err == nil {
				s.fanOutPosition(code, pos)
			}
		}

	case "pn", "pu", "pc":
		row, ok := arrAt(arr, 2)
		if !ok {
			return
		}
		if pos, err := bitfinex.ParsePositionRow(row); err == nil {
			s.fanOutPosition(code, pos)
		}
	}
}

// resolveNotification completes the waiter matching a write ack. on-req
// correlates by client id, oc-req by order id.
func (s *PrivateSession) resolveNotification(notif *bitfinex.Notification) {
	order := notif.FirstOrder()

	switch notif.Type {
	case "on-req":
		if order == nil {
			return
		}
		s.mu.Lock()
		ch := s.submitWaiters[order.ClientID]
		s.mu.Unlock()
		if ch == nil {
			return
		}
		if notif.Success() {
			ch <- waitResult{order: order}
		} else {
			ch <- waitResult{err: &apperrors.ExchangeError{Code: notif.Code, Message: notif.Text}}
		}

	case "oc-req":
		if order == nil {
			return
		}
		s.mu.Lock()
		ch := s.cancelWaiters[order.ID]
		s.mu.Unlock()
		if ch == nil {
			return
		}
		if notif.Success() {
			ch <- nil
		} else {
			ch <- &apperrors.ExchangeError{Code: notif.Code, Message: notif.Text}
		}

	default:
		s.logger.Debug("notification", "type", notif.Type, "status", notif.Status, "text", notif.Text)
	}
}

func (s *PrivateSession) fanOutOrder(code string, order *core.LiveOrder) {
	s.mu.Lock()
	handlers := append([]OrderEventHandler(nil), s.orderHandlers...)
	s.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	err := s.dispatch.Submit(func() {
		for _, h := range handlers {
			h(code, order)
		}
	})
	if err != nil {
		s.logger.Error("Dispatch queue rejected order event", "order_id", order.ID, "error", err.Error())
	}
}

func (s *PrivateSession) fanOutTrade(code string, trade *core.TradeExecution) {
	s.mu.Lock()
	handlers := append([]TradeEventHandler(nil), s.tradeHandlers...)
	s.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	err := s.dispatch.Submit(func() {
		for _, h := range handlers {
			h(code, trade)
		}
	})
	if err != nil {
		s.logger.Error("Dispatch queue rejected trade event", "trade_id", trade.ID, "error", err.Error())
	}
}

func (s *PrivateSession) fanOutWallet(code string, wallet core.Wallet) {
	s.mu.Lock()
	handlers := append([]WalletEventHandler(nil), s.walletHandlers...)
	s.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	err := s.dispatch.Submit(func() {
		for _, h := range handlers {
			h(code, wallet)
		}
	})
	if err != nil {
		s.logger.Error("Dispatch queue rejected wallet event", "currency", wallet.Currency, "error", err.Error())
	}
}

func (s *PrivateSession) fanOutPosition(code string, pos core.Position) {
	s.mu.Lock()
	handlers := append([]PositionEventHandler(nil), s.posHandlers...)
	s.mu.Unlock()
	if len(handlers) == 0 {
		return
	}
	err := s.dispatch.Submit(func() {
		for _, h := range handlers {
			h(code, pos)
		}
	})
	if err != nil {
		s.logger.Error("Dispatch queue rejected position event", "symbol", pos.Symbol, "error", err.Error())
	}
}
