// Package mock provides in-memory stand-ins for the exchange client, used
// by tests and exercised by the dry-run wiring.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

// Exchange mimics the Bitfinex client: order submission with day-scoped
// client-id dedup, cancels, resizes, and canned market/account data. It
// satisfies the submitter, canceller, updater, ticker/candle source, and
// wallet source seams.
type Exchange struct {
	mu      sync.Mutex
	nextID  int64
	orders  map[int64]*core.LiveOrder
	byCID   map[int64]int64 // client order id -> exchange order id
	cancels []int64
	submits int

	tickers map[string]core.Ticker
	candles map[string][]core.Candle
	wallets []core.Wallet

	// SubmitErr, when set, fails submissions. With FailSubmits > 0 only
	// that many fail before the error clears.
	SubmitErr   error
	FailSubmits int
}

// NewExchange builds an empty mock exchange.
func NewExchange() *Exchange {
	return &Exchange{
		nextID:  1000,
		orders:  make(map[int64]*core.LiveOrder),
		byCID:   make(map[int64]int64),
		tickers: make(map[string]core.Ticker),
		candles: make(map[string][]core.Candle),
	}
}

// Submit accepts an order intent. Resubmitting the same client id returns
// the original order, matching the exchange's day-scoped cid dedup.
func (e *Exchange) Submit(ctx context.Context, intent *core.OrderIntent) (*core.LiveOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.SubmitErr != nil {
		err := e.SubmitErr
		if e.FailSubmits > 0 {
			e.FailSubmits--
			if e.FailSubmits == 0 {
				e.SubmitErr = nil
			}
		}
		return nil, err
	}

	if intent.ClientID != 0 {
		if id, ok := e.byCID[intent.ClientID]; ok {
			return cloneOrder(e.orders[id]), nil
		}
	}

	e.nextID++
	e.submits++
	order := &core.LiveOrder{
		ID:         e.nextID,
		GroupID:    intent.GroupID,
		ClientID:   intent.ClientID,
		Symbol:     intent.Symbol,
		MTSCreate:  time.Now().UnixMilli(),
		Amount:     intent.Amount,
		AmountOrig: intent.Amount,
		Type:       intent.Type,
		Status:     "ACTIVE",
		Price:      intent.Price,
	}
	e.orders[order.ID] = order
	if intent.ClientID != 0 {
		e.byCID[intent.ClientID] = order.ID
	}
	return cloneOrder(order), nil
}

// Cancel marks the order canceled. Unknown ids return an exchange error.
func (e *Exchange) Cancel(ctx context.Context, orderID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return &apperrors.ExchangeError{Code: 404, Message: fmt.Sprintf("order %d not found", orderID)}
	}
	order.Status = "CANCELED"
	e.cancels = append(e.cancels, orderID)
	return nil
}

// Update resizes or reprices a live order.
func (e *Exchange) Update(ctx context.Context, orderID int64, amount, price decimal.Decimal) (*core.LiveOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return nil, &apperrors.ExchangeError{Code: 404, Message: fmt.Sprintf("order %d not found", orderID)}
	}
	if !amount.IsZero() {
		order.Amount = amount
		order.AmountOrig = amount
	}
	if !price.IsZero() {
		order.Price = price
	}
	return cloneOrder(order), nil
}

// ActiveOrders lists orders still on the book.
func (e *Exchange) ActiveOrders(ctx context.Context) ([]*core.LiveOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*core.LiveOrder
	for _, o := range e.orders {
		if o.Status == "ACTIVE" {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

// Ticker returns the canned ticker for the symbol.
func (e *Exchange) Ticker(ctx context.Context, symbol string) (*core.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tk, ok := e.tickers[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, symbol)
	}
	return &tk, nil
}

// Candles returns the canned series for the symbol and timeframe.
func (e *Exchange) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	series := e.candles[symbol+"|"+timeframe]
	if limit > 0 && len(series) > limit {
		series = series[len(series)-limit:]
	}
	return append([]core.Candle(nil), series...), nil
}

// Wallets returns the canned wallet rows.
func (e *Exchange) Wallets(ctx context.Context) ([]core.Wallet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Wallet(nil), e.wallets...), nil
}

// SetTicker installs a canned ticker.
func (e *Exchange) SetTicker(symbol string, tk core.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tickers[symbol] = tk
}

// SetCandles installs a canned candle series, oldest first.
func (e *Exchange) SetCandles(symbol, timeframe string, series []core.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candles[symbol+"|"+timeframe] = append([]core.Candle(nil), series...)
}

// SetWallets installs the canned wallet rows.
func (e *Exchange) SetWallets(rows []core.Wallet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wallets = append([]core.Wallet(nil), rows...)
}

// SubmitCount reports how many orders the exchange accepted (dedup hits
// excluded).
func (e *Exchange) SubmitCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submits
}

// CancelCalls returns the order ids canceled so far, in call order.
func (e *Exchange) CancelCalls() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.cancels...)
}

// Order returns a copy of the order with the given id.
func (e *Exchange) Order(id int64) (core.LiveOrder, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return core.LiveOrder{}, false
	}
	return *o, true
}

func cloneOrder(o *core.LiveOrder) *core.LiveOrder {
	cp := *o
	return &cp
}
