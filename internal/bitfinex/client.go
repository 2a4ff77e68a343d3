package bitfinex

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

// Client is the typed Bitfinex v2 API surface over the transport. It
// implements core.IOrderSubmitter for the REST path.
type Client struct {
	transport *Transport
	logger    core.ILogger
	affCode   string
}

// NewClient builds the typed client. affCode, when set, is attached to
// every submitted order's meta block.
func NewClient(transport *Transport, logger core.ILogger, affCode string) *Client {
	return &Client{
		transport: transport,
		logger:    logger,
		affCode:   affCode,
	}
}

// Ticker fetches the REST ticker for a canonical symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (*core.Ticker, error) {
	body, err := c.transport.PublicGet(ctx, "ticker/"+symbol)
	if err != nil {
		return nil, err
	}
	arr, err := decodeArray(body)
	if err != nil {
		return nil, err
	}
	return parseTicker(symbol, arr)
}

// Candles fetches up to limit historical bars, oldest first.
func (c *Client) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	endpoint := fmt.Sprintf("candles/trade:%s:%s/hist?limit=%d", timeframe, symbol, limit)
	body, err := c.transport.PublicGet(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	rows, err := decodeArrayOfArrays(body)
	if err != nil {
		return nil, err
	}

	// The endpoint returns newest first; flip to chronological order.
	candles := make([]core.Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		candle, err := parseCandle(symbol, timeframe, rows[i])
		if err != nil {
			return nil, err
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// Submit places an order via auth/w/order/submit and returns the accepted
// order state from the response notification.
func (c *Client) Submit(ctx context.Context, intent *core.OrderIntent) (*core.LiveOrder, error) {
	payload := map[string]any{
		"type":   intent.Type,
		"symbol": intent.Symbol,
		"amount": intent.Amount.String(),
	}
	if !intent.Price.IsZero() {
		payload["price"] = intent.Price.String()
	}
	if intent.ClientID != 0 {
		payload["cid"] = intent.ClientID
	}
	if intent.GroupID != 0 {
		payload["gid"] = intent.GroupID
	}
	if intent.Flags != 0 {
		payload["flags"] = intent.Flags
	}
	if c.affCode != "" {
		payload["meta"] = map[string]any{"aff_code": c.affCode}
	}

	body, err := c.transport.SignedPost(ctx, "auth/w/order/submit", payload)
	if err != nil {
		return nil, err
	}

	notif, err := parseNotification(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse submit response: %w", err)
	}
	if !notif.Success() {
		return nil, &apperrors.ExchangeError{Code: notif.Code, Message: notif.Text}
	}
	order := notif.FirstOrder()
	if order == nil {
		return nil, fmt.Errorf("%w: submit accepted but no order in response", apperrors.ErrExchange)
	}

	c.logger.Info("order submitted",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"type", order.Type,
		"amount", order.AmountOrig.String(),
		"status", order.Status)
	return order, nil
}

// Update amends a live order in place via auth/w/order/update. A zero
// amount or price leaves that field unchanged on the exchange.
func (c *Client) Update(ctx context.Context, orderID int64, amount, price decimal.Decimal) (*core.LiveOrder, error) {
	payload := map[string]any{"id": orderID}
	if !amount.IsZero() {
		payload["amount"] = amount.String()
	}
	if !price.IsZero() {
		payload["price"] = price.String()
	}

	body, err := c.transport.SignedPost(ctx, "auth/w/order/update", payload)
	if err != nil {
		return nil, err
	}

	notif, err := parseNotification(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse update response: %w", err)
	}
	if !notif.Success() {
		return nil, &apperrors.ExchangeError{Code: notif.Code, Message: notif.Text}
	}
	order := notif.FirstOrder()
	if order == nil {
		return nil, fmt.Errorf("%w: update accepted but no order in response", apperrors.ErrExchange)
	}

	c.logger.Info("order updated",
		"order_id", order.ID,
		"amount", order.Amount.String(),
		"price", order.Price.String())
	return order, nil
}

// Cancel cancels an order by exchange ID via auth/w/order/cancel.
func (c *Client) Cancel(ctx context.Context, orderID int64) error {
	body, err := c.transport.SignedPost(ctx, "auth/w/order/cancel", map[string]any{"id": orderID})
	if err != nil {
		return err
	}

	notif, err := parseNotification(body)
	if err != nil {
		return fmt.Errorf("failed to parse cancel response: %w", err)
	}
	if !notif.Success() {
		return &apperrors.ExchangeError{Code: notif.Code, Message: notif.Text}
	}

	c.logger.Info("order cancelled", "order_id", orderID)
	return nil
}

// ActiveOrders lists the account's open orders.
func (c *Client) ActiveOrders(ctx context.Context) ([]*core.LiveOrder, error) {
	body, err := c.transport.SignedPost(ctx, "auth/r/orders", nil)
	if err != nil {
		return nil, err
	}

	rows, err := decodeArrayOfArrays(body)
	if err != nil {
		return nil, err
	}
	orders := make([]*core.LiveOrder, 0, len(rows))
	for _, row := range rows {
		order, err := parseOrder(row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// OrderHistory fetches recent closed orders for a symbol, newest first.
func (c *Client) OrderHistory(ctx context.Context, symbol string, limit int) ([]*core.LiveOrder, error) {
	endpoint := "auth/r/orders/" + symbol + "/hist"
	body, err := c.transport.SignedPost(ctx, endpoint, map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}

	rows, err := decodeArrayOfArrays(body)
	if err != nil {
		return nil, err
	}
	orders := make([]*core.LiveOrder, 0, len(rows))
	for _, row := range rows {
		order, err := parseOrder(row)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}
