package bitfinex

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// The v2 API speaks positional JSON arrays, not objects. The parsers below
// map array slots onto the core types. Numbers are decoded as json.Number so
// prices and amounts survive the trip into decimal without a float64 detour.

// Notification is the wrapper the exchange returns for write operations,
// "[MTS, TYPE, MESSAGE_ID, null, NOTIFY_INFO, CODE, STATUS, TEXT]".
type Notification struct {
	MTS    int64
	Type   string
	Code   int64
	Status string
	Text   string
	Orders []*core.LiveOrder
}

// Success reports whether the exchange accepted the operation.
func (n *Notification) Success() bool {
	return strings.EqualFold(n.Status, "SUCCESS")
}

// FirstOrder returns the first order in the notification payload, nil when
// the payload carried none.
func (n *Notification) FirstOrder() *core.LiveOrder {
	if len(n.Orders) == 0 {
		return nil
	}
	return n.Orders[0]
}

// decodeArray unmarshals a JSON array keeping numbers as json.Number.
func decodeArray(data []byte) ([]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var arr []any
	if err := dec.Decode(&arr); err != nil {
		return nil, fmt.Errorf("expected JSON array: %w", err)
	}
	return arr, nil
}

// decodeArrayOfArrays unmarshals a list-of-rows payload.
func decodeArrayOfArrays(data []byte) ([][]any, error) {
	arr, err := decodeArray(data)
	if err != nil {
		return nil, err
	}
	rows := make([][]any, 0, len(arr))
	for i, item := range arr {
		row, ok := item.([]any)
		if !ok {
			return nil, fmt.Errorf("row %d: expected array, got %T", i, item)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decimalAt(arr []any, i int) decimal.Decimal {
	if i >= len(arr) || arr[i] == nil {
		return decimal.Zero
	}
	switch v := arr[i].(type) {
	case json.Number:
		d, err := decimal.NewFromString(v.String())
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		d, err := decimal.NewFromString(v)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}

func intAt(arr []any, i int) int64 {
	if i >= len(arr) || arr[i] == nil {
		return 0
	}
	switch v := arr[i].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(v)
	}
	return 0
}

func strAt(arr []any, i int) string {
	if i >= len(arr) || arr[i] == nil {
		return ""
	}
	if s, ok := arr[i].(string); ok {
		return s
	}
	return ""
}

func arrayAt(arr []any, i int) []any {
	if i >= len(arr) || arr[i] == nil {
		return nil
	}
	if a, ok := arr[i].([]any); ok {
		return a
	}
	return nil
}

// parseTicker maps a trading-pair ticker row,
// "[BID, BID_SIZE, ASK, ASK_SIZE, DAILY_CHANGE, DAILY_CHANGE_REL, LAST, VOL, HIGH, LOW]".
func parseTicker(symbol string, arr []any) (*core.Ticker, error) {
	if len(arr) < 10 {
		return nil, fmt.Errorf("ticker for %s: want 10 fields, got %d", symbol, len(arr))
	}
	return &core.Ticker{
		Symbol:         symbol,
		Bid:            decimalAt(arr, 0),
		BidSize:        decimalAt(arr, 1),
		Ask:            decimalAt(arr, 2),
		AskSize:        decimalAt(arr, 3),
		DailyChange:    decimalAt(arr, 4),
		DailyChangeRel: decimalAt(arr, 5),
		LastPrice:      decimalAt(arr, 6),
		Volume:         decimalAt(arr, 7),
		High:           decimalAt(arr, 8),
		Low:            decimalAt(arr, 9),
	}, nil
}

// parseCandle maps "[MTS, OPEN, CLOSE, HIGH, LOW, VOLUME]".
func parseCandle(symbol, timeframe string, arr []any) (core.Candle, error) {
	if len(arr) < 6 {
		return core.Candle{}, fmt.Errorf("candle for %s:%s: want 6 fields, got %d", symbol, timeframe, len(arr))
	}
	return core.Candle{
		Symbol:    symbol,
		Timeframe: timeframe,
		MTS:       intAt(arr, 0),
		Open:      decimalAt(arr, 1),
		Close:     decimalAt(arr, 2),
		High:      decimalAt(arr, 3),
		Low:       decimalAt(arr, 4),
		Volume:    decimalAt(arr, 5),
	}, nil
}

// parseOrder maps the 32-slot v2 order row. Only the slots the pipeline
// consumes are lifted; placeholders and routing fields are skipped.
func parseOrder(arr []any) (*core.LiveOrder, error) {
	if len(arr) < 18 {
		return nil, fmt.Errorf("order row: want >=18 fields, got %d", len(arr))
	}
	return &core.LiveOrder{
		ID:         intAt(arr, 0),
		GroupID:    intAt(arr, 1),
		ClientID:   intAt(arr, 2),
		Symbol:     strAt(arr, 3),
		MTSCreate:  intAt(arr, 4),
		MTSUpdate:  intAt(arr, 5),
		Amount:     decimalAt(arr, 6),
		AmountOrig: decimalAt(arr, 7),
		Type:       strAt(arr, 8),
		Status:     strAt(arr, 13),
		Price:      decimalAt(arr, 16),
		PriceAvg:   decimalAt(arr, 17),
	}, nil
}

// parseWallet maps "[WALLET_TYPE, CURRENCY, BALANCE, UNSETTLED_INTEREST,
// AVAILABLE_BALANCE, ...]". AVAILABLE_BALANCE is null unless requested with
// the calc flag.
func parseWallet(arr []any) (core.Wallet, error) {
	if len(arr) < 4 {
		return core.Wallet{}, fmt.Errorf("wallet row: want >=4 fields, got %d", len(arr))
	}
	return core.Wallet{
		Type:              strAt(arr, 0),
		Currency:          strAt(arr, 1),
		Balance:           decimalAt(arr, 2),
		UnsettledInterest: decimalAt(arr, 3),
		AvailableBalance:  decimalAt(arr, 4),
	}, nil
}

// parsePosition maps the margin position row.
func parsePosition(arr []any) (core.Position, error) {
	if len(arr) < 10 {
		return core.Position{}, fmt.Errorf("position row: want >=10 fields, got %d", len(arr))
	}
	return core.Position{
		Symbol:    strAt(arr, 0),
		Status:    strAt(arr, 1),
		Amount:    decimalAt(arr, 2),
		BasePrice: decimalAt(arr, 3),
		Funding:   decimalAt(arr, 4),
		PL:        decimalAt(arr, 6),
		PLPerc:    decimalAt(arr, 7),
		PriceLiq:  decimalAt(arr, 8),
		Leverage:  decimalAt(arr, 9),
		MTSCreate: intAt(arr, 12),
		MTSUpdate: intAt(arr, 13),
	}, nil
}

// parseTradeExecution maps a private te/tu row. te rows omit fee fields, so
// those slots come back zero until the matching tu arrives.
func parseTradeExecution(arr []any) (*core.TradeExecution, error) {
	if len(arr) < 9 {
		return nil, fmt.Errorf("trade row: want >=9 fields, got %d", len(arr))
	}
	return &core.TradeExecution{
		ID:          intAt(arr, 0),
		Symbol:      strAt(arr, 1),
		MTS:         intAt(arr, 2),
		OrderID:     intAt(arr, 3),
		ExecAmount:  decimalAt(arr, 4),
		ExecPrice:   decimalAt(arr, 5),
		OrderType:   strAt(arr, 6),
		OrderPrice:  decimalAt(arr, 7),
		Maker:       intAt(arr, 8) == 1,
		Fee:         decimalAt(arr, 9),
		FeeCurrency: strAt(arr, 10),
		ClientID:    intAt(arr, 11),
	}, nil
}

// parseLedgerTrade maps an account trade history row, which shares the tu
// layout.
func parseLedgerTrade(arr []any) (core.LedgerTrade, error) {
	if len(arr) < 9 {
		return core.LedgerTrade{}, fmt.Errorf("trade history row: want >=9 fields, got %d", len(arr))
	}
	return core.LedgerTrade{
		ID:          intAt(arr, 0),
		Symbol:      strAt(arr, 1),
		MTS:         intAt(arr, 2),
		OrderID:     intAt(arr, 3),
		ExecAmount:  decimalAt(arr, 4),
		ExecPrice:   decimalAt(arr, 5),
		Fee:         decimalAt(arr, 9),
		FeeCurrency: strAt(arr, 10),
	}, nil
}

// parsePublicTrade maps a public trades row "[ID, MTS, AMOUNT, PRICE]".
func parsePublicTrade(arr []any) (core.PublicTrade, error) {
	if len(arr) < 4 {
		return core.PublicTrade{}, fmt.Errorf("public trade row: want 4 fields, got %d", len(arr))
	}
	return core.PublicTrade{
		ID:     intAt(arr, 0),
		MTS:    intAt(arr, 1),
		Amount: decimalAt(arr, 2),
		Price:  decimalAt(arr, 3),
	}, nil
}

// parseNotification maps a write-operation response. NOTIFY_INFO at slot 4
// holds either a single order row (cancel) or a list of order rows (submit);
// both shapes normalize into Orders.
func parseNotification(data []byte) (*Notification, error) {
	arr, err := decodeArray(data)
	if err != nil {
		return nil, err
	}
	return parseNotificationArr(arr)
}

func parseNotificationArr(arr []any) (*Notification, error) {
	if len(arr) < 8 {
		return nil, fmt.Errorf("notification: want 8 fields, got %d", len(arr))
	}

	n := &Notification{
		MTS:    intAt(arr, 0),
		Type:   strAt(arr, 1),
		Code:   intAt(arr, 5),
		Status: strAt(arr, 6),
		Text:   strAt(arr, 7),
	}

	info := arrayAt(arr, 4)
	switch {
	case len(info) == 0:
	case isRow(info[0]):
		for _, item := range info {
			row, ok := item.([]any)
			if !ok {
				continue
			}
			order, err := parseOrder(row)
			if err != nil {
				return nil, err
			}
			n.Orders = append(n.Orders, order)
		}
	default:
		order, err := parseOrder(info)
		if err != nil {
			return nil, err
		}
		n.Orders = append(n.Orders, order)
	}
	return n, nil
}

func isRow(v any) bool {
	_, ok := v.([]any)
	return ok
}

// Exported row parsers. The WebSocket layer receives the same positional
// rows inside channel frames and reuses these instead of growing a second
// dialect.

func DecodeArray(data []byte) ([]any, error) { return decodeArray(data) }

func ParseTickerRow(symbol string, row []any) (*core.Ticker, error) {
	return parseTicker(symbol, row)
}

func ParseCandleRow(symbol, timeframe string, row []any) (core.Candle, error) {
	return parseCandle(symbol, timeframe, row)
}

func ParseOrderRow(row []any) (*core.LiveOrder, error) { return parseOrder(row) }

func ParseTradeRow(row []any) (*core.TradeExecution, error) { return parseTradeExecution(row) }

func ParseWalletRow(row []any) (core.Wallet, error) { return parseWallet(row) }

func ParsePositionRow(row []any) (core.Position, error) { return parsePosition(row) }

func ParsePublicTradeRow(row []any) (core.PublicTrade, error) { return parsePublicTrade(row) }

func ParseNotificationRow(row []any) (*Notification, error) { return parseNotificationArr(row) }
