// Package ws implements the Bitfinex WebSocket fabric: a bounded pool of
// public-stream sockets and one authenticated private session.
package ws

import (
	"encoding/json"
	"strings"
)

// Channel names a public stream type.
type Channel string

const (
	ChannelTicker  Channel = "ticker"
	ChannelTrades  Channel = "trades"
	ChannelCandles Channel = "candles"
)

// SubKey derives the canonical subscription key, "channel|[tf:]symbol".
func SubKey(channel Channel, symbol, timeframe string) string {
	if channel == ChannelCandles {
		return string(channel) + "|" + timeframe + ":" + symbol
	}
	return string(channel) + "|" + symbol
}

// candleStreamKey builds the exchange-side candle channel key.
func candleStreamKey(symbol, timeframe string) string {
	return "trade:" + timeframe + ":" + symbol
}

// parseCandleStreamKey splits "trade:1m:tBTCUSD" into timeframe and symbol.
// Symbols may themselves contain a colon (tTESTBTC:TESTUSD), so only the
// first two separators delimit.
func parseCandleStreamKey(key string) (timeframe, symbol string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[0] != "trade" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// subscribeRequest is the subscribe frame. Ticker and trades address by
// symbol; candles address by stream key.
type subscribeRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol,omitempty"`
	Key     string `json:"key,omitempty"`
}

func subscribeFrame(channel Channel, symbol, timeframe string) subscribeRequest {
	req := subscribeRequest{Event: "subscribe", Channel: string(channel)}
	if channel == ChannelCandles {
		req.Key = candleStreamKey(symbol, timeframe)
	} else {
		req.Symbol = symbol
	}
	return req
}

type unsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// wsEvent is the object-form control message on either socket kind.
type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Code    int64  `json:"code"`
	Msg     string `json:"msg"`
	Status  string `json:"status"`
	UserID  int64  `json:"userId"`
	DMS     int    `json:"dms"`
}

// Bitfinex info codes that matter operationally.
const (
	infoServerRestart   = 20051
	infoMaintenanceOn   = 20060
	infoMaintenanceDone = 20061
)

func decodeEvent(data []byte) (*wsEvent, bool) {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, false
	}
	return &ev, true
}

// frameChanID extracts the leading channel id of an array frame.
func frameChanID(arr []any) (int64, bool) {
	if len(arr) == 0 {
		return 0, false
	}
	switch v := arr[0].(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case float64:
		return int64(v), true
	}
	return 0, false
}

// frameLabel reads a string slot such as "hb", "te" or "on".
func frameLabel(arr []any, i int) string {
	if i >= len(arr) {
		return ""
	}
	s, _ := arr[i].(string)
	return s
}

func frameRows(v any) ([][]any, bool) {
	outer, ok := v.([]any)
	if !ok || len(outer) == 0 {
		return nil, false
	}
	if _, ok := outer[0].([]any); !ok {
		return nil, false
	}
	rows := make([][]any, 0, len(outer))
	for _, item := range outer {
		if row, ok := item.([]any); ok {
			rows = append(rows, row)
		}
	}
	return rows, true
}
