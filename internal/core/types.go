package core

import (
	"github.com/shopspring/decimal"
)

// Order side labels used on the public API surface. On the wire Bitfinex
// encodes side in the sign of the amount.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Canonical Bitfinex order types. Exchange-wallet types carry the
// "EXCHANGE " prefix; the bare forms are margin orders.
const (
	TypeExchangeLimit  = "EXCHANGE LIMIT"
	TypeExchangeMarket = "EXCHANGE MARKET"
	TypeExchangeStop   = "EXCHANGE STOP"
	TypeLimit          = "LIMIT"
	TypeMarket         = "MARKET"
	TypeStop           = "STOP"
)

// OrderRequest is the raw order input as submitted by a strategy or the API
// surface, before normalization.
type OrderRequest struct {
	Symbol     string
	Side       string // "buy", "sell" (any case)
	Type       string // "limit", "market", "stop" or canonical exchange form
	Amount     decimal.Decimal
	Price      decimal.Decimal
	UseMargin  bool
	ClientID   int64
	GroupID    int64
	PostOnly   bool
	ReduceOnly bool
	DryRun     bool
}

// OrderIntent is a validated, canonical order ready for submission. Amount is
// signed (negative for sells) and Price is zero for market orders.
type OrderIntent struct {
	Symbol   string
	Side     string
	Type     string
	Amount   decimal.Decimal
	Price    decimal.Decimal
	ClientID int64
	GroupID  int64
	Flags    int
	DryRun   bool
}

// LiveOrder mirrors the exchange-side order state as reported by REST
// responses and private stream events.
type LiveOrder struct {
	ID         int64
	GroupID    int64
	ClientID   int64
	Symbol     string
	MTSCreate  int64
	MTSUpdate  int64
	Amount     decimal.Decimal // remaining, signed
	AmountOrig decimal.Decimal // original, signed
	Type       string
	Status     string // "ACTIVE", "EXECUTED ...", "PARTIALLY FILLED ...", "CANCELED"
	Price      decimal.Decimal
	PriceAvg   decimal.Decimal
}

// FilledAmount reports how much of the original amount has executed, as an
// unsigned quantity.
func (o *LiveOrder) FilledAmount() decimal.Decimal {
	return o.AmountOrig.Sub(o.Amount).Abs()
}

// IsSell reports whether the order reduces the base position.
func (o *LiveOrder) IsSell() bool {
	return o.AmountOrig.IsNegative()
}

// PublicTrade is one anonymous trade from the public trades channel.
// Amount is signed: positive for taker buys, negative for taker sells.
type PublicTrade struct {
	ID     int64
	MTS    int64
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// TradeExecution is a private te/tu trade event.
type TradeExecution struct {
	ID          int64
	Symbol      string
	MTS         int64
	OrderID     int64
	ExecAmount  decimal.Decimal // signed
	ExecPrice   decimal.Decimal
	OrderType   string
	OrderPrice  decimal.Decimal
	Maker       bool
	Fee         decimal.Decimal
	FeeCurrency string
	ClientID    int64
}

// Candle is one OHLCV bar. MTS is the bar open time in epoch milliseconds.
type Candle struct {
	Symbol    string
	Timeframe string
	MTS       int64
	Open      decimal.Decimal
	Close     decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Volume    decimal.Decimal
}

// Ticker is the Bitfinex ticker array in struct form.
type Ticker struct {
	Symbol         string
	Bid            decimal.Decimal
	BidSize        decimal.Decimal
	Ask            decimal.Decimal
	AskSize        decimal.Decimal
	DailyChange    decimal.Decimal
	DailyChangeRel decimal.Decimal
	LastPrice      decimal.Decimal
	Volume         decimal.Decimal
	High           decimal.Decimal
	Low            decimal.Decimal
}

// TickerSource labels where a ticker snapshot came from.
type TickerSource string

const (
	TickerSourceWS    TickerSource = "ws"
	TickerSourceREST  TickerSource = "rest"
	TickerSourceCache TickerSource = "cache"
)

// TickerSnapshot is a ticker plus freshness attribution, so consumers can
// tell a live push from a cached or fallback read.
type TickerSnapshot struct {
	Ticker
	Source     TickerSource
	ObservedAt int64 // epoch ms when the backend received the data
}

// Wallet is one exchange wallet row.
type Wallet struct {
	Type              string // "exchange", "margin", "funding"
	Currency          string
	Balance           decimal.Decimal
	UnsettledInterest decimal.Decimal
	AvailableBalance  decimal.Decimal
}

// Position is one margin position row.
type Position struct {
	Symbol    string
	Status    string // "ACTIVE", "CLOSED"
	Amount    decimal.Decimal
	BasePrice decimal.Decimal
	Funding   decimal.Decimal
	PL        decimal.Decimal
	PLPerc    decimal.Decimal
	PriceLiq  decimal.Decimal
	Leverage  decimal.Decimal
	MTSCreate int64
	MTSUpdate int64
}

// LedgerTrade is one historical account trade.
type LedgerTrade struct {
	ID          int64
	Symbol      string
	MTS         int64
	OrderID     int64
	ExecAmount  decimal.Decimal
	ExecPrice   decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
}

// EquitySnapshot is a point-in-time account valuation used by risk guards.
type EquitySnapshot struct {
	MTS      int64
	Equity   decimal.Decimal
	Currency string
	Stale    bool // valuation timed out and carried the last known value
}
