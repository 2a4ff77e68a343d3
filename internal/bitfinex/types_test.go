package bitfinex

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTickerRow(t *testing.T) {
	arr, err := decodeArray([]byte(`[29150,18.5,29151,22.1,-120.5,-0.0041,29150.5,1234.56789,29500,28800]`))
	require.NoError(t, err)

	tk, err := parseTicker("tBTCUSD", arr)
	require.NoError(t, err)

	assert.Equal(t, "tBTCUSD", tk.Symbol)
	assert.True(t, tk.Bid.Equal(decimal.RequireFromString("29150")))
	assert.True(t, tk.Ask.Equal(decimal.RequireFromString("29151")))
	assert.True(t, tk.LastPrice.Equal(decimal.RequireFromString("29150.5")))
	assert.True(t, tk.DailyChangeRel.Equal(decimal.RequireFromString("-0.0041")))
	assert.True(t, tk.Low.Equal(decimal.RequireFromString("28800")))
}

func TestParseTickerTooShort(t *testing.T) {
	arr, err := decodeArray([]byte(`[29150,18.5]`))
	require.NoError(t, err)

	_, err = parseTicker("tBTCUSD", arr)
	assert.Error(t, err)
}

func TestParseCandleRow(t *testing.T) {
	arr, err := decodeArray([]byte(`[1700000000000,29000.1,29100.2,29200.3,28950.4,123.456]`))
	require.NoError(t, err)

	c, err := parseCandle("tBTCUSD", "1m", arr)
	require.NoError(t, err)

	assert.Equal(t, int64(1700000000000), c.MTS)
	assert.True(t, c.Open.Equal(decimal.RequireFromString("29000.1")))
	assert.True(t, c.Close.Equal(decimal.RequireFromString("29100.2")))
	assert.True(t, c.High.Equal(decimal.RequireFromString("29200.3")))
	assert.True(t, c.Low.Equal(decimal.RequireFromString("28950.4")))
	assert.True(t, c.Volume.Equal(decimal.RequireFromString("123.456")))
}

func TestParseOrderPreservesPrecision(t *testing.T) {
	raw := `[123,5,1001,"tBTCUSD",1700000000000,1700000000001,0.123456789012345,0.2,"EXCHANGE LIMIT",null,null,null,0,"ACTIVE",null,null,29000.00000001,0,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]`
	arr, err := decodeArray([]byte(raw))
	require.NoError(t, err)

	o, err := parseOrder(arr)
	require.NoError(t, err)

	assert.Equal(t, int64(123), o.ID)
	assert.Equal(t, int64(5), o.GroupID)
	assert.Equal(t, int64(1001), o.ClientID)
	assert.Equal(t, "tBTCUSD", o.Symbol)
	assert.Equal(t, "EXCHANGE LIMIT", o.Type)
	assert.Equal(t, "ACTIVE", o.Status)
	assert.Equal(t, "0.123456789012345", o.Amount.String(), "amount survives without float rounding")
	assert.Equal(t, "29000.00000001", o.Price.String())
}

func TestOrderFilledAmount(t *testing.T) {
	raw := `[123,0,0,"tBTCUSD",0,0,-0.3,-1.0,"EXCHANGE LIMIT",null,null,null,0,"PARTIALLY FILLED",null,null,100,99.5,0,0,null,null,null,0,0,null,null,null,null,null,null,null]`
	arr, err := decodeArray([]byte(raw))
	require.NoError(t, err)

	o, err := parseOrder(arr)
	require.NoError(t, err)

	assert.True(t, o.IsSell())
	assert.Equal(t, "0.7", o.FilledAmount().String())
}

func TestParseWalletRow(t *testing.T) {
	arr, err := decodeArray([]byte(`["exchange","USD",10000.5,0,9800.25,null,null]`))
	require.NoError(t, err)

	w, err := parseWallet(arr)
	require.NoError(t, err)

	assert.Equal(t, "exchange", w.Type)
	assert.Equal(t, "USD", w.Currency)
	assert.Equal(t, "10000.5", w.Balance.String())
	assert.Equal(t, "9800.25", w.AvailableBalance.String())
}

func TestParsePositionRow(t *testing.T) {
	raw := `["tBTCUSD","ACTIVE",0.05,28000,0,0,57.5,2.05,22000,2.5,null,141,1700000000000,1700000001000]`
	arr, err := decodeArray([]byte(raw))
	require.NoError(t, err)

	p, err := parsePosition(arr)
	require.NoError(t, err)

	assert.Equal(t, "tBTCUSD", p.Symbol)
	assert.Equal(t, "ACTIVE", p.Status)
	assert.Equal(t, "0.05", p.Amount.String())
	assert.Equal(t, "28000", p.BasePrice.String())
	assert.Equal(t, "57.5", p.PL.String())
	assert.Equal(t, int64(1700000000000), p.MTSCreate)
}

func TestParseTradeExecution(t *testing.T) {
	// te rows stop before the fee fields.
	te, err := decodeArray([]byte(`[401,"tBTCUSD",1700000000000,123,0.01,29000,"EXCHANGE LIMIT",29000,1]`))
	require.NoError(t, err)

	exec, err := parseTradeExecution(te)
	require.NoError(t, err)
	assert.Equal(t, int64(401), exec.ID)
	assert.Equal(t, int64(123), exec.OrderID)
	assert.True(t, exec.Maker)
	assert.True(t, exec.Fee.IsZero())

	tu, err := decodeArray([]byte(`[401,"tBTCUSD",1700000000000,123,0.01,29000,"EXCHANGE LIMIT",29000,-1,-0.00002,"BTC",1001]`))
	require.NoError(t, err)

	exec, err = parseTradeExecution(tu)
	require.NoError(t, err)
	assert.False(t, exec.Maker)
	assert.Equal(t, "-0.00002", exec.Fee.String())
	assert.Equal(t, "BTC", exec.FeeCurrency)
	assert.Equal(t, int64(1001), exec.ClientID)
}

func TestParseNotificationSubmit(t *testing.T) {
	raw := `[1700000000000,"on-req",null,null,[[123,0,1001,"tBTCUSD",1700000000000,1700000000000,0.01,0.01,"EXCHANGE LIMIT",null,null,null,0,"ACTIVE",null,null,29000,0,0,0,null,null,null,0,0,null,null,null,"API>BFX",null,null,null]],null,"SUCCESS","Submitting 1 orders."]`

	n, err := parseNotification([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, "on-req", n.Type)
	assert.True(t, n.Success())
	require.Len(t, n.Orders, 1)
	assert.Equal(t, int64(123), n.FirstOrder().ID)
	assert.Equal(t, "ACTIVE", n.FirstOrder().Status)
}

func TestParseNotificationCancelSingleOrder(t *testing.T) {
	raw := `[1700000000000,"oc-req",null,null,[123,0,1001,"tBTCUSD",1700000000000,1700000000000,0.01,0.01,"EXCHANGE LIMIT",null,null,null,0,"ACTIVE",null,null,29000,0,0,0,null,null,null,0,0,null,null,null,null,null,null,null],null,"SUCCESS","Submitted for cancellation; waiting for confirmation"]`

	n, err := parseNotification([]byte(raw))
	require.NoError(t, err)

	assert.True(t, n.Success())
	require.Len(t, n.Orders, 1)
	assert.Equal(t, int64(123), n.FirstOrder().ID)
}

func TestParseNotificationError(t *testing.T) {
	raw := `[1700000000000,"on-req",null,null,null,null,"ERROR","Invalid order: symbol tNOPEUSD is not listed"]`

	n, err := parseNotification([]byte(raw))
	require.NoError(t, err)

	assert.False(t, n.Success())
	assert.Nil(t, n.FirstOrder())
	assert.Contains(t, n.Text, "not listed")
}
