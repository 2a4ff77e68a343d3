package bitfinex

import (
	"context"
	"strings"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// Wallets fetches all account wallets (exchange, margin, funding).
func (c *Client) Wallets(ctx context.Context) ([]core.Wallet, error) {
	body, err := c.transport.SignedPost(ctx, "auth/r/wallets", nil)
	if err != nil {
		return nil, err
	}

	rows, err := decodeArrayOfArrays(body)
	if err != nil {
		return nil, err
	}
	wallets := make([]core.Wallet, 0, len(rows))
	for _, row := range rows {
		w, err := parseWallet(row)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, nil
}

// Positions fetches open margin positions.
func (c *Client) Positions(ctx context.Context) ([]core.Position, error) {
	body, err := c.transport.SignedPost(ctx, "auth/r/positions", nil)
	if err != nil {
		return nil, err
	}

	rows, err := decodeArrayOfArrays(body)
	if err != nil {
		return nil, err
	}
	positions := make([]core.Position, 0, len(rows))
	for _, row := range rows {
		p, err := parsePosition(row)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// TradesHistory fetches executed account trades, newest first. An empty
// symbol queries across all pairs.
func (c *Client) TradesHistory(ctx context.Context, symbol string, limit int) ([]core.LedgerTrade, error) {
	endpoint := "auth/r/trades/hist"
	if symbol != "" {
		endpoint = "auth/r/trades/" + symbol + "/hist"
	}

	body, err := c.transport.SignedPost(ctx, endpoint, map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}

	rows, err := decodeArrayOfArrays(body)
	if err != nil {
		return nil, err
	}
	trades := make([]core.LedgerTrade, 0, len(rows))
	for _, row := range rows {
		t, err := parseLedgerTrade(row)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// ValuationSymbol returns the ticker symbol that prices a wallet currency
// in USD terms. isUSD is true for currencies that are the unit of account
// themselves and need no conversion. Bitfinex pairs with currencies longer
// than three characters use the colon form.
func ValuationSymbol(currency string) (symbol string, isUSD bool) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	switch cur {
	case "USD", "TESTUSD":
		return "", true
	}
	if strings.HasPrefix(cur, "TEST") {
		return "t" + cur + ":TESTUSD", false
	}
	if len(cur) > 3 {
		return "t" + cur + ":USD", false
	}
	return "t" + cur + "USD", false
}
