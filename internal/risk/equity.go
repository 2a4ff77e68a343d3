package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/bitfinex"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// Wallet image freshness bounds. Stream-fed rows stay current through wu
// events so they are trusted longer than a point-in-time REST snapshot.
const (
	streamWalletTTL = 5 * time.Minute
	restWalletTTL   = 30 * time.Second
)

// EquityService values the account in USD. Wallet balances come from the
// private stream when fresh (wu events keep a local image) with a signed
// REST read as fallback; non-USD balances are priced through the ticker
// source, which is itself WS-first. That keeps the common path free of
// signed REST calls, which is what lets the risk guards run it under a
// tight deadline on every order.
type EquityService struct {
	wallets core.IWalletSource
	tickers core.ITickerSource
	logger  core.ILogger

	mu         sync.RWMutex
	live       map[string]core.Wallet // type|currency -> latest row
	liveAt     time.Time
	fromStream bool

	now func() time.Time
}

// NewEquityService builds a valuation service over the wallet and ticker
// sources.
func NewEquityService(wallets core.IWalletSource, tickers core.ITickerSource, logger core.ILogger) *EquityService {
	return &EquityService{
		wallets: wallets,
		tickers: tickers,
		logger:  logger.WithField("component", "equity"),
		live:    make(map[string]core.Wallet),
		now:     time.Now,
	}
}

// ApplyWallet folds a private-stream wallet row into the live image. Wire
// this to the session's wallet events.
func (e *EquityService) ApplyWallet(w core.Wallet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[w.Type+"|"+w.Currency] = w
	e.liveAt = e.now()
	e.fromStream = true
}

// ApplyWalletSnapshot replaces the live image with a full stream snapshot.
func (e *EquityService) ApplyWalletSnapshot(rows []core.Wallet) {
	e.replaceImage(rows, true)
}

func (e *EquityService) replaceImage(rows []core.Wallet, fromStream bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live = make(map[string]core.Wallet, len(rows))
	for _, w := range rows {
		e.live[w.Type+"|"+w.Currency] = w
	}
	e.liveAt = e.now()
	e.fromStream = fromStream
}

// Equity sums the USD value of every wallet balance. Currencies that cannot
// be priced are skipped with a warning rather than failing the whole
// valuation; a cancelled context fails it.
func (e *EquityService) Equity(ctx context.Context) (decimal.Decimal, error) {
	rows, err := e.currentWallets(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, w := range rows {
		if w.Balance.IsZero() {
			continue
		}
		symbol, isUSD := bitfinex.ValuationSymbol(w.Currency)
		if isUSD {
			total = total.Add(w.Balance)
			continue
		}
		if ctx.Err() != nil {
			return decimal.Zero, ctx.Err()
		}
		snap, err := e.tickers.Ticker(ctx, symbol)
		if err != nil {
			e.logger.Warn("Skipping unpriceable wallet in equity valuation",
				"currency", w.Currency, "symbol", symbol, "error", err)
			continue
		}
		total = total.Add(w.Balance.Mul(snap.LastPrice))
	}
	return total, nil
}

// currentWallets serves the live image while fresh, else falls back to a
// signed REST read and caches it briefly.
func (e *EquityService) currentWallets(ctx context.Context) ([]core.Wallet, error) {
	e.mu.RLock()
	ttl := restWalletTTL
	if e.fromStream {
		ttl = streamWalletTTL
	}
	fresh := !e.liveAt.IsZero() && e.now().Sub(e.liveAt) < ttl
	var rows []core.Wallet
	if fresh {
		rows = make([]core.Wallet, 0, len(e.live))
		for _, w := range e.live {
			rows = append(rows, w)
		}
	}
	e.mu.RUnlock()

	if fresh {
		return rows, nil
	}
	if e.wallets == nil {
		return nil, fmt.Errorf("no wallet source configured")
	}
	rows, err := e.wallets.Wallets(ctx)
	if err != nil {
		return nil, err
	}
	e.replaceImage(rows, false)
	return rows, nil
}
