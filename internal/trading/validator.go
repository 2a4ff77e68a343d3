// Package trading implements the risk-gated order pipeline: request
// validation, idempotent submission over REST or the private socket, the
// live order registry, and OCO bracket management.
package trading

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/bitfinex"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

// Bitfinex order flag bits, OR-ed into the submit payload.
const (
	FlagHidden     = 64
	FlagReduceOnly = 1024
	FlagPostOnly   = 4096
)

// orderSchema captures what the exchange requires for one base order type.
// The EXCHANGE-prefixed variants share the schema of their margin form.
type orderSchema struct {
	needsPrice bool
}

var orderSchemas = map[string]orderSchema{
	core.TypeLimit:  {needsPrice: true},
	core.TypeMarket: {needsPrice: false},
	core.TypeStop:   {needsPrice: true},
}

// SymbolLister reports whether a canonical symbol is currently tradeable.
// *bitfinex.SymbolService satisfies it; tests use a stub.
type SymbolLister interface {
	EnsureListed(ctx context.Context, canonical string) error
}

// Validator turns raw order requests into canonical intents. Normalization
// is idempotent: validating an already-canonical request yields the same
// intent.
type Validator struct {
	symbols SymbolLister
	logger  core.ILogger
}

// NewValidator builds the validator. symbols may be nil, in which case the
// listing check is skipped and only the syntactic rules apply.
func NewValidator(symbols SymbolLister, logger core.ILogger) *Validator {
	return &Validator{
		symbols: symbols,
		logger:  logger.WithField("component", "order_validator"),
	}
}

// Validate checks a request against the order-type schema table and returns
// the canonical intent. Amount carries magnitude only; Side owns the sign.
func (v *Validator) Validate(ctx context.Context, req *core.OrderRequest) (*core.OrderIntent, error) {
	symbol, err := bitfinex.CanonicalSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}
	if v.symbols != nil {
		if err := v.symbols.EnsureListed(ctx, symbol); err != nil {
			return nil, err
		}
	}

	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != core.SideBuy && side != core.SideSell {
		return nil, apperrors.InvalidOrder("side", "must be buy or sell")
	}

	orderType, schema, err := canonicalType(req.Type, req.UseMargin)
	if err != nil {
		return nil, err
	}

	amount := req.Amount.Abs()
	if amount.IsZero() {
		return nil, apperrors.InvalidOrder("amount", "must be non-zero")
	}
	if side == core.SideSell {
		amount = amount.Neg()
	}

	price := req.Price
	if price.IsNegative() {
		return nil, apperrors.InvalidOrder("price", "must not be negative")
	}
	if schema.needsPrice {
		if price.IsZero() {
			return nil, apperrors.InvalidOrder("price", "required for "+orderType+" orders")
		}
	} else {
		// Market orders take the book price; a client-provided one is noise.
		price = decimal.Zero
	}

	var flags int
	if req.PostOnly {
		flags |= FlagPostOnly
	}
	if req.ReduceOnly {
		flags |= FlagReduceOnly
	}

	return &core.OrderIntent{
		Symbol:   symbol,
		Side:     side,
		Type:     orderType,
		Amount:   amount,
		Price:    price,
		ClientID: req.ClientID,
		GroupID:  req.GroupID,
		Flags:    flags,
		DryRun:   req.DryRun,
	}, nil
}

// canonicalType maps a loosely-spelled order type onto the exchange form.
// An explicit "EXCHANGE " prefix wins over the useMargin flag; bare spellings
// ("limit", "market", "stop") pick the wallet from the flag.
func canonicalType(raw string, useMargin bool) (string, orderSchema, error) {
	t := strings.ToUpper(strings.TrimSpace(raw))
	explicit := strings.HasPrefix(t, "EXCHANGE ")
	base := strings.TrimPrefix(t, "EXCHANGE ")

	schema, ok := orderSchemas[base]
	if !ok {
		return "", orderSchema{}, apperrors.InvalidOrder("type", "unsupported order type "+strings.TrimSpace(raw))
	}
	if explicit || !useMargin {
		return "EXCHANGE " + base, schema, nil
	}
	return base, schema, nil
}

// PaperVariant suggests the paper-trading twin of a symbol, e.g. "tBTCUSD"
// becomes "tTESTBTC:TESTUSD". TEST pairs map to themselves. ok is false when
// the symbol cannot be parsed into a base and quote.
func PaperVariant(symbol string) (string, bool) {
	canonical, err := bitfinex.CanonicalSymbol(symbol)
	if err != nil {
		return "", false
	}
	pair := strings.TrimPrefix(canonical, "t")
	if strings.HasPrefix(pair, "TEST") {
		return canonical, true
	}

	var base, quote string
	if i := strings.IndexByte(pair, ':'); i > 0 {
		base, quote = pair[:i], pair[i+1:]
	} else if len(pair) >= 6 {
		base, quote = pair[:len(pair)-3], pair[len(pair)-3:]
	}
	if base == "" || quote == "" {
		return "", false
	}
	return "tTEST" + base + ":TEST" + quote, true
}
