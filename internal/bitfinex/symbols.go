package bitfinex

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

// symbolAliases maps legacy spellings of the paper-trading pairs onto their
// listed forms.
var symbolAliases = map[string]string{
	"TESTBTCUSD":  "TESTBTC:TESTUSD",
	"TESTBTC:USD": "TESTBTC:TESTUSD",
	"TESTETHUSD":  "TESTETH:TESTUSD",
	"TESTETH:USD": "TESTETH:TESTUSD",
}

// fallbackPairs keeps order validation working before the first successful
// pair-list fetch, e.g. offline tests and cold starts behind a broken conf
// endpoint.
var fallbackPairs = []string{
	"BTCUSD", "ETHUSD", "LTCUSD", "SOLUSD",
	"TESTBTC:TESTUSD", "TESTETH:TESTUSD",
}

// CanonicalSymbol normalizes user input to the exchange form "t" + PAIR.
// It is idempotent: feeding its output back returns the same string.
func CanonicalSymbol(symbol string) (string, error) {
	s := strings.TrimSpace(symbol)
	if s == "" {
		return "", apperrors.InvalidOrder("symbol", "empty")
	}

	pair := strings.ToUpper(s)
	if len(s) > 1 && (s[0] == 't' || s[0] == 'f') && strings.ToUpper(s[1:2]) == s[1:2] {
		// Already prefixed ("tBTCUSD"); keep only the pair part.
		pair = strings.ToUpper(s[1:])
	}
	pair = strings.ReplaceAll(pair, "/", "")
	if alias, ok := symbolAliases[pair]; ok {
		pair = alias
	}

	if len(pair) < 6 && !strings.Contains(pair, ":") {
		return "", fmt.Errorf("%w: %q", apperrors.ErrUnknownSymbol, symbol)
	}
	return "t" + pair, nil
}

// SymbolService answers whether a canonical symbol is listed on the
// exchange, backed by the conf/pub:list:pair:exchange endpoint with a
// cached copy. A failed refresh keeps serving the previous list.
type SymbolService struct {
	mu        sync.RWMutex
	listed    map[string]struct{}
	fetchedAt time.Time

	fetch  func(ctx context.Context) ([]string, error)
	ttl    time.Duration
	logger core.ILogger
	now    func() time.Time
}

// NewSymbolService builds the service over the REST transport.
func NewSymbolService(transport *Transport, logger core.ILogger) *SymbolService {
	return &SymbolService{
		listed: pairSet(fallbackPairs),
		fetch:  func(ctx context.Context) ([]string, error) { return fetchExchangePairs(ctx, transport) },
		ttl:    time.Hour,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureListed refreshes the pair list when stale and reports whether the
// canonical symbol is tradeable.
func (s *SymbolService) EnsureListed(ctx context.Context, canonical string) error {
	s.mu.RLock()
	stale := s.now().Sub(s.fetchedAt) > s.ttl
	s.mu.RUnlock()

	if stale {
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("pair list refresh failed, using cached list", "error", err.Error())
		}
	}

	pair := strings.TrimPrefix(canonical, "t")
	s.mu.RLock()
	_, ok := s.listed[pair]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q not listed", apperrors.ErrUnknownSymbol, canonical)
	}
	return nil
}

// Refresh fetches the pair list now, replacing the cache on success.
func (s *SymbolService) Refresh(ctx context.Context) error {
	pairs, err := s.fetch(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listed = pairSet(pairs)
	s.fetchedAt = s.now()
	s.mu.Unlock()

	s.logger.Debug("exchange pair list refreshed", "pairs", len(pairs))
	return nil
}

// ListedCount reports the cached pair count.
func (s *SymbolService) ListedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listed)
}

// fetchExchangePairs reads conf/pub:list:pair:exchange, which returns the
// pair names wrapped in an outer single-element array.
func fetchExchangePairs(ctx context.Context, transport *Transport) ([]string, error) {
	body, err := transport.PublicGet(ctx, "conf/pub:list:pair:exchange")
	if err != nil {
		return nil, err
	}

	arr, err := decodeArray(body)
	if err != nil {
		return nil, err
	}
	inner := arrayAt(arr, 0)
	if inner == nil {
		return nil, fmt.Errorf("unexpected pair list shape")
	}

	pairs := make([]string, 0, len(inner))
	for i := range inner {
		if p := strAt(inner, i); p != "" {
			pairs = append(pairs, p)
		}
	}
	return pairs, nil
}

func pairSet(pairs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		set[strings.ToUpper(p)] = struct{}{}
	}
	return set
}
