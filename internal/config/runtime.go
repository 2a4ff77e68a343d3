package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Runtime knob keys. These are the settings that may change while the
// process runs; everything else requires a restart.
const (
	KeyMarketDataMode         = "MARKETDATA_MODE"
	KeyWSTickerStaleSecs      = "WS_TICKER_STALE_SECS"
	KeyWSTickerWarmupMS       = "WS_TICKER_WARMUP_MS"
	KeyTickerCacheTTLSecs     = "TICKER_CACHE_TTL_SECS"
	KeyWSUsePool              = "WS_USE_POOL"
	KeyWSMaxSubsPerSocket     = "WS_MAX_SUBS_PER_SOCKET"
	KeyWSPublicSocketsMax     = "WS_PUBLIC_SOCKETS_MAX"
	KeyRateLimitEnabled       = "BITFINEX_RATE_LIMIT_ENABLED"
	KeyCBEnabled              = "CB_ENABLED"
	KeyCBErrorWindowSecs      = "CB_ERROR_WINDOW_SECONDS"
	KeyCBMaxErrorsPerWindow   = "CB_MAX_ERRORS_PER_WINDOW"
	KeyMaxTradesPerDay        = "MAX_TRADES_PER_DAY"
	KeyMaxTradesPerSymbol     = "MAX_TRADES_PER_SYMBOL_PER_DAY"
	KeyTradeCooldownSecs      = "TRADE_COOLDOWN_SECONDS"
	KeyTradingPaused          = "TRADING_PAUSED"
	KeyDryRunEnabled          = "DRY_RUN_ENABLED"
	KeyAutotradeEnabled       = "AUTOTRADE_ENABLED"
	KeyBracketPartialAdjust   = "BRACKET_PARTIAL_ADJUST"
	KeyCandleRetentionDays    = "CANDLE_CACHE_RETENTION_DAYS"
	KeyCandleMaxRowsPerPair   = "CANDLE_CACHE_MAX_ROWS_PER_PAIR"
	KeyPrivateRESTConcurrency = "PRIVATE_REST_CONCURRENCY"
	KeySubmitViaWS            = "SUBMIT_VIA_WS"
)

type knobKind int

const (
	knobBool knobKind = iota
	knobInt
	knobEnum
)

type knobSpec struct {
	kind knobKind
	enum []string
	min  int
	max  int
}

// knobs enumerates every runtime-settable key with its type and bounds.
// Set rejects keys absent from this table.
var knobs = map[string]knobSpec{
	KeyMarketDataMode:         {kind: knobEnum, enum: []string{"auto", "rest_only", "ws_only"}},
	KeyWSTickerStaleSecs:      {kind: knobInt, min: 1, max: 3600},
	KeyWSTickerWarmupMS:       {kind: knobInt, min: 0, max: 500},
	KeyTickerCacheTTLSecs:     {kind: knobInt, min: 0, max: 3600},
	KeyWSUsePool:              {kind: knobBool},
	KeyWSMaxSubsPerSocket:     {kind: knobInt, min: 1, max: 30},
	KeyWSPublicSocketsMax:     {kind: knobInt, min: 1, max: 20},
	KeyRateLimitEnabled:       {kind: knobBool},
	KeyCBEnabled:              {kind: knobBool},
	KeyCBErrorWindowSecs:      {kind: knobInt, min: 1, max: 3600},
	KeyCBMaxErrorsPerWindow:   {kind: knobInt, min: 1, max: 1000},
	KeyMaxTradesPerDay:        {kind: knobInt, min: 0, max: 100000},
	KeyMaxTradesPerSymbol:     {kind: knobInt, min: 0, max: 100000},
	KeyTradeCooldownSecs:      {kind: knobInt, min: 0, max: 86400},
	KeyTradingPaused:          {kind: knobBool},
	KeyDryRunEnabled:          {kind: knobBool},
	KeyAutotradeEnabled:       {kind: knobBool},
	KeyBracketPartialAdjust:   {kind: knobBool},
	KeyCandleRetentionDays:    {kind: knobInt, min: 1, max: 3650},
	KeyCandleMaxRowsPerPair:   {kind: knobInt, min: 1, max: 10000000},
	KeyPrivateRESTConcurrency: {kind: knobInt, min: 1, max: 64},
	KeySubmitViaWS:            {kind: knobBool},
}

// Snapshot is an immutable view of the runtime configuration. Readers hold
// one snapshot for the duration of a decision so every knob they consult
// comes from the same generation.
type Snapshot struct {
	values  map[string]string
	version uint64
}

// Version returns the snapshot generation, incremented on every Set/Unset.
func (s *Snapshot) Version() uint64 { return s.version }

// Str returns the string value for key.
func (s *Snapshot) Str(key string) string {
	return s.values[key]
}

// Bool returns the boolean value for key. Unparseable values read as false.
func (s *Snapshot) Bool(key string) bool {
	v, err := strconv.ParseBool(s.values[key])
	return err == nil && v
}

// Int returns the integer value for key, or 0 if unparseable.
func (s *Snapshot) Int(key string) int {
	v, _ := strconv.Atoi(s.values[key])
	return v
}

// Seconds returns the value for key interpreted as a duration in seconds.
func (s *Snapshot) Seconds(key string) time.Duration {
	return time.Duration(s.Int(key)) * time.Second
}

// Millis returns the value for key interpreted as a duration in milliseconds.
func (s *Snapshot) Millis(key string) time.Duration {
	return time.Duration(s.Int(key)) * time.Millisecond
}

// Runtime overlays mutable knobs on top of the file configuration. Writes
// copy the whole value map and swap an atomic pointer, so readers never
// block and never observe a half-applied change.
type Runtime struct {
	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[Snapshot]
}

// NewRuntime seeds the runtime overlay from the loaded file configuration.
func NewRuntime(base *Config) *Runtime {
	r := &Runtime{}
	snap := &Snapshot{values: baseValues(base), version: 1}
	r.snap.Store(snap)
	return r
}

// Snapshot returns the current immutable view.
func (r *Runtime) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Set validates and applies one knob. The value is given in string form as
// it arrives from the control surface; it is checked against the knob's
// declared type and bounds before it becomes visible.
func (r *Runtime) Set(key, value string) error {
	spec, ok := knobs[key]
	if !ok {
		return fmt.Errorf("unknown runtime setting %q", key)
	}
	normalized, err := normalize(spec, value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	values := make(map[string]string, len(old.values))
	for k, v := range old.values {
		values[k] = v
	}
	values[key] = normalized
	r.snap.Store(&Snapshot{values: values, version: old.version + 1})
	return nil
}

// Bool reads a knob from the current snapshot.
func (r *Runtime) Bool(key string) bool { return r.Snapshot().Bool(key) }

// Int reads a knob from the current snapshot.
func (r *Runtime) Int(key string) int { return r.Snapshot().Int(key) }

// Str reads a knob from the current snapshot.
func (r *Runtime) Str(key string) string { return r.Snapshot().Str(key) }

// Keys lists all runtime-settable knob names.
func Keys() []string {
	out := make([]string, 0, len(knobs))
	for k := range knobs {
		out = append(out, k)
	}
	return out
}

func normalize(spec knobSpec, value string) (string, error) {
	switch spec.kind {
	case knobBool:
		v, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("expected boolean, got %q", value)
		}
		return strconv.FormatBool(v), nil
	case knobInt:
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("expected integer, got %q", value)
		}
		if v < spec.min || v > spec.max {
			return "", fmt.Errorf("value %d outside range [%d, %d]", v, spec.min, spec.max)
		}
		return strconv.Itoa(v), nil
	case knobEnum:
		v := strings.ToLower(strings.TrimSpace(value))
		for _, allowed := range spec.enum {
			if v == allowed {
				return v, nil
			}
		}
		return "", fmt.Errorf("value %q not in {%s}", value, strings.Join(spec.enum, ", "))
	default:
		return "", fmt.Errorf("unhandled knob kind")
	}
}

func baseValues(c *Config) map[string]string {
	return map[string]string{
		KeyMarketDataMode:         c.MarketData.Mode,
		KeyWSTickerStaleSecs:      strconv.Itoa(c.MarketData.WSTickerStaleSecs),
		KeyWSTickerWarmupMS:       strconv.Itoa(c.MarketData.WSTickerWarmupMS),
		KeyTickerCacheTTLSecs:     strconv.Itoa(c.MarketData.TickerCacheTTLSecs),
		KeyWSUsePool:              strconv.FormatBool(c.WS.UsePool),
		KeyWSMaxSubsPerSocket:     strconv.Itoa(c.WS.MaxSubsPerSocket),
		KeyWSPublicSocketsMax:     strconv.Itoa(c.WS.PublicSocketsMax),
		KeyRateLimitEnabled:       strconv.FormatBool(c.RateLimit.Enabled),
		KeyCBEnabled:              strconv.FormatBool(c.Circuit.Enabled),
		KeyCBErrorWindowSecs:      strconv.Itoa(c.Circuit.ErrorWindowSecs),
		KeyCBMaxErrorsPerWindow:   strconv.Itoa(c.Circuit.MaxErrorsPerWindow),
		KeyMaxTradesPerDay:        strconv.Itoa(c.Trading.MaxTradesPerDay),
		KeyMaxTradesPerSymbol:     strconv.Itoa(c.Trading.MaxTradesPerSymbolPerDay),
		KeyTradeCooldownSecs:      strconv.Itoa(c.Trading.TradeCooldownSecs),
		KeyTradingPaused:          strconv.FormatBool(c.Trading.TradingPaused),
		KeyDryRunEnabled:          strconv.FormatBool(c.Trading.DryRun),
		KeyAutotradeEnabled:       strconv.FormatBool(c.Trading.Autotrade),
		KeyBracketPartialAdjust:   strconv.FormatBool(c.Trading.BracketPartialAdjust),
		KeyCandleRetentionDays:    strconv.Itoa(c.MarketData.CandleRetentionDays),
		KeyCandleMaxRowsPerPair:   strconv.Itoa(c.MarketData.CandleMaxRowsPerPair),
		KeyPrivateRESTConcurrency: strconv.Itoa(c.RateLimit.PrivateRESTConcurrency),
		KeySubmitViaWS:            strconv.FormatBool(c.Trading.SubmitViaWS),
	}
}
