package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

const counterDayFormat = "2006-01-02"

// counterState is the persisted shape of the trade counter file.
type counterState struct {
	Day       string         `json:"day"`
	Total     int            `json:"count"`
	PerSymbol map[string]int `json:"per_symbol"`
	LastTS    int64          `json:"last_trade_ts"` // unix seconds, 0 = never
}

// TradeCounter tracks how many trades executed today, per symbol and in
// total, plus the timestamp of the last one. Counters reset when the day
// rolls over in the rules timezone. Every mutation is persisted before it
// is visible to readers.
type TradeCounter struct {
	path   string
	loc    *time.Location
	logger core.ILogger

	mu    sync.Mutex
	state counterState

	now func() time.Time
}

// NewTradeCounter loads the counter file at path, starting fresh when it
// does not exist. loc is the trading timezone that defines a "day".
func NewTradeCounter(path string, loc *time.Location, logger core.ILogger) (*TradeCounter, error) {
	c := &TradeCounter{
		path:   path,
		loc:    loc,
		logger: logger.WithField("component", "trade_counter"),
		now:    time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &c.state); err != nil {
			return nil, fmt.Errorf("failed to parse trade counter %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read trade counter %s: %w", path, err)
	}
	if c.state.PerSymbol == nil {
		c.state.PerSymbol = make(map[string]int)
	}
	return c, nil
}

// Total returns today's trade count across all symbols.
func (c *TradeCounter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.state.Total
}

// SymbolCount returns today's trade count for one symbol.
func (c *TradeCounter) SymbolCount(symbol string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	return c.state.PerSymbol[symbol]
}

// LastTradeAt returns the time of the most recent recorded trade, or the
// zero time when none has been recorded.
func (c *TradeCounter) LastTradeAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.LastTS == 0 {
		return time.Time{}
	}
	return time.Unix(c.state.LastTS, 0)
}

// RecordTrade increments the daily counters and persists the new state.
// Concurrent calls serialize; the file always reflects the latest count.
func (c *TradeCounter) RecordTrade(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()

	c.state.Total++
	if symbol != "" {
		c.state.PerSymbol[symbol]++
	}
	c.state.LastTS = c.now().Unix()

	if err := c.persistLocked(); err != nil {
		return err
	}
	c.logger.Info("Trade recorded", "symbol", symbol, "total_today", c.state.Total)
	return nil
}

// Reset clears today's counters, for operator intervention.
func (c *TradeCounter) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked(c.today())
	if err := c.persistLocked(); err != nil {
		return err
	}
	c.logger.Info("Trade counter reset manually")
	return nil
}

// Snapshot returns a copy of the current state for status surfaces.
func (c *TradeCounter) Snapshot() (day string, total int, perSymbol map[string]int, lastTS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rolloverLocked()
	out := make(map[string]int, len(c.state.PerSymbol))
	for k, v := range c.state.PerSymbol {
		out[k] = v
	}
	return c.state.Day, c.state.Total, out, c.state.LastTS
}

func (c *TradeCounter) today() string {
	return c.now().In(c.loc).Format(counterDayFormat)
}

// rolloverLocked resets the counters when the trading day has changed. The
// reset is persisted by the next mutation; reads never write the file.
func (c *TradeCounter) rolloverLocked() {
	if day := c.today(); c.state.Day != day {
		if c.state.Day != "" {
			c.logger.Info("Trade counter day rollover", "from", c.state.Day, "to", day)
		}
		c.resetLocked(day)
	}
}

func (c *TradeCounter) resetLocked(day string) {
	c.state = counterState{Day: day, PerSymbol: make(map[string]int)}
}

func (c *TradeCounter) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed to create counter dir: %w", err)
	}
	data, err := json.MarshalIndent(c.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trade counter: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write trade counter: %w", err)
	}
	return os.Rename(tmp, c.path)
}
