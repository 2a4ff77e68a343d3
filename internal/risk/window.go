// Package risk gates order flow: time-of-day trading windows, daily trade
// counters, and equity guards compose into a single allow/deny decision.
package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

// rulesDoc is the persisted shape of the trading rules file.
type rulesDoc struct {
	Timezone string                `json:"timezone"`
	Paused   bool                  `json:"paused"`
	Windows  map[string]windowList `json:"windows"` // weekday key -> ["HH:MM-HH:MM", ...]
}

// windowList holds one weekday's windows. Exported rules circulate in two
// shapes, "HH:MM-HH:MM" strings and ["HH:MM","HH:MM"] pairs; both are
// accepted on read, and entries persist in the dash form.
type windowList []string

func (l *windowList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var pair []string
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			return fmt.Errorf(`window %s must be "HH:MM-HH:MM" or ["HH:MM","HH:MM"]`, item)
		}
		out = append(out, pair[0]+"-"+pair[1])
	}
	*l = out
	return nil
}

// span is one window in minutes-of-day. A span with end < start wraps past
// midnight.
type span struct {
	start int
	end   int
}

// TradingWindow answers whether trading is open at a given instant. Rules
// live in a JSON file owned by this component; mutations rewrite the file
// atomically so a crash never leaves it half-written.
type TradingWindow struct {
	path   string
	logger core.ILogger

	mu     sync.RWMutex
	doc    rulesDoc
	loc    *time.Location
	parsed map[string][]span
}

// NewTradingWindow loads the rules file at path, seeding it from cfg when it
// does not exist yet. The timezone must resolve against the TZ database.
func NewTradingWindow(path string, cfg config.TradingConfig, logger core.ILogger) (*TradingWindow, error) {
	w := &TradingWindow{
		path:   path,
		logger: logger.WithField("component", "trading_window"),
	}

	doc := rulesDoc{
		Timezone: cfg.Timezone,
		Paused:   cfg.TradingPaused,
		Windows:  make(map[string]windowList, len(cfg.Windows)),
	}
	for day, wins := range cfg.Windows {
		doc.Windows[day] = append(windowList(nil), wins...)
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse trading rules %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run: the config defaults become the initial rules file.
	default:
		return nil, fmt.Errorf("failed to read trading rules %s: %w", path, err)
	}

	if err := w.applyLocked(doc); err != nil {
		return nil, err
	}
	if os.IsNotExist(err) {
		if perr := w.persistLocked(); perr != nil {
			return nil, perr
		}
		w.logger.Info("Seeded trading rules", "path", path, "timezone", doc.Timezone)
	}
	return w, nil
}

// applyLocked validates and installs a rules document. The caller holds the
// write lock (or is the constructor).
func (w *TradingWindow) applyLocked(doc rulesDoc) error {
	if doc.Timezone == "" {
		doc.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(doc.Timezone)
	if err != nil {
		return fmt.Errorf("%w: %q", apperrors.ErrInvalidTimezone, doc.Timezone)
	}

	parsed := make(map[string][]span, len(doc.Windows))
	for day, windows := range doc.Windows {
		key := strings.ToLower(day)
		if !validWeekday(key) {
			return fmt.Errorf("trading rules: unknown weekday key %q", day)
		}
		spans := make([]span, 0, len(windows))
		for _, win := range windows {
			s, err := parseSpan(win)
			if err != nil {
				return fmt.Errorf("trading rules: %s: %w", day, err)
			}
			spans = append(spans, s)
		}
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		parsed[key] = spans
	}

	w.doc = doc
	w.loc = loc
	w.parsed = parsed
	return nil
}

// IsOpen reports whether now falls inside any window for its weekday, in the
// configured timezone. Window bounds are inclusive; a span that ends before
// it starts wraps past midnight.
func (w *TradingWindow) IsOpen(now time.Time) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	local := now.In(w.loc)
	minute := local.Hour()*60 + local.Minute()
	for _, s := range w.parsed[weekdayKey(local.Weekday())] {
		if spanContains(s, minute) {
			return true
		}
	}
	// A wrapping span on the previous weekday can spill into today.
	prev := local.AddDate(0, 0, -1)
	for _, s := range w.parsed[weekdayKey(prev.Weekday())] {
		if s.end < s.start && minute <= s.end {
			return true
		}
	}
	return false
}

// IsPaused reports the manual pause flag.
func (w *TradingWindow) IsPaused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.doc.Paused
}

// SetPaused flips the manual pause flag and persists it.
func (w *TradingWindow) SetPaused(v bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.doc.Paused == v {
		return nil
	}
	w.doc.Paused = v
	if err := w.persistLocked(); err != nil {
		return err
	}
	w.logger.Info("Trading pause flag changed", "paused", v)
	return nil
}

// NextOpen returns the start of the next window strictly after now, in the
// configured timezone. ok is false when no windows are configured at all.
func (w *TradingWindow) NextOpen(now time.Time) (time.Time, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	local := now.In(w.loc)
	for offset := 0; offset <= 7; offset++ {
		day := local.AddDate(0, 0, offset)
		for _, s := range w.parsed[weekdayKey(day.Weekday())] {
			candidate := time.Date(day.Year(), day.Month(), day.Day(), s.start/60, s.start%60, 0, 0, w.loc)
			if candidate.After(local) {
				return candidate, true
			}
		}
	}
	return time.Time{}, false
}

// SetWindows replaces the spans for one weekday and persists the rules.
func (w *TradingWindow) SetWindows(weekday string, windows []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc := w.doc
	doc.Windows = make(map[string]windowList, len(w.doc.Windows)+1)
	for k, v := range w.doc.Windows {
		doc.Windows[k] = v
	}
	doc.Windows[strings.ToLower(weekday)] = append(windowList(nil), windows...)

	if err := w.applyLocked(doc); err != nil {
		return err
	}
	if err := w.persistLocked(); err != nil {
		return err
	}
	w.logger.Info("Trading windows changed", "weekday", weekday, "windows", windows)
	return nil
}

// SetTimezone changes the rules timezone and persists. The new zone must
// resolve against the TZ database.
func (w *TradingWindow) SetTimezone(tz string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	doc := w.doc
	doc.Timezone = tz
	if err := w.applyLocked(doc); err != nil {
		return err
	}
	if err := w.persistLocked(); err != nil {
		return err
	}
	w.logger.Info("Trading timezone changed", "timezone", tz)
	return nil
}

// Location exposes the validated rules timezone, shared with the trade
// counter so both roll days over together.
func (w *TradingWindow) Location() *time.Location {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.loc
}

// Rules returns a copy of the current rules document for status surfaces.
func (w *TradingWindow) Rules() (timezone string, paused bool, windows map[string][]string) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string][]string, len(w.doc.Windows))
	for k, v := range w.doc.Windows {
		out[k] = append([]string(nil), v...)
	}
	return w.doc.Timezone, w.doc.Paused, out
}

func (w *TradingWindow) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("failed to create rules dir: %w", err)
	}
	data, err := json.MarshalIndent(w.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal trading rules: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write trading rules: %w", err)
	}
	return os.Rename(tmp, w.path)
}

func spanContains(s span, minute int) bool {
	if s.end < s.start {
		return minute >= s.start
	}
	return minute >= s.start && minute <= s.end
}

// parseSpan parses "HH:MM-HH:MM" into minutes of day.
func parseSpan(win string) (span, error) {
	from, to, ok := strings.Cut(win, "-")
	if !ok {
		return span{}, fmt.Errorf("window %q must be HH:MM-HH:MM", win)
	}
	start, err := parseClock(from)
	if err != nil {
		return span{}, fmt.Errorf("window %q: %w", win, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return span{}, fmt.Errorf("window %q: %w", win, err)
	}
	return span{start: start, end: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("time %q must be HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

func validWeekday(key string) bool {
	for _, k := range config.WeekdayKeys {
		if k == key {
			return true
		}
	}
	return false
}

// weekdayKey maps time.Weekday onto the rules file keys ("mon".."sun").
func weekdayKey(wd time.Weekday) string {
	return config.WeekdayKeys[(int(wd)+6)%7]
}
