package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// Guard names, as they appear in "risk_guard_blocked:<name>" reasons.
const (
	GuardKillSwitch        = "kill_switch"
	GuardMaxDailyLoss      = "max_daily_loss"
	GuardMaxDrawdown       = "max_drawdown"
	GuardCooldownAfterLoss = "cooldown_after_loss"
)

// GuardNames lists every known guard, in evaluation order. Cheap clock
// guards run before the ones that need an equity valuation.
var GuardNames = []string{GuardKillSwitch, GuardCooldownAfterLoss, GuardMaxDailyLoss, GuardMaxDrawdown}

// GuardParams are the tunable thresholds. They come from configuration and
// are process state, not part of the persisted guard file.
type GuardParams struct {
	MaxDailyLossPercent float64
	MaxDrawdownPercent  float64
	CooldownAfterLoss   time.Duration
	EquityTimeout       time.Duration
}

// guardsState is the persisted shape of the guard state file. Equity values
// marshal as decimal strings.
type guardsState struct {
	Day            string          `json:"day"`
	DayStartEquity decimal.Decimal `json:"day_start_equity"`
	PeakEquity     decimal.Decimal `json:"peak_equity"`
	LastLossTS     int64           `json:"last_loss_ts"` // unix seconds, 0 = never
	KillSwitch     bool            `json:"kill_switch"`
	Disabled       map[string]bool `json:"disabled,omitempty"`
}

// GuardSet evaluates the runtime risk guards: manual kill switch, cooldown
// after a realized loss, daily loss limit against the day-start equity, and
// drawdown against the rolling peak. Equity is valued through a fast local
// path under a hard timeout; when the valuation is unavailable the equity
// guards fail open so a dead feed cannot freeze the system, and the miss is
// counted.
type GuardSet struct {
	path    string
	loc     *time.Location
	equity  core.IEquitySource
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	events  core.IEventRecorder

	mu     sync.Mutex
	state  guardsState
	params GuardParams

	lastEquity   decimal.Decimal
	lastEquityAt time.Time

	now func() time.Time
}

// NewGuardSet loads guard state from path, seeding the kill switch from cfg
// on first run. loc is the trading timezone that defines a "day".
func NewGuardSet(
	path string,
	cfg config.RiskConfig,
	loc *time.Location,
	equity core.IEquitySource,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) (*GuardSet, error) {
	g := &GuardSet{
		path:   path,
		loc:    loc,
		equity: equity,
		logger: logger.WithField("component", "risk_guards"),
		params: GuardParams{
			MaxDailyLossPercent: cfg.MaxDailyLossPercent,
			MaxDrawdownPercent:  cfg.MaxDrawdownPercent,
			CooldownAfterLoss:   time.Duration(cfg.CooldownAfterLossSecs) * time.Second,
			EquityTimeout:       time.Duration(cfg.EquityTimeoutSecs) * time.Second,
		},
		metrics: metrics,
		now:     time.Now,
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &g.state); err != nil {
			return nil, fmt.Errorf("failed to parse guard state %s: %w", path, err)
		}
	case os.IsNotExist(err):
		g.state.KillSwitch = cfg.KillSwitch
	default:
		return nil, fmt.Errorf("failed to read guard state %s: %w", path, err)
	}
	if g.state.Disabled == nil {
		g.state.Disabled = make(map[string]bool)
	}
	return g, nil
}

// SetEventSink routes guard trips into the event log.
func (g *GuardSet) SetEventSink(events core.IEventRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = events
}

// CheckAll evaluates every enabled guard and returns the name of the first
// one that blocks, or "" when trading may proceed.
func (g *GuardSet) CheckAll(ctx context.Context) string {
	g.mu.Lock()

	if g.enabledLocked(GuardKillSwitch) && g.state.KillSwitch {
		g.mu.Unlock()
		return g.tripped(GuardKillSwitch, "kill switch engaged")
	}

	if g.enabledLocked(GuardCooldownAfterLoss) && g.state.LastLossTS > 0 {
		lossAge := g.now().Sub(time.Unix(g.state.LastLossTS, 0))
		if lossAge < g.params.CooldownAfterLoss {
			g.mu.Unlock()
			return g.tripped(GuardCooldownAfterLoss, fmt.Sprintf("loss %s ago", lossAge.Round(time.Second)))
		}
	}

	wantDailyLoss := g.enabledLocked(GuardMaxDailyLoss) && g.params.MaxDailyLossPercent > 0
	wantDrawdown := g.enabledLocked(GuardMaxDrawdown) && g.params.MaxDrawdownPercent > 0
	params := g.params
	g.mu.Unlock()

	if !wantDailyLoss && !wantDrawdown {
		return ""
	}

	eq, err := g.fetchEquity(ctx)
	if err != nil {
		// Fail open: a dead valuation path must not freeze trading, but
		// the miss is observable.
		if g.metrics != nil {
			g.metrics.IncEquityStale(ctx)
		}
		g.logger.Warn("Equity valuation unavailable, equity guards fail open", "error", err)
		return ""
	}

	g.mu.Lock()
	g.observeLocked(eq)
	dayStart := g.state.DayStartEquity
	peak := g.state.PeakEquity
	g.mu.Unlock()

	if wantDailyLoss && dayStart.IsPositive() && eq.LessThan(retainedFloor(dayStart, params.MaxDailyLossPercent)) {
		return g.tripped(GuardMaxDailyLoss,
			fmt.Sprintf("equity %s below %.1f%% of day start %s", eq, params.MaxDailyLossPercent, dayStart))
	}
	if wantDrawdown && peak.IsPositive() && eq.LessThan(retainedFloor(peak, params.MaxDrawdownPercent)) {
		return g.tripped(GuardMaxDrawdown,
			fmt.Sprintf("equity %s below %.1f%% drawdown from peak %s", eq, params.MaxDrawdownPercent, peak))
	}
	return ""
}

// UpdateEquity values the account and advances the day-start and peak
// baselines. When the valuation path is down the last known value is
// returned marked stale, so dashboards keep a number while the staleness
// counter climbs.
func (g *GuardSet) UpdateEquity(ctx context.Context) (core.EquitySnapshot, error) {
	eq, err := g.fetchEquity(ctx)
	if err != nil {
		if g.metrics != nil {
			g.metrics.IncEquityStale(ctx)
		}
		g.mu.Lock()
		last, at := g.lastEquity, g.lastEquityAt
		g.mu.Unlock()
		if at.IsZero() {
			return core.EquitySnapshot{}, err
		}
		g.logger.Warn("Equity valuation stale, carrying last known", "age", g.now().Sub(at), "error", err)
		return core.EquitySnapshot{MTS: at.UnixMilli(), Equity: last, Currency: "USD", Stale: true}, nil
	}

	g.mu.Lock()
	g.observeLocked(eq)
	g.mu.Unlock()
	return core.EquitySnapshot{MTS: g.now().UnixMilli(), Equity: eq, Currency: "USD"}, nil
}

// NoteLoss marks a realized loss, starting the cooldown-after-loss window.
// The bracket manager calls this when a stop-loss child executes.
func (g *GuardSet) NoteLoss() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.LastLossTS = g.now().Unix()
	if err := g.persistLocked(); err != nil {
		return err
	}
	g.logger.Warn("Realized loss recorded, cooldown started", "cooldown", g.params.CooldownAfterLoss)
	return nil
}

// SetKillSwitch engages or releases the manual override.
func (g *GuardSet) SetKillSwitch(on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.KillSwitch == on {
		return nil
	}
	g.state.KillSwitch = on
	if err := g.persistLocked(); err != nil {
		return err
	}
	if on {
		g.logger.Warn("Kill switch ENGAGED")
	} else {
		g.logger.Info("Kill switch released")
	}
	return nil
}

// SetGuardEnabled enables or disables one guard by name.
func (g *GuardSet) SetGuardEnabled(name string, enabled bool) error {
	if !knownGuard(name) {
		return fmt.Errorf("unknown guard %q", name)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if enabled {
		delete(g.state.Disabled, name)
	} else {
		g.state.Disabled[name] = true
	}
	if err := g.persistLocked(); err != nil {
		return err
	}
	g.logger.Info("Guard toggled", "guard", name, "enabled", enabled)
	return nil
}

// SetParams replaces the guard thresholds.
func (g *GuardSet) SetParams(p GuardParams) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.params = p
	g.logger.Info("Guard parameters changed",
		"max_daily_loss_pct", p.MaxDailyLossPercent,
		"max_drawdown_pct", p.MaxDrawdownPercent,
		"cooldown_after_loss", p.CooldownAfterLoss)
}

// Params returns the current thresholds.
func (g *GuardSet) Params() GuardParams {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.params
}

// ResetPeak rebases the drawdown peak to the current day-start equity, for
// operator intervention after an accepted drawdown.
func (g *GuardSet) ResetPeak() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.PeakEquity = g.state.DayStartEquity
	if err := g.persistLocked(); err != nil {
		return err
	}
	g.logger.Info("Drawdown peak rebased", "peak", g.state.PeakEquity)
	return nil
}

// State returns a copy of the persisted baselines for status surfaces.
func (g *GuardSet) State() (day string, dayStart, peak decimal.Decimal, lastLossTS int64, killSwitch bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.Day, g.state.DayStartEquity, g.state.PeakEquity, g.state.LastLossTS, g.state.KillSwitch
}

// fetchEquity values the account under the configured hard timeout.
func (g *GuardSet) fetchEquity(ctx context.Context) (decimal.Decimal, error) {
	timeout := g.params.EquityTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eq, err := g.equity.Equity(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	g.mu.Lock()
	g.lastEquity = eq
	g.lastEquityAt = g.now()
	g.mu.Unlock()
	return eq, nil
}

// observeLocked folds a fresh valuation into the baselines: the first
// observation of a trading day becomes the day-start equity, and the peak
// only ever rises (ResetPeak rebases it manually). Changes persist at most
// once per observation.
func (g *GuardSet) observeLocked(eq decimal.Decimal) {
	changed := false
	if day := g.now().In(g.loc).Format(counterDayFormat); g.state.Day != day {
		g.state.Day = day
		g.state.DayStartEquity = eq
		changed = true
	}
	if eq.GreaterThan(g.state.PeakEquity) {
		g.state.PeakEquity = eq
		changed = true
	}
	if changed {
		if err := g.persistLocked(); err != nil {
			g.logger.Error("Failed to persist guard baselines", "error", err)
		}
	}
}

func (g *GuardSet) enabledLocked(name string) bool {
	return !g.state.Disabled[name]
}

// tripped logs and records a guard block, returning the guard name.
func (g *GuardSet) tripped(name, detail string) string {
	g.logger.Warn("Risk guard blocked trading", "guard", name, "detail", detail)
	g.mu.Lock()
	events := g.events
	g.mu.Unlock()
	if events != nil {
		events.Record("risk_guards", "guard_blocked", name+": "+detail)
	}
	return name
}

func (g *GuardSet) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("failed to create guard state dir: %w", err)
	}
	data, err := json.MarshalIndent(g.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal guard state: %w", err)
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write guard state: %w", err)
	}
	return os.Rename(tmp, g.path)
}

// retainedFloor is the equity level at which a pct loss from baseline is
// reached.
func retainedFloor(baseline decimal.Decimal, pct float64) decimal.Decimal {
	return baseline.Mul(decimal.NewFromFloat(100 - pct)).Div(decimal.NewFromInt(100))
}

func knownGuard(name string) bool {
	for _, g := range GuardNames {
		if g == name {
			return true
		}
	}
	return false
}
