package trading

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/concurrency"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

const (
	// tradeDedupTTL bounds how long a processed trade id blocks replays.
	// te/tu pairs for one execution share the id and arrive within seconds.
	tradeDedupTTL = 30 * time.Minute

	// bracketCallTimeout bounds each exchange call made from the event
	// worker so a hung transport cannot stall fill processing forever.
	bracketCallTimeout = 30 * time.Second
)

// OrderUpdater amends a live order in place. A zero amount or price leaves
// that field unchanged.
type OrderUpdater interface {
	Update(ctx context.Context, orderID int64, amount, price decimal.Decimal) (*core.LiveOrder, error)
}

// BracketExchange is the slice of the exchange client the bracket manager
// needs: canceling siblings and resizing protective legs.
type BracketExchange interface {
	OrderCanceller
	OrderUpdater
}

// LossNotifier is told when a protective stop executes, so the risk layer
// can start its cooldown-after-loss window.
type LossNotifier interface {
	NoteLoss() error
}

// BracketGroup links an entry order with its stop-loss and take-profit
// legs. The persisted JSON field names are part of the state file format.
type BracketGroup struct {
	GID             int64           `json:"gid"`
	EntryID         int64           `json:"entry_id"`
	StopLossID      int64           `json:"sl_id"`
	TakeProfitID    int64           `json:"tp_id"`
	Active          bool            `json:"active"`
	EntryFilledSize decimal.Decimal `json:"entry_filled_size"`
}

// BracketManager owns the OCO groups: when a protective child executes the
// sibling is canceled and the group closes; entry fills accumulate and,
// when partial adjust is on, resize both children to the filled size.
// Events are processed on a single worker so fills for one order arrive in
// stream order; sibling cancels run detached with retry so a slow exchange
// cannot stall the event queue.
type BracketManager struct {
	path     string
	exchange BracketExchange
	rt       *config.Runtime
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	queue   *concurrency.WorkerPool
	cancels failsafe.Executor[any]
	seen    *gocache.Cache

	mu      sync.Mutex
	groups  map[int64]*BracketGroup
	pending map[int64]bool // gid -> sibling cancel in flight
	events  core.IEventRecorder
	losses  LossNotifier

	cancelsWG sync.WaitGroup
	now       func() time.Time
}

// NewBracketManager loads persisted groups from path and starts the event
// worker. The file not existing yet is a clean first run.
func NewBracketManager(
	path string,
	exchange BracketExchange,
	rt *config.Runtime,
	logger core.ILogger,
	metrics *telemetry.MetricsHolder,
) (*BracketManager, error) {
	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(250*time.Millisecond, 4*time.Second).
		WithMaxRetries(4).
		Build()

	m := &BracketManager{
		path:     path,
		exchange: exchange,
		rt:       rt,
		logger:   logger.WithField("component", "bracket_manager"),
		metrics:  metrics,
		cancels:  failsafe.With[any](retry),
		seen:     gocache.New(tradeDedupTTL, tradeDedupTTL),
		groups:   make(map[int64]*BracketGroup),
		pending:  make(map[int64]bool),
		now:      time.Now,
	}
	m.queue = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "bracket-events",
		MaxWorkers:  1, // one worker keeps fills in stream order
		MaxCapacity: 1024,
	}, logger)

	if err := m.load(); err != nil {
		return nil, err
	}
	m.publishActiveCount()
	return m, nil
}

// SetEventSink routes bracket alerts into the unified event log.
func (m *BracketManager) SetEventSink(events core.IEventRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
}

// SetLossNotifier wires the risk-layer hook fired on stop-loss executions.
func (m *BracketManager) SetLossNotifier(losses LossNotifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.losses = losses
}

// Stop drains the event worker and waits for in-flight sibling cancels.
func (m *BracketManager) Stop() {
	m.queue.Stop()
	m.cancelsWG.Wait()
}

// RegisterGroup persists a new active group. Re-registering the same ids is
// a no-op; reusing a gid for different orders is an error.
func (m *BracketManager) RegisterGroup(gid, entryID, slID, tpID int64) error {
	if gid == 0 || entryID == 0 || slID == 0 || tpID == 0 {
		return fmt.Errorf("bracket group needs gid and all three order ids")
	}
	if entryID == slID || entryID == tpID || slID == tpID {
		return fmt.Errorf("bracket group ids must be distinct")
	}

	m.mu.Lock()
	if existing, ok := m.groups[gid]; ok {
		same := existing.EntryID == entryID && existing.StopLossID == slID && existing.TakeProfitID == tpID
		m.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("bracket gid %d already registered with different orders", gid)
	}
	m.groups[gid] = &BracketGroup{
		GID:             gid,
		EntryID:         entryID,
		StopLossID:      slID,
		TakeProfitID:    tpID,
		Active:          true,
		EntryFilledSize: decimal.Zero,
	}
	err := m.persistLocked()
	m.mu.Unlock()

	m.publishActiveCount()
	m.logger.Info("Bracket group registered",
		"gid", gid, "entry_id", entryID, "sl_id", slID, "tp_id", tpID)
	return err
}

// Group returns a copy of one group.
func (m *BracketManager) Group(gid int64) (BracketGroup, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	group, ok := m.groups[gid]
	if !ok {
		return BracketGroup{}, false
	}
	return *group, true
}

// ActiveGroups returns copies of every group still armed.
func (m *BracketManager) ActiveGroups() []BracketGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BracketGroup, 0, len(m.groups))
	for _, group := range m.groups {
		if group.Active {
			out = append(out, *group)
		}
	}
	return out
}

// Len reports the number of groups tracked, inactive ones included.
func (m *BracketManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// HandleTradeEvent ingests one private te/tu event. Its signature matches
// ws.TradeEventHandler so it can be registered on the session directly; the
// work happens on the manager's own worker.
func (m *BracketManager) HandleTradeEvent(code string, trade *core.TradeExecution) {
	if trade == nil || trade.OrderID == 0 {
		return
	}
	copied := *trade
	if err := m.queue.Submit(func() { m.processTrade(&copied) }); err != nil {
		m.logger.Error("Bracket event queue rejected trade", "trade_id", trade.ID, "error", err.Error())
	}
}

func (m *BracketManager) processTrade(trade *core.TradeExecution) {
	m.mu.Lock()
	group := m.findLocked(trade.OrderID)
	if group == nil || !group.Active {
		m.mu.Unlock()
		return
	}

	// te and tu for one execution share the trade id; only the first counts.
	// The slot is claimed after the group lookup so a te that raced group
	// registration does not burn the id and swallow the tu replay.
	if err := m.seen.Add(strconv.FormatInt(trade.ID, 10), struct{}{}, tradeDedupTTL); err != nil {
		m.mu.Unlock()
		return
	}

	if trade.OrderID == group.EntryID {
		m.entryFillLocked(group, trade)
		return
	}
	m.childFillLocked(group, trade)
}

// entryFillLocked accumulates the filled size and, when partial adjust is
// on, resizes both protective legs to match. Called with mu held; releases
// it.
func (m *BracketManager) entryFillLocked(group *BracketGroup, trade *core.TradeExecution) {
	group.EntryFilledSize = group.EntryFilledSize.Add(trade.ExecAmount.Abs())
	if err := m.persistLocked(); err != nil {
		m.logger.Error("Bracket state persist failed", "gid", group.GID, "error", err.Error())
	}
	gid := group.GID
	slID, tpID := group.StopLossID, group.TakeProfitID
	size := group.EntryFilledSize
	events := m.events
	m.mu.Unlock()

	adjust := m.rt.Snapshot().Bool(config.KeyBracketPartialAdjust)
	m.logger.Info("Bracket entry fill",
		"gid", gid, "filled_size", size.String(), "partial_adjust", adjust)
	if !adjust {
		return
	}

	// Children carry the opposite sign of the entry.
	childAmount := size
	if trade.ExecAmount.IsPositive() {
		childAmount = size.Neg()
	}

	ctx, cancel := context.WithTimeout(context.Background(), bracketCallTimeout)
	defer cancel()
	for _, id := range []int64{slID, tpID} {
		if _, err := m.exchange.Update(ctx, id, childAmount, decimal.Zero); err != nil {
			m.logger.Error("Bracket leg resize failed",
				"gid", gid, "order_id", id, "amount", childAmount.String(), "error", err.Error())
			if events != nil {
				events.Record("bracket", "resize_failed", fmt.Sprintf("gid=%d order=%d", gid, id))
			}
		}
	}
}

// childFillLocked reacts to a protective leg executing: note the loss if it
// was the stop, then cancel the sibling exactly once. The group only closes
// after the cancel succeeds; a persistent cancel failure leaves it active
// so a later event or operator can retry. Called with mu held; releases it.
func (m *BracketManager) childFillLocked(group *BracketGroup, trade *core.TradeExecution) {
	gid := group.GID
	executed := "take_profit"
	sibling := group.StopLossID
	if trade.OrderID == group.StopLossID {
		executed = "stop_loss"
		sibling = group.TakeProfitID
	}
	alreadyPending := m.pending[gid]
	if !alreadyPending {
		m.pending[gid] = true
	}
	losses := m.losses
	m.mu.Unlock()

	if executed == "stop_loss" && losses != nil {
		if err := losses.NoteLoss(); err != nil {
			m.logger.Warn("Loss cooldown update failed", "error", err.Error())
		}
	}
	if alreadyPending {
		return
	}

	m.logger.Info("Bracket child executed",
		"gid", gid, "leg", executed, "order_id", trade.OrderID, "canceling_sibling", sibling)
	m.cancelsWG.Add(1)
	go m.cancelSibling(gid, sibling, executed)
}

// cancelSibling retries the cancel with exponential backoff off the event
// worker. Success closes the group; exhausted retries raise the alert
// metric and leave it active.
func (m *BracketManager) cancelSibling(gid, siblingID int64, executed string) {
	defer m.cancelsWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), bracketCallTimeout)
	defer cancel()
	err := m.cancels.Run(func() error {
		return m.exchange.Cancel(ctx, siblingID)
	})

	m.mu.Lock()
	delete(m.pending, gid)
	group := m.groups[gid]
	events := m.events
	if err != nil {
		m.mu.Unlock()
		m.logger.Error("Bracket sibling cancel failed, group stays armed",
			"gid", gid, "sibling_id", siblingID, "error", err.Error())
		if m.metrics != nil {
			m.metrics.IncBracketCancelFailures(context.Background())
		}
		if events != nil {
			events.Record("bracket", "sibling_cancel_failed",
				fmt.Sprintf("gid=%d sibling=%d", gid, siblingID))
		}
		return
	}
	if group != nil {
		group.Active = false
		if perr := m.persistLocked(); perr != nil {
			m.logger.Error("Bracket state persist failed", "gid", gid, "error", perr.Error())
		}
	}
	m.mu.Unlock()

	m.publishActiveCount()
	m.logger.Info("Bracket closed",
		"gid", gid, "executed", executed, "canceled_sibling", siblingID)
}

func (m *BracketManager) findLocked(orderID int64) *BracketGroup {
	for _, group := range m.groups {
		if group.EntryID == orderID || group.StopLossID == orderID || group.TakeProfitID == orderID {
			return group
		}
	}
	return nil
}

func (m *BracketManager) publishActiveCount() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	count := int64(0)
	for _, group := range m.groups {
		if group.Active {
			count++
		}
	}
	m.mu.Unlock()
	m.metrics.SetBracketsActive(count)
}

func (m *BracketManager) load() error {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read bracket state: %w", err)
	}

	var groups []*BracketGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return fmt.Errorf("failed to parse bracket state: %w", err)
	}
	for _, group := range groups {
		if group != nil && group.GID != 0 {
			m.groups[group.GID] = group
		}
	}
	m.logger.Info("Bracket state loaded", "groups", len(m.groups))
	return nil
}

// persistLocked writes the group list atomically: temp file then rename.
func (m *BracketManager) persistLocked() error {
	groups := make([]*BracketGroup, 0, len(m.groups))
	for _, group := range m.groups {
		groups = append(groups, group)
	}

	data, err := json.MarshalIndent(groups, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
