package trading

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// OrderCanceller cancels one live order on the exchange.
type OrderCanceller interface {
	Cancel(ctx context.Context, orderID int64) error
}

// OpenOrdersSource lists the account's open orders, typically the REST
// client.
type OpenOrdersSource interface {
	ActiveOrders(ctx context.Context) ([]*core.LiveOrder, error)
}

// ReconcileReport summarizes one registry sync against the exchange.
type ReconcileReport struct {
	Active         int // open orders after the sync
	Adopted        int // exchange orders the registry had never seen
	ZombiesCleared int // local orders the exchange no longer knows
}

// OrderRegistry mirrors the account's open orders. It is fed by the private
// stream (os/on/ou/oc) and by REST submit responses, and answers lookups
// from the pipeline and the bracket manager without a round trip.
type OrderRegistry struct {
	canceller OrderCanceller
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	mu      sync.RWMutex
	orders  map[int64]*core.LiveOrder
	byGroup map[int64]map[int64]struct{}
}

// NewOrderRegistry builds an empty registry. canceller may be nil when the
// cancel helpers are unused.
func NewOrderRegistry(canceller OrderCanceller, logger core.ILogger, metrics *telemetry.MetricsHolder) *OrderRegistry {
	return &OrderRegistry{
		canceller: canceller,
		logger:    logger.WithField("component", "order_registry"),
		metrics:   metrics,
		orders:    make(map[int64]*core.LiveOrder),
		byGroup:   make(map[int64]map[int64]struct{}),
	}
}

// HandleOrderEvent ingests one private order event. Its signature matches
// ws.OrderEventHandler so it can be registered on the session directly.
func (r *OrderRegistry) HandleOrderEvent(code string, order *core.LiveOrder) {
	if order == nil || order.ID == 0 {
		return
	}
	r.Track(order)
}

// Track upserts one order. Terminal orders (executed, canceled) leave the
// registry; a transition to executed is counted as a fill.
func (r *OrderRegistry) Track(order *core.LiveOrder) {
	filled := false

	r.mu.Lock()
	_, known := r.orders[order.ID]
	if terminalStatus(order.Status) {
		if known {
			r.removeLocked(order.ID)
		}
		filled = known && executedStatus(order.Status)
	} else {
		r.insertLocked(order)
	}
	r.mu.Unlock()

	if filled {
		if r.metrics != nil {
			r.metrics.IncOrdersFilled(context.Background())
		}
		r.logger.Info("Order executed",
			"order_id", order.ID, "symbol", order.Symbol, "status", order.Status)
	}
}

// Get returns a copy of one tracked order.
func (r *OrderRegistry) Get(id int64) (core.LiveOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[id]
	if !ok {
		return core.LiveOrder{}, false
	}
	return *order, true
}

// Active returns copies of every open order.
func (r *OrderRegistry) Active() []core.LiveOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.LiveOrder, 0, len(r.orders))
	for _, order := range r.orders {
		out = append(out, *order)
	}
	return out
}

// ByGroup returns copies of the open orders sharing a group id.
func (r *OrderRegistry) ByGroup(gid int64) []core.LiveOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byGroup[gid]
	out := make([]core.LiveOrder, 0, len(ids))
	for id := range ids {
		if order, ok := r.orders[id]; ok {
			out = append(out, *order)
		}
	}
	return out
}

// Len reports the number of open orders tracked.
func (r *OrderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// CancelGroup cancels every tracked order carrying the group id. Failures
// do not stop the sweep; the joined error reports every order that refused.
func (r *OrderRegistry) CancelGroup(ctx context.Context, gid int64) (int, error) {
	if r.canceller == nil {
		return 0, errors.New("order registry has no canceller")
	}

	r.mu.RLock()
	ids := make([]int64, 0, len(r.byGroup[gid]))
	for id := range r.byGroup[gid] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	var errs []error
	canceled := 0
	for _, id := range ids {
		if err := r.canceller.Cancel(ctx, id); err != nil {
			r.logger.Warn("Group cancel failed for order", "gid", gid, "order_id", id, "error", err.Error())
			errs = append(errs, err)
			continue
		}
		canceled++
	}
	return canceled, errors.Join(errs...)
}

// Reconcile replaces the registry image with the exchange's open orders.
// Local orders the exchange no longer knows are zombies, cleared with a
// warning; exchange orders the registry missed are adopted.
func (r *OrderRegistry) Reconcile(ctx context.Context, source OpenOrdersSource) (ReconcileReport, error) {
	open, err := source.ActiveOrders(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}

	exchange := make(map[int64]*core.LiveOrder, len(open))
	for _, order := range open {
		if order != nil && order.ID != 0 {
			exchange[order.ID] = order
		}
	}

	report := ReconcileReport{Active: len(exchange)}

	r.mu.Lock()
	for id := range r.orders {
		if _, ok := exchange[id]; !ok {
			r.logger.Warn("Clearing zombie order during sync", "order_id", id)
			r.removeLocked(id)
			report.ZombiesCleared++
		}
	}
	for id, order := range exchange {
		if _, ok := r.orders[id]; !ok {
			r.logger.Warn("Adopting unmatched exchange order", "order_id", id, "symbol", order.Symbol)
			report.Adopted++
		}
		r.insertLocked(order)
	}
	r.mu.Unlock()

	r.logger.Info("Order registry reconciled",
		"active", report.Active, "adopted", report.Adopted, "zombies_cleared", report.ZombiesCleared)
	return report, nil
}

func (r *OrderRegistry) insertLocked(order *core.LiveOrder) {
	copied := *order
	if prev, ok := r.orders[order.ID]; ok && prev.GroupID != copied.GroupID {
		r.dropGroupLocked(order.ID, prev.GroupID)
	}
	r.orders[order.ID] = &copied
	if copied.GroupID != 0 {
		set := r.byGroup[copied.GroupID]
		if set == nil {
			set = make(map[int64]struct{})
			r.byGroup[copied.GroupID] = set
		}
		set[copied.ID] = struct{}{}
	}
}

func (r *OrderRegistry) removeLocked(id int64) {
	if order, ok := r.orders[id]; ok {
		r.dropGroupLocked(id, order.GroupID)
	}
	delete(r.orders, id)
}

func (r *OrderRegistry) dropGroupLocked(id, gid int64) {
	if gid == 0 {
		return
	}
	if set, ok := r.byGroup[gid]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byGroup, gid)
		}
	}
}

// terminalStatus reports whether a status string means the order left the
// book. Bitfinex statuses start with the terminal word, including forms
// like "CANCELED was: PARTIALLY FILLED @ ...".
func terminalStatus(status string) bool {
	return strings.HasPrefix(status, "EXECUTED") || strings.HasPrefix(status, "CANCELED")
}

func executedStatus(status string) bool {
	return strings.HasPrefix(status, "EXECUTED")
}
