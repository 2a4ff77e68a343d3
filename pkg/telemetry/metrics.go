package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersTotal             = "genesis_orders_total"
	MetricOrdersFailedTotal       = "genesis_orders_failed_total"
	MetricOrdersFilledTotal       = "genesis_orders_filled_total"
	MetricDuplicateSubmitsTotal   = "genesis_duplicate_submits_total"
	MetricConstraintsBlockedTotal = "genesis_trade_constraints_blocked_total"
	MetricRateLimitWaitsTotal     = "genesis_rate_limiter_waits_total"
	MetricWSReconnectsTotal       = "genesis_ws_reconnects_total"
	MetricTickerReadsTotal        = "genesis_ticker_reads_total"
	MetricEquityStaleTotal        = "genesis_equity_valuation_stale_total"
	MetricDeadManSwitchFailures   = "genesis_dead_man_switch_failures_total"
	MetricBracketCancelFailures   = "genesis_bracket_cancel_failures_total"
	MetricSchedulerRunsTotal      = "genesis_scheduler_job_runs_total"
	MetricSchedulerFailuresTotal  = "genesis_scheduler_job_failures_total"
	MetricRESTLatency             = "genesis_rest_latency_ms"
	MetricOrderSubmitLatency      = "genesis_order_submit_latency_ms"
	MetricCircuitOpen             = "genesis_transport_circuit_open"
	MetricRateLimiterTokens       = "genesis_rate_limiter_tokens"
	MetricPoolSubscriptions       = "genesis_ws_pool_subscriptions"
	MetricBracketsActive          = "genesis_brackets_active"
	MetricCandleCacheRows         = "genesis_candle_cache_rows"
	MetricAccountEquity           = "genesis_account_equity_usd"
	MetricMarketRegime            = "genesis_market_regime"
)

// MetricsHolder holds initialized instruments plus readable shadow state.
// The shadow maps back the observable gauges and let tests and the status
// endpoint read counter values without scraping the exporter. Instruments
// are nil until InitMetrics runs; updates before that only touch the maps.
type MetricsHolder struct {
	OrdersTotal             metric.Int64Counter
	OrdersFailedTotal       metric.Int64Counter
	OrdersFilledTotal       metric.Int64Counter
	DuplicateSubmitsTotal   metric.Int64Counter
	ConstraintsBlockedTotal metric.Int64Counter
	RateLimitWaitsTotal     metric.Int64Counter
	WSReconnectsTotal       metric.Int64Counter
	TickerReadsTotal        metric.Int64Counter
	EquityStaleTotal        metric.Int64Counter
	DeadManSwitchFailures   metric.Int64Counter
	BracketCancelFailures   metric.Int64Counter
	SchedulerRunsTotal      metric.Int64Counter
	SchedulerFailuresTotal  metric.Int64Counter
	RESTLatency             metric.Float64Histogram
	OrderSubmitLatency      metric.Float64Histogram
	CircuitOpen             metric.Int64ObservableGauge
	RateLimiterTokens       metric.Float64ObservableGauge
	PoolSubscriptions       metric.Int64ObservableGauge
	BracketsActive          metric.Int64ObservableGauge
	CandleCacheRows         metric.Int64ObservableGauge
	AccountEquity           metric.Float64ObservableGauge
	MarketRegime            metric.Int64ObservableGauge

	mu             sync.RWMutex
	counters       map[string]int64            // metric name -> total
	counterLabels  map[string]map[string]int64 // metric name -> label value -> total
	circuitOpenMap map[string]int64            // transport -> 0/1
	tokensMap      map[string]float64          // endpoint class -> tokens
	poolSubsMap    map[string]int64            // socket id -> subscription count
	bracketsActive int64
	cacheRowsMap   map[string]int64 // "symbol|timeframe" -> rows
	equityUSD      float64
	regimeMap      map[string]int64 // symbol -> -1 bear / 0 range / 1 bull
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = NewMetricsHolder()
	})
	return globalMetrics
}

// NewMetricsHolder builds an empty holder. Tests use a fresh holder so
// counts don't leak between cases.
func NewMetricsHolder() *MetricsHolder {
	return &MetricsHolder{
		counters:       make(map[string]int64),
		counterLabels:  make(map[string]map[string]int64),
		circuitOpenMap: make(map[string]int64),
		tokensMap:      make(map[string]float64),
		poolSubsMap:    make(map[string]int64),
		cacheRowsMap:   make(map[string]int64),
		regimeMap:      make(map[string]int64),
	}
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersTotal, err = meter.Int64Counter(MetricOrdersTotal, metric.WithDescription("Orders accepted by the pipeline"))
	if err != nil {
		return err
	}

	m.OrdersFailedTotal, err = meter.Int64Counter(MetricOrdersFailedTotal, metric.WithDescription("Order submissions that failed, by error kind"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Orders fully executed"))
	if err != nil {
		return err
	}

	m.DuplicateSubmitsTotal, err = meter.Int64Counter(MetricDuplicateSubmitsTotal, metric.WithDescription("Submissions short-circuited by the idempotency cache"))
	if err != nil {
		return err
	}

	m.ConstraintsBlockedTotal, err = meter.Int64Counter(MetricConstraintsBlockedTotal, metric.WithDescription("Orders denied by trade policy, by reason"))
	if err != nil {
		return err
	}

	m.RateLimitWaitsTotal, err = meter.Int64Counter(MetricRateLimitWaitsTotal, metric.WithDescription("Requests that had to wait for rate limit tokens, by endpoint class"))
	if err != nil {
		return err
	}

	m.WSReconnectsTotal, err = meter.Int64Counter(MetricWSReconnectsTotal, metric.WithDescription("WebSocket reconnects, by scope"))
	if err != nil {
		return err
	}

	m.TickerReadsTotal, err = meter.Int64Counter(MetricTickerReadsTotal, metric.WithDescription("Ticker reads served, by source"))
	if err != nil {
		return err
	}

	m.EquityStaleTotal, err = meter.Int64Counter(MetricEquityStaleTotal, metric.WithDescription("Equity valuations that timed out and fell back to the last known value"))
	if err != nil {
		return err
	}

	m.DeadManSwitchFailures, err = meter.Int64Counter(MetricDeadManSwitchFailures, metric.WithDescription("Dead man switch arm attempts rejected by the exchange"))
	if err != nil {
		return err
	}

	m.BracketCancelFailures, err = meter.Int64Counter(MetricBracketCancelFailures, metric.WithDescription("Bracket sibling cancels that failed after retries"))
	if err != nil {
		return err
	}

	m.SchedulerRunsTotal, err = meter.Int64Counter(MetricSchedulerRunsTotal, metric.WithDescription("Scheduler job runs, by job"))
	if err != nil {
		return err
	}

	m.SchedulerFailuresTotal, err = meter.Int64Counter(MetricSchedulerFailuresTotal, metric.WithDescription("Scheduler job runs that returned an error, by job"))
	if err != nil {
		return err
	}

	m.RESTLatency, err = meter.Float64Histogram(MetricRESTLatency, metric.WithDescription("Latency of REST calls, by endpoint class"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrderSubmitLatency, err = meter.Float64Histogram(MetricOrderSubmitLatency, metric.WithDescription("Latency from pipeline accept to exchange ack"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	// Observables
	m.CircuitOpen, err = meter.Int64ObservableGauge(MetricCircuitOpen, metric.WithDescription("Transport circuit breaker state (1=open or half-open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for transport, val := range m.circuitOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("transport", transport)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RateLimiterTokens, err = meter.Float64ObservableGauge(MetricRateLimiterTokens, metric.WithDescription("Current rate limiter tokens, by endpoint class"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for class, val := range m.tokensMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("class", class)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PoolSubscriptions, err = meter.Int64ObservableGauge(MetricPoolSubscriptions, metric.WithDescription("Confirmed public subscriptions, by socket"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for socket, val := range m.poolSubsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("socket", socket)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.BracketsActive, err = meter.Int64ObservableGauge(MetricBracketsActive, metric.WithDescription("Bracket groups currently managed"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.bracketsActive)
			return nil
		}))
	if err != nil {
		return err
	}

	m.CandleCacheRows, err = meter.Int64ObservableGauge(MetricCandleCacheRows, metric.WithDescription("Rows in the candle cache, by symbol and timeframe"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for key, val := range m.cacheRowsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("series", key)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.AccountEquity, err = meter.Float64ObservableGauge(MetricAccountEquity, metric.WithDescription("Last account equity valuation in USD"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.equityUSD)
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarketRegime, err = meter.Int64ObservableGauge(MetricMarketRegime, metric.WithDescription("Classified market regime per symbol (-1 bear, 0 range, 1 bull)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for symbol, val := range m.regimeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", symbol)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) addCounter(ctx context.Context, inst metric.Int64Counter, name, labelKey, labelVal string) {
	m.mu.Lock()
	m.counters[name]++
	if labelKey != "" {
		byLabel := m.counterLabels[name]
		if byLabel == nil {
			byLabel = make(map[string]int64)
			m.counterLabels[name] = byLabel
		}
		byLabel[labelVal]++
	}
	m.mu.Unlock()

	if inst != nil {
		if labelKey != "" {
			inst.Add(ctx, 1, metric.WithAttributes(attribute.String(labelKey, labelVal)))
			return
		}
		inst.Add(ctx, 1)
	}
}

// IncOrdersTotal records one accepted order.
func (m *MetricsHolder) IncOrdersTotal(ctx context.Context) {
	m.addCounter(ctx, m.OrdersTotal, MetricOrdersTotal, "", "")
}

// IncOrdersFailed records one failed submission with its error kind.
func (m *MetricsHolder) IncOrdersFailed(ctx context.Context, kind string) {
	m.addCounter(ctx, m.OrdersFailedTotal, MetricOrdersFailedTotal, "kind", kind)
}

// IncOrdersFilled records one fully executed order.
func (m *MetricsHolder) IncOrdersFilled(ctx context.Context) {
	m.addCounter(ctx, m.OrdersFilledTotal, MetricOrdersFilledTotal, "", "")
}

// IncDuplicateSubmits records one idempotency cache hit.
func (m *MetricsHolder) IncDuplicateSubmits(ctx context.Context) {
	m.addCounter(ctx, m.DuplicateSubmitsTotal, MetricDuplicateSubmitsTotal, "", "")
}

// IncConstraintsBlocked records one policy denial with its reason.
func (m *MetricsHolder) IncConstraintsBlocked(ctx context.Context, reason string) {
	m.addCounter(ctx, m.ConstraintsBlockedTotal, MetricConstraintsBlockedTotal, "reason", reason)
}

// IncRateLimitWaits records one request that waited for tokens.
func (m *MetricsHolder) IncRateLimitWaits(ctx context.Context, class string) {
	m.addCounter(ctx, m.RateLimitWaitsTotal, MetricRateLimitWaitsTotal, "class", class)
}

// IncWSReconnects records one reconnect for the given scope ("public",
// "private").
func (m *MetricsHolder) IncWSReconnects(ctx context.Context, scope string) {
	m.addCounter(ctx, m.WSReconnectsTotal, MetricWSReconnectsTotal, "scope", scope)
}

// IncTickerReads records one served ticker read with its source.
func (m *MetricsHolder) IncTickerReads(ctx context.Context, source string) {
	m.addCounter(ctx, m.TickerReadsTotal, MetricTickerReadsTotal, "source", source)
}

// IncEquityStale records one stale equity valuation.
func (m *MetricsHolder) IncEquityStale(ctx context.Context) {
	m.addCounter(ctx, m.EquityStaleTotal, MetricEquityStaleTotal, "", "")
}

// IncDeadManSwitchFailures records one rejected dead man switch arm.
func (m *MetricsHolder) IncDeadManSwitchFailures(ctx context.Context) {
	m.addCounter(ctx, m.DeadManSwitchFailures, MetricDeadManSwitchFailures, "", "")
}

// IncBracketCancelFailures records one sibling cancel that exhausted its
// retries.
func (m *MetricsHolder) IncBracketCancelFailures(ctx context.Context) {
	m.addCounter(ctx, m.BracketCancelFailures, MetricBracketCancelFailures, "", "")
}

// IncSchedulerRuns records one completed scheduler job run.
func (m *MetricsHolder) IncSchedulerRuns(ctx context.Context, job string) {
	m.addCounter(ctx, m.SchedulerRunsTotal, MetricSchedulerRunsTotal, "job", job)
}

// IncSchedulerFailures records one scheduler job run that errored.
func (m *MetricsHolder) IncSchedulerFailures(ctx context.Context, job string) {
	m.addCounter(ctx, m.SchedulerFailuresTotal, MetricSchedulerFailuresTotal, "job", job)
}

// RecordRESTLatency records one REST call duration in milliseconds.
func (m *MetricsHolder) RecordRESTLatency(ctx context.Context, class string, ms float64) {
	if m.RESTLatency != nil {
		m.RESTLatency.Record(ctx, ms, metric.WithAttributes(attribute.String("class", class)))
	}
}

// RecordOrderSubmitLatency records one submit duration in milliseconds.
func (m *MetricsHolder) RecordOrderSubmitLatency(ctx context.Context, ms float64) {
	if m.OrderSubmitLatency != nil {
		m.OrderSubmitLatency.Record(ctx, ms)
	}
}

// Helpers to update observable state

func (m *MetricsHolder) SetCircuitOpen(transport string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitOpenMap[transport] = val
}

func (m *MetricsHolder) SetRateLimiterTokens(class string, tokens float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokensMap[class] = tokens
}

func (m *MetricsHolder) SetPoolSubscriptions(socket string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolSubsMap[socket] = count
}

func (m *MetricsHolder) SetBracketsActive(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bracketsActive = count
}

func (m *MetricsHolder) SetCandleCacheRows(symbol, timeframe string, rows int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheRowsMap[symbol+"|"+timeframe] = rows
}

func (m *MetricsHolder) SetAccountEquity(usd float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equityUSD = usd
}

func (m *MetricsHolder) SetMarketRegime(symbol string, regime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regimeMap[symbol] = regime
}

// CounterValue returns the total for an unlabeled counter, or the sum over
// all label values for a labeled one.
func (m *MetricsHolder) CounterValue(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// CounterValueFor returns the total recorded for one label value of a
// labeled counter.
func (m *MetricsHolder) CounterValueFor(name, labelVal string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if byLabel, ok := m.counterLabels[name]; ok {
		return byLabel[labelVal]
	}
	return 0
}

// GetCircuitOpen reports the recorded circuit state for a transport.
func (m *MetricsHolder) GetCircuitOpen(transport string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.circuitOpenMap[transport] == 1
}

// GetRateLimiterTokens returns the last recorded token level per class.
func (m *MetricsHolder) GetRateLimiterTokens() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.tokensMap))
	for k, v := range m.tokensMap {
		res[k] = v
	}
	return res
}

// GetBracketsActive reports the recorded active bracket group count.
func (m *MetricsHolder) GetBracketsActive() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bracketsActive
}

// GetAccountEquity reports the last recorded equity valuation.
func (m *MetricsHolder) GetAccountEquity() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.equityUSD
}

// GetMarketRegime reports the recorded regime for a symbol, 0 when unset.
func (m *MetricsHolder) GetMarketRegime(symbol string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.regimeMap[symbol]
}
