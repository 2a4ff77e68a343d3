package bitfinex

import (
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// BreakerState is the transport circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// TransportBreaker shields the exchange from request storms during outages.
// Repeated transport failures inside a rolling window open the circuit;
// while open every call fails fast with CircuitOpenError instead of hitting
// the wire. After the cooldown one probe is allowed through. A successful
// probe closes the circuit and resets the cooldown to its base, a failed
// probe reopens it with the cooldown doubled, capped at the configured max.
type TransportBreaker struct {
	mu       sync.Mutex
	state    BreakerState
	openedAt time.Time
	cooldown time.Duration
	failures []time.Time
	probing  bool

	name         string
	window       time.Duration
	maxErrors    int
	baseCooldown time.Duration
	maxCooldown  time.Duration

	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	events  core.IEventRecorder
	now     func() time.Time
}

// NewTransportBreaker builds a breaker from config. It starts closed.
func NewTransportBreaker(cfg config.CircuitConfig, logger core.ILogger, metrics *telemetry.MetricsHolder) *TransportBreaker {
	return &TransportBreaker{
		state:        BreakerClosed,
		name:         "rest",
		cooldown:     time.Duration(cfg.CooldownBaseSecs) * time.Second,
		window:       time.Duration(cfg.ErrorWindowSecs) * time.Second,
		maxErrors:    cfg.MaxErrorsPerWindow,
		baseCooldown: time.Duration(cfg.CooldownBaseSecs) * time.Second,
		maxCooldown:  time.Duration(cfg.CooldownMaxSecs) * time.Second,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

// SetEventSink routes state transitions into the unified event log.
func (b *TransportBreaker) SetEventSink(events core.IEventRecorder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = events
}

// Allow reports whether a request may proceed. While open it returns a
// CircuitOpenError carrying the earliest retry time. When the cooldown has
// elapsed it moves to half open and admits exactly one probe; concurrent
// callers keep failing fast until the probe resolves.
func (b *TransportBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		until := b.openedAt.Add(b.cooldown)
		if b.now().Before(until) {
			return &apperrors.CircuitOpenError{Until: until}
		}
		b.setStateLocked(BreakerHalfOpen)
		b.probing = true
		return nil
	default: // BreakerHalfOpen
		if b.probing {
			return &apperrors.CircuitOpenError{Until: b.openedAt.Add(b.cooldown)}
		}
		b.probing = true
		return nil
	}
}

// RecordSuccess closes the circuit after a successful call. In the closed
// state it also prunes the failure window.
func (b *TransportBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.cooldown = b.baseCooldown
		b.failures = b.failures[:0]
		b.setStateLocked(BreakerClosed)
		b.logger.Info("transport circuit closed after successful probe")
	case BreakerClosed:
		b.pruneLocked(b.now())
	}
}

// RecordFailure notes a transport-level failure (connect error, timeout,
// HTTP 5xx or 429). retryAfter, when the server provided one, floors the
// cooldown of an opening circuit. A half open probe failure reopens with
// the cooldown doubled.
func (b *TransportBreaker) RecordFailure(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.probing = false
		b.cooldown = minDurationCap(b.cooldown*2, b.maxCooldown)
		if retryAfter > b.cooldown {
			b.cooldown = minDurationCap(retryAfter, b.maxCooldown)
		}
		b.openedAt = now
		b.setStateLocked(BreakerOpen)
		b.logger.Warn("transport probe failed, circuit reopened", "cooldown", b.cooldown.String())
	case BreakerClosed:
		b.pruneLocked(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.maxErrors {
			b.cooldown = b.baseCooldown
			if retryAfter > b.cooldown {
				b.cooldown = minDurationCap(retryAfter, b.maxCooldown)
			}
			b.openedAt = now
			b.failures = b.failures[:0]
			b.setStateLocked(BreakerOpen)
			b.logger.Warn("transport circuit opened",
				"cooldown", b.cooldown.String(),
				"errors_in_window", b.maxErrors)
		}
	}
}

// State returns the current state, promoting open to half open when the
// cooldown has lapsed so callers see the same view Allow would act on.
func (b *TransportBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && !b.now().Before(b.openedAt.Add(b.cooldown)) {
		return BreakerHalfOpen
	}
	return b.state
}

// Cooldown returns the currently effective cooldown duration.
func (b *TransportBreaker) Cooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cooldown
}

// RetryIn reports how long until the breaker would admit a probe. Zero means
// a request may proceed now.
func (b *TransportBreaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return 0
	}
	if d := b.openedAt.Add(b.cooldown).Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

func (b *TransportBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *TransportBreaker) setStateLocked(s BreakerState) {
	b.state = s
	if b.metrics != nil {
		b.metrics.SetCircuitOpen(b.name, s == BreakerOpen)
	}
	if b.events != nil {
		b.events.Record("transport", s.String(), b.name)
	}
}

func minDurationCap(d, max time.Duration) time.Duration {
	if d > max {
		return max
	}
	return d
}

// BreakerSet keys independent transport breakers by endpoint so one failing
// endpoint (say, a broken candles route) cannot fail-fast the rest of the
// API. Breakers are created lazily on first use and share one config.
type BreakerSet struct {
	mu      sync.Mutex
	byPath  map[string]*TransportBreaker
	cfg     config.CircuitConfig
	logger  core.ILogger
	metrics *telemetry.MetricsHolder
	events  core.IEventRecorder
	now     func() time.Time
}

// NewBreakerSet builds the keyed breaker collection.
func NewBreakerSet(cfg config.CircuitConfig, logger core.ILogger, metrics *telemetry.MetricsHolder) *BreakerSet {
	return &BreakerSet{
		byPath:  make(map[string]*TransportBreaker),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetEventSink routes transitions of every breaker, present and future, into
// the unified event log.
func (s *BreakerSet) SetEventSink(events core.IEventRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = events
	for _, b := range s.byPath {
		b.SetEventSink(events)
	}
}

// Allow gates one request against the endpoint's breaker.
func (s *BreakerSet) Allow(endpoint string) error {
	return s.breaker(endpoint).Allow()
}

// RecordSuccess reports a healthy exchange answer on the endpoint.
func (s *BreakerSet) RecordSuccess(endpoint string) {
	s.breaker(endpoint).RecordSuccess()
}

// RecordFailure reports a transport-level failure on the endpoint.
func (s *BreakerSet) RecordFailure(endpoint string, retryAfter time.Duration) {
	s.breaker(endpoint).RecordFailure(retryAfter)
}

// State returns the endpoint's breaker state; unknown endpoints are closed.
func (s *BreakerSet) State(endpoint string) BreakerState {
	s.mu.Lock()
	b, ok := s.byPath[endpoint]
	s.mu.Unlock()
	if !ok {
		return BreakerClosed
	}
	return b.State()
}

// RetryIn reports how long until the endpoint would admit a probe.
func (s *BreakerSet) RetryIn(endpoint string) time.Duration {
	s.mu.Lock()
	b, ok := s.byPath[endpoint]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return b.RetryIn()
}

// OpenEndpoints lists endpoints whose circuit is currently open, for the
// status surface.
func (s *BreakerSet) OpenEndpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []string
	for ep, b := range s.byPath {
		if b.State() == BreakerOpen {
			open = append(open, ep)
		}
	}
	return open
}

func (s *BreakerSet) breaker(endpoint string) *TransportBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byPath[endpoint]
	if !ok {
		b = NewTransportBreaker(s.cfg, s.logger.WithField("endpoint", endpoint), s.metrics)
		b.name = endpoint
		b.now = s.now
		b.events = s.events
		s.byPath[endpoint] = b
	}
	return b
}
