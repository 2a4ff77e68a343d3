package bitfinex

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

const (
	multiplierMax   = 4.0
	multiplierGrow  = 1.5
	multiplierDecay = 0.8
	failureWindow   = 60 * time.Second
	failureTrip     = 2
)

// tokenBucket is a continuously refilling bucket. Tokens accrue as fractions
// so a 30-per-60s budget releases one call every two seconds instead of
// thirty at each window edge.
type tokenBucket struct {
	capacity float64
	baseRate float64
	tokens   float64
	last     time.Time
}

func (b *tokenBucket) refill(now time.Time, rate float64) {
	if now.After(b.last) {
		b.tokens = math.Min(b.capacity, b.tokens+now.Sub(b.last).Seconds()*rate)
		b.last = now
	}
}

// Limiter enforces per-class request budgets. Each EndpointClass owns an
// independent bucket, and each bucket carries an adaptive multiplier that
// slows the effective refill rate after the exchange reports limit hits.
type Limiter struct {
	mu         sync.Mutex
	classifier *Classifier
	buckets    map[EndpointClass]*bucketState
	metrics    *telemetry.MetricsHolder

	now func() time.Time
}

type bucketState struct {
	bucket     tokenBucket
	multiplier float64
	failures   []time.Time
}

// NewLimiter builds a limiter from the configured buckets and patterns.
func NewLimiter(cfg config.RateLimitConfig, metrics *telemetry.MetricsHolder) (*Limiter, error) {
	classifier, err := NewClassifier(cfg.Patterns)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		classifier: classifier,
		buckets:    make(map[EndpointClass]*bucketState, len(cfg.Buckets)),
		metrics:    metrics,
		now:        time.Now,
	}
	start := time.Now()
	for _, b := range cfg.Buckets {
		budget := float64(b.Capacity)
		l.buckets[EndpointClass(b.Class)] = &bucketState{
			bucket: tokenBucket{
				capacity: budget,
				baseRate: budget / float64(b.WindowSecs),
				tokens:   budget,
				last:     start,
			},
			multiplier: 1.0,
		}
	}
	return l, nil
}

// Classify exposes the classifier for callers that need the class without
// acquiring a token (metrics labels, logging).
func (l *Limiter) Classify(endpoint string) EndpointClass {
	return l.classifier.Classify(endpoint)
}

// Acquire blocks until a token is available for the endpoint's class, then
// consumes it. It returns the class so callers can label metrics and report
// failures back. Cancellation of ctx aborts the wait with ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, endpoint string) (EndpointClass, error) {
	class := l.classifier.Classify(endpoint)
	waited := false

	for {
		l.mu.Lock()
		st, ok := l.buckets[class]
		if !ok {
			// No budget configured for this class means no limit.
			l.mu.Unlock()
			return class, nil
		}

		now := l.now()
		rate := st.bucket.baseRate / st.multiplier
		st.bucket.refill(now, rate)

		if st.bucket.tokens >= 1 {
			st.bucket.tokens--
			if l.metrics != nil {
				l.metrics.SetRateLimiterTokens(string(class), st.bucket.tokens)
			}
			l.mu.Unlock()
			return class, nil
		}

		wait := time.Duration((1 - st.bucket.tokens) / rate * float64(time.Second))
		l.mu.Unlock()

		if !waited {
			waited = true
			if l.metrics != nil {
				l.metrics.IncRateLimitWaits(ctx, string(class))
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return class, ctx.Err()
		case <-timer.C:
		}
	}
}

// RecordFailure notes a server-side limit hit (HTTP 429) for the class. Two
// hits inside a 60 second window raise the class multiplier by 1.5x, capped
// at 4x, stretching the effective refill interval.
func (l *Limiter) RecordFailure(class EndpointClass) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.buckets[class]
	if !ok {
		return
	}

	now := l.now()
	cutoff := now.Add(-failureWindow)
	kept := st.failures[:0]
	for _, t := range st.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.failures = append(kept, now)

	if len(st.failures) >= failureTrip {
		st.multiplier = math.Min(multiplierMax, st.multiplier*multiplierGrow)
		st.failures = st.failures[:0]
	}
}

// RecordSuccess decays the class multiplier back toward 1.
func (l *Limiter) RecordSuccess(class EndpointClass) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.buckets[class]
	if !ok || st.multiplier <= 1.0 {
		return
	}
	st.multiplier = math.Max(1.0, st.multiplier*multiplierDecay)
}

// Tokens reports the current token count for a class after refill.
func (l *Limiter) Tokens(class EndpointClass) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.buckets[class]
	if !ok {
		return math.Inf(1)
	}
	st.bucket.refill(l.now(), st.bucket.baseRate/st.multiplier)
	return st.bucket.tokens
}

// Multiplier reports the adaptive multiplier for a class.
func (l *Limiter) Multiplier(class EndpointClass) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.buckets[class]
	if !ok {
		return 1.0
	}
	return st.multiplier
}
