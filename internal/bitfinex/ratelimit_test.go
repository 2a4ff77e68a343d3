package bitfinex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JohnCCarter/Genesis-sub002/internal/config"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

func testLimiter(t *testing.T, buckets []config.Bucket) *Limiter {
	t.Helper()
	l, err := NewLimiter(config.RateLimitConfig{
		Patterns: config.DefaultConfig().RateLimit.Patterns,
		Buckets:  buckets,
	}, telemetry.NewMetricsHolder())
	require.NoError(t, err)
	return l
}

func TestLimiterBurstThenBlocks(t *testing.T) {
	l := testLimiter(t, []config.Bucket{
		{Class: "PUBLIC_MARKET", Capacity: 3, WindowSecs: 60},
	})

	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Acquire(ctx, "ticker/tBTCUSD")
		require.NoError(t, err)
	}

	// Bucket is empty and the clock is frozen, so the next acquire cannot
	// complete before the context deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(shortCtx, "ticker/tBTCUSD")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterRefillsOverTime(t *testing.T) {
	l := testLimiter(t, []config.Bucket{
		{Class: "PUBLIC_MARKET", Capacity: 2, WindowSecs: 2},
	})

	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	_, err := l.Acquire(ctx, "ticker/tBTCUSD")
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "ticker/tBTCUSD")
	require.NoError(t, err)
	assert.Less(t, l.Tokens(ClassPublicMarket), 1.0)

	// One second at one token per second restores one call.
	clock = clock.Add(time.Second)
	_, err = l.Acquire(ctx, "ticker/tBTCUSD")
	require.NoError(t, err)
}

func TestLimiterClassesIndependent(t *testing.T) {
	l := testLimiter(t, []config.Bucket{
		{Class: "PUBLIC_MARKET", Capacity: 1, WindowSecs: 60},
		{Class: "PRIVATE_TRADING", Capacity: 5, WindowSecs: 60},
	})

	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	_, err := l.Acquire(ctx, "ticker/tBTCUSD")
	require.NoError(t, err)
	assert.Less(t, l.Tokens(ClassPublicMarket), 1.0, "public bucket exhausted")

	// A drained public bucket must not delay the trading class.
	start := time.Now()
	class, err := l.Acquire(ctx, "auth/w/order/submit")
	require.NoError(t, err)
	assert.Equal(t, ClassPrivateTrading, class)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterAdaptiveMultiplier(t *testing.T) {
	l := testLimiter(t, []config.Bucket{
		{Class: "PUBLIC_MARKET", Capacity: 10, WindowSecs: 60},
	})

	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	assert.Equal(t, 1.0, l.Multiplier(ClassPublicMarket))

	// A single 429 does not change pacing.
	l.RecordFailure(ClassPublicMarket)
	assert.Equal(t, 1.0, l.Multiplier(ClassPublicMarket))

	// The second failure inside the window raises the multiplier.
	clock = clock.Add(10 * time.Second)
	l.RecordFailure(ClassPublicMarket)
	assert.InDelta(t, 1.5, l.Multiplier(ClassPublicMarket), 1e-9)

	// Successes decay it back toward 1.
	l.RecordSuccess(ClassPublicMarket)
	assert.InDelta(t, 1.2, l.Multiplier(ClassPublicMarket), 1e-9)
	for i := 0; i < 10; i++ {
		l.RecordSuccess(ClassPublicMarket)
	}
	assert.Equal(t, 1.0, l.Multiplier(ClassPublicMarket))
}

func TestLimiterMultiplierCapped(t *testing.T) {
	l := testLimiter(t, []config.Bucket{
		{Class: "PUBLIC_MARKET", Capacity: 10, WindowSecs: 60},
	})

	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	for i := 0; i < 20; i++ {
		clock = clock.Add(time.Second)
		l.RecordFailure(ClassPublicMarket)
	}
	assert.LessOrEqual(t, l.Multiplier(ClassPublicMarket), 4.0)
	assert.Equal(t, 4.0, l.Multiplier(ClassPublicMarket))
}

func TestLimiterFailuresOutsideWindowForgotten(t *testing.T) {
	l := testLimiter(t, []config.Bucket{
		{Class: "PUBLIC_MARKET", Capacity: 10, WindowSecs: 60},
	})

	clock := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	l.RecordFailure(ClassPublicMarket)
	clock = clock.Add(2 * time.Minute)
	l.RecordFailure(ClassPublicMarket)

	assert.Equal(t, 1.0, l.Multiplier(ClassPublicMarket), "stale failures do not trip the multiplier")
}

func TestLimiterUnconfiguredClassUnlimited(t *testing.T) {
	l := testLimiter(t, []config.Bucket{
		{Class: "PUBLIC_MARKET", Capacity: 1, WindowSecs: 60},
	})

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_, err := l.Acquire(ctx, "auth/w/order/submit")
		require.NoError(t, err)
	}
}
