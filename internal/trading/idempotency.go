package trading

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// fingerprintBucket is the time resolution of the request fingerprint. Two
// identical submits inside the same bucket dedupe; the next bucket is a new
// request.
const fingerprintBucket = time.Minute

// CacheStatus is the outcome of an idempotency check.
type CacheStatus int

const (
	// CacheMiss means no entry existed; an in-flight placeholder is now
	// registered and the caller owns the submission.
	CacheMiss CacheStatus = iota
	// CacheHit means a finalized response exists within its TTL.
	CacheHit
	// CacheInFlight means an identical submission is still running.
	CacheInFlight
)

type idemEntry struct {
	result *Result // nil while the original submission is in flight
}

// IdempotencyCache dedupes order submissions: the first caller with a given
// fingerprint proceeds, later identical calls within the TTL get the stored
// response back without touching the exchange.
type IdempotencyCache struct {
	entries *gocache.Cache
	ttl     time.Duration
	logger  core.ILogger
}

// NewIdempotencyCache builds the cache. A non-positive ttl falls back to one
// minute.
func NewIdempotencyCache(ttl time.Duration, logger core.ILogger) *IdempotencyCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &IdempotencyCache{
		entries: gocache.New(ttl, ttl),
		ttl:     ttl,
		logger:  logger.WithField("component", "idempotency"),
	}
}

// Fingerprint derives the dedup key for an intent: the order-identifying
// fields plus the minute bucket of the submission time.
func Fingerprint(intent *core.OrderIntent, at time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d|%d",
		intent.Symbol,
		intent.Side,
		intent.Type,
		intent.Amount.String(),
		intent.Price.String(),
		intent.ClientID,
		at.Truncate(fingerprintBucket).Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndRegister looks the key up. On a miss it registers an in-flight
// placeholder, so exactly one caller per fingerprint gets CacheMiss.
func (c *IdempotencyCache) CheckAndRegister(key string) (*Result, CacheStatus) {
	// Add is set-if-absent, which makes the check-and-register atomic.
	if err := c.entries.Add(key, &idemEntry{}, c.ttl); err == nil {
		return nil, CacheMiss
	}
	if v, ok := c.entries.Get(key); ok {
		entry := v.(*idemEntry)
		if entry.result != nil {
			return entry.result, CacheHit
		}
		return nil, CacheInFlight
	}
	// The entry expired between Add and Get; register fresh.
	c.entries.Set(key, &idemEntry{}, c.ttl)
	return nil, CacheMiss
}

// StoreResponse finalizes the in-flight entry with the response to replay.
func (c *IdempotencyCache) StoreResponse(key string, res *Result) {
	c.entries.Set(key, &idemEntry{result: res}, c.ttl)
}

// Forget drops the entry so a retry of a failed submission is not treated
// as a duplicate.
func (c *IdempotencyCache) Forget(key string) {
	c.entries.Delete(key)
}

// Len reports the number of live entries, expired ones included until the
// janitor sweeps them.
func (c *IdempotencyCache) Len() int {
	return c.entries.ItemCount()
}
