// Package bitfinex implements the signed REST transport for the Bitfinex v2
// API: nonce management, HMAC signing, endpoint-class rate limiting and the
// transport circuit breaker.
package bitfinex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NonceSource issues strictly increasing nonces per credential key. Nonces
// are epoch microseconds, bumped to last+1 whenever the clock reads at or
// behind the previous issue (clock skew, same-microsecond calls). The last
// issued value is persisted after every issue so a restart can never replay
// a nonce the exchange has already seen.
type NonceSource struct {
	mu   sync.Mutex
	path string
	last map[string]int64

	now func() time.Time
}

// NewNonceSource loads persisted nonce state from path, creating the parent
// directory if needed. A missing file starts fresh.
func NewNonceSource(path string) (*NonceSource, error) {
	n := &NonceSource{
		path: path,
		last: make(map[string]int64),
		now:  time.Now,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return n, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce state: %w", err)
	}
	if err := json.Unmarshal(data, &n.last); err != nil {
		return nil, fmt.Errorf("failed to parse nonce state %s: %w", path, err)
	}
	return n, nil
}

// Next returns the next nonce for the given credential key.
func (n *NonceSource) Next(keyID string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	nonce := n.now().UnixMicro()
	if last := n.last[keyID]; nonce <= last {
		nonce = last + 1
	}
	n.last[keyID] = nonce

	// A failed persist still leaves the in-memory value protecting this
	// process; only a restart inside the same microsecond could collide.
	_ = n.persistLocked()
	return nonce
}

// NextMS returns the next nonce truncated to milliseconds, used by the
// WebSocket auth handshake. It consumes a full nonce so REST and WS issues
// stay ordered against each other.
func (n *NonceSource) NextMS(keyID string) int64 {
	return n.Next(keyID) / 1000
}

// Last returns the most recently issued nonce for a key, 0 if none.
func (n *NonceSource) Last(keyID string) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last[keyID]
}

// persistLocked writes the state via a temp file and rename so a crash
// mid-write cannot truncate the previous state.
func (n *NonceSource) persistLocked() error {
	if n.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(n.path), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(n.last)
	if err != nil {
		return err
	}

	tmp := n.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, n.path)
}
