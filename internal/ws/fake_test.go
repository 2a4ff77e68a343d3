package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "github.com/JohnCCarter/Genesis-sub002/pkg/errors"
)

// fakeSocket is an in-memory Socket. Start reports connected and fires the
// connect callback synchronously; tests feed server frames through inject.
type fakeSocket struct {
	name           string
	onMessage      func([]byte)
	onConnected    func()
	onDisconnected func()

	mu        sync.Mutex
	connected bool
	sent      []any
}

func (f *fakeSocket) Start() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	if f.onConnected != nil {
		f.onConnected()
	}
}

func (f *fakeSocket) Stop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeSocket) Send(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return apperrors.ErrWSNotConnected
	}
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeSocket) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// drop simulates losing the connection.
func (f *fakeSocket) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	if f.onDisconnected != nil {
		f.onDisconnected()
	}
}

// inject delivers a raw server frame to the owner's read path.
func (f *fakeSocket) inject(t *testing.T, raw string) {
	t.Helper()
	require.NotNil(t, f.onMessage)
	f.onMessage([]byte(raw))
}

func (f *fakeSocket) frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.sent...)
}

func (f *fakeSocket) subscribeFrames() []subscribeRequest {
	var out []subscribeRequest
	for _, v := range f.frames() {
		if req, ok := v.(subscribeRequest); ok {
			out = append(out, req)
		}
	}
	return out
}

// eventSink records unified event log entries for assertions.
type eventSink struct {
	mu      sync.Mutex
	entries []string
}

func (e *eventSink) Record(source, kind, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, source+"/"+kind)
}

func (e *eventSink) has(entry string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, it := range e.entries {
		if it == entry {
			return true
		}
	}
	return false
}
