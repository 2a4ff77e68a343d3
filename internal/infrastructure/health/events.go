package health

import (
	"sync"
	"time"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
)

// Event is one recorded component state transition.
type Event struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// EventLog is a bounded in-memory journal of state transitions: breaker
// opens, guard trips, feed losses, bracket alerts. It unifies events from
// every source for the status surface without gating anything. Recording
// never blocks beyond a short mutex hold.
type EventLog struct {
	mu     sync.Mutex
	buf    []Event
	next   int
	filled bool
	logger core.ILogger
	now    func() time.Time
}

// NewEventLog builds a ring of the given capacity. logger may be nil.
func NewEventLog(capacity int, logger core.ILogger) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	l := &EventLog{
		buf: make([]Event, capacity),
		now: time.Now,
	}
	if logger != nil {
		l.logger = logger.WithField("component", "events")
	}
	return l
}

// Record appends one event, overwriting the oldest when full.
func (l *EventLog) Record(source, kind, detail string) {
	l.mu.Lock()
	l.buf[l.next] = Event{At: l.now(), Source: source, Kind: kind, Detail: detail}
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.filled = true
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.Info("Component event", "source", source, "kind", kind, "detail", detail)
	}
}

// Recent returns up to n events, newest first.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.buf)
	}
	if n > size {
		n = size
	}
	out := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}
