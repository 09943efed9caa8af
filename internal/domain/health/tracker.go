// Package health observes pipeline activity, raises staleness alerts and
// sweeps expired state.
package health

import (
	"sync/atomic"
	"time"
)

// Activity is a point-in-time copy of the Tracker.
type Activity struct {
	Connected         bool      `json:"connected"`
	MessagesReceived  int64     `json:"messagesReceived"`
	MessagesProcessed int64     `json:"messagesProcessed"`
	Errors            int64     `json:"errors"`
	LastMessageAt     time.Time `json:"lastMessageAt,omitempty"`
	LastConnectedAt   time.Time `json:"lastConnectedAt,omitempty"`
	StartedAt         time.Time `json:"startedAt"`
}

// Tracker counts pipeline activity. All methods are lock-free and safe to
// call from the event path.
type Tracker struct {
	received      atomic.Int64
	processed     atomic.Int64
	errors        atomic.Int64
	lastMessage   atomic.Int64 // unix nanos
	lastConnected atomic.Int64 // unix nanos
	connected     atomic.Bool
	startedAt     time.Time
	now           func() time.Time
}

// NewTracker creates a Tracker whose clock starts now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now, startedAt: now().UTC()}
}

// MessageReceived counts an inbound raw event.
func (t *Tracker) MessageReceived() { t.received.Add(1) }

// MessageProcessed counts an event the coordinator finished with and stamps
// the last-activity time.
func (t *Tracker) MessageProcessed() {
	t.processed.Add(1)
	t.lastMessage.Store(t.now().UnixNano())
}

// Error counts a processing or connection error.
func (t *Tracker) Error() { t.errors.Add(1) }

// SetConnected records the upstream connection state.
func (t *Tracker) SetConnected(connected bool) {
	t.connected.Store(connected)
	if connected {
		t.lastConnected.Store(t.now().UnixNano())
	}
}

// Snapshot returns the current counters.
func (t *Tracker) Snapshot() Activity {
	a := Activity{
		Connected:         t.connected.Load(),
		MessagesReceived:  t.received.Load(),
		MessagesProcessed: t.processed.Load(),
		Errors:            t.errors.Load(),
		StartedAt:         t.startedAt,
	}
	if n := t.lastMessage.Load(); n != 0 {
		a.LastMessageAt = time.Unix(0, n).UTC()
	}
	if n := t.lastConnected.Load(); n != 0 {
		a.LastConnectedAt = time.Unix(0, n).UTC()
	}
	return a
}
