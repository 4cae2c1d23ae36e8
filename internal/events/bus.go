// Package events fans session lifecycle events out to UI subscribers.
package events

import (
	"log/slog"
	"sync"
)

// Type identifies the event payload.
type Type string

const (
	// SessionCreated fires after a session is added to the registry.
	SessionCreated Type = "session-created"
	// SessionClosed fires after a session is removed.
	SessionClosed Type = "session-closed"
	// ActiveChanged fires when the visible session changes. SessionID is
	// empty when the registry became empty.
	ActiveChanged Type = "active-session-changed"
	// StateChanged fires on connection-state transitions.
	StateChanged Type = "connection-state-changed"
	// TitleChanged fires when a session's title changes.
	TitleChanged Type = "title-changed"
)

// Event is a UI-facing notification from the session registry.
type Event struct {
	Type      Type
	SessionID string
	// State is the connection phase for StateChanged events.
	State    string
	ExitCode int
	Title    string
}

// DefaultDepth is the buffer size of each subscriber channel.
const DefaultDepth = 256

// Bus delivers events to subscribers without blocking the publisher. A
// subscriber that falls behind loses events.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan Event]struct{}
	depth int
}

// New constructs a Bus.
func New() *Bus {
	return &Bus{
		subs:  make(map[chan Event]struct{}),
		depth: DefaultDepth,
	}
}

// Subscribe registers a subscriber and returns its channel and a cancel func.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	slog.Debug("events subscribe", slog.Int("subs", count))

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish sends e to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- e:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("events dropped",
			slog.String("type", string(e.Type)),
			slog.Int("count", dropped),
		)
	}
}
