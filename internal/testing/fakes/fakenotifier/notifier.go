// Package fakenotifier records user notifications for tests.
package fakenotifier

import (
	"strings"
	"sync"

	"github.com/acolita/termmux/internal/ports"
)

// Notice is one recorded notification.
type Notice struct {
	Message string
	Level   ports.Level
}

// Notifier is a fake ports.Notifier.
type Notifier struct {
	mu      sync.Mutex
	notices []Notice
}

// New creates an empty notifier.
func New() *Notifier {
	return &Notifier{}
}

// Notify implements ports.Notifier.
func (n *Notifier) Notify(message string, level ports.Level) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, Notice{Message: message, Level: level})
}

// Notices returns everything recorded so far.
func (n *Notifier) Notices() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notice(nil), n.notices...)
}

// Last returns the most recent notice.
func (n *Notifier) Last() (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.notices) == 0 {
		return Notice{}, false
	}
	return n.notices[len(n.notices)-1], true
}

// Count returns how many notices at level contain substr.
func (n *Notifier) Count(level ports.Level, substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, notice := range n.notices {
		if notice.Level == level && strings.Contains(notice.Message, substr) {
			count++
		}
	}
	return count
}

var _ ports.Notifier = (*Notifier)(nil)
