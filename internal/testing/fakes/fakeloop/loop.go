// Package fakeloop provides an inline Scheduler for deterministic tests.
package fakeloop

import (
	"context"
	"sync"
	"time"

	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/testing/fakes/fakeclock"
)

// FrameInterval is the delay Frame uses.
const FrameInterval = 16 * time.Millisecond

// Loop runs posted callbacks immediately on the posting goroutine. A callback
// posted from inside another callback is queued and runs once the outer one
// returns, matching the run-to-completion order of the real loop.
// Timers are driven by the fake clock: call Clock.Advance to fire them.
type Loop struct {
	Clock *fakeclock.Clock

	mu      sync.Mutex
	queue   []func()
	running bool
	posted  int
}

// New creates a loop driven by clock.
func New(clock *fakeclock.Clock) *Loop {
	return &Loop{Clock: clock}
}

// Post runs fn (or queues it behind the callback currently running).
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted++
	l.queue = append(l.queue, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		next := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		next()
	}
}

// AfterFunc posts fn once the fake clock passes d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) ports.Timer {
	return l.Clock.AfterFunc(d, func() { l.Post(fn) })
}

// Frame posts fn after FrameInterval.
func (l *Loop) Frame(fn func()) {
	l.AfterFunc(FrameInterval, fn)
}

// Do runs fn inline.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	l.Post(func() { err = fn() })
	return err
}

// Posted returns how many callbacks have been posted.
func (l *Loop) Posted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.posted
}

var _ ports.Scheduler = (*Loop)(nil)
