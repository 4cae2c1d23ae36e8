// Package fakeclock provides a controllable Clock implementation for testing.
package fakeclock

import (
	"sort"
	"sync"
	"time"

	"github.com/acolita/termmux/internal/ports"
)

// Clock is a fake clock that can be controlled in tests.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	waiters []waiter
	timers  []*timer
	tickers []*fakeTicker
	seq     int
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	return &Clock{current: initial}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep is a no-op in fake clock (returns immediately).
// Use Advance() to simulate time passing.
func (c *Clock) Sleep(d time.Duration) {
	// In tests, Sleep returns immediately.
	// The test controls time via Advance().
}

// After returns a channel that receives the time after duration d.
// The channel fires when Advance() is called past the deadline.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.current.Add(d)

	// If already past deadline, fire immediately
	if !c.current.Before(deadline) {
		ch <- c.current
		return ch
	}

	c.waiters = append(c.waiters, waiter{deadline: deadline, ch: ch})
	return ch
}

// AfterFunc registers f to run when Advance moves the clock past d.
// Unlike time.AfterFunc, f runs synchronously on the goroutine calling Advance,
// which keeps tests deterministic.
func (c *Clock) AfterFunc(d time.Duration, f func()) ports.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &timer{clock: c, deadline: c.current.Add(d), fn: f, seq: c.seq}
	c.timers = append(c.timers, t)
	return t
}

// NewTicker returns a fake ticker.
func (c *Clock) NewTicker(d time.Duration) ports.Ticker {
	t := &fakeTicker{
		clock:    c,
		interval: d,
		ch:       make(chan time.Time, 1),
		stopped:  false,
	}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

// TickAll delivers one tick to every ticker that has not been stopped and
// returns how many received it.
func (c *Clock) TickAll() int {
	c.mu.Lock()
	tickers := append([]*fakeTicker(nil), c.tickers...)
	c.mu.Unlock()

	n := 0
	for _, t := range tickers {
		if t.Tick() {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by duration d, firing any waiters and
// timers whose deadline has been reached. Timers fire in deadline order, and
// the clock reads each timer's deadline while its callback runs.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.current = target
			c.fireWaitersLocked()
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		c.fireWaitersLocked()
		next.fired = true
		c.removeTimerLocked(next)
		c.mu.Unlock()

		next.fn()
	}
}

// PendingTimers returns the number of timers that have not fired or been stopped.
func (c *Clock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Set sets the clock to a specific time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// nextDueLocked returns the earliest timer due at or before target.
func (c *Clock) nextDueLocked(target time.Time) *timer {
	due := make([]*timer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (c *Clock) removeTimerLocked(t *timer) {
	for i, candidate := range c.timers {
		if candidate == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

func (c *Clock) fireWaitersLocked() {
	now := c.current
	var remaining []waiter
	for _, w := range c.waiters {
		if !now.Before(w.deadline) {
			select {
			case w.ch <- now:
			default:
			}
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// timer is a fake one-shot timer created by AfterFunc.
type timer struct {
	clock    *Clock
	deadline time.Time
	fn       func()
	seq      int
	fired    bool
	stopped  bool
}

// Stop cancels the timer.
func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	t.clock.removeTimerLocked(t)
	return true
}

// fakeTicker is a fake ticker for testing.
type fakeTicker struct {
	clock    *Clock
	interval time.Duration
	ch       chan time.Time
	stopped  bool
	mu       sync.Mutex
}

// C returns the channel on which ticks are delivered.
func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

// Stop turns off the ticker.
func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Tick manually sends a tick (for test control). It reports whether the
// ticker was still running.
func (t *fakeTicker) Tick() bool {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()

	if stopped {
		return false
	}
	select {
	case t.ch <- t.clock.Now():
	default:
	}
	return true
}

// Ensure Clock implements ports.Clock.
var _ ports.Clock = (*Clock)(nil)
