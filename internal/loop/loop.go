// Package loop provides the single event thread every session callback runs on.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/acolita/termmux/internal/adapters/realclock"
	"github.com/acolita/termmux/internal/ports"
)

// DefaultFrameInterval approximates one display refresh.
const DefaultFrameInterval = 16 * time.Millisecond

// ErrStopped is returned by Do once the loop no longer runs callbacks.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted callbacks one at a time, in posting order, on a single
// goroutine. Callbacks must not block; long work belongs on another goroutine
// that posts its result back.
type Loop struct {
	clock ports.Clock
	frame time.Duration

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock used for timers.
func WithClock(c ports.Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// WithFrameInterval sets the delay used by Frame.
func WithFrameInterval(d time.Duration) Option {
	return func(l *Loop) {
		l.frame = d
	}
}

// New creates a loop. Call Run to start processing.
func New(opts ...Option) *Loop {
	l := &Loop{
		clock: realclock.New(),
		frame: DefaultFrameInterval,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues fn. Posting to a stopped loop is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc runs fn on the loop after d. Stopping the returned timer
// guarantees fn will not run, even if the underlying timer already fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) ports.Timer {
	t := &timer{}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inner = l.clock.AfterFunc(d, func() {
		l.Post(func() {
			if t.claim() {
				fn()
			}
		})
	})
	return t
}

// Frame runs fn after the next render frame.
func (l *Loop) Frame(fn func()) {
	l.AfterFunc(l.frame, fn)
}

// Do runs fn on the loop and waits for its result. It must not be called
// from a loop callback.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	l.Post(func() {
		result <- fn()
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrStopped
		}
	}
}

// Run processes callbacks until ctx is cancelled or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	defer l.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case <-l.wake:
		}

		for {
			fn := l.next()
			if fn == nil {
				break
			}
			l.invoke(fn)
		}
	}
}

// Stop ends Run and drops queued callbacks. Safe to call more than once.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil
	close(l.done)
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) next() func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn
}

// invoke runs one callback; a panicking callback is logged and dropped so one
// misbehaving session cannot take the loop down with it.
func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event loop callback panicked",
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

// timer guards a posted timer callback against Stop racing with delivery.
type timer struct {
	mu    sync.Mutex
	inner ports.Timer
	done  bool
}

// claim marks the timer as fired; it returns false if it was stopped first.
func (t *timer) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Stop prevents the callback from running.
func (t *timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	if t.inner != nil {
		t.inner.Stop()
	}
	return true
}

var _ ports.Scheduler = (*Loop)(nil)
