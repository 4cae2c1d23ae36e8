// Package echo filters a remote shell's echo of an injected command out of
// the inbound byte stream.
package echo

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/acolita/termmux/internal/ports"
)

// DefaultWindow bounds how long a suppression window stays armed.
const DefaultWindow = 1500 * time.Millisecond

// Stats counts suppressor outcomes.
type Stats struct {
	SuppressedBytes int
	Resolved        int
	Expired         int
	Divergent       int
}

// window is the pending injection being matched against inbound data.
type window struct {
	command []byte
	sentAt  time.Time
	echoed  []byte
}

// Suppressor is a per-session state machine. It is idle until Arm is called,
// then swallows inbound bytes while they remain a prefix of the command, and
// returns to idle once the full command has been seen or the window expires.
//
// All methods must be called from the scheduler's event thread.
type Suppressor struct {
	sched  ports.Scheduler
	clock  ports.Clock
	window time.Duration

	pending    *window
	generation uint64
	timer      ports.Timer
	stats      Stats
}

// Option configures a Suppressor.
type Option func(*Suppressor)

// WithWindow sets the window duration.
func WithWindow(d time.Duration) Option {
	return func(s *Suppressor) {
		if d > 0 {
			s.window = d
		}
	}
}

// New creates an idle suppressor.
func New(sched ports.Scheduler, clock ports.Clock, opts ...Option) *Suppressor {
	s := &Suppressor{
		sched:  sched,
		clock:  clock,
		window: DefaultWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetWindow changes the duration used by subsequent Arm calls.
func (s *Suppressor) SetWindow(d time.Duration) {
	WithWindow(d)(s)
}

// Window returns the configured window duration.
func (s *Suppressor) Window() time.Duration {
	return s.window
}

// Arm starts suppressing the echo of command, replacing any window already
// armed. An empty command leaves the suppressor as it is.
func (s *Suppressor) Arm(command string) {
	if command == "" {
		return
	}
	s.stopTimer()
	s.generation++
	gen := s.generation

	s.pending = &window{
		command: []byte(command),
		sentAt:  s.clock.Now(),
	}
	s.timer = s.sched.AfterFunc(s.window, func() {
		s.expire(gen)
	})
}

// Active reports whether a window is armed.
func (s *Suppressor) Active() bool {
	return s.pending != nil
}

// Pending returns the armed command, if any.
func (s *Suppressor) Pending() (string, bool) {
	if s.pending == nil {
		return "", false
	}
	return string(s.pending.command), true
}

// Filter returns the part of p that should reach the surface. The returned
// slice may be empty; it never aliases the suppressor's internal buffer.
func (s *Suppressor) Filter(p []byte) []byte {
	w := s.pending
	if w == nil || len(p) == 0 {
		return p
	}

	// The timer normally clears the window first; this covers a timer
	// callback still queued behind this chunk.
	if s.clock.Now().Sub(w.sentAt) > s.window {
		s.clear()
		s.stats.Expired++
		return p
	}

	w.echoed = append(w.echoed, p...)

	if bytes.HasPrefix(w.command, w.echoed) {
		s.stats.SuppressedBytes += len(p)
		return nil
	}

	if i := bytes.Index(w.echoed, w.command); i >= 0 {
		rest := bytes.Clone(w.echoed[i+len(w.command):])
		s.stats.SuppressedBytes += len(p) - len(rest)
		s.stats.Resolved++
		s.clear()
		return rest
	}

	s.stats.Divergent++
	slog.Debug("echo diverged from injected command",
		slog.Int("chunk_bytes", len(p)),
		slog.Int("echoed_bytes", len(w.echoed)),
	)
	return p
}

// Reset returns to idle without counting an expiry.
func (s *Suppressor) Reset() {
	s.clear()
}

// Stats returns the outcome counters.
func (s *Suppressor) Stats() Stats {
	return s.stats
}

func (s *Suppressor) expire(gen uint64) {
	if gen != s.generation || s.pending == nil {
		return
	}
	s.timer = nil
	s.pending = nil
	s.stats.Expired++
}

func (s *Suppressor) clear() {
	s.stopTimer()
	s.pending = nil
}

func (s *Suppressor) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
