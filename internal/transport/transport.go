// Package transport holds the plumbing shared by the local and remote
// transports: callback fan-out and the read pump.
package transport

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport closed")

// ExitUnknown is reported when the exit status cannot be determined.
const ExitUnknown = -1

// BacklogLimit caps the data held for a transport nobody listens to yet.
const BacklogLimit = 256 * 1024

// Listeners is the subscription half of ports.Transport. Data callbacks run
// in registration order; exit fires at most once, and an exit callback
// registered after the fact is called immediately.
//
// Data emitted while no data listener is registered, such as a shell prompt
// printed before the session subscribes, is held (up to BacklogLimit) and
// handed to the next listener before anything newer. Data callbacks must not
// register further data listeners.
type Listeners struct {
	emitMu sync.Mutex

	mu      sync.Mutex
	nextID  int
	data    []dataListener
	exit    []exitListener
	exited  bool
	code    int
	backlog [][]byte
	held    int
}

type dataListener struct {
	id int
	fn func([]byte)
}

type exitListener struct {
	id int
	fn func(int)
}

// OnData registers fn for inbound data.
func (l *Listeners) OnData(fn func([]byte)) func() {
	l.emitMu.Lock()
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.data = append(l.data, dataListener{id: id, fn: fn})
	backlog := l.backlog
	l.backlog, l.held = nil, 0
	l.mu.Unlock()

	for _, p := range backlog {
		fn(p)
	}
	l.emitMu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, d := range l.data {
			if d.id == id {
				l.data = append(l.data[:i:i], l.data[i+1:]...)
				return
			}
		}
	}
}

// OnExit registers fn for the end of the stream.
func (l *Listeners) OnExit(fn func(int)) func() {
	l.mu.Lock()
	if l.exited {
		code := l.code
		l.mu.Unlock()
		fn(code)
		return func() {}
	}
	id := l.nextID
	l.nextID++
	l.exit = append(l.exit, exitListener{id: id, fn: fn})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.exit {
			if e.id == id {
				l.exit = append(l.exit[:i:i], l.exit[i+1:]...)
				return
			}
		}
	}
}

// EmitData delivers p to every data listener, or holds it when there are
// none.
func (l *Listeners) EmitData(p []byte) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()

	l.mu.Lock()
	if len(l.data) == 0 {
		if l.held+len(p) <= BacklogLimit {
			l.backlog = append(l.backlog, p)
			l.held += len(p)
		}
		l.mu.Unlock()
		return
	}
	fns := make([]func([]byte), len(l.data))
	for i, d := range l.data {
		fns[i] = d.fn
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(p)
	}
}

// EmitExit reports the exit code once. Later calls are ignored.
func (l *Listeners) EmitExit(code int) {
	l.mu.Lock()
	if l.exited {
		l.mu.Unlock()
		return
	}
	l.exited = true
	l.code = code
	fns := make([]func(int), len(l.exit))
	for i, e := range l.exit {
		fns[i] = e.fn
	}
	l.exit = nil
	l.mu.Unlock()

	for _, fn := range fns {
		fn(code)
	}
}

// Exited reports whether exit has been emitted.
func (l *Listeners) Exited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited
}

// ReadBufferSize is the chunk size used by Pump.
const ReadBufferSize = 32 * 1024

// Pump reads r until it fails and emits every chunk to l. Each emitted chunk
// is a fresh slice. io.EOF is reported as nil.
func Pump(r io.Reader, l *Listeners) error {
	buf := make([]byte, ReadBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			l.EmitData(bytes.Clone(buf[:n]))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
