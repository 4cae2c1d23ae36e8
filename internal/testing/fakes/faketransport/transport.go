// Package faketransport provides a scriptable transport for testing sessions.
package faketransport

import (
	"sync"

	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/transport"
)

// Transport is a fake ports.Transport that records what is sent and lets the
// test push inbound data and exit events.
type Transport struct {
	transport.Listeners

	mu       sync.Mutex
	sent     [][]byte
	sendErr  func(p []byte) error
	closed   int
	closeErr error
	resizes  [][2]int
}

// New creates an open fake transport.
func New() *Transport {
	return &Transport{}
}

// Send implements ports.Transport.
func (t *Transport) Send(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed > 0 {
		return transport.ErrClosed
	}
	if t.sendErr != nil {
		if err := t.sendErr(p); err != nil {
			return err
		}
	}
	t.sent = append(t.sent, append([]byte(nil), p...))
	return nil
}

// Close implements ports.Transport. Every call is counted.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return t.closeErr
}

// ResizeWindow implements ports.WindowResizer.
func (t *Transport) ResizeWindow(cols, rows int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resizes = append(t.resizes, [2]int{cols, rows})
	return nil
}

// --- test controls ---

// Emit delivers inbound data on the calling goroutine.
func (t *Transport) Emit(p string) {
	t.EmitData([]byte(p))
}

// Exit reports the end of the stream.
func (t *Transport) Exit(code int) {
	t.EmitExit(code)
}

// SetSendError installs a hook that can fail individual sends.
func (t *Transport) SetSendError(fn func(p []byte) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = fn
}

// SetCloseError makes Close return err.
func (t *Transport) SetCloseError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeErr = err
}

// Sent returns each successful Send payload.
func (t *Transport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.sent))
	for i, p := range t.sent {
		out[i] = string(p)
	}
	return out
}

// SentString returns all sent bytes concatenated.
func (t *Transport) SentString() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, p := range t.sent {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range t.sent {
		buf = append(buf, p...)
	}
	return string(buf)
}

// CloseCount returns how many times Close was called.
func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Resizes returns the (cols, rows) pairs passed to ResizeWindow.
func (t *Transport) Resizes() [][2]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][2]int(nil), t.resizes...)
}

var (
	_ ports.Transport     = (*Transport)(nil)
	_ ports.WindowResizer = (*Transport)(nil)
)
