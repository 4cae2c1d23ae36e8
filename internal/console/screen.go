// Package console turns the user's terminal into the single display every
// session renders into: one pane per session, a tab bar on the last row and
// a prefix key for multiplexer commands.
package console

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"

	"github.com/acolita/termmux/internal/geometry"
)

// Escape sequences used to manage the screen.
const (
	altScreenOn  = "\x1b[?1049h"
	altScreenOff = "\x1b[?1049l"
	resetRegion  = "\x1b[r"
	clearPane    = "\x1b[H\x1b[J"
	saveCursor   = "\x1b7"
	loadCursor   = "\x1b8"
	clearLine    = "\x1b[2K"
	resetAttrs   = "\x1b[0m"
)

// fallbackSize is used when the output is not a terminal.
var fallbackSize = geometry.Size{Cols: 80, Rows: 24}

// Screen is the controlling terminal. The last row is reserved for the tab
// bar; everything above it is a scroll region owned by the visible pane.
type Screen struct {
	in  *os.File
	out io.Writer

	mu     sync.Mutex
	state  *term.State
	fixed  geometry.Size
	size   geometry.Size
	cell   geometry.Cell
	active bool
}

// ScreenOption configures a Screen.
type ScreenOption func(*Screen)

// WithFixedSize pins the screen size instead of asking the terminal.
func WithFixedSize(cols, rows int) ScreenOption {
	return func(s *Screen) {
		s.fixed = geometry.Size{Cols: cols, Rows: rows}
	}
}

// NewScreen wraps a terminal. in may be nil when there is no input.
func NewScreen(in *os.File, out io.Writer, opts ...ScreenOption) *Screen {
	s := &Screen{in: in, out: out}
	for _, opt := range opts {
		opt(s)
	}
	s.measure()
	return s
}

// Start switches the terminal to raw mode and the alternate screen.
func (s *Screen) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}

	if s.in != nil && term.IsTerminal(int(s.in.Fd())) {
		state, err := term.MakeRaw(int(s.in.Fd()))
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		s.state = state
	}
	s.active = true
	s.measureLocked()
	s.writeLocked(altScreenOn + s.regionLocked() + clearPane)
	return nil
}

// Restore leaves the alternate screen and restores the terminal mode.
// Calling it again is a no-op.
func (s *Screen) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.active = false
	s.writeLocked(resetAttrs + resetRegion + altScreenOff)
	if s.state == nil {
		return nil
	}
	err := term.Restore(int(s.in.Fd()), s.state)
	s.state = nil
	if err != nil {
		return fmt.Errorf("restore terminal: %w", err)
	}
	return nil
}

// Input returns the terminal's input stream.
func (s *Screen) Input() io.Reader {
	if s.in == nil {
		return eofReader{}
	}
	return s.in
}

// Refresh re-reads the terminal size and resets the scroll region. It
// reports whether the size changed.
func (s *Screen) Refresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.size
	s.measureLocked()
	if s.active {
		s.writeLocked(s.regionLocked())
	}
	return s.size != prev
}

// Size returns the full terminal grid, tab bar included.
func (s *Screen) Size() geometry.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// PaneSize returns the grid available to panes.
func (s *Screen) PaneSize() geometry.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paneSizeLocked()
}

func (s *Screen) paneSizeLocked() geometry.Size {
	return geometry.Size{Cols: max(s.size.Cols, 1), Rows: max(s.size.Rows-1, 1)}
}

// Cell returns the pixel size of one character, when the terminal reports
// its pixel dimensions.
func (s *Screen) Cell() (geometry.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cell.Valid() {
		return geometry.Cell{}, errors.New("terminal does not report pixel size")
	}
	return s.cell, nil
}

// Container returns the pane area in pixels. Terminals that do not report
// pixels are assumed to use geometry.DefaultCell.
func (s *Screen) Container() geometry.Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	cell := s.cell
	if !cell.Valid() {
		cell = geometry.DefaultCell
	}
	ps := s.paneSizeLocked()
	return geometry.Container{
		Width:            float64(ps.Cols) * cell.Width,
		Height:           float64(ps.Rows) * cell.Height,
		DevicePixelRatio: 1,
	}
}

// Write sends bytes to the pane area.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

// ClearPane wipes the pane area and homes the cursor.
func (s *Screen) ClearPane() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(clearPane)
}

// DrawStatus replaces the last row without moving the cursor.
func (s *Screen) DrawStatus(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(fmt.Sprintf("%s\x1b[%d;1H%s%s%s%s", saveCursor, s.size.Rows, clearLine, line, resetAttrs, loadCursor))
}

func (s *Screen) measure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measureLocked()
}

func (s *Screen) measureLocked() {
	if s.fixed.Valid() {
		s.size = s.fixed
		return
	}
	f, ok := s.out.(*os.File)
	if !ok {
		s.size = fallbackSize
		return
	}
	ws, err := pty.GetsizeFull(f)
	if err != nil || ws.Cols == 0 || ws.Rows == 0 {
		s.size = fallbackSize
		return
	}
	s.size = geometry.Size{Cols: int(ws.Cols), Rows: int(ws.Rows)}
	s.cell = geometry.Cell{}
	if ws.X > 0 && ws.Y > 0 {
		s.cell = geometry.Cell{
			Width:  float64(ws.X) / float64(ws.Cols),
			Height: float64(ws.Y) / float64(ws.Rows),
		}
	}
}

func (s *Screen) regionLocked() string {
	return fmt.Sprintf("\x1b[1;%dr", max(s.size.Rows-1, 1))
}

func (s *Screen) writeLocked(str string) {
	_, _ = io.WriteString(s.out, str)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
