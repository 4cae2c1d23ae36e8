// Package fakesurface provides a fake terminal surface for testing.
package fakesurface

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/acolita/termmux/internal/geometry"
	"github.com/acolita/termmux/internal/ports"
)

// Surface is a fake terminal display. It supports every optional capability
// (auto-fit, glyph measurement, backing buffer, overlay, dispose); use Basic
// to hide them.
type Surface struct {
	mu sync.Mutex

	written   bytes.Buffer
	writes    int
	writeErr  error
	listeners map[int]func([]byte)
	nextID    int

	dims      geometry.Size
	resizes   []geometry.Size
	cell      geometry.Cell
	glyphErr  error
	measured  []rune
	fitCalls  int
	fitFails  int
	fitPanics bool

	bufferW, bufferH int
	bufferResizes    int

	selection string
	focused   int
	overlay   string
	overlayOn bool
	disposed  int
}

// New creates a fake surface with an 80x24 grid and a 10x20 cell.
func New() *Surface {
	return &Surface{
		listeners: make(map[int]func([]byte)),
		dims:      geometry.Size{Cols: 80, Rows: 24},
		cell:      geometry.Cell{Width: 10, Height: 20},
	}
}

// Write implements ports.Surface.
func (s *Surface) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written.Write(p)
	return nil
}

// OnInput implements ports.Surface.
func (s *Surface) OnInput(fn func([]byte)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Resize implements ports.Surface.
func (s *Surface) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cols < 1 || rows < 1 {
		return fmt.Errorf("invalid grid %dx%d", cols, rows)
	}
	s.dims = geometry.Size{Cols: cols, Rows: rows}
	s.resizes = append(s.resizes, s.dims)
	return nil
}

// HasSelection implements ports.Surface.
func (s *Surface) HasSelection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection != ""
}

// Selection implements ports.Surface.
func (s *Surface) Selection() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

// Focus implements ports.Surface.
func (s *Surface) Focus() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focused++
}

// Fit implements geometry.AutoFitter using the configured cell size.
func (s *Surface) Fit(c geometry.Container) error {
	s.mu.Lock()
	s.fitCalls++
	if s.fitPanics {
		s.mu.Unlock()
		panic("fit exploded")
	}
	if s.fitFails > 0 {
		s.fitFails--
		s.mu.Unlock()
		return errors.New("layout not settled")
	}
	defer s.mu.Unlock()
	s.dims = geometry.Size{
		Cols: int(math.Floor(c.Width / s.cell.Width)),
		Rows: int(math.Floor(c.Height / s.cell.Height)),
	}
	return nil
}

// Dimensions implements geometry.AutoFitter.
func (s *Surface) Dimensions() geometry.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// MeasureGlyph implements geometry.GlyphMeasurer.
func (s *Surface) MeasureGlyph(r rune) (geometry.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measured = append(s.measured, r)
	if s.glyphErr != nil {
		return geometry.Cell{}, s.glyphErr
	}
	return s.cell, nil
}

// ResizeBuffer implements geometry.BackingBuffer.
func (s *Surface) ResizeBuffer(width, height int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferW, s.bufferH = width, height
	s.bufferResizes++
	return nil
}

// ShowOverlay implements ports.Overlay.
func (s *Surface) ShowOverlay(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = message
	s.overlayOn = true
}

// HideOverlay implements ports.Overlay.
func (s *Surface) HideOverlay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overlay = ""
	s.overlayOn = false
}

// Dispose implements ports.Disposable.
func (s *Surface) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed++
}

// --- test controls ---

// Type simulates the user typing p.
func (s *Surface) Type(p string) {
	s.mu.Lock()
	fns := make([]func([]byte), 0, len(s.listeners))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn([]byte(p))
	}
}

// Output returns everything written so far.
func (s *Surface) Output() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Writes returns how many times Write was called.
func (s *Surface) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// SetWriteError makes Write fail with err.
func (s *Surface) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SetDimensions sets the grid reported before the next fit.
func (s *Surface) SetDimensions(size geometry.Size) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dims = size
}

// SetCell sets the cell size used by Fit and MeasureGlyph.
func (s *Surface) SetCell(cell geometry.Cell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cell = cell
}

// SetGlyphError makes MeasureGlyph fail.
func (s *Surface) SetGlyphError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glyphErr = err
}

// FailFits makes the next n Fit calls fail.
func (s *Surface) FailFits(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fitFails = n
}

// PanicOnFit makes Fit panic.
func (s *Surface) PanicOnFit(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fitPanics = on
}

// FitCalls returns how many times Fit was called.
func (s *Surface) FitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fitCalls
}

// Resizes returns the grids passed to Resize.
func (s *Surface) Resizes() []geometry.Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]geometry.Size(nil), s.resizes...)
}

// MeasuredGlyphs returns the runes passed to MeasureGlyph.
func (s *Surface) MeasuredGlyphs() []rune {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rune(nil), s.measured...)
}

// Buffer returns the last backing-buffer size and the number of resizes.
func (s *Surface) Buffer() (width, height, resizes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferW, s.bufferH, s.bufferResizes
}

// SetSelection sets the selected text.
func (s *Surface) SetSelection(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = text
}

// Focused returns how many times Focus was called.
func (s *Surface) Focused() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused
}

// Overlay returns the overlay message and whether it is shown.
func (s *Surface) Overlay() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlay, s.overlayOn
}

// Disposed returns how many times Dispose was called.
func (s *Surface) Disposed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// InputListeners returns the number of registered input callbacks.
func (s *Surface) InputListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// Basic returns a view of s with only the ports.Surface methods.
func (s *Surface) Basic() ports.Surface {
	return basic{s}
}

type basic struct{ s *Surface }

func (b basic) Write(p []byte) error           { return b.s.Write(p) }
func (b basic) OnInput(fn func([]byte)) func() { return b.s.OnInput(fn) }
func (b basic) Resize(cols, rows int) error    { return b.s.Resize(cols, rows) }
func (b basic) HasSelection() bool             { return b.s.HasSelection() }
func (b basic) Selection() string              { return b.s.Selection() }
func (b basic) Focus()                         { b.s.Focus() }

var (
	_ ports.Surface          = (*Surface)(nil)
	_ ports.Overlay          = (*Surface)(nil)
	_ ports.Disposable       = (*Surface)(nil)
	_ geometry.AutoFitter    = (*Surface)(nil)
	_ geometry.GlyphMeasurer = (*Surface)(nil)
	_ geometry.BackingBuffer = (*Surface)(nil)
)
