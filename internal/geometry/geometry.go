// Package geometry fits a terminal character grid to a pixel-sized container.
package geometry

import (
	"fmt"
	"math"
)

// DefaultReferenceGlyph is measured when the surface does not name one.
const DefaultReferenceGlyph = 'W'

// DefaultCell is used when no glyph can be measured.
var DefaultCell = Cell{Width: 9, Height: 17}

// Container is the pixel area a surface is laid out in, in logical pixels.
type Container struct {
	Width            float64
	Height           float64
	DevicePixelRatio float64
}

// Valid reports whether the container has a positive area.
func (c Container) Valid() bool {
	return c.Width > 0 && c.Height > 0
}

// PhysicalSize returns the backing-buffer size for the container, rounding up.
func (c Container) PhysicalSize() (width, height int) {
	dpr := c.DevicePixelRatio
	if dpr <= 0 {
		dpr = 1
	}
	return int(math.Ceil(c.Width * dpr)), int(math.Ceil(c.Height * dpr))
}

// Size is a character grid.
type Size struct {
	Cols int
	Rows int
}

// Valid reports whether the grid has at least one column and one row.
func (s Size) Valid() bool {
	return s.Cols > 0 && s.Rows > 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

// Cell is the pixel size of one character.
type Cell struct {
	Width  float64
	Height float64
}

// Valid reports whether both cell dimensions are positive.
func (c Cell) Valid() bool {
	return c.Width > 0 && c.Height > 0
}

// Resizer sets the grid of a surface directly. It is the only capability a
// fit target must have.
type Resizer interface {
	Resize(cols, rows int) error
}

// AutoFitter is implemented by surfaces that can size themselves to a
// container. Fit is the primary path; Dimensions reports the resulting grid.
type AutoFitter interface {
	Fit(c Container) error
	Dimensions() Size
}

// GlyphMeasurer is implemented by surfaces that can measure a rendered glyph.
type GlyphMeasurer interface {
	MeasureGlyph(r rune) (Cell, error)
}

// BackingBuffer is implemented by surfaces that render into a pixel buffer
// which must track the container's physical size.
type BackingBuffer interface {
	ResizeBuffer(width, height int) error
}

// MeasureFallback computes the grid that fits c given the size of one cell.
// Each dimension is clamped to a minimum of 1. An unusable cell falls back to
// DefaultCell.
func MeasureFallback(c Container, cell Cell) Size {
	if !cell.Valid() {
		cell = DefaultCell
	}
	cols := int(math.Floor(c.Width / cell.Width))
	rows := int(math.Floor(c.Height / cell.Height))
	return Size{Cols: max(cols, 1), Rows: max(rows, 1)}
}
