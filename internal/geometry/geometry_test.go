package geometry_test

import (
	"testing"

	"github.com/acolita/termmux/internal/geometry"
)

func TestMeasureFallback(t *testing.T) {
	tests := []struct {
		name string
		c    geometry.Container
		cell geometry.Cell
		want geometry.Size
	}{
		{"exact", geometry.Container{Width: 800, Height: 480}, geometry.Cell{Width: 10, Height: 20}, geometry.Size{Cols: 80, Rows: 24}},
		{"floors partial cells", geometry.Container{Width: 809, Height: 499}, geometry.Cell{Width: 10, Height: 20}, geometry.Size{Cols: 80, Rows: 24}},
		{"clamps tiny container", geometry.Container{Width: 3, Height: 4}, geometry.Cell{Width: 10, Height: 20}, geometry.Size{Cols: 1, Rows: 1}},
		{"clamps empty container", geometry.Container{}, geometry.Cell{Width: 10, Height: 20}, geometry.Size{Cols: 1, Rows: 1}},
		{"invalid cell uses default", geometry.Container{Width: 90, Height: 170}, geometry.Cell{}, geometry.Size{Cols: 10, Rows: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := geometry.MeasureFallback(tt.c, tt.cell)
			if got != tt.want {
				t.Errorf("MeasureFallback() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContainer_PhysicalSize(t *testing.T) {
	c := geometry.Container{Width: 100.5, Height: 50, DevicePixelRatio: 2}
	w, h := c.PhysicalSize()
	if w != 201 || h != 100 {
		t.Errorf("PhysicalSize() = %dx%d, want 201x100", w, h)
	}

	c = geometry.Container{Width: 10.2, Height: 10}
	w, h = c.PhysicalSize()
	if w != 11 || h != 10 {
		t.Errorf("PhysicalSize() without ratio = %dx%d, want 11x10", w, h)
	}
}
