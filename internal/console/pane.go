package console

import (
	"errors"
	"slices"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/acolita/termmux/internal/geometry"
	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/session"
)

// DefaultReplayLimit bounds the output a hidden pane keeps for redraw.
const DefaultReplayLimit = 256 * 1024

var errDisposed = errors.New("pane disposed")

// Pane is one session's view of the screen. Only the focused pane draws;
// the others keep a bounded replay buffer that is redrawn when they come
// back into view.
//
// Panes belong to the event thread.
type Pane struct {
	console *Console
	id      session.ID
	title   string

	size    geometry.Size
	visible bool
	overlay string

	replay  []byte
	written int64
	mark    int64
	marked  bool
	sel     string

	inputs   []inputListener
	nextSub  int
	disposed bool
}

// inputListener is one OnInput subscription; delivery follows registration order.
type inputListener struct {
	id int
	fn func([]byte)
}

func newPane(c *Console, id session.ID, title string) *Pane {
	return &Pane{
		console: c,
		id:      id,
		title:   title,
		size:    c.screen.PaneSize(),
	}
}

// ID returns the session the pane belongs to.
func (p *Pane) ID() session.ID { return p.id }

// Visible reports whether the pane is on screen.
func (p *Pane) Visible() bool { return p.visible }

// Write renders session output.
func (p *Pane) Write(b []byte) error {
	if p.disposed {
		return errDisposed
	}
	p.remember(b)
	if !p.visible {
		return nil
	}
	_, err := p.console.screen.Write(b)
	return err
}

func (p *Pane) remember(b []byte) {
	p.written += int64(len(b))
	p.replay = append(p.replay, b...)
	if over := len(p.replay) - p.console.replayLimit; over > 0 {
		p.replay = append(p.replay[:0:0], p.replay[over:]...)
	}
}

// OnInput registers fn for keystrokes routed to this pane.
func (p *Pane) OnInput(fn func([]byte)) func() {
	id := p.nextSub
	p.nextSub++
	p.inputs = append(p.inputs, inputListener{id: id, fn: fn})
	return func() {
		p.inputs = slices.DeleteFunc(p.inputs, func(l inputListener) bool { return l.id == id })
	}
}

// input delivers typed bytes. An overlay blocks input.
func (p *Pane) input(b []byte) {
	if p.disposed || p.overlay != "" {
		return
	}
	for _, l := range slices.Clone(p.inputs) {
		l.fn(b)
	}
}

// Resize sets the grid directly.
func (p *Pane) Resize(cols, rows int) error {
	if cols < 1 || rows < 1 {
		return errors.New("grid must be at least 1x1")
	}
	p.size = geometry.Size{Cols: cols, Rows: rows}
	return nil
}

// Fit sizes the pane to the area the screen leaves for panes. The container
// is ignored: the terminal's own grid is authoritative.
func (p *Pane) Fit(geometry.Container) error {
	if p.disposed {
		return errDisposed
	}
	size := p.console.screen.PaneSize()
	if !size.Valid() {
		return errors.New("screen has no room for panes")
	}
	p.size = size
	return nil
}

// Dimensions returns the pane grid.
func (p *Pane) Dimensions() geometry.Size {
	return p.size
}

// MeasureGlyph returns the terminal's cell size. Terminal cells are
// uniform, so the glyph does not matter.
func (p *Pane) MeasureGlyph(rune) (geometry.Cell, error) {
	return p.console.screen.Cell()
}

// MarkSelection starts a selection at the current end of output.
func (p *Pane) MarkSelection() {
	p.mark = p.written
	p.marked = true
	p.sel = ""
}

// EndSelection selects the text written since MarkSelection, without
// escape sequences. It reports whether anything was selected.
func (p *Pane) EndSelection() bool {
	if !p.marked {
		return false
	}
	p.marked = false
	start := p.written - int64(len(p.replay))
	from := max(p.mark-start, 0)
	p.sel = strings.TrimSpace(ansi.Strip(string(p.replay[from:])))
	return p.sel != ""
}

// HasSelection reports whether a selection is held.
func (p *Pane) HasSelection() bool {
	return p.sel != ""
}

// Selection returns the selected text.
func (p *Pane) Selection() string {
	return p.sel
}

// Focus brings the pane on screen.
func (p *Pane) Focus() {
	if p.disposed {
		return
	}
	p.console.show(p)
}

// ShowOverlay blocks input and shows message in the tab bar.
func (p *Pane) ShowOverlay(message string) {
	p.overlay = message
	p.console.redraw()
}

// HideOverlay removes the overlay.
func (p *Pane) HideOverlay() {
	p.overlay = ""
	p.console.redraw()
}

// Overlay returns the overlay message, if any.
func (p *Pane) Overlay() (string, bool) {
	return p.overlay, p.overlay != ""
}

// Dispose releases the pane. Output written afterwards is rejected.
func (p *Pane) Dispose() {
	if p.disposed {
		return
	}
	p.disposed = true
	p.replay = nil
	p.inputs = nil
	p.console.remove(p)
}

// draw repaints the pane area from the replay buffer.
func (p *Pane) draw() {
	p.console.screen.ClearPane()
	if len(p.replay) > 0 {
		_, _ = p.console.screen.Write(p.replay)
	}
}

var (
	_ ports.Surface          = (*Pane)(nil)
	_ ports.Overlay          = (*Pane)(nil)
	_ ports.Disposable       = (*Pane)(nil)
	_ geometry.AutoFitter    = (*Pane)(nil)
	_ geometry.GlyphMeasurer = (*Pane)(nil)
)
