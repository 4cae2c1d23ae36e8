package console

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/aymanbagabas/go-osc52/v2"

	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/session"
)

// DefaultPrefix is Ctrl-B.
const DefaultPrefix byte = 0x02

// DefaultNoticeTTL is how long a notification stays in the tab bar.
const DefaultNoticeTTL = 4 * time.Second

// Actions are the multiplexer commands bound to prefix keys.
type Actions interface {
	NewLocal() error
	NewRemote() error
	Next() error
	Prev() error
	CloseActive() error
	// InjectSaved injects saved command n, counting from 1.
	InjectSaved(n int) error
	Quit()
}

// Console routes keyboard input to the focused pane, runs prefix commands
// and draws the tab bar. It implements ports.Notifier.
//
// All methods must run on the event thread.
type Console struct {
	screen      *Screen
	sched       ports.Scheduler
	actions     Actions
	prefix      byte
	replayLimit int
	noticeTTL   time.Duration

	panes    map[session.ID]*Pane
	focused  *Pane
	prefixed bool
	tabs     []session.Info

	notice      string
	noticeLevel ports.Level
	noticeTimer ports.Timer
}

// Option configures a Console.
type Option func(*Console)

// WithPrefix sets the prefix key byte.
func WithPrefix(b byte) Option {
	return func(c *Console) {
		if b != 0 {
			c.prefix = b
		}
	}
}

// WithReplayLimit bounds each pane's replay buffer.
func WithReplayLimit(n int) Option {
	return func(c *Console) {
		if n > 0 {
			c.replayLimit = n
		}
	}
}

// WithNoticeTTL sets how long notifications stay visible.
func WithNoticeTTL(d time.Duration) Option {
	return func(c *Console) {
		if d > 0 {
			c.noticeTTL = d
		}
	}
}

// New creates a console drawing on screen.
func New(screen *Screen, sched ports.Scheduler, actions Actions, opts ...Option) *Console {
	c := &Console{
		screen:      screen,
		sched:       sched,
		actions:     actions,
		prefix:      DefaultPrefix,
		replayLimit: DefaultReplayLimit,
		noticeTTL:   DefaultNoticeTTL,
		panes:       make(map[session.ID]*Pane),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetActions replaces the command handler.
func (c *Console) SetActions(a Actions) {
	c.actions = a
}

// SetPrefix changes the prefix key.
func (c *Console) SetPrefix(b byte) {
	if b != 0 {
		c.prefix = b
	}
}

// NewSurface creates the pane for a new session. It has the shape of
// session.SurfaceFactory.
func (c *Console) NewSurface(id session.ID, title string) (ports.Surface, error) {
	if _, exists := c.panes[id]; exists {
		return nil, fmt.Errorf("pane for %s already exists", id)
	}
	p := newPane(c, id, title)
	c.panes[id] = p
	return p, nil
}

// Pane returns the pane of a session.
func (c *Console) Pane(id session.ID) (*Pane, bool) {
	p, ok := c.panes[id]
	return p, ok
}

// Focused returns the pane on screen, if any.
func (c *Console) Focused() (*Pane, bool) {
	return c.focused, c.focused != nil
}

// SetTabs updates the tab bar.
func (c *Console) SetTabs(tabs []session.Info) {
	c.tabs = tabs
	c.redraw()
}

// Notify shows message in the tab bar for a while.
func (c *Console) Notify(message string, level ports.Level) {
	slog.Debug("notify", slog.String("level", string(level)), slog.String("message", message))
	c.notice = message
	c.noticeLevel = level
	if c.noticeTimer != nil {
		c.noticeTimer.Stop()
	}
	c.noticeTimer = c.sched.AfterFunc(c.noticeTTL, func() {
		c.noticeTimer = nil
		c.notice = ""
		c.redraw()
	})
	c.redraw()
}

// Notice returns the notification currently shown.
func (c *Console) Notice() (string, ports.Level) {
	return c.notice, c.noticeLevel
}

// Resized redraws after the terminal size changed.
func (c *Console) Resized() {
	if c.focused != nil {
		c.focused.draw()
	}
	c.redraw()
}

// HandleInput processes raw keyboard bytes. Bytes after the prefix key are
// commands; pressing the prefix twice sends it through.
func (c *Console) HandleInput(b []byte) {
	var pass []byte
	for _, ch := range b {
		if c.prefixed {
			c.prefixed = false
			if ch == c.prefix {
				pass = append(pass, ch)
				continue
			}
			c.forward(pass)
			pass = nil
			c.command(ch)
			continue
		}
		if ch == c.prefix {
			c.forward(pass)
			pass = nil
			c.prefixed = true
			continue
		}
		pass = append(pass, ch)
	}
	c.forward(pass)
}

func (c *Console) forward(b []byte) {
	if len(b) == 0 || c.focused == nil {
		return
	}
	c.focused.input(b)
}

func (c *Console) command(ch byte) {
	if c.actions == nil {
		return
	}
	var err error
	switch {
	case ch == 'c':
		err = c.actions.NewLocal()
	case ch == 'r':
		err = c.actions.NewRemote()
	case ch == 'n':
		err = c.actions.Next()
	case ch == 'p':
		err = c.actions.Prev()
	case ch == 'x':
		err = c.actions.CloseActive()
	case ch >= '1' && ch <= '9':
		err = c.actions.InjectSaved(int(ch - '0'))
	case ch == '[':
		if c.focused != nil {
			c.focused.MarkSelection()
			c.Notify("Selection started", ports.LevelInfo)
		}
	case ch == ']':
		if c.focused != nil && c.focused.EndSelection() {
			c.Notify(fmt.Sprintf("Selected %d characters", len(c.focused.Selection())), ports.LevelInfo)
		}
	case ch == 'y':
		c.copySelection()
	case ch == 'q':
		c.actions.Quit()
	default:
		c.Notify(fmt.Sprintf("Unbound key %q", ch), ports.LevelWarning)
	}
	if err != nil {
		c.Notify(err.Error(), ports.LevelError)
	}
}

// copySelection sends the focused pane's selection to the outer terminal's
// clipboard. Without a selection it does nothing.
func (c *Console) copySelection() {
	if c.focused == nil || !c.focused.HasSelection() {
		return
	}
	text := c.focused.Selection()
	if _, err := osc52.New(text).WriteTo(c.screen); err != nil {
		c.Notify(fmt.Sprintf("Copy failed: %v", err), ports.LevelError)
		return
	}
	c.Notify(fmt.Sprintf("Copied %d characters", len(text)), ports.LevelInfo)
}

func (c *Console) show(p *Pane) {
	if c.focused == p {
		return
	}
	if c.focused != nil {
		c.focused.visible = false
	}
	c.focused = p
	p.visible = true
	p.draw()
	c.redraw()
}

func (c *Console) remove(p *Pane) {
	delete(c.panes, p.id)
	if c.focused != p {
		return
	}
	c.focused = nil
	c.screen.ClearPane()
	c.redraw()
}

func (c *Console) redraw() {
	status, level := c.notice, c.noticeLevel
	overlay := false
	if c.focused != nil && c.focused.overlay != "" && status == "" {
		status, overlay = c.focused.overlay, true
	}
	width := c.screen.Size().Cols
	c.screen.DrawStatus(renderBar(c.tabs, status, level, overlay, width))
}

var _ ports.Notifier = (*Console)(nil)
