package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/acolita/termmux/internal/echo"
	"github.com/acolita/termmux/internal/geometry"
	"github.com/acolita/termmux/internal/ports"
)

// DefaultSettleDelay is the wait between open and the first fit.
const DefaultSettleDelay = 50 * time.Millisecond

// env is what a session needs from its registry.
type env struct {
	sched       ports.Scheduler
	clock       ports.Clock
	notifier    ports.Notifier
	connector   Connector
	recorders   RecorderFactory
	fitOpts     []geometry.Option
	fitPolicy   *fitPolicy // overrides the retry policy in fitOpts once set
	echoWindow  time.Duration
	settleDelay time.Duration
	// spawn runs remote connects off the event thread.
	spawn func(func())
}

// fitPolicy is the retry policy set at runtime by Registry.SetFitPolicy.
type fitPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
}

// Session binds one transport to one surface. Inbound bytes pass through the
// echo suppressor on their way to the surface; typed bytes go straight to the
// transport while connected.
//
// Session methods must be called on the event thread. Transport callbacks
// arrive on other goroutines and are posted back to it.
type Session struct {
	id        ID
	params    Params
	env       *env
	report    func(Patch)
	createdAt time.Time

	title string
	state ConnState

	surface   ports.Surface
	transport ports.Transport
	fitter    *geometry.Fitter
	echo      *echo.Suppressor
	recorder  Recorder

	container    geometry.Container
	sentSize     geometry.Size
	sawData      bool
	framePending bool

	surfaceUnsub    func()
	transportUnsubs []func()
	settle          ports.Timer
	cancelDial      context.CancelFunc

	opened          bool
	closed          bool
	transportClosed bool
}

func newSession(id ID, params Params, surface ports.Surface, e *env) *Session {
	title := params.Title
	if title == "" {
		title = defaultTitle(params)
	}
	s := &Session{
		id:        id,
		params:    params,
		env:       e,
		createdAt: e.clock.Now(),
		title:     title,
		state:     Connecting(),
		surface:   surface,
		echo:      echo.New(e.sched, e.clock, echo.WithWindow(e.echoWindow)),
	}
	opts := append([]geometry.Option(nil), e.fitOpts...)
	if p := e.fitPolicy; p != nil {
		opts = append(opts, geometry.WithMaxAttempts(p.maxAttempts), geometry.WithBaseDelay(p.baseDelay))
	}
	opts = append(opts, geometry.WithOnApply(s.applyGeometry))
	s.fitter = geometry.NewFitter(e.sched, surface, opts...)
	return s
}

func defaultTitle(p Params) string {
	if p.Kind == KindRemote && p.Server != "" {
		return p.Server
	}
	if p.Shell != "" {
		return p.Shell
	}
	return string(p.Kind)
}

// ID returns the session id.
func (s *Session) ID() ID { return s.id }

// Kind returns the session kind.
func (s *Session) Kind() Kind { return s.params.Kind }

// Params returns the parameters the session was opened with.
func (s *Session) Params() Params { return s.params }

// Title returns the display title.
func (s *Session) Title() string { return s.title }

// State returns the connection state.
func (s *Session) State() ConnState { return s.state }

// Geometry returns the last applied grid; zero before the first fit.
func (s *Session) Geometry() geometry.Size { return s.fitter.Current() }

// Surface returns the session's display.
func (s *Session) Surface() ports.Surface { return s.surface }

// Closed reports whether Close has run.
func (s *Session) Closed() bool { return s.closed }

// Suppressing reports whether an echo window is armed.
func (s *Session) Suppressing() bool { return s.echo.Active() }

// EchoStats returns the echo suppressor counters.
func (s *Session) EchoStats() echo.Stats { return s.echo.Stats() }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) info(active bool) Info {
	return Info{
		ID:        s.id,
		Kind:      s.params.Kind,
		Title:     s.title,
		Server:    s.params.Server,
		State:     s.state,
		Geometry:  s.fitter.Current(),
		Active:    active,
		CreatedAt: s.createdAt,
	}
}

// Open attaches the surface, starts connecting and schedules the initial fit.
// Opening twice is a no-op.
func (s *Session) Open(container geometry.Container) {
	if s.opened || s.closed {
		return
	}
	s.opened = true
	s.container = container
	s.surfaceUnsub = s.surface.OnInput(s.handleInput)

	if s.env.recorders != nil {
		rec, err := s.env.recorders(s.id, s.params)
		if err != nil {
			slog.Warn("recording not started",
				slog.String("session_id", string(s.id)),
				slog.String("error", err.Error()),
			)
		} else if rec != nil {
			s.recorder = rec
		}
	}

	s.settle = s.env.sched.AfterFunc(s.env.settleDelay, func() {
		s.settle = nil
		if s.closed {
			return
		}
		s.fitter.FitWithRetry(s.container)
	})

	if s.params.Kind == KindRemote {
		s.connectRemote()
		return
	}
	s.connectLocal()
}

func (s *Session) connectParams() Params {
	p := s.params
	if size := s.fitter.Current(); size.Valid() {
		p.Size = size
	}
	return p
}

func (s *Session) connectLocal() {
	t, err := s.env.connector.Connect(context.Background(), s.connectParams())
	if err != nil {
		slog.Warn("local shell failed to start",
			slog.String("session_id", string(s.id)),
			slog.String("error", err.Error()),
		)
		s.setState(Disconnected())
		s.env.notifier.Notify(fmt.Sprintf("%s: shell failed to start: %v", s.title, err), ports.LevelError)
		return
	}
	s.attach(t)
	s.setState(Connected())
}

func (s *Session) connectRemote() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelDial = cancel
	s.showOverlay(fmt.Sprintf("Connecting to %s...", s.title))

	params := s.connectParams()
	connector := s.env.connector
	sched := s.env.sched
	s.env.spawn(func() {
		t, err := connector.Connect(ctx, params)
		sched.Post(func() {
			s.dialed(t, err)
		})
	})
}

// dialed completes a remote connect on the event thread.
func (s *Session) dialed(t ports.Transport, err error) {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.closed {
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		slog.Warn("remote connect failed",
			slog.String("session_id", string(s.id)),
			slog.String("server", s.params.Server),
			slog.String("error", err.Error()),
		)
		s.setState(Disconnected())
		s.env.notifier.Notify(fmt.Sprintf("Could not connect to %s: %v", s.title, err), ports.LevelError)
		return
	}
	s.attach(t)
	s.setState(Connected())
	s.env.notifier.Notify(fmt.Sprintf("Connected to %s", s.title), ports.LevelInfo)
}

func (s *Session) attach(t ports.Transport) {
	s.transport = t
	s.transportClosed = false
	sched := s.env.sched

	s.transportUnsubs = []func(){
		t.OnData(func(p []byte) {
			buf := bytes.Clone(p)
			sched.Post(func() {
				if s.closed || s.transport != t {
					return
				}
				s.handleData(buf)
			})
		}),
		t.OnExit(func(code int) {
			sched.Post(func() {
				if s.closed || s.transport != t {
					return
				}
				s.handleExit(code)
			})
		}),
	}

	s.sentSize = geometry.Size{}
	if size := s.fitter.Current(); size.Valid() {
		s.applyGeometry(size)
	}
}

func (s *Session) detach() {
	for _, unsub := range s.transportUnsubs {
		unsub()
	}
	s.transportUnsubs = nil
}

func (s *Session) closeTransport() error {
	if s.transport == nil || s.transportClosed {
		return nil
	}
	s.transportClosed = true
	return s.transport.Close()
}

// handleData processes one inbound chunk, in arrival order.
func (s *Session) handleData(p []byte) {
	if out := s.echo.Filter(p); len(out) > 0 {
		s.write(out)
	}

	if !s.sawData {
		s.sawData = true
		s.fitter.FitWithRetry(s.container)
	} else {
		s.fitter.Fit(s.container)
	}

	if !s.framePending {
		s.framePending = true
		s.env.sched.Frame(func() {
			s.framePending = false
			if s.closed {
				return
			}
			s.fitter.Fit(s.container)
		})
	}
}

func (s *Session) handleExit(code int) {
	s.detach()
	s.echo.Reset()
	if err := s.closeTransport(); err != nil {
		slog.Debug("transport close after exit",
			slog.String("session_id", string(s.id)),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("session transport ended",
		slog.String("session_id", string(s.id)),
		slog.Int("code", code),
	)

	if s.params.Kind == KindLocal {
		s.setState(Exited(code))
		level := ports.LevelInfo
		if code != 0 {
			level = ports.LevelWarning
		}
		s.env.notifier.Notify(fmt.Sprintf("%s exited with code %d", s.title, code), level)
		return
	}
	s.setState(Disconnected())
	s.env.notifier.Notify(fmt.Sprintf("Connection to %s lost", s.title), ports.LevelWarning)
}

// handleInput forwards typed bytes while connected and drops them otherwise.
func (s *Session) handleInput(p []byte) {
	if s.closed {
		return
	}
	if s.state.Phase != PhaseConnected || s.transport == nil {
		slog.Debug("input dropped while not connected",
			slog.String("session_id", string(s.id)),
			slog.String("state", s.state.String()),
		)
		return
	}
	if err := s.transport.Send(p); err != nil {
		slog.Debug("send failed",
			slog.String("session_id", string(s.id)),
			slog.String("error", err.Error()),
		)
		return
	}
	s.record(func(r Recorder) error { return r.RecordInput(string(p)) })
}

// InjectCommand writes command to the surface and, when connected, types it
// into the transport one character at a time without a trailing newline.
// For remote sessions the shell's echo of the command is suppressed.
func (s *Session) InjectCommand(command string) (Delivery, error) {
	if s.closed {
		return DeliveryVisualOnly, ErrClosed
	}
	if command == "" {
		return DeliveryVisualOnly, ErrEmptyCommand
	}

	s.write([]byte(command))
	s.surface.Focus()

	if s.state.Phase != PhaseConnected || s.transport == nil {
		s.env.notifier.Notify(
			fmt.Sprintf("%s is %s: command shown but not sent", s.title, s.state),
			ports.LevelWarning,
		)
		return DeliveryVisualOnly, nil
	}

	if s.params.Kind == KindRemote {
		s.echo.Arm(command)
	}
	s.sendChars(command)
	return DeliverySent, nil
}

// sendChars sends each UTF-8 sequence of text separately. A failed character
// is skipped and the rest are still sent.
func (s *Session) sendChars(text string) {
	failed := 0
	for rest := text; rest != ""; {
		_, n := utf8.DecodeRuneInString(rest)
		ch := rest[:n]
		rest = rest[n:]
		if err := s.transport.Send([]byte(ch)); err != nil {
			failed++
			slog.Debug("injected character not sent",
				slog.String("session_id", string(s.id)),
				slog.String("error", err.Error()),
			)
		}
	}
	if failed > 0 {
		slog.Warn("command partially injected",
			slog.String("session_id", string(s.id)),
			slog.Int("failed", failed),
			slog.Int("total", utf8.RuneCountInString(text)),
		)
	}
	s.record(func(r Recorder) error { return r.RecordInput(text) })
}

// Resize refits the session to a new container.
func (s *Session) Resize(container geometry.Container) {
	s.container = container
	if s.closed || !s.opened {
		return
	}
	s.fitter.FitWithRetry(container)
}

// applyGeometry runs after every applied fit and tells the transport about
// grid changes.
func (s *Session) applyGeometry(size geometry.Size) {
	if s.transport == nil || s.transportClosed || size == s.sentSize {
		return
	}
	rs, ok := s.transport.(ports.WindowResizer)
	if !ok {
		return
	}
	if err := rs.ResizeWindow(size.Cols, size.Rows); err != nil {
		slog.Debug("window resize failed",
			slog.String("session_id", string(s.id)),
			slog.String("size", size.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.sentSize = size
	s.record(func(r Recorder) error { return r.RecordResize(size.Cols, size.Rows) })
}

// SetEchoWindow changes the window used by future injections.
func (s *Session) SetEchoWindow(d time.Duration) {
	s.echo.SetWindow(d)
}

// SetFitPolicy changes the fitter's retry policy.
func (s *Session) SetFitPolicy(maxAttempts int, baseDelay time.Duration) {
	s.fitter.SetRetryPolicy(maxAttempts, baseDelay)
}

// Close tears the session down. Callbacks are unregistered before the
// transport is closed; calling Close again is a no-op.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if s.surfaceUnsub != nil {
		s.surfaceUnsub()
		s.surfaceUnsub = nil
	}
	s.detach()
	s.echo.Reset()
	s.fitter.Cancel()
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}

	err := s.closeTransport()

	if d, ok := s.surface.(ports.Disposable); ok {
		d.Dispose()
	}
	if s.recorder != nil {
		if rerr := s.recorder.Close(); rerr != nil {
			slog.Debug("recorder close failed",
				slog.String("session_id", string(s.id)),
				slog.String("error", rerr.Error()),
			)
		}
		s.recorder = nil
	}

	slog.Debug("session closed", slog.String("session_id", string(s.id)))
	if err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// setState reports a transition through the registry, or applies it directly
// when the session is not registered.
func (s *Session) setState(st ConnState) {
	p := Patch{State: &st}
	if s.report != nil {
		s.report(p)
		return
	}
	s.apply(p)
}

// apply is the single place session fields change in response to a Patch.
func (s *Session) apply(p Patch) {
	if p.Title != nil {
		s.title = *p.Title
	}
	if p.State == nil {
		return
	}
	s.state = *p.State
	switch s.state.Phase {
	case PhaseConnected:
		s.hideOverlay()
	case PhaseConnecting:
		s.showOverlay(fmt.Sprintf("Connecting to %s...", s.title))
	case PhaseDisconnected:
		s.echo.Reset()
		s.showOverlay("Disconnected")
	case PhaseExited:
		s.echo.Reset()
		s.showOverlay(fmt.Sprintf("Process exited with code %d", s.state.ExitCode))
	}
}

func (s *Session) write(p []byte) {
	if err := s.surface.Write(p); err != nil {
		slog.Debug("surface write failed",
			slog.String("session_id", string(s.id)),
			slog.String("error", err.Error()),
		)
	}
	s.record(func(r Recorder) error { return r.RecordOutput(string(p)) })
}

func (s *Session) record(fn func(Recorder) error) {
	if s.recorder == nil {
		return
	}
	if err := fn(s.recorder); err != nil {
		slog.Debug("recording write failed",
			slog.String("session_id", string(s.id)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Session) showOverlay(msg string) {
	if s.closed {
		return
	}
	if o, ok := s.surface.(ports.Overlay); ok {
		o.ShowOverlay(msg)
	}
}

func (s *Session) hideOverlay() {
	if s.closed {
		return
	}
	if o, ok := s.surface.(ports.Overlay); ok {
		o.HideOverlay()
	}
}
