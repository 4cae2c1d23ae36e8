package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/acolita/termmux/internal/adapters/realclock"
	"github.com/acolita/termmux/internal/adapters/realfs"
	"github.com/acolita/termmux/internal/commands"
	"github.com/acolita/termmux/internal/config"
	"github.com/acolita/termmux/internal/console"
	"github.com/acolita/termmux/internal/control"
	"github.com/acolita/termmux/internal/events"
	"github.com/acolita/termmux/internal/geometry"
	"github.com/acolita/termmux/internal/logging"
	"github.com/acolita/termmux/internal/loop"
	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/recording"
	"github.com/acolita/termmux/internal/session"
)

// teardownTimeout bounds the final close of all sessions.
const teardownTimeout = 5 * time.Second

// Options configures an App.
type Options struct {
	ConfigPath string
	Config     *config.Config
	Logger     *logging.Logger
	Screen     *console.Screen

	// Open lists server-name globs to open as remote tabs on start.
	Open []string
	// Restore reopens the tabs saved by the previous run.
	Restore bool

	Secrets    Secrets
	FileSystem ports.FileSystem
	Clock      ports.Clock
	Connector  session.Connector
}

// App is a running multiplexer: one event loop driving the registry, the
// console and the control endpoint.
type App struct {
	opts  Options
	clock ports.Clock
	fs    ports.FileSystem

	mu  sync.RWMutex
	cfg *config.Config

	loop     *loop.Loop
	sched    ports.Scheduler
	bus      *events.Bus
	screen   *console.Screen
	console  *console.Console
	registry *session.Registry
	commands *commands.Store
	recorder *recording.Manager
	layout   *session.LayoutStore
	control  *control.Server

	quitOnce sync.Once
	quit     chan struct{}
}

// New builds an App from opts.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Screen == nil {
		opts.Screen = console.NewScreen(os.Stdin, os.Stdout)
	}
	if opts.Clock == nil {
		opts.Clock = realclock.New()
	}
	lp := loop.New(loop.WithClock(opts.Clock))
	return newApp(opts, lp, lp)
}

// newApp wires the components on sched. lp may be nil in tests, which then
// drive the App through its Actions.
func newApp(opts Options, lp *loop.Loop, sched ports.Scheduler) (*App, error) {
	a := &App{
		opts:   opts,
		clock:  opts.Clock,
		fs:     opts.FileSystem,
		cfg:    opts.Config,
		loop:   lp,
		sched:  sched,
		bus:    events.New(),
		screen: opts.Screen,
		quit:   make(chan struct{}),
	}
	if a.fs == nil {
		a.fs = realfs.New()
	}
	cfg := opts.Config

	prefix, err := config.ParsePrefixKey(cfg.Keys.Prefix)
	if err != nil {
		return nil, err
	}
	a.console = console.New(a.screen, sched, a, console.WithPrefix(prefix))

	store, err := commands.Open(cfg.Commands.Path, commands.WithFileSystem(a.fs), commands.WithClock(a.clock))
	if err != nil {
		return nil, err
	}
	a.commands = store

	a.recorder = recording.NewManager(cfg.Recording.Path, cfg.Recording.Enabled, a.fs, a.clock)
	a.layout = session.NewLayoutStore(session.WithFileSystem(a.fs), session.WithStorePath(cfg.Layout.Path))

	connector := opts.Connector
	if connector == nil {
		var copts []ConnectorOption
		if opts.Secrets != nil {
			copts = append(copts, WithSecrets(opts.Secrets))
		}
		copts = append(copts, WithConnectorClock(a.clock), WithConnectorFileSystem(a.fs))
		connector = NewConnector(a.Config, copts...)
	}

	a.registry = session.NewRegistry(sched, a.clock, connector, a.console.NewSurface,
		session.WithNotifier(a.console),
		session.WithBus(a.bus),
		session.WithRecorders(a.recorder.Open),
		session.WithMaxSessions(cfg.Security.MaxSessions),
		session.WithEchoWindow(cfg.Echo.Window),
		session.WithSettleDelay(cfg.Geometry.SettleDelay),
		session.WithFitOptions(fitOptions(cfg.Geometry)...),
		session.WithContainer(a.screen.Container()),
	)

	if lp != nil && cfg.Control.Enabled {
		a.control = control.NewServer(lp, a.registry,
			control.WithCommands(store),
			control.WithServerLookup(func(name string) bool {
				_, ok := a.Config().FindServer(name)
				return ok
			}),
		)
	}
	return a, nil
}

func fitOptions(g config.GeometryConfig) []geometry.Option {
	opts := []geometry.Option{
		geometry.WithMaxAttempts(g.FitAttempts),
		geometry.WithBaseDelay(g.FitBaseDelay),
	}
	if r := []rune(g.ReferenceGlyph); len(r) > 0 {
		opts = append(opts, geometry.WithReferenceGlyph(r[0]))
	}
	return opts
}

// Config returns the configuration in effect. Safe from any goroutine.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Registry returns the session registry. It belongs to the event thread.
func (a *App) Registry() *session.Registry {
	return a.registry
}

// Run takes over the terminal and runs until the user quits or ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a.loop == nil {
		return errors.New("app has no event loop")
	}
	if err := a.screen.Start(); err != nil {
		return err
	}
	defer func() {
		if err := a.screen.Restore(); err != nil {
			slog.Warn("terminal restore failed", slog.String("error", err.Error()))
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = a.loop.Run(context.Background())
	}()
	defer func() {
		a.loop.Stop()
		<-loopDone
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	a.watchEvents(runCtx, &wg)
	a.watchResize(runCtx, &wg)
	go a.readInput()

	if a.control != nil {
		addr := a.Config().Control.Listen
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.control.ListenAndServe(runCtx, addr); err != nil {
				slog.Warn("control endpoint stopped", slog.String("error", err.Error()))
				a.loop.Post(func() {
					a.console.Notify(fmt.Sprintf("Control endpoint unavailable: %v", err), ports.LevelWarning)
				})
			}
		}()
	}

	if a.opts.ConfigPath != "" {
		w, err := config.NewWatcher(a.opts.ConfigPath, func(cfg *config.Config) {
			a.loop.Post(func() { a.ApplyConfig(cfg) })
		})
		if err != nil {
			slog.Warn("config watcher not started", slog.String("error", err.Error()))
		} else {
			defer w.Close()
		}
	}

	if err := a.loop.Do(runCtx, func() error {
		a.openInitial()
		return nil
	}); err != nil {
		return err
	}

	select {
	case <-runCtx.Done():
	case <-a.quit:
	}
	cancel()

	teardownCtx, stop := context.WithTimeout(context.Background(), teardownTimeout)
	defer stop()
	err := a.loop.Do(teardownCtx, a.teardown)
	wg.Wait()
	return err
}

// openInitial opens the tabs requested on the command line. Without any it
// opens a local shell.
func (a *App) openInitial() {
	if a.opts.Restore {
		if err := a.registry.Restore(a.layout.Tabs()); err != nil {
			slog.Warn("layout restore incomplete", slog.String("error", err.Error()))
			a.console.Notify("Some tabs could not be restored", ports.LevelWarning)
		}
	}

	for _, pattern := range a.opts.Open {
		servers, err := a.Config().MatchServers(pattern)
		if err != nil {
			a.console.Notify(err.Error(), ports.LevelError)
			continue
		}
		if len(servers) == 0 {
			a.console.Notify(fmt.Sprintf("No server matches %q", pattern), ports.LevelWarning)
			continue
		}
		for _, srv := range servers {
			if _, err := a.registry.Create(session.Params{Kind: session.KindRemote, Server: srv.Name}); err != nil {
				a.console.Notify(err.Error(), ports.LevelError)
			}
		}
	}

	if a.registry.Len() == 0 {
		if err := a.NewLocal(); err != nil {
			a.console.Notify(err.Error(), ports.LevelError)
		}
	}
	a.refreshTabs()
}

// teardown saves the layout and closes every session, on the event thread.
func (a *App) teardown() error {
	if a.Config().Layout.Save {
		a.layout.Save(a.registry.Layout())
	}
	err := a.registry.CloseAll()
	if rerr := a.recorder.CloseAll(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	return err
}

func (a *App) watchEvents(ctx context.Context, wg *sync.WaitGroup) {
	ch, unsubscribe := a.bus.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				slog.Debug("session event",
					slog.String("type", string(ev.Type)),
					slog.String("session_id", ev.SessionID),
					slog.String("state", ev.State),
				)
				a.loop.Post(a.refreshTabs)
			}
		}
	}()
}

func (a *App) watchResize(ctx context.Context, wg *sync.WaitGroup) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGWINCH)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				a.loop.Post(a.Resized)
			}
		}
	}()
}

// readInput feeds keyboard bytes to the console until input ends.
func (a *App) readInput() {
	buf := make([]byte, 4096)
	in := a.screen.Input()
	for {
		n, err := in.Read(buf)
		if n > 0 {
			p := append([]byte(nil), buf[:n]...)
			a.loop.Post(func() { a.console.HandleInput(p) })
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				slog.Debug("input read failed", slog.String("error", err.Error()))
			}
			a.Quit()
			return
		}
	}
}

// Resized refits every session after the terminal changed size.
func (a *App) Resized() {
	if !a.screen.Refresh() {
		return
	}
	a.registry.ResizeAll(a.screen.Container())
	a.console.Resized()
}

// ApplyConfig applies a reloaded configuration to the running sessions.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()

	a.registry.SetEchoWindow(cfg.Echo.Window)
	a.registry.SetFitPolicy(cfg.Geometry.FitAttempts, cfg.Geometry.FitBaseDelay)
	a.recorder.SetDir(cfg.Recording.Path)
	a.recorder.SetEnabled(cfg.Recording.Enabled)
	if a.opts.Logger != nil {
		a.opts.Logger.SetLevel(cfg.Logging.Level)
	}
	if prefix, err := config.ParsePrefixKey(cfg.Keys.Prefix); err == nil {
		a.console.SetPrefix(prefix)
	}

	slog.Info("configuration reloaded")
	a.console.Notify("Configuration reloaded", ports.LevelInfo)
}

func (a *App) refreshTabs() {
	a.console.SetTabs(a.registry.List())
}

// NewLocal opens a local shell tab and shows it.
func (a *App) NewLocal() error {
	return a.open(session.Params{Kind: session.KindLocal})
}

// NewRemote opens a tab on the first configured server and shows it.
func (a *App) NewRemote() error {
	servers := a.Config().Servers
	if len(servers) == 0 {
		return errors.New("no servers configured; add one with 'termmux server add'")
	}
	return a.open(session.Params{Kind: session.KindRemote, Server: servers[0].Name})
}

func (a *App) open(params session.Params) error {
	s, err := a.registry.Create(params)
	if err != nil {
		return err
	}
	return a.registry.SwitchTo(s.ID())
}

// Next shows the next tab.
func (a *App) Next() error {
	return a.registry.Next()
}

// Prev shows the previous tab.
func (a *App) Prev() error {
	return a.registry.Prev()
}

// CloseActive closes the visible tab. Closing the last tab quits.
func (a *App) CloseActive() error {
	id := a.registry.ActiveID()
	if id == "" {
		return session.ErrNoActiveSession
	}
	err := a.registry.Close(id)
	if a.registry.Len() == 0 {
		a.Quit()
	}
	if err != nil {
		slog.Debug("close reported an error",
			slog.String("session_id", string(id)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// InjectSaved injects saved command n into the visible tab.
func (a *App) InjectSaved(n int) error {
	cmd, err := a.commands.Get(strconv.Itoa(n))
	if err != nil {
		return err
	}
	if _, err := a.registry.DispatchInjection(cmd.Text); err != nil {
		return err
	}
	return nil
}

// Quit ends Run. Safe from any goroutine.
func (a *App) Quit() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// Done is closed once Quit has been called.
func (a *App) Done() <-chan struct{} {
	return a.quit
}

var _ console.Actions = (*App)(nil)
