package session

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/termmux/internal/events"
	"github.com/acolita/termmux/internal/geometry"
	"github.com/acolita/termmux/internal/ports"
)

// Registry owns the open sessions in tab order and tracks the active one.
// While any session exists exactly one is active.
//
// Registry is not safe for concurrent use; every call must come from the
// event thread. Other goroutines go through the loop (loop.Do).
type Registry struct {
	env         *env
	bus         *events.Bus
	surfaces    SurfaceFactory
	newID       func() ID
	maxSessions int
	container   geometry.Container

	order    []ID
	sessions map[ID]*Session
	// recent lists ids most recently created or activated first.
	recent []ID
	active ID
}

// Option configures a Registry.
type Option func(*Registry)

// WithNotifier sets where user-facing messages go.
func WithNotifier(n ports.Notifier) Option {
	return func(r *Registry) {
		if n != nil {
			r.env.notifier = n
		}
	}
}

// WithBus sets the bus lifecycle events are published on.
func WithBus(b *events.Bus) Option {
	return func(r *Registry) {
		r.bus = b
	}
}

// WithRecorders enables per-session recording.
func WithRecorders(f RecorderFactory) Option {
	return func(r *Registry) {
		r.env.recorders = f
	}
}

// WithIDGenerator overrides session id allocation.
func WithIDGenerator(fn func() ID) Option {
	return func(r *Registry) {
		r.newID = fn
	}
}

// WithMaxSessions limits the number of open sessions. Zero means no limit.
func WithMaxSessions(n int) Option {
	return func(r *Registry) {
		r.maxSessions = n
	}
}

// WithFitOptions configures the geometry fitter of every session.
func WithFitOptions(opts ...geometry.Option) Option {
	return func(r *Registry) {
		r.env.fitOpts = append(r.env.fitOpts, opts...)
	}
}

// WithEchoWindow sets the echo suppression window.
func WithEchoWindow(d time.Duration) Option {
	return func(r *Registry) {
		r.env.echoWindow = d
	}
}

// WithSettleDelay sets the delay before a new session's first fit.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Registry) {
		r.env.settleDelay = d
	}
}

// WithContainer sets the initial container shared by all sessions.
func WithContainer(c geometry.Container) Option {
	return func(r *Registry) {
		r.container = c
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(sched ports.Scheduler, clock ports.Clock, connector Connector, surfaces SurfaceFactory, opts ...Option) *Registry {
	r := &Registry{
		env: &env{
			sched:       sched,
			clock:       clock,
			notifier:    nopNotifier{},
			connector:   connector,
			settleDelay: DefaultSettleDelay,
			spawn:       func(fn func()) { go fn() },
		},
		surfaces: surfaces,
		newID:    generateSessionID,
		sessions: make(map[ID]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func generateSessionID() ID {
	return ID("sess_" + uuid.NewString()[:8])
}

// Create opens a new session at the end of the tab order. It becomes active
// only if the registry was empty.
func (r *Registry) Create(params Params) (*Session, error) {
	if params.Kind == "" {
		params.Kind = KindLocal
	}
	kind, err := ParseKind(string(params.Kind))
	if err != nil {
		return nil, err
	}
	params.Kind = kind
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, r.maxSessions)
	}

	id := r.newID()
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("duplicate session id %q", id)
	}
	if params.Title == "" {
		params.Title = defaultTitle(params)
	}

	surface, err := r.surfaces(id, params.Title)
	if err != nil {
		return nil, fmt.Errorf("create surface: %w", err)
	}

	s := newSession(id, params, surface, r.env)
	s.report = func(p Patch) {
		if err := r.Update(id, p); err != nil {
			s.apply(p)
		}
	}

	r.order = append(r.order, id)
	r.sessions[id] = s
	r.touch(id)

	slog.Info("session created",
		slog.String("session_id", string(id)),
		slog.String("kind", string(params.Kind)),
		slog.String("title", params.Title),
	)
	r.bus.Publish(events.Event{
		Type:      events.SessionCreated,
		SessionID: string(id),
		Title:     params.Title,
		State:     string(s.state.Phase),
	})

	first := r.active == ""
	if first {
		r.active = id
	}

	s.Open(r.container)

	if first && !s.closed {
		surface.Focus()
		r.publishActive()
	}
	return s, nil
}

// SwitchTo makes id the active session. Other sessions keep running.
func (r *Registry) SwitchTo(id ID) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	r.touch(id)
	if r.active == id {
		s.surface.Focus()
		return nil
	}
	r.active = id
	s.surface.Focus()
	r.publishActive()
	return nil
}

// Close closes and removes a session. If it was active, the most recently
// used remaining session becomes active.
func (r *Registry) Close(id ID) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	err := s.Close()
	r.remove(id)

	slog.Info("session removed", slog.String("session_id", string(id)))
	r.bus.Publish(events.Event{Type: events.SessionClosed, SessionID: string(id)})

	if r.active == id {
		r.active = ""
		if len(r.recent) > 0 {
			r.active = r.recent[0]
			r.sessions[r.active].surface.Focus()
		}
		r.publishActive()
	}
	return err
}

// CloseAll closes every session, newest first.
func (r *Registry) CloseAll() error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		id := r.order[i]
		if err := r.sessions[id].Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
		r.bus.Publish(events.Event{Type: events.SessionClosed, SessionID: string(id)})
	}
	hadActive := r.active != ""
	r.order = nil
	r.recent = nil
	r.sessions = make(map[ID]*Session)
	r.active = ""
	if hadActive {
		r.publishActive()
	}
	return errors.Join(errs...)
}

// DispatchInjection injects command into the active session.
func (r *Registry) DispatchInjection(command string) (Delivery, error) {
	s, ok := r.Active()
	if !ok {
		return DeliveryVisualOnly, ErrNoActiveSession
	}
	return s.InjectCommand(command)
}

// Update applies a partial change reported for a session.
func (r *Registry) Update(id ID, p Patch) error {
	s, ok := r.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	prevState, prevTitle := s.state, s.title
	s.apply(p)

	if s.title != prevTitle {
		r.bus.Publish(events.Event{Type: events.TitleChanged, SessionID: string(id), Title: s.title})
	}
	if s.state != prevState {
		slog.Info("session state changed",
			slog.String("session_id", string(id)),
			slog.String("from", prevState.String()),
			slog.String("to", s.state.String()),
		)
		r.bus.Publish(events.Event{
			Type:      events.StateChanged,
			SessionID: string(id),
			State:     string(s.state.Phase),
			ExitCode:  s.state.ExitCode,
			Title:     s.title,
		})
	}
	return nil
}

// Get returns a session by id.
func (r *Registry) Get(id ID) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

// Active returns the active session.
func (r *Registry) Active() (*Session, bool) {
	if r.active == "" {
		return nil, false
	}
	return r.sessions[r.active], true
}

// ActiveID returns the active session id, or "" when empty.
func (r *Registry) ActiveID() ID {
	return r.active
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	return len(r.order)
}

// List returns session snapshots in tab order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].info(id == r.active))
	}
	return out
}

// Next activates the session after the active one, wrapping around.
func (r *Registry) Next() error {
	return r.cycle(1)
}

// Prev activates the session before the active one, wrapping around.
func (r *Registry) Prev() error {
	return r.cycle(-1)
}

func (r *Registry) cycle(step int) error {
	if r.active == "" {
		return ErrNoActiveSession
	}
	i := slices.Index(r.order, r.active)
	n := len(r.order)
	return r.SwitchTo(r.order[((i+step)%n+n)%n])
}

// Container returns the container shared by all sessions.
func (r *Registry) Container() geometry.Container {
	return r.container
}

// ResizeAll refits every session to c.
func (r *Registry) ResizeAll(c geometry.Container) {
	r.container = c
	for _, id := range r.order {
		r.sessions[id].Resize(c)
	}
}

// SetEchoWindow changes the echo window for existing and future sessions.
func (r *Registry) SetEchoWindow(d time.Duration) {
	r.env.echoWindow = d
	for _, s := range r.sessions {
		s.SetEchoWindow(d)
	}
}

// SetFitPolicy changes the fit retry policy for existing and future sessions.
func (r *Registry) SetFitPolicy(maxAttempts int, baseDelay time.Duration) {
	r.env.fitPolicy = &fitPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay}
	for _, s := range r.sessions {
		s.SetFitPolicy(maxAttempts, baseDelay)
	}
}

func (r *Registry) touch(id ID) {
	r.recent = slices.DeleteFunc(r.recent, func(x ID) bool { return x == id })
	r.recent = slices.Insert(r.recent, 0, id)
}

func (r *Registry) remove(id ID) {
	delete(r.sessions, id)
	r.order = slices.DeleteFunc(r.order, func(x ID) bool { return x == id })
	r.recent = slices.DeleteFunc(r.recent, func(x ID) bool { return x == id })
}

func (r *Registry) publishActive() {
	r.bus.Publish(events.Event{Type: events.ActiveChanged, SessionID: string(r.active)})
}
