package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/acolita/termmux/internal/events"
	"github.com/acolita/termmux/internal/geometry"
	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/testing/fakes/fakeclock"
	"github.com/acolita/termmux/internal/testing/fakes/fakeloop"
	"github.com/acolita/termmux/internal/testing/fakes/fakenotifier"
	"github.com/acolita/termmux/internal/testing/fakes/fakesurface"
	"github.com/acolita/termmux/internal/testing/fakes/faketransport"
)

var testContainer = geometry.Container{Width: 800, Height: 480, DevicePixelRatio: 1}

// harness wires a registry to fakes. Remote dials are captured and run when
// the test calls finishDials.
type harness struct {
	t        *testing.T
	clock    *fakeclock.Clock
	loop     *fakeloop.Loop
	notifier *fakenotifier.Notifier
	bus      *events.Bus
	events   <-chan events.Event
	reg      *Registry

	surfaces   map[ID]*fakesurface.Surface
	transports map[ID]*faketransport.Transport
	created    []*faketransport.Transport
	connectErr error
	ignoreCtx  bool
	dials      []func()
	nextID     int
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:          t,
		clock:      fakeclock.New(time.Unix(1700000000, 0)),
		notifier:   fakenotifier.New(),
		bus:        events.New(),
		surfaces:   make(map[ID]*fakesurface.Surface),
		transports: make(map[ID]*faketransport.Transport),
	}
	h.loop = fakeloop.New(h.clock)
	ch, cancel := h.bus.Subscribe()
	t.Cleanup(cancel)
	h.events = ch

	surfaces := func(id ID, title string) (ports.Surface, error) {
		s := fakesurface.New()
		h.surfaces[id] = s
		return s, nil
	}

	base := []Option{
		WithNotifier(h.notifier),
		WithBus(h.bus),
		WithContainer(testContainer),
		WithIDGenerator(func() ID {
			h.nextID++
			return ID(fmt.Sprintf("s%d", h.nextID))
		}),
	}
	h.reg = NewRegistry(h.loop, h.clock, ConnectorFunc(h.connect), surfaces, append(base, opts...)...)
	h.reg.env.spawn = func(fn func()) { h.dials = append(h.dials, fn) }
	return h
}

func (h *harness) connect(ctx context.Context, p Params) (ports.Transport, error) {
	if err := ctx.Err(); err != nil && !h.ignoreCtx {
		return nil, err
	}
	if h.connectErr != nil {
		return nil, h.connectErr
	}
	tr := faketransport.New()
	h.created = append(h.created, tr)
	return tr, nil
}

func (h *harness) create(kind Kind) *Session {
	h.t.Helper()
	params := Params{Kind: kind}
	if kind == KindRemote {
		params.Server = "web1"
	}
	s, err := h.reg.Create(params)
	if err != nil {
		h.t.Fatalf("Create(%s) error = %v", kind, err)
	}
	if tr, ok := s.transport.(*faketransport.Transport); ok {
		h.transports[s.ID()] = tr
	}
	return s
}

// finishDials runs captured remote dials in order.
func (h *harness) finishDials() {
	dials := h.dials
	h.dials = nil
	for _, d := range dials {
		d()
	}
	for id, s := range h.reg.sessions {
		if tr, ok := s.transport.(*faketransport.Transport); ok {
			h.transports[id] = tr
		}
	}
}

// connectedRemote creates a remote session and completes its dial.
func (h *harness) connectedRemote() *Session {
	h.t.Helper()
	s := h.create(KindRemote)
	h.finishDials()
	if s.State().Phase != PhaseConnected {
		h.t.Fatalf("remote state = %v, want connected", s.State())
	}
	return s
}

func (h *harness) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-h.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func (h *harness) checkActiveInvariant() {
	h.t.Helper()
	if h.reg.active == "" {
		if len(h.reg.sessions) != 0 {
			h.t.Fatalf("no active session but %d sessions exist", len(h.reg.sessions))
		}
		return
	}
	if _, ok := h.reg.sessions[h.reg.active]; !ok {
		h.t.Fatalf("active id %q is not a registered session", h.reg.active)
	}
}
