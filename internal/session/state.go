// Package session binds transports to terminal surfaces and tracks the set of
// open sessions behind a single display.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acolita/termmux/internal/geometry"
	"github.com/acolita/termmux/internal/ports"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoActiveSession is returned when routing requires an active session
	// and the registry is empty.
	ErrNoActiveSession = errors.New("no active session")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrTooManySessions is returned by Create when the limit is reached.
	ErrTooManySessions = errors.New("too many sessions")
	// ErrEmptyCommand is returned when injecting an empty command.
	ErrEmptyCommand = errors.New("empty command")
)

// ID identifies a session for its whole lifetime.
type ID string

// Kind selects the transport a session uses.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// ParseKind converts a user-supplied kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindLocal, KindRemote:
		return Kind(s), nil
	case "ssh":
		return KindRemote, nil
	}
	return "", fmt.Errorf("unknown session kind %q", s)
}

// Phase is the connection phase of a session.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseExited       Phase = "exited"
)

// ConnState is a session's connection state. ExitCode is only meaningful in
// PhaseExited.
type ConnState struct {
	Phase    Phase
	ExitCode int
}

func Connecting() ConnState   { return ConnState{Phase: PhaseConnecting} }
func Connected() ConnState    { return ConnState{Phase: PhaseConnected} }
func Disconnected() ConnState { return ConnState{Phase: PhaseDisconnected} }
func Exited(code int) ConnState {
	return ConnState{Phase: PhaseExited, ExitCode: code}
}

func (s ConnState) String() string {
	if s.Phase == PhaseExited {
		return fmt.Sprintf("exited(%d)", s.ExitCode)
	}
	return string(s.Phase)
}

// Patch is a partial update to a session. Nil fields are left unchanged.
type Patch struct {
	State *ConnState
	Title *string
}

// Delivery describes what happened to an injected command.
type Delivery int

const (
	// DeliverySent means the command reached the transport.
	DeliverySent Delivery = iota
	// DeliveryVisualOnly means the command was only written to the surface
	// because the session is not connected.
	DeliveryVisualOnly
)

func (d Delivery) String() string {
	if d == DeliveryVisualOnly {
		return "visual-only"
	}
	return "sent"
}

// Params describes the session to open.
type Params struct {
	Kind  Kind
	Title string
	// Server names a configured server for remote sessions.
	Server string
	// Shell overrides the local shell.
	Shell string
	// Size is the grid the transport should start with. The session fills
	// it from the current geometry when known.
	Size geometry.Size
}

// Connector establishes transports. Local connects run on the event thread
// and must not block for long; remote connects run on their own goroutine
// and must honour ctx.
type Connector interface {
	Connect(ctx context.Context, params Params) (ports.Transport, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, params Params) (ports.Transport, error)

// Connect implements Connector.
func (f ConnectorFunc) Connect(ctx context.Context, params Params) (ports.Transport, error) {
	return f(ctx, params)
}

// SurfaceFactory creates the display for a new session.
type SurfaceFactory func(id ID, title string) (ports.Surface, error)

// Recorder captures a session's traffic.
type Recorder interface {
	RecordOutput(data string) error
	RecordInput(data string) error
	RecordResize(cols, rows int) error
	Close() error
}

// RecorderFactory starts a recording for a new session. It may return a nil
// Recorder to skip recording.
type RecorderFactory func(id ID, params Params) (Recorder, error)

// Info is a snapshot of a session for display.
type Info struct {
	ID        ID
	Kind      Kind
	Title     string
	Server    string
	State     ConnState
	Geometry  geometry.Size
	Active    bool
	CreatedAt time.Time
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, ports.Level) {}
