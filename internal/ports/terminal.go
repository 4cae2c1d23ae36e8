package ports

// Transport is a bidirectional byte channel to a local process or remote shell.
//
// Callbacks registered with OnData and OnExit fire on the transport's own
// goroutine. Data callbacks are delivered in arrival order.
type Transport interface {
	// Send writes p to the remote end. It is best-effort.
	Send(p []byte) error

	// OnData registers fn for inbound bytes and returns a function that
	// removes the registration.
	OnData(fn func(p []byte)) (unsubscribe func())

	// OnExit registers fn for the end of the stream. code is the process exit
	// status for local shells and -1 when unknown.
	OnExit(fn func(code int)) (unsubscribe func())

	// Close releases the transport. Closing twice is a no-op.
	Close() error
}

// WindowResizer is implemented by transports that negotiate terminal geometry.
type WindowResizer interface {
	ResizeWindow(cols, rows int) error
}

// Surface is the terminal display a session renders into.
type Surface interface {
	// Write renders bytes produced by the session.
	Write(p []byte) error

	// OnInput registers fn for bytes typed by the user.
	OnInput(fn func(p []byte)) (unsubscribe func())

	// Resize sets the character grid.
	Resize(cols, rows int) error

	// HasSelection reports whether text is selected.
	HasSelection() bool

	// Selection returns the selected text.
	Selection() string

	// Focus gives the surface input focus.
	Focus()
}

// Overlay is implemented by surfaces that can show an inert overlay which
// blocks input, e.g. while the connection is down.
type Overlay interface {
	ShowOverlay(message string)
	HideOverlay()
}

// Level is the severity of a user notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notifier surfaces short messages to the user. It is fire-and-forget.
type Notifier interface {
	Notify(message string, level Level)
}

// Disposable is implemented by surfaces that hold resources to release when
// their session closes.
type Disposable interface {
	Dispose()
}
