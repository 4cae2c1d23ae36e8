package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/transport"
)

// drainTimeout bounds how long exit waits for the output pumps once the
// remote shell has finished.
const drainTimeout = 250 * time.Millisecond

// Shell is an interactive login shell on a remote host. It implements
// ports.Transport and ports.WindowResizer.
type Shell struct {
	transport.Listeners

	client  *Client
	owned   bool
	session *ssh.Session
	stdin   io.WriteCloser

	mu   sync.Mutex
	term string
	rows int
	cols int

	closed    bool
	closeOnce sync.Once
	closeErr  error

	pumps sync.WaitGroup
	done  chan struct{}
}

// ShellOptions configures PTY allocation on the remote side.
type ShellOptions struct {
	Term string            // Terminal type (default: xterm-256color)
	Rows int               // Terminal rows (default: 24)
	Cols int               // Terminal columns (default: 80)
	Env  map[string]string // Environment variables to request

	// OwnClient makes Close also close the underlying client.
	OwnClient bool
}

// DefaultShellOptions returns default shell options.
func DefaultShellOptions() ShellOptions {
	return ShellOptions{
		Term: "xterm-256color",
		Rows: 24,
		Cols: 80,
	}
}

// OpenShell starts a login shell on client, connecting first if needed.
func OpenShell(ctx context.Context, client *Client, opts ShellOptions) (*Shell, error) {
	if !client.IsConnected() {
		if err := client.Connect(ctx); err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
	}

	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, err
	}

	for key, value := range opts.Env {
		// Servers commonly refuse Setenv; the shell still works without it.
		if err := session.Setenv(key, value); err != nil {
			slog.Debug("ssh setenv refused", slog.String("key", key))
		}
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	s := &Shell{
		client:  client,
		owned:   opts.OwnClient,
		session: session,
		stdin:   stdin,
		term:    opts.Term,
		rows:    opts.Rows,
		cols:    opts.Cols,
		done:    make(chan struct{}),
	}
	s.pumps.Add(2)
	go s.pump(stdout)
	go s.pump(stderr)
	go s.wait()

	slog.Debug("ssh shell started",
		slog.String("addr", client.Addr()),
		slog.String("term", opts.Term),
	)
	return s, nil
}

func (s *Shell) pump(r io.Reader) {
	defer s.pumps.Done()
	if err := transport.Pump(r, &s.Listeners); err != nil {
		slog.Debug("ssh read ended", slog.String("error", err.Error()))
	}
}

func (s *Shell) wait() {
	defer close(s.done)
	code := exitCode(s.session.Wait())

	drained := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
	}
	s.EmitExit(code)
}

// Send writes p to the remote shell's input.
func (s *Shell) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	_, err := s.stdin.Write(p)
	return err
}

// ResizeWindow tells the remote side about a new terminal size.
func (s *Shell) ResizeWindow(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrClosed
	}
	if err := s.session.WindowChange(rows, cols); err != nil {
		return fmt.Errorf("window change: %w", err)
	}
	s.rows = rows
	s.cols = cols
	return nil
}

// Signal sends a signal to the remote process.
func (s *Shell) Signal(sig ssh.Signal) error {
	return s.session.Signal(sig)
}

// Size returns the last negotiated terminal size.
func (s *Shell) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Term returns the terminal type.
func (s *Shell) Term() string {
	return s.term
}

// Done is closed after the exit callback has run.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// Close ends the remote session and, when owned, the connection. Closing
// twice is a no-op.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
			s.closeErr = fmt.Errorf("close session: %w", err)
		}
		if s.owned {
			if err := s.client.Close(); err != nil && s.closeErr == nil {
				s.closeErr = fmt.Errorf("close client: %w", err)
			}
		}
	})
	return s.closeErr
}

// exitCode extracts the remote exit status. Anything other than a clean exit
// or an exit-status message, such as a dropped connection, is unknown.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return transport.ExitUnknown
}

var (
	_ ports.Transport     = (*Shell)(nil)
	_ ports.WindowResizer = (*Shell)(nil)
)
