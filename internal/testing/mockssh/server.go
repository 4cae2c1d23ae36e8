// Package mockssh provides an in-process SSH server for testing.
package mockssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"github.com/creack/pty"
	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"
)

// Window is a terminal size reported by a client.
type Window struct {
	Cols int
	Rows int
}

// Server is a mock SSH server listening on a loopback port.
type Server struct {
	server   *gliderssh.Server
	listener net.Listener
	addr     string
	hostKey  ssh.PublicKey

	shell   string
	handler gliderssh.Handler

	mu       sync.Mutex
	users    map[string]string // username -> password
	windows  []Window
	terms    []string
	sessions int

	done chan struct{}
}

// Option configures the mock SSH server.
type Option func(*Server)

// WithShell sets the program run for interactive sessions.
func WithShell(shell string) Option {
	return func(s *Server) {
		s.shell = shell
	}
}

// WithUser adds a user/password pair for authentication.
func WithUser(username, password string) Option {
	return func(s *Server) {
		s.users[username] = password
	}
}

// WithHandler replaces the shell with a scripted session handler. Window
// sizes are still recorded.
func WithHandler(h gliderssh.Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// New starts a mock SSH server on 127.0.0.1 with a random port.
func New(opts ...Option) (*Server, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}

	s := &Server{
		shell:   "/bin/sh",
		users:   map[string]string{"test": "test"},
		hostKey: signer.PublicKey(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &gliderssh.Server{
		Handler:         s.handleSession,
		PasswordHandler: s.handlePassword,
	}
	s.server.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.addr = listener.Addr().String()

	go func() {
		defer close(s.done)
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, gliderssh.ErrServerClosed) {
			slog.Debug("mock ssh server stopped", slog.String("error", err.Error()))
		}
	}()

	slog.Debug("mock ssh server started", slog.String("addr", s.addr))
	return s, nil
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.addr
}

// Host returns the host part of the address.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.addr)
	return host
}

// Port returns the port the server is listening on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.addr)
	n, _ := strconv.Atoi(port)
	return n
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey
}

// Windows returns every terminal size seen, initial PTY sizes included.
func (s *Server) Windows() []Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Window(nil), s.windows...)
}

// Terms returns the TERM value of every PTY request.
func (s *Server) Terms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terms...)
}

// Sessions returns how many sessions have been opened.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Close stops the server and drops every open connection.
func (s *Server) Close() error {
	err := s.server.Close()
	<-s.done
	if errors.Is(err, gliderssh.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handlePassword(ctx gliderssh.Context, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.users[ctx.User()]
	return ok && password == want
}

func (s *Server) recordWindow(w gliderssh.Window) {
	s.mu.Lock()
	s.windows = append(s.windows, Window{Cols: w.Width, Rows: w.Height})
	s.mu.Unlock()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()

	ptyReq, winCh, ok := sess.Pty()
	if !ok {
		_, _ = io.WriteString(sess.Stderr(), "pty required\n")
		_ = sess.Exit(1)
		return
	}
	s.mu.Lock()
	s.terms = append(s.terms, ptyReq.Term)
	s.mu.Unlock()
	s.recordWindow(ptyReq.Window)

	if s.handler != nil {
		go func() {
			for w := range winCh {
				s.recordWindow(w)
			}
		}()
		s.handler(sess)
		return
	}
	s.runShell(sess, ptyReq, winCh)
}

func (s *Server) runShell(sess gliderssh.Session, ptyReq gliderssh.Pty, winCh <-chan gliderssh.Window) {
	cmd := exec.Command(s.shell)
	cmd.Env = append(sess.Environ(), "TERM="+ptyReq.Term, "PS1=$ ")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(ptyReq.Window.Width),
		Rows: uint16(ptyReq.Window.Height),
	})
	if err != nil {
		_, _ = fmt.Fprintf(sess.Stderr(), "start shell: %v\n", err)
		_ = sess.Exit(1)
		return
	}
	defer f.Close()

	go func() {
		for w := range winCh {
			s.recordWindow(w)
			_ = pty.Setsize(f, &pty.Winsize{Cols: uint16(w.Width), Rows: uint16(w.Height)})
		}
	}()
	go func() {
		_, _ = io.Copy(f, sess)
	}()
	go func() {
		<-sess.Context().Done()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()

	_, _ = io.Copy(sess, f)

	code := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	_ = sess.Exit(code)
}
