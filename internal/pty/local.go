// Package pty provides the local shell transport backed by a pseudo-terminal.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/acolita/termmux/internal/adapters/realfs"
	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/transport"
)

// drainTimeout bounds how long exit waits for buffered output after the
// process is gone.
const drainTimeout = 250 * time.Millisecond

// LocalPTY is a shell process attached to a pseudo-terminal. It implements
// ports.Transport and ports.WindowResizer.
type LocalPTY struct {
	transport.Listeners

	cmd   *exec.Cmd
	pty   *os.File
	shell string

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error

	readDone chan struct{}
	done     chan struct{}
}

// Options configures PTY allocation.
type Options struct {
	Shell string   // Shell to use (defaults to $SHELL or /bin/sh)
	Args  []string // Extra shell arguments
	Term  string   // Terminal type (default: xterm-256color)
	Rows  uint16   // Terminal rows (default: 24)
	Cols  uint16   // Terminal columns (default: 80)
	Dir   string   // Initial working directory
	Env   []string // Additional environment variables
	NoRC  bool     // Skip the shell's startup files
}

// DefaultOptions returns default PTY options, taking the shell from fsys.
func DefaultOptions(fsys ports.FileSystem) Options {
	return Options{
		Shell: DetectShell(fsys),
		Term:  "xterm-256color",
		Rows:  24,
		Cols:  80,
	}
}

// Start spawns the shell and begins delivering its output.
func Start(opts Options) (*LocalPTY, error) {
	if opts.Shell == "" {
		opts.Shell = DetectShell(realfs.New())
	}
	if opts.Term == "" {
		opts.Term = "xterm-256color"
	}
	if opts.Rows == 0 {
		opts.Rows = 24
	}
	if opts.Cols == 0 {
		opts.Cols = 80
	}

	args := append(noRCFlags(opts.Shell, opts.NoRC), opts.Args...)
	cmd := exec.Command(opts.Shell, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("TERM=%s", opts.Term), "TERMMUX=1")
	cmd.Env = append(cmd.Env, opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.Rows,
		Cols: opts.Cols,
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &LocalPTY{
		cmd:      cmd,
		pty:      ptmx,
		shell:    opts.Shell,
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go p.readLoop()
	go p.waitLoop()

	slog.Debug("local pty started",
		slog.String("shell", opts.Shell),
		slog.Int("pid", cmd.Process.Pid),
	)
	return p, nil
}

func (p *LocalPTY) readLoop() {
	defer close(p.readDone)
	if err := transport.Pump(p.pty, &p.Listeners); err != nil && !isHangup(err) {
		slog.Debug("pty read ended", slog.String("error", err.Error()))
	}
}

func (p *LocalPTY) waitLoop() {
	defer close(p.done)
	code := exitCode(p.cmd.Wait())

	select {
	case <-p.readDone:
	case <-time.After(drainTimeout):
	}
	p.EmitExit(code)
}

// Shell returns the shell being used.
func (p *LocalPTY) Shell() string {
	return p.shell
}

// Pid returns the shell's process id.
func (p *LocalPTY) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Send writes p to the shell's input.
func (p *LocalPTY) Send(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	_, err := p.pty.Write(b)
	return err
}

// ResizeWindow sets the terminal size seen by the shell.
func (p *LocalPTY) ResizeWindow(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed
	}
	return pty.Setsize(p.pty, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Signal sends a signal to the shell process.
func (p *LocalPTY) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

// Done is closed after the exit callback has run.
func (p *LocalPTY) Done() <-chan struct{} {
	return p.done
}

// Close hangs up the shell and releases the PTY. Closing twice is a no-op.
func (p *LocalPTY) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		if p.cmd.Process != nil {
			if err := p.cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
				slog.Debug("hangup failed", slog.String("error", err.Error()))
			}
		}
		if err := p.pty.Close(); err != nil {
			p.closeErr = fmt.Errorf("close pty: %w", err)
		}

		go func() {
			select {
			case <-p.done:
			case <-time.After(2 * time.Second):
				if p.cmd.Process != nil {
					_ = p.cmd.Process.Kill()
				}
			}
		}()
	})
	return p.closeErr
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return transport.ExitUnknown
}

// isHangup reports the error Linux returns from a PTY master once the
// slave side has gone away.
func isHangup(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr.Err, syscall.EIO) || errors.Is(pathErr.Err, os.ErrClosed)
	}
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

// noRCFlags returns the flags that stop a shell from reading startup files.
func noRCFlags(shell string, noRC bool) []string {
	if !noRC {
		return nil
	}
	switch filepath.Base(shell) {
	case "bash":
		return []string{"--norc", "--noprofile"}
	case "zsh":
		return []string{"--no-rcs", "--no-globalrcs"}
	case "fish":
		return []string{"--no-config"}
	}
	return nil
}

// DetectShell returns $SHELL, or the first of bash, zsh and sh that exists.
func DetectShell(fsys ports.FileSystem) string {
	if shell := fsys.Getenv("SHELL"); shell != "" {
		return shell
	}

	shells := []string{"/bin/bash", "/bin/zsh", "/bin/sh"}
	for _, shell := range shells {
		if _, err := fsys.Stat(shell); err == nil {
			return shell
		}
	}

	return "/bin/sh"
}

var (
	_ ports.Transport     = (*LocalPTY)(nil)
	_ ports.WindowResizer = (*LocalPTY)(nil)
)
