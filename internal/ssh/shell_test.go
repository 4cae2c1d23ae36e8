package ssh

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"

	"github.com/acolita/termmux/internal/testing/mockssh"
	"github.com/acolita/termmux/internal/transport"
)

// scriptedShell greets, echoes each line back and exits on "exit N".
func scriptedShell(sess gliderssh.Session) {
	_, _ = io.WriteString(sess, "ready\r\n")
	r := bufio.NewReader(sess)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if rest, ok := strings.CutPrefix(line, "exit "); ok {
			code, _ := strconv.Atoi(rest)
			_ = sess.Exit(code)
			return
		}
		_, _ = io.WriteString(sess, "got:"+line+"\r\n")
	}
}

type collector struct {
	mu   sync.Mutex
	out  strings.Builder
	exit chan int
}

func collect(s *Shell) *collector {
	c := &collector{exit: make(chan int, 1)}
	s.OnData(func(p []byte) {
		c.mu.Lock()
		c.out.Write(p)
		c.mu.Unlock()
	})
	s.OnExit(func(code int) { c.exit <- code })
	return c
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *collector) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(c.String(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output %q never contained %q", c.String(), substr)
}

func (c *collector) waitExit(t *testing.T) int {
	t.Helper()
	select {
	case code := <-c.exit:
		return code
	case <-time.After(5 * time.Second):
		t.Fatal("exit was not reported")
		return 0
	}
}

func openScripted(t *testing.T, opts ShellOptions) (*mockssh.Server, *Client, *Shell) {
	t.Helper()
	server, err := mockssh.New(mockssh.WithHandler(scriptedShell))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { server.Close() })

	client, err := NewClient(testClientOptions(server))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	shell, err := OpenShell(context.Background(), client, opts)
	if err != nil {
		t.Fatalf("OpenShell() error = %v", err)
	}
	t.Cleanup(func() { shell.Close() })
	return server, client, shell
}

func TestShell_RoundTripAndExitCode(t *testing.T) {
	server, _, shell := openScripted(t, ShellOptions{})
	out := collect(shell)

	out.waitFor(t, "ready")
	if err := shell.Send([]byte("hello\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	out.waitFor(t, "got:hello")

	if terms := server.Terms(); len(terms) != 1 || terms[0] != "xterm-256color" {
		t.Errorf("terms = %v, want [xterm-256color]", terms)
	}
	if w := server.Windows(); len(w) == 0 || w[0] != (mockssh.Window{Cols: 80, Rows: 24}) {
		t.Errorf("initial window = %v, want 80x24", w)
	}

	if err := shell.Send([]byte("exit 7\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if code := out.waitExit(t); code != 7 {
		t.Errorf("exit code = %d, want 7", code)
	}
	select {
	case <-shell.Done():
	case <-time.After(time.Second):
		t.Error("Done() not closed after exit")
	}
}

func TestShell_ResizeWindow(t *testing.T) {
	server, _, shell := openScripted(t, ShellOptions{Term: "xterm", Cols: 100, Rows: 30})
	out := collect(shell)
	out.waitFor(t, "ready")

	if err := shell.ResizeWindow(132, 43); err != nil {
		t.Fatalf("ResizeWindow() error = %v", err)
	}
	if cols, rows := shell.Size(); cols != 132 || rows != 43 {
		t.Errorf("Size() = %dx%d, want 132x43", cols, rows)
	}

	want := []mockssh.Window{{Cols: 100, Rows: 30}, {Cols: 132, Rows: 43}}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.Windows()) >= len(want) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	got := server.Windows()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("windows = %v, want %v", got, want)
	}
	if shell.Term() != "xterm" {
		t.Errorf("Term() = %q", shell.Term())
	}
}

func TestShell_CloseIsIdempotent(t *testing.T) {
	_, client, shell := openScripted(t, ShellOptions{})
	out := collect(shell)
	out.waitFor(t, "ready")

	if err := shell.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := shell.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := shell.Send([]byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send() after Close = %v, want ErrClosed", err)
	}
	if err := shell.ResizeWindow(10, 10); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("ResizeWindow() after Close = %v, want ErrClosed", err)
	}
	out.waitExit(t)

	if !client.IsConnected() {
		t.Error("closing a shell that does not own its client closed the client")
	}
}

func TestShell_OwnedClientClosedWithShell(t *testing.T) {
	_, client, shell := openScripted(t, ShellOptions{OwnClient: true})
	out := collect(shell)
	out.waitFor(t, "ready")

	if err := shell.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("owned client still connected after Close")
	}
}

func TestShell_ConnectionDropReportsUnknownExit(t *testing.T) {
	server, _, shell := openScripted(t, ShellOptions{})
	out := collect(shell)
	out.waitFor(t, "ready")

	server.Close()

	if code := out.waitExit(t); code != transport.ExitUnknown {
		t.Errorf("exit code = %d, want %d", code, transport.ExitUnknown)
	}
}

func TestShell_RealShell(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := NewClient(testClientOptions(server))
	if err != nil {
		t.Fatal(err)
	}
	shell, err := OpenShell(context.Background(), client, ShellOptions{OwnClient: true})
	if err != nil {
		t.Fatalf("OpenShell() error = %v", err)
	}
	defer shell.Close()
	out := collect(shell)

	if err := shell.Send([]byte("echo termmux-$((40+2))\n")); err != nil {
		t.Fatal(err)
	}
	out.waitFor(t, "termmux-42")

	if err := shell.Send([]byte("exit 3\n")); err != nil {
		t.Fatal(err)
	}
	if code := out.waitExit(t); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}
