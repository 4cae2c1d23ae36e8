package ssh

import (
	"context"
	"errors"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/acolita/termmux/internal/testing/fakes/fakeclock"
	"github.com/acolita/termmux/internal/testing/fakes/fakesshdialer"
	"github.com/acolita/termmux/internal/testing/mockssh"
)

func testClientOptions(server *mockssh.Server) ClientOptions {
	return ClientOptions{
		Host:            server.Host(),
		Port:            server.Port(),
		User:            "test",
		AuthMethods:     []gossh.AuthMethod{PasswordAuth("test")},
		HostKeyCallback: gossh.FixedHostKey(server.HostKey()),
		Timeout:         5 * time.Second,
	}
}

func TestNewClient_Validation(t *testing.T) {
	auth := []gossh.AuthMethod{PasswordAuth("pw")}
	hk := InsecureHostKeyCallback()

	tests := []struct {
		name string
		opts ClientOptions
	}{
		{"missing host", ClientOptions{User: "u", AuthMethods: auth, HostKeyCallback: hk}},
		{"missing user", ClientOptions{Host: "h", AuthMethods: auth, HostKeyCallback: hk}},
		{"missing auth", ClientOptions{Host: "h", User: "u", HostKeyCallback: hk}},
		{"missing host key callback", ClientOptions{Host: "h", User: "u", AuthMethods: auth}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClient(tt.opts); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(ClientOptions{
		Host:            "web1",
		User:            "deploy",
		AuthMethods:     []gossh.AuthMethod{PasswordAuth("pw")},
		HostKeyCallback: InsecureHostKeyCallback(),
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.Port() != 22 {
		t.Errorf("Port() = %d, want 22", c.Port())
	}
	if c.Addr() != "web1:22" {
		t.Errorf("Addr() = %q", c.Addr())
	}
	if c.User() != "deploy" {
		t.Errorf("User() = %q", c.User())
	}
	if c.IsConnected() {
		t.Error("new client reports connected")
	}
	if _, err := c.NewSession(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("NewSession() before Connect = %v, want ErrNotConnected", err)
	}
}

func TestClient_ConnectDialError(t *testing.T) {
	dialer := fakesshdialer.New()
	dialer.SetError(errors.New("connection refused"))

	c, err := NewClient(ClientOptions{
		Host:            "web1",
		Port:            2222,
		User:            "deploy",
		AuthMethods:     []gossh.AuthMethod{PasswordAuth("pw")},
		HostKeyCallback: InsecureHostKeyCallback(),
		Dialer:          dialer,
	})
	if err != nil {
		t.Fatal(err)
	}

	err = c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected dial error")
	}
	calls := dialer.Calls()
	if len(calls) != 1 || calls[0].Addr != "web1:2222" || calls[0].Network != "tcp" {
		t.Errorf("dial calls = %+v", calls)
	}
	if calls[0].Config.User != "deploy" {
		t.Errorf("dial user = %q", calls[0].Config.User)
	}
	if c.IsConnected() {
		t.Error("client reports connected after failed dial")
	}
}

func TestClient_ConnectCancelled(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	c, err := NewClient(testClientOptions(server))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Connect(ctx); err == nil {
		c.Close()
		t.Fatal("expected Connect with a cancelled context to fail")
	}
}

func TestClient_ConnectAndClose(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	c, err := NewClient(testClientOptions(server))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !c.IsConnected() || c.RemoteAddr() == nil {
		t.Fatal("expected connected client")
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Errorf("second Connect() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if c.IsConnected() {
		t.Error("client still connected after Close")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClient_WrongPassword(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	opts := testClientOptions(server)
	opts.AuthMethods = []gossh.AuthMethod{PasswordAuth("wrong")}
	c, err := NewClient(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err == nil {
		c.Close()
		t.Fatal("expected authentication failure")
	}
}

func TestClient_KeepaliveFailureReportsLoss(t *testing.T) {
	server, err := mockssh.New()
	if err != nil {
		t.Fatal(err)
	}

	clk := fakeclock.New(time.Now())
	lost := make(chan error, 1)
	opts := testClientOptions(server)
	opts.Clock = clk
	opts.KeepaliveInterval = time.Second
	opts.OnConnectionLost = func(err error) { lost <- err }

	c, err := NewClient(opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close()

	server.Close()

	deadline := time.After(5 * time.Second)
	for {
		clk.TickAll()
		select {
		case err := <-lost:
			if err == nil {
				t.Error("OnConnectionLost called with nil error")
			}
			if c.IsConnected() {
				t.Error("client still connected after keepalive failure")
			}
			return
		case <-deadline:
			t.Fatal("OnConnectionLost was not called")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
