// Package ssh provides the remote shell transport over SSH.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/acolita/termmux/internal/adapters/realclock"
	"github.com/acolita/termmux/internal/adapters/realsshdialer"
	"github.com/acolita/termmux/internal/ports"
	"golang.org/x/crypto/ssh"
)

// ErrNotConnected is returned when a session is requested before Connect.
var ErrNotConnected = errors.New("not connected")

// Client manages one SSH connection to a remote host.
type Client struct {
	conn   *ssh.Client
	config *ssh.ClientConfig
	host   string
	port   int
	mu     sync.Mutex

	keepaliveInterval time.Duration
	keepaliveStop     chan struct{}
	onLost            func(error)

	clock  ports.Clock
	dialer ports.SSHDialer
}

// ClientOptions configures SSH client behavior.
type ClientOptions struct {
	Host              string
	Port              int
	User              string
	AuthMethods       []ssh.AuthMethod
	HostKeyCallback   ssh.HostKeyCallback
	Timeout           time.Duration
	KeepaliveInterval time.Duration
	Clock             ports.Clock
	Dialer            ports.SSHDialer

	// OnConnectionLost is called once when a keepalive fails and the
	// connection is torn down.
	OnConnectionLost func(error)
}

// NewClient creates a new SSH client with the given options.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if opts.User == "" {
		return nil, fmt.Errorf("user is required")
	}
	if len(opts.AuthMethods) == 0 {
		return nil, fmt.Errorf("at least one auth method is required")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.HostKeyCallback == nil {
		return nil, fmt.Errorf("host key callback is required")
	}

	clk := opts.Clock
	if clk == nil {
		clk = realclock.New()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = realsshdialer.New()
	}

	return &Client{
		config: &ssh.ClientConfig{
			User:            opts.User,
			Auth:            opts.AuthMethods,
			HostKeyCallback: opts.HostKeyCallback,
			Timeout:         opts.Timeout,
		},
		host:              opts.Host,
		port:              opts.Port,
		keepaliveInterval: opts.KeepaliveInterval,
		onLost:            opts.OnConnectionLost,
		clock:             clk,
		dialer:            dial,
	}, nil
}

// Connect establishes the SSH connection. It is a no-op when already
// connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	addr := c.Addr()
	conn, err := c.dialer.Dial(ctx, "tcp", addr, c.config)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", addr, err)
	}

	c.conn = conn
	c.keepaliveStop = make(chan struct{})
	go c.keepalive(conn, c.keepaliveStop)

	slog.Debug("ssh connected", slog.String("addr", addr), slog.String("user", c.config.User))
	return nil
}

// keepalive probes the connection until stop is closed. A failed probe
// closes the connection, which ends every session running on it.
func (c *Client) keepalive(conn *ssh.Client, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			if _, _, err := conn.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.lost(conn, err)
				return
			}
		}
	}
}

func (c *Client) lost(conn *ssh.Client, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.keepaliveStop = nil
	onLost := c.onLost
	c.mu.Unlock()

	slog.Warn("ssh keepalive failed",
		slog.String("addr", c.Addr()),
		slog.String("error", err.Error()),
	)
	_ = conn.Close()
	if onLost != nil {
		onLost(err)
	}
}

// NewSession creates a new SSH session on the connection.
func (c *Client) NewSession() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, ErrNotConnected
	}

	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return session, nil
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keepaliveStop != nil {
		close(c.keepaliveStop)
		c.keepaliveStop = nil
	}

	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Port returns the target port.
func (c *Client) Port() int {
	return c.port
}

// Addr returns host:port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// RemoteAddr returns the remote address if connected.
func (c *Client) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.RemoteAddr()
	}
	return nil
}
