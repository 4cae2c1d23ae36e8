// Package mux wires sessions, the console, the control endpoint and the
// configuration into the running multiplexer.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	gossh "golang.org/x/crypto/ssh"

	"github.com/acolita/termmux/internal/adapters/realclock"
	"github.com/acolita/termmux/internal/adapters/realfs"
	"github.com/acolita/termmux/internal/adapters/realsshdialer"
	"github.com/acolita/termmux/internal/config"
	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/pty"
	"github.com/acolita/termmux/internal/security"
	"github.com/acolita/termmux/internal/session"
	"github.com/acolita/termmux/internal/ssh"
)

// ErrUnknownServer is returned for a remote session naming no configured server.
var ErrUnknownServer = errors.New("unknown server")

// Secrets looks up stored credentials. A missing entry is nil, nil.
type Secrets interface {
	ServerPassword(server, user string) ([]byte, error)
	Passphrase(keyPath string) ([]byte, error)
}

// Connector opens local shells on a PTY and remote shells over SSH, using
// the current configuration.
type Connector struct {
	config  func() *config.Config
	secrets Secrets
	dialer  ports.SSHDialer
	clock   ports.Clock
	fs      ports.FileSystem

	mu        sync.Mutex
	hostKeys  gossh.HostKeyCallback
	knownPath string
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithSecrets sets the credential store.
func WithSecrets(s Secrets) ConnectorOption {
	return func(c *Connector) {
		c.secrets = s
	}
}

// WithSSHDialer sets the dialer used for SSH connections.
func WithSSHDialer(d ports.SSHDialer) ConnectorOption {
	return func(c *Connector) {
		c.dialer = d
	}
}

// WithConnectorClock sets the clock used for SSH keepalives.
func WithConnectorClock(clk ports.Clock) ConnectorOption {
	return func(c *Connector) {
		c.clock = clk
	}
}

// WithConnectorFileSystem sets where the login shell and *_env credential
// settings are looked up.
func WithConnectorFileSystem(fsys ports.FileSystem) ConnectorOption {
	return func(c *Connector) {
		c.fs = fsys
	}
}

// NewConnector creates a connector reading the configuration through cfg
// on every connect, so reloads apply to new sessions.
func NewConnector(cfg func() *config.Config, opts ...ConnectorOption) *Connector {
	c := &Connector{
		config: cfg,
		dialer: realsshdialer.New(),
		clock:  realclock.New(),
		fs:     realfs.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect implements session.Connector.
func (c *Connector) Connect(ctx context.Context, params session.Params) (ports.Transport, error) {
	if params.Kind == session.KindRemote {
		return c.connectRemote(ctx, params)
	}
	return c.connectLocal(params)
}

func (c *Connector) connectLocal(params session.Params) (ports.Transport, error) {
	cfg := c.config()
	opts := pty.DefaultOptions(c.fs)
	if cfg.Shell.Path != "" {
		opts.Shell = cfg.Shell.Path
	}
	if params.Shell != "" {
		opts.Shell = params.Shell
	}
	if cfg.Shell.Term != "" {
		opts.Term = cfg.Shell.Term
	}
	opts.Args = cfg.Shell.Args
	opts.NoRC = !cfg.Shell.SourceRC
	if params.Size.Valid() {
		opts.Cols = uint16(params.Size.Cols)
		opts.Rows = uint16(params.Size.Rows)
	}

	p, err := pty.Start(opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Connector) connectRemote(ctx context.Context, params session.Params) (ports.Transport, error) {
	cfg := c.config()
	srv, ok := cfg.FindServer(params.Server)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, params.Server)
	}

	auth, err := c.authMethods(cfg, srv)
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback(cfg.Security)
	if err != nil {
		return nil, err
	}

	name := srv.Name
	client, err := ssh.NewClient(ssh.ClientOptions{
		Host:              srv.Host,
		Port:              srv.Port,
		User:              srv.User,
		AuthMethods:       auth,
		HostKeyCallback:   hostKeys,
		KeepaliveInterval: srv.Keepalive,
		Clock:             c.clock,
		Dialer:            c.dialer,
		OnConnectionLost: func(err error) {
			slog.Warn("ssh connection lost",
				slog.String("server", name),
				slog.String("error", err.Error()),
			)
		},
	})
	if err != nil {
		return nil, err
	}

	opts := ssh.DefaultShellOptions()
	if srv.Term != "" {
		opts.Term = srv.Term
	}
	if params.Size.Valid() {
		opts.Cols, opts.Rows = params.Size.Cols, params.Size.Rows
	}
	opts.OwnClient = true

	shell, err := ssh.OpenShell(ctx, client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	slog.Info("ssh shell opened",
		slog.String("server", name),
		slog.String("addr", client.Addr()),
		slog.String("user", srv.User),
	)
	return shell, nil
}

// authMethods resolves the credentials for srv. Secrets are wiped once the
// auth methods hold their own copies.
func (c *Connector) authMethods(cfg *config.Config, srv config.ServerConfig) ([]gossh.AuthMethod, error) {
	password := c.secret(srv.Auth.PasswordEnv, func() ([]byte, error) {
		if !cfg.Security.UseKeyring {
			return nil, nil
		}
		return c.secrets.ServerPassword(srv.Name, srv.User)
	})
	defer security.WipeBytes(password)

	keyPath := srv.Auth.KeyPath
	passphrase := c.secret(srv.Auth.PassphraseEnv, func() ([]byte, error) {
		if !cfg.Security.UseKeyring || keyPath == "" {
			return nil, nil
		}
		return c.secrets.Passphrase(keyPath)
	})
	defer security.WipeBytes(passphrase)

	methods, err := ssh.BuildAuthMethods(ssh.AuthConfig{
		KeyPath:       keyPath,
		KeyPassphrase: string(passphrase),
		UseAgent:      srv.Auth.UseAgent,
		Password:      string(password),
		Host:          srv.Host,
	})
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", srv.Name, err)
	}
	return methods, nil
}

// secret prefers the named environment variable and falls back to stored.
func (c *Connector) secret(env string, stored func() ([]byte, error)) []byte {
	if env != "" {
		if v := c.fs.Getenv(env); v != "" {
			return []byte(v)
		}
	}
	if c.secrets == nil {
		return nil
	}
	v, err := stored()
	if err != nil {
		slog.Debug("stored credential unavailable", slog.String("error", err.Error()))
		return nil
	}
	return v
}

// hostKeyCallback returns the known_hosts checker, rebuilt when the path
// changes.
func (c *Connector) hostKeyCallback(sec config.SecurityConfig) (gossh.HostKeyCallback, error) {
	if sec.InsecureIgnoreHostKey {
		return ssh.InsecureHostKeyCallback(), nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hostKeys != nil && c.knownPath == sec.KnownHostsPath {
		return c.hostKeys, nil
	}
	cb, err := ssh.BuildHostKeyCallback(sec.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known hosts: %w", err)
	}
	c.hostKeys, c.knownPath = cb, sec.KnownHostsPath
	return cb, nil
}

// ServerLabel is "user@host:port" for display.
func ServerLabel(srv config.ServerConfig) string {
	port := srv.Port
	if port == 0 {
		port = 22
	}
	return srv.User + "@" + srv.Host + ":" + strconv.Itoa(port)
}

var _ session.Connector = (*Connector)(nil)
