// Package control exposes the multiplexer to MCP clients over streamable
// HTTP: listing, creating, switching and closing sessions, and injecting
// commands into the active one.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/acolita/termmux/internal/commands"
	"github.com/acolita/termmux/internal/session"
)

// Version is reported to MCP clients.
var Version = "dev"

// shutdownTimeout bounds how long Serve waits for open requests on exit.
const shutdownTimeout = 2 * time.Second

// Runner runs fn on the event thread and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func() error) error
}

// Server is the MCP control endpoint. Every tool call touching sessions is
// executed on the event thread through the Runner.
type Server struct {
	mcpServer *server.MCPServer
	runner    Runner
	registry  *session.Registry
	commands  *commands.Store
	servers   func(name string) bool
}

// Option configures a Server.
type Option func(*Server)

// WithCommands enables inject_saved_command.
func WithCommands(store *commands.Store) Option {
	return func(s *Server) {
		s.commands = store
	}
}

// WithServerLookup lets session_create reject unknown server names.
func WithServerLookup(fn func(name string) bool) Option {
	return func(s *Server) {
		s.servers = fn
	}
}

// NewServer creates the control endpoint for registry.
func NewServer(runner Runner, registry *session.Registry, opts ...Option) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"termmux",
			Version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		runner:   runner,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying MCP server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// Serve accepts MCP requests on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(l)
	}()
	slog.Info("control endpoint listening", slog.String("addr", l.Addr().String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control endpoint: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Debug("control endpoint shutdown", slog.String("error", err.Error()))
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}
