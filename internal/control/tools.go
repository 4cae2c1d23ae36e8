package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/termmux/internal/session"
)

// sessionView is the JSON shape of a session in tool results.
type sessionView struct {
	ID        string `json:"session_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Server    string `json:"server,omitempty"`
	State     string `json:"state"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

func viewOf(info session.Info) sessionView {
	v := sessionView{
		ID:        string(info.ID),
		Kind:      string(info.Kind),
		Title:     info.Title,
		Server:    info.Server,
		State:     string(info.State.Phase),
		Cols:      info.Geometry.Cols,
		Rows:      info.Geometry.Rows,
		Active:    info.Active,
		CreatedAt: info.CreatedAt.Format(time.RFC3339),
	}
	if info.State.Phase == session.PhaseExited {
		code := info.State.ExitCode
		v.ExitCode = &code
	}
	return v
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(sessionListTool(), s.handleSessionList)
	s.mcpServer.AddTool(sessionCreateTool(), s.handleSessionCreate)
	s.mcpServer.AddTool(sessionSwitchTool(), s.handleSessionSwitch)
	s.mcpServer.AddTool(sessionCloseTool(), s.handleSessionClose)
	s.mcpServer.AddTool(injectCommandTool(), s.handleInjectCommand)
	s.mcpServer.AddTool(injectSavedCommandTool(), s.handleInjectSavedCommand)
}

// Tool definitions

func sessionListTool() mcp.Tool {
	return mcp.NewTool("session_list",
		mcp.WithDescription("List open terminal sessions in tab order"),
	)
}

func sessionCreateTool() mcp.Tool {
	return mcp.NewTool("session_create",
		mcp.WithDescription("Open a new tab with a local shell or a configured SSH server"),
		mcp.WithString("kind",
			mcp.Description("'local' for a local shell or 'remote' for a configured server"),
			mcp.Enum("local", "remote"),
			mcp.DefaultString("local"),
		),
		mcp.WithString("server",
			mcp.Description("Configured server name (required for remote)"),
		),
		mcp.WithString("title",
			mcp.Description("Tab title"),
		),
		mcp.WithBoolean("activate",
			mcp.Description("Switch to the new tab (default: false)"),
		),
	)
}

func sessionSwitchTool() mcp.Tool {
	return mcp.NewTool("session_switch",
		mcp.WithDescription("Make a session the visible one"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
	)
}

func sessionCloseTool() mcp.Tool {
	return mcp.NewTool("session_close",
		mcp.WithDescription("Close a session and its tab"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("The session ID"),
		),
	)
}

func injectCommandTool() mcp.Tool {
	return mcp.NewTool("inject_command",
		mcp.WithDescription("Type a command into the visible session without pressing Enter"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command line to inject"),
		),
	)
}

func injectSavedCommandTool() mcp.Tool {
	return mcp.NewTool("inject_saved_command",
		mcp.WithDescription("Inject a saved command into the visible session"),
		mcp.WithString("ref",
			mcp.Required(),
			mcp.Description("Position (1-based), id or name of the saved command"),
		),
	)
}

// Tool handlers

func (s *Server) handleSessionList(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var infos []session.Info
	err := s.runner.Do(ctx, func() error {
		infos = s.registry.List()
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	views := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, viewOf(info))
	}
	return jsonResult(map[string]any{
		"sessions": views,
		"count":    len(views),
	})
}

func (s *Server) handleSessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind, err := session.ParseKind(mcp.ParseString(req, "kind", "local"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	serverName := mcp.ParseString(req, "server", "")
	if kind == session.KindRemote {
		if serverName == "" {
			return mcp.NewToolResultError("server is required for remote sessions"), nil
		}
		if s.servers != nil && !s.servers(serverName) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown server %q", serverName)), nil
		}
	}
	params := session.Params{
		Kind:   kind,
		Title:  mcp.ParseString(req, "title", ""),
		Server: serverName,
	}
	activate := mcp.ParseBoolean(req, "activate", false)

	slog.Info("control: creating session",
		slog.String("kind", string(kind)),
		slog.String("server", serverName),
	)

	var info session.Info
	err = s.runner.Do(ctx, func() error {
		sess, err := s.registry.Create(params)
		if err != nil {
			return err
		}
		if activate {
			if err := s.registry.SwitchTo(sess.ID()); err != nil {
				return err
			}
		}
		info = s.find(sess.ID())
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(viewOf(info))
}

func (s *Server) handleSessionSwitch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := session.ID(mcp.ParseString(req, "session_id", ""))
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	err := s.runner.Do(ctx, func() error {
		return s.registry.SwitchTo(id)
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": id,
		"active":     true,
	})
}

func (s *Server) handleSessionClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := session.ID(mcp.ParseString(req, "session_id", ""))
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	var active session.ID
	err := s.runner.Do(ctx, func() error {
		err := s.registry.Close(id)
		active = s.registry.ActiveID()
		if errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
		if err != nil {
			slog.Debug("control: close reported an error",
				slog.String("session_id", string(id)),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"session_id": id,
		"closed":     true,
		"active_id":  active,
	})
}

func (s *Server) handleInjectCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command := mcp.ParseString(req, "command", "")
	if command == "" {
		return mcp.NewToolResultError("command is required"), nil
	}
	return s.inject(ctx, command)
}

func (s *Server) handleInjectSavedCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.commands == nil {
		return mcp.NewToolResultError("no saved command list configured"), nil
	}
	ref := mcp.ParseString(req, "ref", "")
	if ref == "" {
		return mcp.NewToolResultError("ref is required"), nil
	}
	cmd, err := s.commands.Get(ref)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.inject(ctx, cmd.Text)
}

// inject routes command to the active session.
func (s *Server) inject(ctx context.Context, command string) (*mcp.CallToolResult, error) {
	var (
		delivery session.Delivery
		target   session.ID
	)
	err := s.runner.Do(ctx, func() error {
		target = s.registry.ActiveID()
		d, err := s.registry.DispatchInjection(command)
		delivery = d
		return err
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	slog.Info("control: command injected",
		slog.String("session_id", string(target)),
		slog.String("delivery", delivery.String()),
	)
	return jsonResult(map[string]any{
		"session_id": target,
		"delivery":   delivery.String(),
	})
}

// find returns the snapshot of id. It must run on the event thread.
func (s *Server) find(id session.ID) session.Info {
	for _, info := range s.registry.List() {
		if info.ID == id {
			return info
		}
	}
	return session.Info{ID: id}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
