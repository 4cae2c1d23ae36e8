package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/termmux/internal/commands"
	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/session"
	"github.com/acolita/termmux/internal/testing/fakes/fakeclock"
	"github.com/acolita/termmux/internal/testing/fakes/fakefs"
	"github.com/acolita/termmux/internal/testing/fakes/fakeloop"
	"github.com/acolita/termmux/internal/testing/fakes/fakesurface"
	"github.com/acolita/termmux/internal/testing/fakes/faketransport"
)

type fixture struct {
	loop       *fakeloop.Loop
	registry   *session.Registry
	transports map[session.ID]*faketransport.Transport
	store      *commands.Store
	server     *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := fakeclock.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	lp := fakeloop.New(clk)
	f := &fixture{
		loop:       lp,
		transports: make(map[session.ID]*faketransport.Transport),
	}

	var pending session.ID
	n := 0
	surfaces := func(id session.ID, title string) (ports.Surface, error) {
		pending = id
		return fakesurface.New(), nil
	}
	connector := session.ConnectorFunc(func(ctx context.Context, p session.Params) (ports.Transport, error) {
		tr := faketransport.New()
		f.transports[pending] = tr
		return tr, nil
	})
	f.registry = session.NewRegistry(lp, clk, connector, surfaces,
		session.WithIDGenerator(func() session.ID {
			n++
			return session.ID(fmt.Sprintf("s%d", n))
		}),
	)

	store, err := commands.Open("/cmds.json", commands.WithFileSystem(fakefs.New()), commands.WithClock(clk))
	if err != nil {
		t.Fatalf("commands.Open() error = %v", err)
	}
	f.store = store
	f.server = NewServer(lp, f.registry,
		WithCommands(store),
		WithServerLookup(func(name string) bool { return name == "web1" }),
	)
	return f
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	tc, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		return ""
	}
	return tc.Text
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool returned error: %s", resultText(result))
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(resultText(result)), &m); err != nil {
		t.Fatalf("failed to parse result JSON: %v (text: %s)", err, resultText(result))
	}
	return m
}

func TestSessionCreateAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _ := f.server.handleSessionCreate(ctx, makeRequest(map[string]any{"title": "build"}))
	created := resultJSON(t, res)
	if created["session_id"] != "s1" || created["kind"] != "local" || created["state"] != "connected" {
		t.Errorf("create result = %v", created)
	}
	if created["active"] != true {
		t.Errorf("first session should be active: %v", created)
	}

	res, _ = f.server.handleSessionCreate(ctx, makeRequest(map[string]any{}))
	if second := resultJSON(t, res); second["active"] != false {
		t.Errorf("second session should not be active without activate: %v", second)
	}

	res, _ = f.server.handleSessionList(ctx, makeRequest(nil))
	list := resultJSON(t, res)
	if list["count"] != float64(2) {
		t.Fatalf("count = %v", list["count"])
	}
	sessions := list["sessions"].([]any)
	if sessions[0].(map[string]any)["title"] != "build" {
		t.Errorf("first tab = %v", sessions[0])
	}
}

func TestSessionCreate_Activate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.handleSessionCreate(ctx, makeRequest(nil))
	res, _ := f.server.handleSessionCreate(ctx, makeRequest(map[string]any{"activate": true}))
	if got := resultJSON(t, res); got["active"] != true {
		t.Errorf("activated session = %v", got)
	}
	if f.registry.ActiveID() != "s2" {
		t.Errorf("ActiveID() = %q", f.registry.ActiveID())
	}
}

func TestSessionCreate_Validation(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"bad kind", map[string]any{"kind": "serial"}, "unknown session kind"},
		{"remote without server", map[string]any{"kind": "remote"}, "server is required"},
		{"unknown server", map[string]any{"kind": "remote", "server": "db9"}, "unknown server"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.server.handleSessionCreate(context.Background(), makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if !res.IsError || !strings.Contains(resultText(res), tt.want) {
				t.Errorf("result = %q, want error containing %q", resultText(res), tt.want)
			}
			if f.registry.Len() != 0 {
				t.Errorf("registry has %d sessions", f.registry.Len())
			}
		})
	}
}

func TestSessionSwitchAndClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.handleSessionCreate(ctx, makeRequest(nil))
	f.server.handleSessionCreate(ctx, makeRequest(nil))

	res, _ := f.server.handleSessionSwitch(ctx, makeRequest(map[string]any{"session_id": "s2"}))
	resultJSON(t, res)
	if f.registry.ActiveID() != "s2" {
		t.Fatalf("ActiveID() = %q", f.registry.ActiveID())
	}

	res, _ = f.server.handleSessionClose(ctx, makeRequest(map[string]any{"session_id": "s2"}))
	closed := resultJSON(t, res)
	if closed["active_id"] != "s1" {
		t.Errorf("active after close = %v", closed["active_id"])
	}
	if f.transports["s2"].CloseCount() != 1 {
		t.Errorf("transport closed %d times", f.transports["s2"].CloseCount())
	}

	res, _ = f.server.handleSessionClose(ctx, makeRequest(map[string]any{"session_id": "s2"}))
	if !res.IsError {
		t.Error("closing an unknown session should fail")
	}
	res, _ = f.server.handleSessionSwitch(ctx, makeRequest(map[string]any{"session_id": "nope"}))
	if !res.IsError {
		t.Error("switching to an unknown session should fail")
	}
	res, _ = f.server.handleSessionSwitch(ctx, makeRequest(nil))
	if !res.IsError {
		t.Error("switch without session_id should fail")
	}
}

func TestInjectCommand_TargetsActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.server.handleSessionCreate(ctx, makeRequest(nil))
	f.server.handleSessionCreate(ctx, makeRequest(nil))

	res, _ := f.server.handleInjectCommand(ctx, makeRequest(map[string]any{"command": "ls -la"}))
	got := resultJSON(t, res)
	if got["session_id"] != "s1" || got["delivery"] != "sent" {
		t.Errorf("inject result = %v", got)
	}
	if sent := f.transports["s1"].SentString(); sent != "ls -la" {
		t.Errorf("s1 received %q", sent)
	}
	if sent := f.transports["s2"].SentString(); sent != "" {
		t.Errorf("s2 received %q", sent)
	}
}

func TestInjectCommand_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, _ := f.server.handleInjectCommand(ctx, makeRequest(nil))
	if !res.IsError || !strings.Contains(resultText(res), "command is required") {
		t.Errorf("missing command result = %q", resultText(res))
	}
	res, _ = f.server.handleInjectCommand(ctx, makeRequest(map[string]any{"command": "ls"}))
	if !res.IsError || !strings.Contains(resultText(res), session.ErrNoActiveSession.Error()) {
		t.Errorf("empty registry result = %q", resultText(res))
	}
}

func TestInjectSavedCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.Add("disk", "df -h")
	f.server.handleSessionCreate(ctx, makeRequest(nil))

	res, _ := f.server.handleInjectSavedCommand(ctx, makeRequest(map[string]any{"ref": "disk"}))
	resultJSON(t, res)
	if sent := f.transports["s1"].SentString(); sent != "df -h" {
		t.Errorf("sent %q", sent)
	}

	res, _ = f.server.handleInjectSavedCommand(ctx, makeRequest(map[string]any{"ref": "7"}))
	if !res.IsError || !strings.Contains(resultText(res), commands.ErrNotFound.Error()) {
		t.Errorf("unknown ref result = %q", resultText(res))
	}
}

func TestToolDefinitions(t *testing.T) {
	tools := []mcp.Tool{
		sessionListTool(),
		sessionCreateTool(),
		sessionSwitchTool(),
		sessionCloseTool(),
		injectCommandTool(),
		injectSavedCommandTool(),
	}
	want := []string{"session_list", "session_create", "session_switch", "session_close", "inject_command", "inject_saved_command"}
	for i, tool := range tools {
		if tool.Name != want[i] {
			t.Errorf("tool %d name = %q, want %q", i, tool.Name, want[i])
		}
		if tool.Description == "" {
			t.Errorf("tool %q has no description", tool.Name)
		}
	}
}
