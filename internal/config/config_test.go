package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/termmux/internal/testing/fakes/fakefs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Echo.Window != 1500*time.Millisecond {
		t.Errorf("Echo.Window = %v, want 1.5s", cfg.Echo.Window)
	}
	if cfg.Geometry.FitAttempts != 5 || cfg.Geometry.FitBaseDelay != 200*time.Millisecond {
		t.Errorf("Geometry = %+v", cfg.Geometry)
	}
	if cfg.Geometry.ReferenceGlyph != "W" {
		t.Errorf("ReferenceGlyph = %q, want W", cfg.Geometry.ReferenceGlyph)
	}
	if cfg.Keys.Prefix != "ctrl-b" {
		t.Errorf("Keys.Prefix = %q", cfg.Keys.Prefix)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.Sanitize {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Logging.File == "" {
		t.Error("Logging.File should default to a file in the state dir")
	}
	if cfg.Security.MaxSessions != 32 {
		t.Errorf("MaxSessions = %d, want 32", cfg.Security.MaxSessions)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDefaultPathsFollowXDG(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantConfig string
		wantState  string
	}{
		{
			name:       "xdg set",
			env:        map[string]string{"XDG_CONFIG_HOME": "/xdg/config", "XDG_STATE_HOME": "/xdg/state"},
			wantConfig: "/xdg/config/termmux/config.yaml",
			wantState:  "/xdg/state/termmux",
		},
		{
			name:       "home fallback",
			wantConfig: "/home/dev/.config/termmux/config.yaml",
			wantState:  "/home/dev/.local/state/termmux",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := fakefs.New()
			fs.SetHomeDir("/home/dev")
			for k, v := range tt.env {
				fs.SetEnv(k, v)
			}

			if got := DefaultConfigPath(fs); got != tt.wantConfig {
				t.Errorf("DefaultConfigPath() = %q, want %q", got, tt.wantConfig)
			}
			if got := DefaultStateDir(fs); got != tt.wantState {
				t.Errorf("DefaultStateDir() = %q, want %q", got, tt.wantState)
			}
		})
	}
}

func TestLoadDefaultsUseFileSystemEnv(t *testing.T) {
	fs := fakefs.New()
	fs.SetEnv("XDG_STATE_HOME", "/xdg/state")
	fs.SetEnv("XDG_CONFIG_HOME", "/xdg/config")

	cfg, err := Load("", fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.File != "/xdg/state/termmux/termmux.log" {
		t.Errorf("Logging.File = %q", cfg.Logging.File)
	}
	if cfg.Commands.Path != "/xdg/config/termmux/commands.json" {
		t.Errorf("Commands.Path = %q", cfg.Commands.Path)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Echo.Window != DefaultConfig().Echo.Window {
		t.Error("Load(\"\") did not return defaults")
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load(missing) error: %v", err)
	}
	if cfg.Keys.Prefix != "ctrl-b" {
		t.Error("expected defaults for a missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	fs := fakefs.New()
	fs.AddFile("/cfg/config.yaml", []byte(":::invalid:::yaml{{{"), 0644)

	if _, err := Load("/cfg/config.yaml", fs); err == nil {
		t.Fatal("Load(invalid YAML) expected error, got nil")
	}
}

func TestLoadValidConfig(t *testing.T) {
	fs := fakefs.New()
	fs.AddFile("/cfg/config.yaml", []byte(`
servers:
  - name: prod-web
    host: 10.0.0.1
    port: 2222
    user: deploy
    keepalive: 15s
    auth:
      key_path: ~/.ssh/id_ed25519
      passphrase_env: SSH_PASS
  - name: prod-db
    host: 10.0.0.2
    user: dba
    auth:
      use_agent: true
shell:
  path: /bin/zsh
  source_rc: false
geometry:
  fit_attempts: 3
  fit_base_delay: 100ms
  reference_glyph: M
echo:
  window: 2s
logging:
  level: debug
  file: /tmp/termmux.log
recording:
  enabled: true
  path: /tmp/casts
control:
  enabled: true
  listen: 127.0.0.1:9000
keys:
  prefix: ctrl-a
security:
  max_sessions: 4
`), 0644)

	cfg, err := Load("/cfg/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if len(cfg.Servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(cfg.Servers))
	}
	web := cfg.Servers[0]
	if web.Port != 2222 || web.User != "deploy" || web.Keepalive != 15*time.Second {
		t.Errorf("prod-web = %+v", web)
	}
	if web.Auth.KeyPath != "~/.ssh/id_ed25519" || web.Auth.PassphraseEnv != "SSH_PASS" {
		t.Errorf("prod-web auth = %+v", web.Auth)
	}
	if db := cfg.Servers[1]; db.Port != 22 || !db.Auth.UseAgent {
		t.Errorf("prod-db = %+v, want default port and agent auth", db)
	}

	if cfg.Shell.Path != "/bin/zsh" || cfg.Shell.SourceRC {
		t.Errorf("Shell = %+v", cfg.Shell)
	}
	if cfg.Shell.Term != "xterm-256color" {
		t.Errorf("Shell.Term = %q, want default kept", cfg.Shell.Term)
	}
	if cfg.Geometry.FitAttempts != 3 || cfg.Geometry.FitBaseDelay != 100*time.Millisecond || cfg.Geometry.ReferenceGlyph != "M" {
		t.Errorf("Geometry = %+v", cfg.Geometry)
	}
	if cfg.Geometry.SettleDelay != 50*time.Millisecond {
		t.Errorf("SettleDelay = %v, want default kept", cfg.Geometry.SettleDelay)
	}
	if cfg.Echo.Window != 2*time.Second {
		t.Errorf("Echo.Window = %v", cfg.Echo.Window)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.File != "/tmp/termmux.log" || !cfg.Logging.Sanitize {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Recording.Enabled || cfg.Recording.Path != "/tmp/casts" {
		t.Errorf("Recording = %+v", cfg.Recording)
	}
	if !cfg.Control.Enabled || cfg.Control.Listen != "127.0.0.1:9000" {
		t.Errorf("Control = %+v", cfg.Control)
	}
	if cfg.Keys.Prefix != "ctrl-a" || cfg.Security.MaxSessions != 4 {
		t.Errorf("Keys = %+v Security = %+v", cfg.Keys, cfg.Security)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero fit attempts", func(c *Config) { c.Geometry.FitAttempts = 0 }, "fit_attempts"},
		{"negative delay", func(c *Config) { c.Geometry.SettleDelay = -time.Second }, "delays"},
		{"two glyphs", func(c *Config) { c.Geometry.ReferenceGlyph = "WW" }, "reference_glyph"},
		{"zero echo window", func(c *Config) { c.Echo.Window = 0 }, "echo.window"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad prefix", func(c *Config) { c.Keys.Prefix = "alt-x" }, "keys.prefix"},
		{"server without name", func(c *Config) { c.Servers = []ServerConfig{{Host: "h"}} }, "name is required"},
		{"server without host", func(c *Config) { c.Servers = []ServerConfig{{Name: "a"}} }, "host is required"},
		{"duplicate server", func(c *Config) {
			c.Servers = []ServerConfig{{Name: "a", Host: "h"}, {Name: "a", Host: "h2"}}
		}, "duplicate"},
		{"bad port", func(c *Config) { c.Servers = []ServerConfig{{Name: "a", Host: "h", Port: 70000}} }, "invalid port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateFillsDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Security.MaxSessions = -1
	cfg.Geometry.ReferenceGlyph = ""
	cfg.Servers = []ServerConfig{{Name: "a", Host: "h"}}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Security.MaxSessions != 32 {
		t.Errorf("MaxSessions = %d, want 32", cfg.Security.MaxSessions)
	}
	if cfg.Geometry.ReferenceGlyph != "W" {
		t.Errorf("ReferenceGlyph = %q, want W", cfg.Geometry.ReferenceGlyph)
	}
	if cfg.Servers[0].Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Servers[0].Port)
	}
}

func TestParsePrefixKey(t *testing.T) {
	tests := []struct {
		in      string
		want    byte
		wantErr bool
	}{
		{"ctrl-b", 0x02, false},
		{"Ctrl-A", 0x01, false},
		{"ctrl+space", 0, true},
		{"C-a", 0x01, false},
		{"^b", 0x02, false},
		{"ctrl-]", 0x1d, false},
		{"b", 0, true},
		{"ctrl-1", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePrefixKey(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePrefixKey(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePrefixKey(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestServers(t *testing.T) {
	cfg := DefaultConfig()
	for _, name := range []string{"prod-web", "prod-db", "staging-web"} {
		if err := cfg.AddServer(ServerConfig{Name: name, Host: name + ".internal"}); err != nil {
			t.Fatal(err)
		}
	}

	if err := cfg.AddServer(ServerConfig{Name: "prod-db", Host: "x"}); err == nil {
		t.Error("AddServer accepted a duplicate name")
	}
	if err := cfg.AddServer(ServerConfig{Host: "x"}); err == nil {
		t.Error("AddServer accepted an empty name")
	}

	if s, ok := cfg.FindServer("prod-db"); !ok || s.Host != "prod-db.internal" {
		t.Errorf("FindServer(prod-db) = %+v, %v", s, ok)
	}
	if _, ok := cfg.FindServer("nope"); ok {
		t.Error("FindServer(nope) found something")
	}

	matches, err := cfg.MatchServers("prod-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 || matches[0].Name != "prod-web" || matches[1].Name != "prod-db" {
		t.Errorf("MatchServers(prod-*) = %+v", matches)
	}
	if matches, _ := cfg.MatchServers("*-{web,api}"); len(matches) != 2 {
		t.Errorf("MatchServers(*-{web,api}) = %d servers, want 2", len(matches))
	}
	if _, err := cfg.MatchServers("prod-["); err == nil {
		t.Error("MatchServers accepted an invalid pattern")
	}

	if !cfg.RemoveServer("prod-web") || cfg.RemoveServer("prod-web") {
		t.Error("RemoveServer did not report existence correctly")
	}
	if len(cfg.Servers) != 2 {
		t.Errorf("got %d servers after remove, want 2", len(cfg.Servers))
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	fs := fakefs.New()
	cfg := DefaultConfig()
	cfg.Echo.Window = 750 * time.Millisecond
	if err := cfg.AddServer(ServerConfig{Name: "web1", Host: "10.0.0.5", User: "ops", Port: 22}); err != nil {
		t.Fatal(err)
	}

	if err := Save(cfg, "/home/u/.config/termmux/config.yaml", fs); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load("/home/u/.config/termmux/config.yaml", fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Echo.Window != 750*time.Millisecond {
		t.Errorf("Echo.Window = %v after round trip", loaded.Echo.Window)
	}
	if s, ok := loaded.FindServer("web1"); !ok || s.User != "ops" {
		t.Errorf("server lost in round trip: %+v", s)
	}
}

func TestSaveFailedReplaceKeepsOldFile(t *testing.T) {
	fs := fakefs.New()
	path := "/home/u/.config/termmux/config.yaml"
	fs.AddFile(path, []byte("keys:\n  prefix: ctrl-a\n"), 0600)
	fs.Fail(fakefs.OpRename, path+".tmp", errors.New("read-only file system"))

	if err := Save(DefaultConfig(), path, fs); err == nil {
		t.Fatal("Save() expected error")
	}
	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Keys.Prefix != "ctrl-a" {
		t.Errorf("Keys.Prefix = %q, want the old file's ctrl-a", cfg.Keys.Prefix)
	}
	if files := fs.Files(); len(files) != 1 {
		t.Errorf("Files() = %v, want only the config", files)
	}
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "echo:\n  window: 1s\n")

	var mu sync.Mutex
	var got []*Config
	w, err := NewWatcher(path, func(c *Config) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if w.Config().Echo.Window != time.Second {
		t.Fatalf("initial window = %v", w.Config().Echo.Window)
	}

	writeConfig(t, path, "echo:\n  window: 3s\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.Config().Echo.Window == 3*time.Second {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if w.Config().Echo.Window != 3*time.Second {
		t.Fatalf("window after edit = %v, want 3s", w.Config().Echo.Window)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 || got[len(got)-1].Echo.Window != 3*time.Second {
		t.Error("onChange was not called with the new config")
	}
}

func TestWatcherKeepsLastGoodConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "echo:\n  window: 1s\n")

	w, err := NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	writeConfig(t, path, "echo:\n  window: -5s\n")
	time.Sleep(300 * time.Millisecond)

	if w.Config().Echo.Window != time.Second {
		t.Errorf("window = %v, want the last valid value", w.Config().Echo.Window)
	}
}

func TestNewWatcherMissingFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "not-yet")
	w, err := NewWatcher(filepath.Join(dir, "config.yaml"), nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if w.Config() == nil {
		t.Error("Config() is nil")
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNewWatcherInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "keys:\n  prefix: meta-x\n")

	if _, err := NewWatcher(path, nil); err == nil {
		t.Fatal("NewWatcher() accepted an invalid config")
	}
}
