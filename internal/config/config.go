// Package config handles configuration parsing for termmux.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/acolita/termmux/internal/adapters/realfs"
	"github.com/acolita/termmux/internal/ports"
)

// AppName names the per-user config, state and cache directories.
const AppName = "termmux"

// DefaultConfigPath returns $XDG_CONFIG_HOME/termmux/config.yaml or
// ~/.config/termmux/config.yaml.
func DefaultConfigPath(fsys ...ports.FileSystem) string {
	return filepath.Join(xdgDir(fileSystem(fsys), "XDG_CONFIG_HOME", ".config"), AppName, "config.yaml")
}

// DefaultStateDir returns $XDG_STATE_HOME/termmux or ~/.local/state/termmux.
func DefaultStateDir(fsys ...ports.FileSystem) string {
	return filepath.Join(xdgDir(fileSystem(fsys), "XDG_STATE_HOME", filepath.Join(".local", "state")), AppName)
}

func fileSystem(fsys []ports.FileSystem) ports.FileSystem {
	if len(fsys) > 0 && fsys[0] != nil {
		return fsys[0]
	}
	return realfs.New()
}

func xdgDir(fsys ports.FileSystem, env, fallback string) string {
	if dir := fsys.Getenv(env); dir != "" {
		return dir
	}
	home, err := fsys.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, fallback)
}

// Config represents the top-level configuration.
type Config struct {
	Servers   []ServerConfig  `yaml:"servers"`
	Shell     ShellConfig     `yaml:"shell"`
	Geometry  GeometryConfig  `yaml:"geometry"`
	Echo      EchoConfig      `yaml:"echo"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recording RecordingConfig `yaml:"recording"`
	Control   ControlConfig   `yaml:"control"`
	Keys      KeysConfig      `yaml:"keys"`
	Security  SecurityConfig  `yaml:"security"`
	Commands  CommandsConfig  `yaml:"commands"`
	Layout    LayoutConfig    `yaml:"layout"`
}

// ServerConfig defines an SSH server a remote tab can connect to.
type ServerConfig struct {
	Name      string        `yaml:"name"`
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port,omitempty"`
	User      string        `yaml:"user"`
	Auth      AuthConfig    `yaml:"auth,omitempty"`
	Term      string        `yaml:"term,omitempty"`
	Keepalive time.Duration `yaml:"keepalive,omitempty"`
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	KeyPath       string `yaml:"key_path,omitempty"`       // path to private key file
	PassphraseEnv string `yaml:"passphrase_env,omitempty"` // env var containing key passphrase
	PasswordEnv   string `yaml:"password_env,omitempty"`   // env var containing SSH password
	UseAgent      bool   `yaml:"use_agent,omitempty"`      // try keys from SSH_AUTH_SOCK
}

// ShellConfig defines how local tabs start.
type ShellConfig struct {
	Path     string   `yaml:"path"`      // custom shell path (overrides $SHELL)
	Args     []string `yaml:"args"`      // extra shell arguments
	SourceRC bool     `yaml:"source_rc"` // read the shell's startup files
	Term     string   `yaml:"term"`      // TERM for local shells
}

// GeometryConfig tunes how terminals are sized to the window.
type GeometryConfig struct {
	FitAttempts    int           `yaml:"fit_attempts"`
	FitBaseDelay   time.Duration `yaml:"fit_base_delay"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ReferenceGlyph string        `yaml:"reference_glyph"`
}

// EchoConfig controls suppression of the remote echo of injected commands.
type EchoConfig struct {
	Window time.Duration `yaml:"window"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
	File     string `yaml:"file"`     // log file; the terminal itself is never used
}

// RecordingConfig defines session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // directory to store recordings
}

// ControlConfig configures the MCP control endpoint.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// KeysConfig configures the keyboard.
type KeysConfig struct {
	Prefix string `yaml:"prefix"` // e.g. "ctrl-b"
}

// SecurityConfig defines security settings.
type SecurityConfig struct {
	MaxSessions           int    `yaml:"max_sessions"`
	KnownHostsPath        string `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
	UseKeyring            bool   `yaml:"use_keyring"` // look up server passwords in the OS keyring
}

// CommandsConfig locates the saved command list.
type CommandsConfig struct {
	Path string `yaml:"path"`
}

// LayoutConfig controls saving the open tabs on exit.
type LayoutConfig struct {
	Save bool   `yaml:"save"`
	Path string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return defaultConfig(realfs.New())
}

func defaultConfig(fsys ports.FileSystem) *Config {
	state := DefaultStateDir(fsys)
	return &Config{
		Shell: ShellConfig{
			SourceRC: true,
			Term:     "xterm-256color",
		},
		Geometry: GeometryConfig{
			FitAttempts:    5,
			FitBaseDelay:   200 * time.Millisecond,
			SettleDelay:    50 * time.Millisecond,
			ReferenceGlyph: "W",
		},
		Echo: EchoConfig{
			Window: 1500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
			File:     filepath.Join(state, "termmux.log"),
		},
		Recording: RecordingConfig{
			Path: filepath.Join(state, "recordings"),
		},
		Control: ControlConfig{
			Listen: "127.0.0.1:7878",
		},
		Keys: KeysConfig{
			Prefix: "ctrl-b",
		},
		Security: SecurityConfig{
			MaxSessions:    32,
			KnownHostsPath: "~/.ssh/known_hosts",
			UseKeyring:     true,
		},
		Commands: CommandsConfig{
			Path: filepath.Join(filepath.Dir(DefaultConfigPath(fsys)), "commands.json"),
		},
		Layout: LayoutConfig{
			Save: true,
			Path: filepath.Join(state, "layout.json"),
		},
	}
}

// Load loads configuration from a YAML file over the defaults. A missing
// file yields the defaults.
// An optional FileSystem can be passed for testing; if omitted, the real OS is used.
func Load(path string, fsys ...ports.FileSystem) (*Config, error) {
	files := fileSystem(fsys)
	cfg := defaultConfig(files)

	if path == "" {
		return cfg, nil
	}

	data, err := files.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration and fills in values that may be left
// unset.
func (c *Config) Validate() error {
	var errs []error

	if c.Security.MaxSessions <= 0 {
		c.Security.MaxSessions = 32
	}
	if c.Geometry.FitAttempts < 1 {
		errs = append(errs, fmt.Errorf("geometry.fit_attempts must be at least 1"))
	}
	if c.Geometry.FitBaseDelay < 0 || c.Geometry.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("geometry delays must not be negative"))
	}
	if c.Geometry.ReferenceGlyph == "" {
		c.Geometry.ReferenceGlyph = "W"
	}
	if utf8.RuneCountInString(c.Geometry.ReferenceGlyph) != 1 {
		errs = append(errs, fmt.Errorf("geometry.reference_glyph must be a single character"))
	}
	if c.Echo.Window <= 0 {
		errs = append(errs, fmt.Errorf("echo.window must be positive"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.level %q", c.Logging.Level))
	}
	if _, err := ParsePrefixKey(c.Keys.Prefix); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Host == "" {
			errs = append(errs, fmt.Errorf("server %q: host is required", s.Name))
		}
		if s.Port == 0 {
			s.Port = 22
		}
		if s.Port < 0 || s.Port > 65535 {
			errs = append(errs, fmt.Errorf("server %q: invalid port %d", s.Name, s.Port))
		}
	}

	return errors.Join(errs...)
}

// ParsePrefixKey turns "ctrl-b" style names into the control byte the
// terminal sends.
func ParsePrefixKey(name string) (byte, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	found := false
	for _, p := range []string{"ctrl-", "ctrl+", "c-", "^"} {
		if rest, ok := strings.CutPrefix(key, p); ok {
			key, found = rest, true
			break
		}
	}
	if !found || len(key) != 1 {
		return 0, fmt.Errorf("keys.prefix %q: expected ctrl-<key>", name)
	}
	c := key[0]
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c >= '[' && c <= '_':
		return c - '@', nil
	}
	return 0, fmt.Errorf("keys.prefix %q: no control code for %q", name, c)
}

// AddServer adds a server to the configuration.
// Returns an error if a server with the same name already exists.
func (c *Config) AddServer(server ServerConfig) error {
	if server.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if _, ok := c.FindServer(server.Name); ok {
		return fmt.Errorf("server %q already exists", server.Name)
	}
	c.Servers = append(c.Servers, server)
	return nil
}

// RemoveServer deletes the named server. It reports whether it existed.
func (c *Config) RemoveServer(name string) bool {
	for i, s := range c.Servers {
		if s.Name == name {
			c.Servers = append(c.Servers[:i], c.Servers[i+1:]...)
			return true
		}
	}
	return false
}

// FindServer looks a server up by name.
func (c *Config) FindServer(name string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// MatchServers returns the servers whose name matches the glob pattern, in
// configuration order.
func (c *Config) MatchServers(pattern string) ([]ServerConfig, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid server pattern %q", pattern)
	}
	var out []ServerConfig
	for _, s := range c.Servers {
		if ok, _ := doublestar.Match(pattern, s.Name); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Save writes the configuration to a YAML file. The file is written next to
// path and renamed into place, so a watcher never reads half a config.
func Save(cfg *Config, path string, fsys ...ports.FileSystem) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	files := fileSystem(fsys)
	if err := files.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := files.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := files.Rename(tmp, path); err != nil {
		_ = files.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
