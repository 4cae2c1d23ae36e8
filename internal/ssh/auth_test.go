package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

func writeEd25519Key(t *testing.T, dir string) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func newHostKey(t *testing.T) gossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := gossh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return key
}

func TestBuildAuthMethods(t *testing.T) {
	dir := t.TempDir()
	keyPath := writeEd25519Key(t, dir)

	tests := []struct {
		name    string
		cfg     AuthConfig
		want    int
		wantErr bool
	}{
		{name: "password only", cfg: AuthConfig{Password: "pw"}, want: 2},
		{name: "key file", cfg: AuthConfig{KeyPath: keyPath}, want: 1},
		{name: "key and password", cfg: AuthConfig{KeyPath: keyPath, Password: "pw"}, want: 3},
		{name: "missing key file", cfg: AuthConfig{KeyPath: filepath.Join(dir, "nope")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			methods, err := BuildAuthMethods(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildAuthMethods() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(methods) != tt.want {
				t.Errorf("got %d methods, want %d", len(methods), tt.want)
			}
		})
	}
}

func TestBuildAuthMethods_NothingAvailable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")

	_, err := BuildAuthMethods(AuthConfig{UseAgent: true, Host: "web1"})
	if err == nil {
		t.Fatal("expected error when no credential is available")
	}
}

func TestMatchHostPatterns(t *testing.T) {
	tests := []struct {
		host     string
		patterns string
		want     bool
	}{
		{"web1", "web1", true},
		{"web1", "*", true},
		{"web1", "web?", true},
		{"web12", "web?", false},
		{"db.example.com", "*.example.com", true},
		{"db.example.com", "web1 *.example.com", true},
		{"db.example.com", "*.example.com !db.example.com", false},
		{"web.example.com", "*.example.com !db.example.com", true},
		{"web1", "!web1", false},
		{"web1", "db*", false},
	}

	for _, tt := range tests {
		t.Run(tt.host+"/"+tt.patterns, func(t *testing.T) {
			if got := matchHostPatterns(tt.host, tt.patterns); got != tt.want {
				t.Errorf("matchHostPatterns(%q, %q) = %v, want %v", tt.host, tt.patterns, got, tt.want)
			}
		})
	}
}

func TestIdentityFileFor(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "config")
	content := strings.Join([]string{
		"# comment",
		"Host web*",
		"  User deploy",
		"  IdentityFile /keys/web",
		"",
		"Host db",
		"  IdentityFile=/keys/db",
		"Host *",
		"  IdentityFile \"/keys/default\"",
	}, "\n")
	if err := os.WriteFile(config, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	tests := map[string]string{
		"web1":  "/keys/web",
		"db":    "/keys/db",
		"cache": "/keys/default",
	}
	for host, want := range tests {
		if got := identityFileFor(config, host); got != want {
			t.Errorf("identityFileFor(%q) = %q, want %q", host, got, want)
		}
	}

	if got := identityFileFor(filepath.Join(dir, "missing"), "web1"); got != "" {
		t.Errorf("missing config returned %q", got)
	}
}

func TestBuildHostKeyCallback_TrustOnFirstUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	cb, err := BuildHostKeyCallback(path)
	if err != nil {
		t.Fatalf("BuildHostKeyCallback() error = %v", err)
	}

	remote := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222}
	key := newHostKey(t)

	if err := cb("web1:2222", remote, key); err != nil {
		t.Fatalf("first connection rejected: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.Contains(string(data), "[web1]:2222") {
		t.Errorf("known_hosts = %q, want an entry for [web1]:2222", data)
	}

	if err := cb("web1:2222", remote, key); err != nil {
		t.Errorf("known key rejected: %v", err)
	}

	err = cb("web1:2222", remote, newHostKey(t))
	if !errors.Is(err, ErrHostKeyMismatch) {
		t.Errorf("changed key: got %v, want ErrHostKeyMismatch", err)
	}
}

func TestKeyboardInteractiveAuth(t *testing.T) {
	if KeyboardInteractiveAuth("pw") == nil {
		t.Fatal("KeyboardInteractiveAuth returned nil")
	}
	if PasswordAuth("pw") == nil {
		t.Fatal("PasswordAuth returned nil")
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := expandPath("~/.ssh/id_rsa"); got != filepath.Join(home, ".ssh/id_rsa") {
		t.Errorf("expandPath() = %q", got)
	}
	if got := expandPath("/etc/ssh"); got != "/etc/ssh" {
		t.Errorf("absolute path changed: %q", got)
	}
}
