package ssh

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthConfig holds authentication configuration for one server.
type AuthConfig struct {
	KeyPath       string // Path to private key file
	KeyPassphrase string // Passphrase for encrypted keys
	UseAgent      bool   // Use SSH agent for authentication
	Password      string // Password for password authentication
	Host          string // Target host for ~/.ssh/config lookup
}

// defaultKeys are tried when nothing else provides a credential.
var defaultKeys = []string{
	"~/.ssh/id_ed25519",
	"~/.ssh/id_ecdsa",
	"~/.ssh/id_rsa",
}

// BuildAuthMethods constructs SSH auth methods from config. Agent keys come
// first, then key files, then the password.
func BuildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.UseAgent {
		if agentAuth, err := sshAgentAuth(); err == nil {
			methods = append(methods, agentAuth)
		} else {
			slog.Debug("ssh agent unavailable", slog.String("error", err.Error()))
		}
	}

	switch {
	case cfg.KeyPath != "":
		keyAuth, err := privateKeyAuth(cfg.KeyPath, cfg.KeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		methods = append(methods, keyAuth)
	case cfg.Host != "":
		if configKey := identityFileFor(expandPath("~/.ssh/config"), cfg.Host); configKey != "" {
			if keyAuth, err := privateKeyAuth(configKey, cfg.KeyPassphrase); err == nil {
				methods = append(methods, keyAuth)
			}
		}
	}

	if cfg.KeyPath == "" && cfg.Password == "" && len(methods) == 0 {
		for _, keyPath := range defaultKeys {
			if keyAuth, err := privateKeyAuth(keyPath, cfg.KeyPassphrase); err == nil {
				methods = append(methods, keyAuth)
				break
			}
		}
	}

	if cfg.Password != "" {
		methods = append(methods, PasswordAuth(cfg.Password), KeyboardInteractiveAuth(cfg.Password))
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("no authentication methods available")
	}
	return methods, nil
}

func sshAgentAuth() (ssh.AuthMethod, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, fmt.Errorf("SSH_AUTH_SOCK not set")
	}

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func privateKeyAuth(keyPath, passphrase string) (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(expandPath(keyPath))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

// ErrHostKeyMismatch is returned when a server presents a key that differs
// from the one recorded in known_hosts.
var ErrHostKeyMismatch = errors.New("host key mismatch")

// knownHostsMu serialises appends to known_hosts files.
var knownHostsMu sync.Mutex

// BuildHostKeyCallback verifies host keys against known_hosts. Unknown hosts
// are trusted on first use and appended to the file; a changed key is
// always rejected.
func BuildHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	if knownHostsPath == "" {
		knownHostsPath = "~/.ssh/known_hosts"
	}
	path := expandPath(knownHostsPath)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create known_hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	f.Close()

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()

		check, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("parse known_hosts: %w", err)
		}
		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w for %s (known_hosts line %d)", ErrHostKeyMismatch, hostname, keyErr.Want[0].Line)
		}

		slog.Info("trusting new host key",
			slog.String("host", hostname),
			slog.String("fingerprint", ssh.FingerprintSHA256(key)),
		)
		return appendKnownHost(path, hostname, remote, key)
	}, nil
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addrs[0] {
			addrs = append(addrs, r)
		}
	}
	if _, err := fmt.Fprintln(f, knownhosts.Line(addrs, key)); err != nil {
		return fmt.Errorf("write known_hosts: %w", err)
	}
	return nil
}

// InsecureHostKeyCallback returns a callback that accepts any host key.
// Use only for testing or when host key verification is explicitly disabled.
func InsecureHostKeyCallback() ssh.HostKeyCallback {
	return ssh.InsecureIgnoreHostKey()
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// identityFileFor returns the first IdentityFile of a Host block in the
// ssh_config file at configPath that matches host.
func identityFileFor(configPath, host string) string {
	file, err := os.Open(configPath)
	if err != nil {
		return ""
	}
	defer file.Close()

	var matches bool
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, " ")
		if !ok {
			key, value, ok = strings.Cut(line, "=")
		}
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch strings.ToLower(key) {
		case "host":
			matches = matchHostPatterns(host, value)
		case "identityfile":
			if matches {
				return expandPath(value)
			}
		}
	}
	return ""
}

// matchHostPatterns applies ssh_config Host semantics: whitespace separated
// globs, any of which may be negated with '!'. A negated match wins.
func matchHostPatterns(host, patterns string) bool {
	matched := false
	for _, p := range strings.Fields(patterns) {
		negate := strings.HasPrefix(p, "!")
		p = strings.TrimPrefix(p, "!")
		ok, err := doublestar.Match(p, host)
		if err != nil || !ok {
			continue
		}
		if negate {
			return false
		}
		matched = true
	}
	return matched
}

// PasswordAuth returns a password auth method.
func PasswordAuth(password string) ssh.AuthMethod {
	return ssh.Password(password)
}

// KeyboardInteractiveAuth answers every keyboard-interactive question with
// password.
func KeyboardInteractiveAuth(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}
