// Package security stores SSH credentials in the OS keyring and scrubs them
// from memory after use.
package security

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zalando/go-keyring"
)

// KeyringService is the service name used for keyring entries.
const KeyringService = "termmux"

// ErrKeyringUnavailable is returned while the store is disabled.
var ErrKeyringUnavailable = errors.New("keyring not available")

// KeyringStore keeps server passwords and key passphrases in the system
// keyring (macOS Keychain, Linux Secret Service, Windows Credential Manager).
// Secrets are stored base64 encoded so arbitrary bytes survive.
type KeyringStore struct {
	enabled bool
	mu      sync.RWMutex
}

// NewKeyringStore probes the system keyring and returns a store that is
// disabled when no keyring is reachable.
func NewKeyringStore() *KeyringStore {
	ks := &KeyringStore{enabled: true}

	const probe = "__termmux_probe__"
	if err := keyring.Set(KeyringService, probe, "probe"); err != nil {
		slog.Debug("keyring not available", slog.String("error", err.Error()))
		ks.enabled = false
		return ks
	}
	_ = keyring.Delete(KeyringService, probe)

	slog.Debug("keyring storage enabled")
	return ks
}

// IsEnabled returns true if the keyring is available and enabled.
func (ks *KeyringStore) IsEnabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.enabled
}

// SetEnabled allows enabling/disabling keyring usage.
func (ks *KeyringStore) SetEnabled(enabled bool) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.enabled = enabled
}

func serverEntry(server, user string) string {
	return fmt.Sprintf("server:%s@%s", user, server)
}

func passphraseEntry(keyPath string) string {
	return "ssh-passphrase:" + keyPath
}

// StoreServerPassword saves the SSH password for user on the named server.
func (ks *KeyringStore) StoreServerPassword(server, user string, password []byte) error {
	if err := ks.set(serverEntry(server, user), password); err != nil {
		return fmt.Errorf("store server password: %w", err)
	}
	slog.Debug("stored server password", slog.String("server", server), slog.String("user", user))
	return nil
}

// ServerPassword returns the stored password, or nil when there is none.
func (ks *KeyringStore) ServerPassword(server, user string) ([]byte, error) {
	pw, err := ks.get(serverEntry(server, user))
	if err != nil {
		return nil, fmt.Errorf("get server password: %w", err)
	}
	return pw, nil
}

// DeleteServerPassword forgets the password. Deleting a missing entry is not
// an error.
func (ks *KeyringStore) DeleteServerPassword(server, user string) error {
	if err := ks.delete(serverEntry(server, user)); err != nil {
		return fmt.Errorf("delete server password: %w", err)
	}
	return nil
}

// StorePassphrase saves the passphrase of an encrypted private key.
func (ks *KeyringStore) StorePassphrase(keyPath string, passphrase []byte) error {
	if err := ks.set(passphraseEntry(keyPath), passphrase); err != nil {
		return fmt.Errorf("store key passphrase: %w", err)
	}
	return nil
}

// Passphrase returns the stored key passphrase, or nil when there is none.
func (ks *KeyringStore) Passphrase(keyPath string) ([]byte, error) {
	p, err := ks.get(passphraseEntry(keyPath))
	if err != nil {
		return nil, fmt.Errorf("get key passphrase: %w", err)
	}
	return p, nil
}

// DeletePassphrase forgets a key passphrase.
func (ks *KeyringStore) DeletePassphrase(keyPath string) error {
	if err := ks.delete(passphraseEntry(keyPath)); err != nil {
		return fmt.Errorf("delete key passphrase: %w", err)
	}
	return nil
}

func (ks *KeyringStore) set(entry string, secret []byte) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	return keyring.Set(KeyringService, entry, base64.StdEncoding.EncodeToString(secret))
}

func (ks *KeyringStore) get(entry string) ([]byte, error) {
	if !ks.IsEnabled() {
		return nil, ErrKeyringUnavailable
	}
	encoded, err := keyring.Get(KeyringService, entry)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return secret, nil
}

func (ks *KeyringStore) delete(entry string) error {
	if !ks.IsEnabled() {
		return ErrKeyringUnavailable
	}
	err := keyring.Delete(KeyringService, entry)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
