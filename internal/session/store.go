package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/acolita/termmux/internal/adapters/realfs"
	"github.com/acolita/termmux/internal/ports"
)

// TabRecord is the part of a session needed to reopen it on the next run.
type TabRecord struct {
	Kind   Kind   `json:"kind"`
	Title  string `json:"title,omitempty"`
	Server string `json:"server,omitempty"`
	Shell  string `json:"shell,omitempty"`
	Active bool   `json:"active,omitempty"`
}

// LayoutStore persists the open tabs so they can be restored after a restart.
type LayoutStore struct {
	path string
	tabs []TabRecord
	mu   sync.RWMutex
	fs   ports.FileSystem
}

// LayoutStoreOption configures a LayoutStore.
type LayoutStoreOption func(*LayoutStore)

// WithFileSystem sets the filesystem used by LayoutStore.
func WithFileSystem(fs ports.FileSystem) LayoutStoreOption {
	return func(s *LayoutStore) {
		s.fs = fs
	}
}

// WithStorePath sets a custom storage path.
func WithStorePath(path string) LayoutStoreOption {
	return func(s *LayoutStore) {
		s.path = path
	}
}

// NewLayoutStore creates a layout store and loads any saved layout.
func NewLayoutStore(opts ...LayoutStoreOption) *LayoutStore {
	store := &LayoutStore{
		fs: realfs.New(),
	}

	for _, opt := range opts {
		opt(store)
	}

	if store.path == "" {
		store.path = store.defaultPath()
	}

	store.load()

	return store
}

// defaultPath determines the default storage path using the configured filesystem.
func (s *LayoutStore) defaultPath() string {
	home, err := s.fs.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}

	cacheDir := filepath.Join(home, ".cache", "termmux")
	if err := s.fs.MkdirAll(cacheDir, 0700); err != nil {
		slog.Warn("failed to create cache dir, using /tmp", slog.String("error", err.Error()))
		cacheDir = "/tmp"
	}

	return filepath.Join(cacheDir, "layout.json")
}

// Path returns where the layout is stored.
func (s *LayoutStore) Path() string {
	return s.path
}

// Save replaces the stored layout.
func (s *LayoutStore) Save(tabs []TabRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tabs = append([]TabRecord(nil), tabs...)
	s.persist()
}

// Tabs returns the stored layout in tab order.
func (s *LayoutStore) Tabs() []TabRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]TabRecord(nil), s.tabs...)
}

// Clear forgets the stored layout and deletes its file.
func (s *LayoutStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tabs = nil
	if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to remove layout", slog.String("error", err.Error()))
	}
}

// load reads the layout from disk.
func (s *LayoutStore) load() {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to load layout", slog.String("error", err.Error()))
		}
		return
	}

	if err := json.Unmarshal(data, &s.tabs); err != nil {
		slog.Warn("failed to parse layout", slog.String("error", err.Error()))
		s.tabs = nil
	}
}

// persist writes the layout to disk.
func (s *LayoutStore) persist() {
	data, err := json.MarshalIndent(s.tabs, "", "  ")
	if err != nil {
		slog.Warn("failed to marshal layout", slog.String("error", err.Error()))
		return
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		slog.Warn("failed to create layout dir", slog.String("error", err.Error()))
		return
	}
	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, data, 0600); err != nil {
		slog.Warn("failed to write layout", slog.String("error", err.Error()))
		return
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		slog.Warn("failed to replace layout", slog.String("error", err.Error()))
		_ = s.fs.Remove(tmp)
	}
}

// Layout returns the registry's tabs in order.
func (r *Registry) Layout() []TabRecord {
	tabs := make([]TabRecord, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id]
		tabs = append(tabs, TabRecord{
			Kind:   s.params.Kind,
			Title:  s.title,
			Server: s.params.Server,
			Shell:  s.params.Shell,
			Active: id == r.active,
		})
	}
	return tabs
}

// Restore opens a session per record and activates the one marked active.
// A record that fails to open is skipped.
func (r *Registry) Restore(tabs []TabRecord) error {
	var errs []error
	var active ID
	for _, tab := range tabs {
		s, err := r.Create(Params{
			Kind:   tab.Kind,
			Title:  tab.Title,
			Server: tab.Server,
			Shell:  tab.Shell,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %q: %w", tab.Title, err))
			continue
		}
		if tab.Active {
			active = s.ID()
		}
	}
	if active != "" {
		if err := r.SwitchTo(active); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
