// Package commands stores the reusable command list that drives injection.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acolita/termmux/internal/adapters/realclock"
	"github.com/acolita/termmux/internal/adapters/realfs"
	"github.com/acolita/termmux/internal/ports"
)

var (
	// ErrNotFound is returned when no saved command matches a reference.
	ErrNotFound = errors.New("command not found")
	// ErrEmpty is returned when adding a blank command.
	ErrEmpty = errors.New("command text is empty")
)

// Command is one saved command line.
type Command struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Text    string    `json:"text"`
	AddedAt time.Time `json:"added_at"`
}

// Store is a JSON file of saved commands, kept in insertion order.
type Store struct {
	path  string
	fs    ports.FileSystem
	clock ports.Clock

	mu       sync.RWMutex
	commands []Command
}

// Option configures a Store.
type Option func(*Store)

// WithFileSystem sets the filesystem the store reads and writes.
func WithFileSystem(fsys ports.FileSystem) Option {
	return func(s *Store) {
		s.fs = fsys
	}
}

// WithClock sets the clock used for AddedAt.
func WithClock(c ports.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// Open loads the store at path. A missing file is an empty store.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:  path,
		fs:    realfs.New(),
		clock: realclock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := s.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read commands: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.commands); err != nil {
		return nil, fmt.Errorf("parse commands %s: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Add saves a command. An empty name defaults to the text.
func (s *Store) Add(name, text string) (Command, error) {
	if strings.TrimSpace(text) == "" {
		return Command{}, ErrEmpty
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = text
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := Command{
		ID:      uuid.NewString()[:8],
		Name:    name,
		Text:    text,
		AddedAt: s.clock.Now(),
	}
	s.commands = append(s.commands, cmd)
	if err := s.persistLocked(); err != nil {
		s.commands = s.commands[:len(s.commands)-1]
		return Command{}, err
	}
	return cmd, nil
}

// List returns the saved commands in insertion order.
func (s *Store) List() []Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.commands)
}

// Get resolves ref as a 1-based position, an id or a name, in that order.
func (s *Store) Get(ref string) (Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(ref)
	if i < 0 {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return s.commands[i], nil
}

// Remove deletes the command ref resolves to.
func (s *Store) Remove(ref string) (Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(ref)
	if i < 0 {
		return Command{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	removed := s.commands[i]
	prev := s.commands
	s.commands = slices.Delete(slices.Clone(s.commands), i, i+1)
	if err := s.persistLocked(); err != nil {
		s.commands = prev
		return Command{}, err
	}
	return removed, nil
}

func (s *Store) indexLocked(ref string) int {
	ref = strings.TrimSpace(ref)
	if n, err := strconv.Atoi(ref); err == nil {
		if n >= 1 && n <= len(s.commands) {
			return n - 1
		}
		return -1
	}
	if i := slices.IndexFunc(s.commands, func(c Command) bool { return c.ID == ref }); i >= 0 {
		return i
	}
	return slices.IndexFunc(s.commands, func(c Command) bool { return c.Name == ref })
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.commands, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create commands dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := s.fs.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write commands: %w", err)
	}
	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replace commands: %w", err)
	}
	return nil
}
