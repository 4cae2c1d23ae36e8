package recording

import (
	"errors"
	"sync"

	"github.com/acolita/termmux/internal/ports"
	"github.com/acolita/termmux/internal/session"
)

// Manager starts one recorder per session and keeps track of the open ones.
// Its Open method is a session.RecorderFactory.
type Manager struct {
	mu        sync.Mutex
	recorders map[session.ID]*Recorder
	dir       string
	enabled   bool
	fs        ports.FileSystem
	clock     ports.Clock
}

// NewManager creates a recording manager writing into dir.
func NewManager(dir string, enabled bool, fs ports.FileSystem, clock ports.Clock) *Manager {
	return &Manager{
		recorders: make(map[session.ID]*Recorder),
		dir:       dir,
		enabled:   enabled,
		fs:        fs,
		clock:     clock,
	}
}

// Open starts recording a new session. It returns a nil Recorder while
// recording is disabled.
func (m *Manager) Open(id session.ID, params session.Params) (session.Recorder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil, nil
	}
	if existing, ok := m.recorders[id]; ok {
		existing.setOnClose(nil)
		existing.Close()
	}

	title := params.Title
	if title == "" {
		title = params.Server
	}
	rec, err := NewRecorder(m.dir, Options{
		Name:  string(id),
		Title: title,
		Shell: params.Shell,
		Cols:  params.Size.Cols,
		Rows:  params.Size.Rows,
	}, m.fs, m.clock)
	if err != nil {
		return nil, err
	}
	rec.setOnClose(func() { m.forget(id, rec) })
	m.recorders[id] = rec
	return rec, nil
}

func (m *Manager) forget(id session.ID, rec *Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recorders[id] == rec {
		delete(m.recorders, id)
	}
}

// Path returns the recording file of a session, or "" when it is not being
// recorded.
func (m *Manager) Path(id session.ID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recorders[id]; ok {
		return rec.Path()
	}
	return ""
}

// Active returns the number of open recordings.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recorders)
}

// SetEnabled toggles recording for sessions opened from now on.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = enabled
}

// SetDir changes where new recordings are written.
func (m *Manager) SetDir(dir string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dir = dir
}

// IsEnabled returns whether recording is enabled.
func (m *Manager) IsEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// CloseAll closes all recorders.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	recs := make([]*Recorder, 0, len(m.recorders))
	for id, rec := range m.recorders {
		rec.setOnClose(nil)
		recs = append(recs, rec)
		delete(m.recorders, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		errs = append(errs, rec.Close())
	}
	return errors.Join(errs...)
}

var _ session.RecorderFactory = (*Manager)(nil).Open
