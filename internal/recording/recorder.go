// Package recording provides session recording in asciicast v2 format.
package recording

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acolita/termmux/internal/ports"
)

// Recorder records terminal I/O in asciicast v2 format.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	file      ports.FileHandle
	path      string
	startTime time.Time
	closed    bool
	clock     ports.Clock
	onClose   func()
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64
	Type string
	Data string
}

// Event types.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Type, e.Data})
}

// Options describes the recording being started.
type Options struct {
	Name  string // file name prefix, usually the session id
	Title string
	Shell string
	Cols  int
	Rows  int
}

// NewRecorder creates dir if needed and starts a new .cast file in it.
func NewRecorder(dir string, opts Options, fs ports.FileSystem, clock ports.Clock) (*Recorder, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}

	start := clock.Now()
	filename := fmt.Sprintf("%s_%s.cast", sanitizeName(opts.Name), start.Format("20060102_150405"))
	fullPath := filepath.Join(dir, filename)

	file, err := fs.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	header := Header{
		Version:   2,
		Width:     opts.Cols,
		Height:    opts.Rows,
		Timestamp: start.Unix(),
		Title:     opts.Title,
		Env:       map[string]string{"TERM": "xterm-256color"},
	}
	if opts.Shell != "" {
		header.Env["SHELL"] = opts.Shell
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := file.Write(append(headerJSON, '\n')); err != nil {
		file.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	return &Recorder{
		file:      file,
		path:      fullPath,
		startTime: start,
		clock:     clock,
	}, nil
}

// RecordOutput records data shown to the user.
func (r *Recorder) RecordOutput(data string) error {
	return r.record(EventOutput, data)
}

// RecordInput records data sent to the shell.
func (r *Recorder) RecordInput(data string) error {
	return r.record(EventInput, data)
}

// RecordResize records a terminal size change.
func (r *Recorder) RecordResize(cols, rows int) error {
	return r.record(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) record(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: eventType,
		Data: data,
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := r.file.Write(append(eventJSON, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close finishes the recording. Closing twice is a no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	err := r.file.Close()
	onClose := r.onClose
	r.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return err
}

func (r *Recorder) setOnClose(fn func()) {
	r.mu.Lock()
	r.onClose = fn
	r.mu.Unlock()
}

// Path returns the path to the recording file.
func (r *Recorder) Path() string {
	return r.path
}

// sanitizeName keeps a recording name usable as a file name.
func sanitizeName(name string) string {
	if name == "" {
		return "session"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', 0:
			return '_'
		}
		return r
	}, name)
}
