// Package fakefs is an in-memory ports.FileSystem with scripted failures.
package fakefs

import (
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/acolita/termmux/internal/ports"
)

// Op names a filesystem operation for Fail.
type Op string

const (
	OpRead   Op = "read"
	OpWrite  Op = "write"
	OpMkdir  Op = "mkdir"
	OpRemove Op = "remove"
	OpRename Op = "rename"
)

type node struct {
	dir     bool
	data    []byte
	mode    fs.FileMode
	modTime time.Time
}

type failure struct {
	op   Op
	path string
}

// FS keeps files and directories in a map keyed by cleaned slash path.
// WriteFile and OpenFile create missing parent directories.
type FS struct {
	mu       sync.Mutex
	nodes    map[string]*node
	failures map[failure]error
	home     string
	env      map[string]string
}

// New returns an empty filesystem with / and a home of /home/test.
func New() *FS {
	return &FS{
		nodes:    map[string]*node{"/": {dir: true, mode: fs.ModeDir | 0o755}},
		failures: make(map[failure]error),
		home:     "/home/test",
		env:      make(map[string]string),
	}
}

// Fail makes op on name return err until cleared with a nil err.
func (f *FS) Fail(op Op, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := failure{op, path.Clean(name)}
	if err == nil {
		delete(f.failures, k)
		return
	}
	f.failures[k] = err
}

func (f *FS) failLocked(op Op, name string) error {
	if err, ok := f.failures[failure{op, name}]; ok {
		return &fs.PathError{Op: string(op), Path: name, Err: err}
	}
	return nil
}

func (f *FS) ReadFile(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	if err := f.failLocked(OpRead, name); err != nil {
		return nil, err
	}
	n, ok := f.nodes[name]
	if !ok || n.dir {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return slices.Clone(n.data), nil
}

func (f *FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	if err := f.failLocked(OpWrite, name); err != nil {
		return err
	}
	f.mkdirLocked(path.Dir(name))
	f.nodes[name] = &node{data: slices.Clone(data), mode: perm, modTime: time.Now()}
	return nil
}

// OpenFile supports write-only opens with O_CREATE, O_EXCL and O_TRUNC;
// writes append to the stored file.
func (f *FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	if err := f.failLocked(OpWrite, name); err != nil {
		return nil, err
	}

	n, ok := f.nodes[name]
	switch {
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case !ok && flag&os.O_CREATE == 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case !ok:
		f.mkdirLocked(path.Dir(name))
		n = &node{mode: perm, modTime: time.Now()}
		f.nodes[name] = n
	case flag&os.O_TRUNC != 0:
		n.data = nil
	}
	return &handle{fs: f, node: n}, nil
}

type handle struct {
	fs     *FS
	node   *node
	closed bool
}

func (h *handle) Write(b []byte) (int, error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return 0, fs.ErrClosed
	}
	h.node.data = append(h.node.data, b...)
	h.node.modTime = time.Now()
	return len(b), nil
}

func (h *handle) Close() error {
	h.fs.mu.Lock()
	h.closed = true
	h.fs.mu.Unlock()
	return nil
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	n, ok := f.nodes[name]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return info{name: path.Base(name), node: *n}, nil
}

func (f *FS) MkdirAll(dir string, perm fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	dir = path.Clean(dir)
	if err := f.failLocked(OpMkdir, dir); err != nil {
		return err
	}
	f.mkdirLocked(dir)
	return nil
}

func (f *FS) mkdirLocked(dir string) {
	for d := dir; ; d = path.Dir(d) {
		if _, ok := f.nodes[d]; !ok {
			f.nodes[d] = &node{dir: true, mode: fs.ModeDir | 0o755, modTime: time.Now()}
		}
		if d == "/" || d == "." {
			return
		}
	}
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	if err := f.failLocked(OpRemove, name); err != nil {
		return err
	}
	n, ok := f.nodes[name]
	if !ok {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	if n.dir {
		for p := range f.nodes {
			if strings.HasPrefix(p, name+"/") {
				return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrInvalid}
			}
		}
	}
	delete(f.nodes, name)
	return nil
}

// Rename moves a file. The target directory must exist.
func (f *FS) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	oldpath, newpath = path.Clean(oldpath), path.Clean(newpath)
	if err := f.failLocked(OpRename, oldpath); err != nil {
		return err
	}
	n, ok := f.nodes[oldpath]
	if !ok || n.dir {
		return &fs.PathError{Op: "rename", Path: oldpath, Err: fs.ErrNotExist}
	}
	if parent, ok := f.nodes[path.Dir(newpath)]; !ok || !parent.dir {
		return &fs.PathError{Op: "rename", Path: newpath, Err: fs.ErrNotExist}
	}
	f.nodes[newpath] = n
	delete(f.nodes, oldpath)
	return nil
}

func (f *FS) UserHomeDir() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.home, nil
}

func (f *FS) Getenv(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env[key]
}

// AddFile stores a file, creating its directories.
func (f *FS) AddFile(name string, data []byte, mode fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	f.mkdirLocked(path.Dir(name))
	f.nodes[name] = &node{data: slices.Clone(data), mode: mode, modTime: time.Now()}
}

// SetHomeDir changes what UserHomeDir returns.
func (f *FS) SetHomeDir(dir string) {
	f.mu.Lock()
	f.home = dir
	f.mu.Unlock()
}

// SetEnv sets an environment variable seen by Getenv.
func (f *FS) SetEnv(key, value string) {
	f.mu.Lock()
	f.env[key] = value
	f.mu.Unlock()
}

// Files lists every regular file, sorted.
func (f *FS) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p, n := range f.nodes {
		if !n.dir {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

type info struct {
	name string
	node node
}

func (i info) Name() string { return i.name }
func (i info) Size() int64  { return int64(len(i.node.data)) }
func (i info) Mode() fs.FileMode {
	if i.node.dir {
		return fs.ModeDir | i.node.mode.Perm()
	}
	return i.node.mode
}
func (i info) ModTime() time.Time { return i.node.modTime }
func (i info) IsDir() bool        { return i.node.dir }
func (i info) Sys() any           { return nil }

var _ ports.FileSystem = (*FS)(nil)
