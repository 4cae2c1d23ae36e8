package ports

import (
	"io"
	"io/fs"
)

// FileSystem is the slice of the OS that stores, recordings, config and
// shell discovery touch. Tests swap in an in-memory version.
type FileSystem interface {
	ReadFile(name string) ([]byte, error)
	WriteFile(name string, data []byte, perm fs.FileMode) error
	// OpenFile opens name with os.O_* flags for writing.
	OpenFile(name string, flag int, perm fs.FileMode) (FileHandle, error)
	Stat(name string) (fs.FileInfo, error)
	MkdirAll(path string, perm fs.FileMode) error
	Remove(name string) error
	// Rename replaces newpath with oldpath; stores rely on it to publish a
	// fully written file.
	Rename(oldpath, newpath string) error

	UserHomeDir() (string, error)
	Getenv(key string) string
}

// FileHandle is an open file.
type FileHandle interface {
	io.Writer
	io.Closer
}
