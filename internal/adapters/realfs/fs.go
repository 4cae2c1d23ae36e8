// Package realfs backs ports.FileSystem with the os package.
package realfs

import (
	"io/fs"
	"os"

	"github.com/acolita/termmux/internal/ports"
)

// FS is the host filesystem and environment.
type FS struct{}

// New returns the host filesystem.
func New() *FS {
	return &FS{}
}

func (*FS) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

func (*FS) WriteFile(name string, data []byte, perm fs.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (*FS) OpenFile(name string, flag int, perm fs.FileMode) (ports.FileHandle, error) {
	return os.OpenFile(name, flag, perm)
}

func (*FS) Stat(name string) (fs.FileInfo, error) { return os.Stat(name) }

func (*FS) MkdirAll(path string, perm fs.FileMode) error { return os.MkdirAll(path, perm) }

func (*FS) Remove(name string) error { return os.Remove(name) }

func (*FS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

func (*FS) UserHomeDir() (string, error) { return os.UserHomeDir() }

func (*FS) Getenv(key string) string { return os.Getenv(key) }

var _ ports.FileSystem = (*FS)(nil)
