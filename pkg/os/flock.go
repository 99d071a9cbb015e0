package os

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Flock is an advisory lock shared between processes through a file.
type Flock struct {
	f *flock.Flock
}

func NewFileLock(path string) (*Flock, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "cloud_room.lock")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return nil, err
	}
	return &Flock{f: flock.New(path)}, nil
}

func (f *Flock) Lock() error   { return f.f.Lock() }
func (f *Flock) Unlock() error { return f.f.Unlock() }
func (f *Flock) Path() string  { return f.f.Path() }
