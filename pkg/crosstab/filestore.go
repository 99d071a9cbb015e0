package crosstab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/giongto35/cloud-room/pkg/logger"
	osx "github.com/giongto35/cloud-room/pkg/os"
	"github.com/goccy/go-json"
)

const (
	lockName = ".lock"
	ext      = ".json"
)

// FileStore keeps one JSON file per record in a directory shared by
// all the processes of a user. Every update runs under an exclusive
// file lock of the directory, so only one process can win a record.
type FileStore struct {
	dir  string
	mu   sync.Mutex // flock doesn't exclude goroutines of one process
	lock *osx.Flock
	log  *logger.Logger
}

func NewFileStore(dir string, log *logger.Logger) (*FileStore, error) {
	if dir == "" {
		dir = filepath.Join(osx.TempDir(), "cloud-room", "sessions")
	}
	if err := osx.CheckCreateDir(dir); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	fl, err := osx.NewFileLock(filepath.Join(dir, lockName))
	if err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, lock: fl, log: log.Module("crosstab")}, nil
}

func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Get(key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return nil, err
	}
	defer func() { _ = s.lock.Unlock() }()
	return s.read(key)
}

func (s *FileStore) Update(key string, fn Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = s.lock.Unlock() }()

	cur, err := s.read(key)
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}

	name := s.path(key)
	if next == nil {
		if cur == nil {
			return nil
		}
		if err = os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return osx.WriteFileAtomic(name, data, 0660)
}

// read returns a record of the key or nil.
// Broken files are treated as no record so they get overwritten.
func (s *FileStore) read(key string) (*Record, error) {
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err = json.Unmarshal(data, &r); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Broken session lock record")
		return nil, nil
	}
	return &r, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+ext)
}

func keyOf(name string) (string, bool) {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, ext) {
		return "", false
	}
	key, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(base, ext))
	if err != nil {
		return "", false
	}
	return string(key), true
}

// Watch notifies about records changed by any process.
// Own changes are reported as well.
func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				key, ok := keyOf(event.Name)
				if !ok {
					continue
				}
				var c Change
				switch {
				case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
					r, err := s.Get(key)
					if err != nil || r == nil {
						continue
					}
					c = Change{Key: key, Op: Written, Record: r}
				case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
					c = Change{Key: key, Op: Removed}
				default:
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("Session lock watch")
			}
		}
	}()
	return out, nil
}
