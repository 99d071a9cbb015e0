package crosstab

import (
	"context"
	"errors"
	"sync"
)

// Mutation gets the current record (nil if none) and returns the next one.
// A nil next record deletes the key, an error aborts the update.
type Mutation func(cur *Record) (next *Record, err error)

// Store is a storage shared by all the tabs of a user.
// Update must be atomic across every tab sharing the store.
type Store interface {
	Get(key string) (*Record, error)
	Update(key string, fn Mutation) error
}

// Op is a kind of a record change.
type Op uint8

const (
	Written Op = iota
	Removed
)

func (o Op) String() string {
	if o == Removed {
		return "removed"
	}
	return "written"
}

// Change is a notification about a record changed by some tab.
type Change struct {
	Key    string
	Op     Op
	Record *Record
}

// Watcher is a store that can notify about record changes.
type Watcher interface {
	Watch(ctx context.Context) (<-chan Change, error)
}

var ErrWatchUnsupported = errors.New("store doesn't support watching")

// MemStore keeps records in memory. Guards sharing one MemStore behave
// like tabs sharing the same browser storage.
type MemStore struct {
	mu      sync.Mutex
	records map[string]Record
	subs    map[chan Change]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]Record), subs: make(map[chan Change]struct{})}
}

func (m *MemStore) Get(key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[key]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *MemStore) Update(key string, fn Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cur *Record
	if r, ok := m.records[key]; ok {
		cur = &r
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	switch {
	case next != nil:
		r := *next
		m.records[key] = r
		m.notify(Change{Key: key, Op: Written, Record: &r})
	case cur != nil:
		delete(m.records, key)
		m.notify(Change{Key: key, Op: Removed})
	}
	return nil
}

// Watch streams changes until the context is done.
// Slow readers miss changes.
func (m *MemStore) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 16)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemStore) notify(c Change) {
	for ch := range m.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
