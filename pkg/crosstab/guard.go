package crosstab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/logger"
)

const DefaultStaleness = 120 * time.Second

// Lease is a lock owned by a tab.
type Lease struct {
	UserId string
	RoomId string
	TabId  string
}

func (l Lease) Key() string { return Key(l.UserId, l.RoomId) }

// Marker remembers the locks owned by this tab.
type Marker struct {
	mu     sync.Mutex
	leases map[string]Lease
}

func newMarker() *Marker { return &Marker{leases: make(map[string]Lease)} }

func (m *Marker) set(l Lease) {
	m.mu.Lock()
	m.leases[l.Key()] = l
	m.mu.Unlock()
}

func (m *Marker) unset(l Lease) {
	m.mu.Lock()
	if cur, ok := m.leases[l.Key()]; ok && cur.TabId == l.TabId {
		delete(m.leases, l.Key())
	}
	m.mu.Unlock()
}

// Owns tells if the tab holds the lock of the room.
func (m *Marker) Owns(userId, roomId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leases[Key(userId, roomId)]
	return ok
}

func (m *Marker) List() []Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Lease, 0, len(m.leases))
	for _, l := range m.leases {
		list = append(list, l)
	}
	return list
}

// Guard allows one active session of a user per room.
type Guard struct {
	store  Store
	window time.Duration
	now    func() time.Time
	marker *Marker
	log    *logger.Logger
}

type GuardOption func(*Guard)

func WithClock(now func() time.Time) GuardOption { return func(g *Guard) { g.now = now } }

func NewGuard(store Store, window time.Duration, log *logger.Logger, opts ...GuardOption) *Guard {
	if window <= 0 {
		window = DefaultStaleness
	}
	g := &Guard{store: store, window: window, now: time.Now, marker: newMarker(), log: log.Module("crosstab")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Marker() *Marker          { return g.marker }
func (g *Guard) Staleness() time.Duration { return g.window }

// TryAcquire takes the lock of (userId, roomId) for the tab.
// It succeeds when there is no record, the record is stale
// or the record is already owned by the same tab.
func (g *Guard) TryAcquire(userId, roomId, tabId string) error {
	now := g.now()
	err := g.store.Update(Key(userId, roomId), func(cur *Record) (*Record, error) {
		if cur != nil && cur.TabId != tabId {
			if cur.Active(now, g.window) {
				return nil, fmt.Errorf("%w (tab %s, %v ago)", ErrConflict, cur.TabId, now.Sub(cur.Timestamp).Truncate(time.Second))
			}
			g.log.Info().Str("room", roomId).Str("owner", cur.TabId).Msg("Stale session lock taken over")
		}
		return &Record{RoomId: roomId, UserId: userId, TabId: tabId, Timestamp: now}, nil
	})
	if err != nil {
		return err
	}
	g.marker.set(Lease{UserId: userId, RoomId: roomId, TabId: tabId})
	g.log.Debug().Str("room", roomId).Msg("Session lock acquired")
	return nil
}

// Release removes the lock only if it's owned by the tab.
// Releasing a missing lock is fine.
func (g *Guard) Release(userId, roomId, tabId string) error {
	lease := Lease{UserId: userId, RoomId: roomId, TabId: tabId}
	defer g.marker.unset(lease)
	err := g.store.Update(lease.Key(), func(cur *Record) (*Record, error) {
		if cur == nil {
			return nil, nil
		}
		if cur.TabId != tabId {
			return nil, ErrNotOwner
		}
		return nil, nil
	})
	if err == nil {
		g.log.Debug().Str("room", roomId).Msg("Session lock released")
	}
	return err
}

// Refresh prolongs the lock owned by the tab.
func (g *Guard) Refresh(userId, roomId, tabId string) error {
	now := g.now()
	return g.store.Update(Key(userId, roomId), func(cur *Record) (*Record, error) {
		if cur == nil || cur.TabId != tabId {
			return nil, ErrNotOwner
		}
		next := *cur
		next.Timestamp = now
		return &next, nil
	})
}

// Heartbeat refreshes the lock every third of the staleness window
// until the context is done or the lock is lost.
func (g *Guard) Heartbeat(ctx context.Context, userId, roomId, tabId string) error {
	t := time.NewTicker(g.window / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := g.Refresh(userId, roomId, tabId); err != nil {
				if errors.Is(err, ErrNotOwner) {
					g.log.Warn().Str("room", roomId).Msg("Session lock lost")
					g.marker.unset(Lease{UserId: userId, RoomId: roomId, TabId: tabId})
					return err
				}
				g.log.Warn().Err(err).Msg("Session lock refresh")
			}
		}
	}
}

// ReleaseAll releases every lock marked as owned by this tab.
func (g *Guard) ReleaseAll() {
	for _, l := range g.marker.List() {
		if err := g.Release(l.UserId, l.RoomId, l.TabId); err != nil {
			g.log.Warn().Err(err).Str("room", l.RoomId).Msg("Session lock release")
		}
	}
}

// ReleaseOnTermination releases owned locks when done fires.
// It is best-effort: a killed process leaves its locks to go stale.
func (g *Guard) ReleaseOnTermination(done <-chan struct{}) {
	go func() {
		<-done
		g.ReleaseAll()
	}()
}

// Watch streams lock changes made by any tab if the store supports it.
func (g *Guard) Watch(ctx context.Context) (<-chan Change, error) {
	if w, ok := g.store.(Watcher); ok {
		return w.Watch(ctx)
	}
	return nil, ErrWatchUnsupported
}

// Status returns the current record of (userId, roomId) and whether it's active.
func (g *Guard) Status(userId, roomId string) (*Record, bool, error) {
	r, err := g.store.Get(Key(userId, roomId))
	if err != nil {
		return nil, false, err
	}
	return r, r.Active(g.now(), g.window), nil
}
