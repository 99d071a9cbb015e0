// Package roomsession holds the room session of a tab that outlives
// navigation: when a user leaves the room page, the session keeps going
// in a floating view.
package roomsession

import (
	"strings"
	"sync"

	"github.com/giongto35/cloud-room/pkg/participant"
)

const DefaultRoutePrefix = "/rooms/"

type Point struct{ X, Y int }

type Size struct{ W, H int }

type Floating struct {
	Minimized bool
	Position  Point
	Size      Size
}

// JoinStatus is the progress of an ongoing join shown to a user.
type JoinStatus struct {
	Joining bool
	Attempt int
	Err     error
}

type Session struct {
	RoomId       string
	Name         string
	Participants []participant.Participant
	Floating     Floating
	Joining      JoinStatus
}

// Context keeps at most one session.
// All the methods are safe for concurrent use.
type Context struct {
	prefix string

	mu      sync.RWMutex
	session *Session
	route   string
	visible bool
	subs    map[int]func(Snapshot)
	nextSub int
}

// Snapshot is a consistent view of the context.
type Snapshot struct {
	Session         *Session
	Route           string
	FloatingVisible bool
}

func New(routePrefix string) *Context {
	if routePrefix == "" {
		routePrefix = DefaultRoutePrefix
	}
	if !strings.HasSuffix(routePrefix, "/") {
		routePrefix += "/"
	}
	return &Context{prefix: routePrefix, subs: make(map[int]func(Snapshot))}
}

// RoomRoute returns the page route of the room.
func (c *Context) RoomRoute(roomId string) string { return c.prefix + roomId }

// Enter sets a new session replacing the old one.
func (c *Context) Enter(s Session) {
	c.update(func() {
		s.Participants = append([]participant.Participant(nil), s.Participants...)
		c.session = &s
	})
}

// Exit removes the session. It's the only way to drop a session.
func (c *Context) Exit() { c.update(func() { c.session = nil }) }

func (c *Context) SetFloating(minimized bool) {
	c.update(func() {
		if c.session != nil {
			c.session.Floating.Minimized = minimized
		}
	})
}

func (c *Context) UpdateFloatingGeometry(pos Point, size Size) {
	c.update(func() {
		if c.session != nil {
			c.session.Floating.Position, c.session.Floating.Size = pos, size
		}
	})
}

func (c *Context) UpdateParticipants(list []participant.Participant) {
	c.update(func() {
		if c.session != nil {
			c.session.Participants = append([]participant.Participant(nil), list...)
		}
	})
}

func (c *Context) SetJoining(status JoinStatus) {
	c.update(func() {
		if c.session != nil {
			c.session.Joining = status
		}
	})
}

// Navigate changes the current route of the tab.
// It never ends the session.
func (c *Context) Navigate(route string) { c.update(func() { c.route = route }) }

// FloatingVisible tells if the session should be shown in the floating view,
// which is when there is a session and the tab is on a page other than the room's.
// A tab that hasn't navigated yet (empty route) shows no floating view.
func (c *Context) FloatingVisible() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.visible
}

// Current returns a copy of the session.
func (c *Context) Current() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return c.copyLocked(), true
}

func (c *Context) Route() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.route
}

// Subscribe calls fn on every change until unsubscribed.
// Callbacks run synchronously after the change, outside of the lock.
func (c *Context) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Context) update(fn func()) {
	c.mu.Lock()
	fn()
	c.visible = c.session != nil && c.route != "" && c.route != c.prefix+c.session.RoomId
	snap := Snapshot{Route: c.route, FloatingVisible: c.visible}
	if c.session != nil {
		s := c.copyLocked()
		snap.Session = &s
	}
	subs := make([]func(Snapshot), 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s(snap)
	}
}

func (c *Context) copyLocked() Session {
	s := *c.session
	s.Participants = append([]participant.Participant(nil), c.session.Participants...)
	return s
}
