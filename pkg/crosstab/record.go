// Package crosstab prevents one user from holding two live sessions
// of the same room from different tabs (processes) at once.
//
// Tabs coordinate through a shared Store. A record is active while its
// owner keeps refreshing it, abandoned records go stale and are taken over.
// The lock is advisory: it's a client-side hint and nothing on the server
// enforces it.
package crosstab

import (
	"errors"
	"time"
)

const keyPrefix = "room-session"

var (
	ErrConflict = errors.New("room session is active in another tab")
	ErrNotOwner = errors.New("room session lock is not owned by the tab")
)

// Record is the shared lock record of a (user, room) session.
type Record struct {
	RoomId    string    `json:"roomId"`
	UserId    string    `json:"userId"`
	TabId     string    `json:"tabId"`
	Timestamp time.Time `json:"timestamp"`
}

// Active tells if the record was refreshed within the window.
func (r *Record) Active(now time.Time, window time.Duration) bool {
	return r != nil && now.Sub(r.Timestamp) < window
}

// Key returns the storage key of the (user, room) lock.
func Key(userId, roomId string) string { return keyPrefix + ":" + userId + ":" + roomId }
