// Package transport is the real-time room transport seen by a session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giongto35/cloud-room/pkg/media"
	"github.com/pion/webrtc/v4"
)

type EventKind uint8

const (
	UserJoined EventKind = iota + 1
	UserPublished
	UserUnpublished
	UserLeft
	ConnectionStateChange
	TokenWillExpire
	TokenDidExpire
	Exception
)

func (k EventKind) String() string {
	switch k {
	case UserJoined:
		return "user-joined"
	case UserPublished:
		return "user-published"
	case UserUnpublished:
		return "user-unpublished"
	case UserLeft:
		return "user-left"
	case ConnectionStateChange:
		return "connection-state-change"
	case TokenWillExpire:
		return "token-privilege-will-expire"
	case TokenDidExpire:
		return "token-privilege-did-expire"
	case Exception:
		return "exception"
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

// LinkState is a connection state reported by the transport.
type LinkState string

const (
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkReconnecting LinkState = "reconnecting"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
)

type Event struct {
	Kind          EventKind
	ParticipantId string
	Name          string
	Media         media.Kind
	State         LinkState
	Reason        string
	Err           error
}

type Occupant struct {
	Id   string
	Name string
}

type JoinInfo struct {
	ParticipantId string
	// Occupants are the remote participants present at the join time.
	Occupants []Occupant
}

type Config struct {
	Address     string
	CallTimeout time.Duration
	// Reconnect is the number of reconnection attempts after a link loss.
	Reconnect int
}

var (
	ErrNotJoined     = errors.New("not joined")
	ErrAlreadyJoined = errors.New("already joined")
)

// Client is a room connection.
// Listener callbacks may run on any goroutine and must not block.
type Client interface {
	Join(ctx context.Context, appId, channel, token, participantId string) (JoinInfo, error)
	Publish(ctx context.Context, tracks ...webrtc.TrackLocal) error
	Subscribe(ctx context.Context, participantId string, kind media.Kind) (media.RemoteTrack, error)
	RenewToken(ctx context.Context, token string) error
	Leave(ctx context.Context) error
	SetListener(fn func(Event))
	Connected() bool
	Close() error
}

type Factory interface {
	NewClient(conf Config) (Client, error)
}

// FactoryFunc is a function Factory.
type FactoryFunc func(conf Config) (Client, error)

func (f FactoryFunc) NewClient(conf Config) (Client, error) { return f(conf) }
