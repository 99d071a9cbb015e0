package ws

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/media"
	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
)

// remoteTrack is a subscribed track which media may come later.
type remoteTrack struct {
	id   string
	pid  string
	kind media.Kind

	track  *pion.TrackRemote
	bound  chan struct{}
	closed chan struct{}
	bind1  sync.Once
	close1 sync.Once

	mu sync.Mutex
	// expired is closed by a past read deadline
	expired chan struct{}
}

func newRemoteTrack(id, pid string, kind media.Kind) *remoteTrack {
	return &remoteTrack{id: id, pid: pid, kind: kind, bound: make(chan struct{}), closed: make(chan struct{})}
}

func (r *remoteTrack) ID() string       { return r.id }
func (r *remoteTrack) Kind() media.Kind { return r.kind }

func (r *remoteTrack) bind(t *pion.TrackRemote) {
	r.bind1.Do(func() {
		r.track = t
		close(r.bound)
	})
}

func (r *remoteTrack) close() { r.close1.Do(func() { close(r.closed) }) }

// Read reads RTP of the track, it blocks until the media arrives.
func (r *remoteTrack) Read(b []byte) (int, interceptor.Attributes, error) {
	r.mu.Lock()
	expired := r.expired
	r.mu.Unlock()

	select {
	case <-r.closed:
		return 0, nil, io.EOF
	case <-expired:
		return 0, nil, os.ErrDeadlineExceeded
	case <-r.bound:
	}
	select {
	case <-r.closed:
		return 0, nil, io.EOF
	case <-expired:
		return 0, nil, os.ErrDeadlineExceeded
	default:
	}
	return r.track.Read(b)
}

// SetReadDeadline unblocks the reads with a past t, a zero t clears it.
// Future deadlines apply only to a track with media.
func (r *remoteTrack) SetReadDeadline(t time.Time) error {
	r.mu.Lock()
	if !t.IsZero() && !t.After(time.Now()) {
		if r.expired == nil {
			r.expired = make(chan struct{})
			close(r.expired)
		}
	} else {
		r.expired = nil
	}
	r.mu.Unlock()

	select {
	case <-r.bound:
		return r.track.SetReadDeadline(t)
	default:
		return nil
	}
}
