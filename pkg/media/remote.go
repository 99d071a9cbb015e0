package media

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/pion/interceptor"
)

// RemoteTrack is a reference to a subscribed track of a remote participant.
type RemoteTrack interface {
	ID() string
	Kind() Kind
}

// Renderer plays one remote track into one target.
type Renderer interface {
	Play() error
	Stop()
}

// RendererFactory makes a renderer of the track for the target (e.g. a view id).
type RendererFactory func(participantId string, track RemoteTrack, target string) (Renderer, error)

// RTPReader is a remote track with readable RTP (pion's TrackRemote).
type RTPReader interface {
	Read(b []byte) (int, interceptor.Attributes, error)
}

// deadliner unblocks a pending Read (pion's TrackRemote has it).
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// SinkRenderers returns renderers that drain remote RTP without output.
// It's a headless stand-in for real playback.
// A track has at most one reader however many targets render it,
// the reader ends with the last renderer of the track.
func SinkRenderers(log *logger.Logger) RendererFactory {
	pumps := &pumps{m: make(map[RemoteTrack]*pump), log: log}
	return func(pid string, track RemoteTrack, target string) (Renderer, error) {
		return &sink{
			track: track,
			pumps: pumps,
			log:   log.Extend(log.With().Str("pid", pid).Str("track", track.ID()).Str("target", target)),
		}, nil
	}
}

type sink struct {
	track   RemoteTrack
	pumps   *pumps
	playing atomic.Bool
	log     *logger.Logger
}

func (s *sink) Play() error {
	r, ok := s.track.(RTPReader)
	if !ok {
		s.log.Debug().Msg("Nothing to render")
		return nil
	}
	if s.playing.CompareAndSwap(false, true) {
		s.pumps.acquire(s.track, r)
	}
	return nil
}

func (s *sink) Stop() {
	if s.playing.CompareAndSwap(true, false) {
		s.pumps.release(s.track)
	}
}

type pumps struct {
	mu  sync.Mutex
	m   map[RemoteTrack]*pump
	log *logger.Logger
}

// pump is the reader of one track, refs are its playing sinks.
type pump struct {
	r    RTPReader
	refs atomic.Int32
	read uint64
	done chan struct{}
}

func (ps *pumps) acquire(track RemoteTrack, r RTPReader) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if p, ok := ps.m[track]; ok {
		// a stopping pump is taken back before it quits
		if p.refs.Add(1) == 1 {
			setDeadline(r, time.Time{})
		}
		return
	}
	p := &pump{r: r, done: make(chan struct{})}
	p.refs.Store(1)
	ps.m[track] = p
	go ps.run(track, p)
}

func (ps *pumps) release(track RemoteTrack) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.m[track]
	if !ok {
		return
	}
	if p.refs.Add(-1) <= 0 {
		setDeadline(p.r, time.Now())
	}
}

// quit tells if the pump is over and takes it out of the map.
func (ps *pumps) quit(track RemoteTrack, p *pump, err error) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if err == nil && p.refs.Load() > 0 {
		return false
	}
	if err != nil && p.refs.Load() > 0 && timeout(err) {
		setDeadline(p.r, time.Time{})
		return false
	}
	if ps.m[track] == p {
		delete(ps.m, track)
	}
	return true
}

func (ps *pumps) run(track RemoteTrack, p *pump) {
	defer close(p.done)
	buf := make([]byte, 1500)
	for {
		n, _, err := p.r.Read(buf)
		p.read += uint64(max(n, 0))
		if (err != nil || p.refs.Load() <= 0) && ps.quit(track, p, err) {
			break
		}
	}
	ps.log.Debug().Str("track", track.ID()).Uint64("bytes", p.read).Msg("Rendering has stopped")
}

func setDeadline(r RTPReader, t time.Time) {
	if d, ok := r.(deadliner); ok {
		_ = d.SetReadDeadline(t)
	}
}

func timeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
