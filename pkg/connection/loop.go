package connection

import (
	"context"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/media"
	"github.com/giongto35/cloud-room/pkg/participant"
	"github.com/giongto35/cloud-room/pkg/transport"
)

const (
	queueSize        = 64
	subscribeTimeout = 10 * time.Second
)

type (
	seeded struct {
		local     string
		occupants []transport.Occupant
	}
	subscribed struct {
		pid   string
		kind  media.Kind
		track media.RemoteTrack
		err   error
	}
)

// loop serializes transport events of a session.
// The roster is touched only from its goroutine.
type loop struct {
	m        *Manager
	s        *session
	client   transport.Client
	registry *participant.Registry
	queue    chan any
	done     chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	log      *logger.Logger
}

func newLoop(m *Manager, s *session, client transport.Client, local string) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	return &loop{
		m:        m,
		s:        s,
		client:   client,
		registry: participant.NewRegistry(local),
		queue:    make(chan any, queueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		log:      m.log.Extend(m.log.With().Str(logger.RoomField, s.rq.RoomId)),
	}
}

// push is the transport listener.
func (l *loop) push(e transport.Event) { l.post(e) }

func (l *loop) post(v any) {
	select {
	case l.queue <- v:
	case <-l.done:
	}
}

func (l *loop) seed(local string, occupants []transport.Occupant) {
	l.post(seeded{local: local, occupants: occupants})
}

func (l *loop) run() {
	for {
		select {
		case v := <-l.queue:
			l.handle(v)
		case <-l.done:
			return
		}
	}
}

// stop ends the loop without waiting, so it's safe to call from the loop itself.
func (l *loop) stop() {
	l.once.Do(func() {
		l.cancel()
		close(l.done)
	})
}

func (l *loop) handle(v any) {
	switch e := v.(type) {
	case seeded:
		if e.local != "" {
			l.registry.SetLocal(e.local)
		}
		now := time.Now()
		for _, o := range e.occupants {
			l.registry.Apply(participant.Joined{Id: o.Id, Name: o.Name, At: now})
		}
		l.roster()
	case subscribed:
		l.attach(e)
	case transport.Event:
		l.event(e)
	}
}

func (l *loop) event(e transport.Event) {
	l.log.Debug().Str("event", e.Kind.String()).Str("pid", e.ParticipantId).Msg("Room event")
	switch e.Kind {
	case transport.UserJoined:
		l.registry.Apply(participant.Joined{Id: e.ParticipantId, Name: e.Name, At: time.Now()})
		l.roster()
	case transport.UserPublished:
		l.registry.Apply(participant.Published{Id: e.ParticipantId, Kind: e.Media, At: time.Now()})
		l.roster()
		if _, ok := l.registry.Get(e.ParticipantId); ok {
			go l.subscribe(e.ParticipantId, e.Media)
		}
	case transport.UserUnpublished:
		for _, t := range l.registry.Apply(participant.Unpublished{Id: e.ParticipantId, Kind: e.Media}) {
			l.m.media.DetachRemote(e.ParticipantId, t)
		}
		l.roster()
	case transport.UserLeft:
		l.registry.Apply(participant.Left{Id: e.ParticipantId})
		l.m.media.DetachParticipant(e.ParticipantId)
		l.roster()
	case transport.ConnectionStateChange:
		l.m.linkChanged(l.s, e)
	case transport.TokenWillExpire:
		l.m.tokenWillExpire(l.s)
	case transport.TokenDidExpire:
		l.m.tokenDidExpire(l.s)
	case transport.Exception:
		l.log.Warn().Err(e.Err).Str("reason", e.Reason).Msg("Transport exception")
	}
}

func (l *loop) subscribe(pid string, kind media.Kind) {
	ctx, cancel := context.WithTimeout(l.ctx, subscribeTimeout)
	defer cancel()
	track, err := l.client.Subscribe(ctx, pid, kind)
	l.post(subscribed{pid: pid, kind: kind, track: track, err: err})
}

// attach renders a subscribed track if it's still wanted.
func (l *loop) attach(e subscribed) {
	if e.err != nil {
		l.log.Warn().Err(e.err).Str("pid", e.pid).Str("kind", string(e.kind)).Msg("Subscribe")
		return
	}
	p, ok := l.registry.Get(e.pid)
	if !ok {
		return
	}
	if (e.kind == media.Audio && !p.AudioEnabled) || (e.kind == media.Video && !p.VideoEnabled) {
		return
	}
	for _, t := range l.registry.Apply(participant.Published{Id: e.pid, Kind: e.kind, Track: e.track}) {
		l.m.media.DetachRemote(e.pid, t)
	}
	if err := l.m.media.AttachRemote(e.pid, e.track, Target(e.pid, e.kind)); err != nil {
		l.log.Error().Err(err).Str("pid", e.pid).Msg("Remote track")
	}
	l.roster()
}

func (l *loop) roster() {
	list := l.registry.List()
	l.m.rooms.UpdateParticipants(list)
	l.m.metrics.participants.Set(float64(len(list)))
}

// Target is the render target of a remote track.
func Target(pid string, kind media.Kind) string { return pid + "/" + string(kind) }
