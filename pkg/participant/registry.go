// Package participant keeps the roster of remote participants of a room.
package participant

import (
	"sort"
	"time"

	"github.com/giongto35/cloud-room/pkg/media"
)

// Participant is a remote member of the room.
type Participant struct {
	Id           string
	DisplayName  string
	AudioEnabled bool
	VideoEnabled bool
	AudioTrack   media.RemoteTrack
	VideoTrack   media.RemoteTrack
	JoinedAt     time.Time
}

// Tracks returns the attached track references.
func (p Participant) Tracks() []media.RemoteTrack {
	var list []media.RemoteTrack
	if p.AudioTrack != nil {
		list = append(list, p.AudioTrack)
	}
	if p.VideoTrack != nil {
		list = append(list, p.VideoTrack)
	}
	return list
}

type (
	Event interface{ participant() string }

	Joined struct {
		Id   string
		Name string
		At   time.Time
	}
	Published struct {
		Id    string
		Kind  media.Kind
		Track media.RemoteTrack
		At    time.Time
	}
	Unpublished struct {
		Id   string
		Kind media.Kind
	}
	Left struct {
		Id string
	}
)

func (e Joined) participant() string      { return e.Id }
func (e Published) participant() string   { return e.Id }
func (e Unpublished) participant() string { return e.Id }
func (e Left) participant() string        { return e.Id }

// Registry is the roster reducer. It's not safe for concurrent use,
// only the session event loop mutates it.
type Registry struct {
	local string
	list  map[string]*Participant
}

func NewRegistry(localId string) *Registry {
	return &Registry{local: localId, list: make(map[string]*Participant)}
}

// SetLocal changes the id of the local participant which is never listed.
func (r *Registry) SetLocal(id string) {
	r.local = id
	delete(r.list, id)
}

// Apply folds the event into the roster.
// A Published event without a track only marks the kind as enabled.
// It returns the track references detached by the event.
func (r *Registry) Apply(e Event) (detached []media.RemoteTrack) {
	id := e.participant()
	if id == "" || id == r.local {
		return nil
	}
	switch ev := e.(type) {
	case Joined:
		p := r.ensure(id, ev.At)
		if ev.Name != "" {
			p.DisplayName = ev.Name
		}
	case Published:
		p := r.ensure(id, ev.At)
		switch ev.Kind {
		case media.Audio:
			if p.AudioTrack != nil && ev.Track != nil && p.AudioTrack.ID() != ev.Track.ID() {
				detached = append(detached, p.AudioTrack)
			}
			p.AudioEnabled = true
			if ev.Track != nil {
				p.AudioTrack = ev.Track
			}
		case media.Video:
			if p.VideoTrack != nil && ev.Track != nil && p.VideoTrack.ID() != ev.Track.ID() {
				detached = append(detached, p.VideoTrack)
			}
			p.VideoEnabled = true
			if ev.Track != nil {
				p.VideoTrack = ev.Track
			}
		}
	case Unpublished:
		p := r.ensure(id, time.Time{})
		switch ev.Kind {
		case media.Audio:
			if p.AudioTrack != nil {
				detached = append(detached, p.AudioTrack)
			}
			p.AudioEnabled, p.AudioTrack = false, nil
		case media.Video:
			if p.VideoTrack != nil {
				detached = append(detached, p.VideoTrack)
			}
			p.VideoEnabled, p.VideoTrack = false, nil
		}
	case Left:
		if p, ok := r.list[id]; ok {
			detached = p.Tracks()
			delete(r.list, id)
		}
	}
	return detached
}

// ensure returns the participant or a minimal new one.
func (r *Registry) ensure(id string, at time.Time) *Participant {
	if p, ok := r.list[id]; ok {
		return p
	}
	if at.IsZero() {
		at = time.Now()
	}
	p := &Participant{Id: id, DisplayName: id, JoinedAt: at}
	r.list[id] = p
	return p
}

func (r *Registry) Get(id string) (Participant, bool) {
	if p, ok := r.list[id]; ok {
		return *p, true
	}
	return Participant{}, false
}

func (r *Registry) Len() int { return len(r.list) }

// List returns a snapshot ordered by the join time and id.
func (r *Registry) List() []Participant {
	list := make([]Participant, 0, len(r.list))
	for _, p := range r.list {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].JoinedAt.Before(list[j].JoinedAt)
		}
		return list[i].Id < list[j].Id
	})
	return list
}

// Reset removes everyone returning all attached tracks.
func (r *Registry) Reset() (detached []media.RemoteTrack) {
	for id, p := range r.list {
		detached = append(detached, p.Tracks()...)
		delete(r.list, id)
	}
	return detached
}
