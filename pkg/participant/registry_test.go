package participant

import (
	"testing"
	"time"

	"github.com/giongto35/cloud-room/pkg/media"
)

type ref struct {
	id   string
	kind media.Kind
}

func (r ref) ID() string       { return r.id }
func (r ref) Kind() media.Kind { return r.kind }

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPublishedBeforeJoinedThenLeft(t *testing.T) {
	r := NewRegistry("me")
	video := ref{id: "v1", kind: media.Video}

	r.Apply(Published{Id: "X", Kind: media.Video, Track: video, At: t0})
	p, ok := r.Get("X")
	if !ok || !p.VideoEnabled || p.VideoTrack == nil {
		t.Fatalf("published should synthesize the participant, got %+v", p)
	}

	r.Apply(Joined{Id: "X", Name: "Xena", At: t0.Add(time.Second)})
	p, _ = r.Get("X")
	if p.DisplayName != "Xena" || p.VideoTrack == nil {
		t.Errorf("joined should keep the tracks and set the name, got %+v", p)
	}

	detached := r.Apply(Left{Id: "X"})
	if _, ok := r.Get("X"); ok || r.Len() != 0 {
		t.Errorf("participant should be removed")
	}
	if len(detached) != 1 || detached[0].ID() != "v1" {
		t.Errorf("expected detached video track, got %v", detached)
	}
}

func TestDuplicateEvents(t *testing.T) {
	r := NewRegistry("me")
	audio := ref{id: "a1", kind: media.Audio}
	events := []Event{
		Joined{Id: "X", Name: "X", At: t0},
		Joined{Id: "X", Name: "X", At: t0},
		Published{Id: "X", Kind: media.Audio, Track: audio},
		Published{Id: "X", Kind: media.Audio, Track: audio},
	}
	for _, e := range events {
		if d := r.Apply(e); len(d) > 0 {
			t.Errorf("%T shouldn't detach anything", e)
		}
	}
	if r.Len() != 1 {
		t.Errorf("got %d participants", r.Len())
	}
	if d := r.Apply(Left{Id: "X"}); len(d) != 1 {
		t.Errorf("got %d detached tracks", len(d))
	}
	if d := r.Apply(Left{Id: "X"}); len(d) != 0 || r.Len() != 0 {
		t.Errorf("second left should be a no-op")
	}
}

func TestUnpublished(t *testing.T) {
	r := NewRegistry("me")
	r.Apply(Published{Id: "X", Kind: media.Audio, Track: ref{id: "a1", kind: media.Audio}})
	r.Apply(Published{Id: "X", Kind: media.Video, Track: ref{id: "v1", kind: media.Video}})

	d := r.Apply(Unpublished{Id: "X", Kind: media.Video})
	p, _ := r.Get("X")
	if len(d) != 1 || p.VideoEnabled || p.VideoTrack != nil || !p.AudioEnabled {
		t.Errorf("unexpected state %+v, detached %v", p, d)
	}

	r.Apply(Unpublished{Id: "Y", Kind: media.Audio})
	if _, ok := r.Get("Y"); !ok {
		t.Errorf("unpublished should synthesize the participant")
	}
}

func TestRepublishReplacesTrack(t *testing.T) {
	r := NewRegistry("me")
	r.Apply(Published{Id: "X", Kind: media.Video, Track: ref{id: "v1", kind: media.Video}})
	d := r.Apply(Published{Id: "X", Kind: media.Video, Track: ref{id: "v2", kind: media.Video}})
	if len(d) != 1 || d[0].ID() != "v1" {
		t.Errorf("old track should be detached, got %v", d)
	}
}

func TestLocalIgnored(t *testing.T) {
	r := NewRegistry("me")
	r.Apply(Joined{Id: "me"})
	r.Apply(Published{Id: "me", Kind: media.Audio})
	r.Apply(Joined{Id: ""})
	if r.Len() != 0 {
		t.Errorf("local participant is listed")
	}

	r.Apply(Joined{Id: "U2"})
	r.SetLocal("U2")
	if r.Len() != 0 {
		t.Errorf("new local id should be removed")
	}
}

func TestListOrder(t *testing.T) {
	r := NewRegistry("me")
	r.Apply(Joined{Id: "c", At: t0.Add(time.Second)})
	r.Apply(Joined{Id: "b", At: t0})
	r.Apply(Joined{Id: "a", At: t0})

	want := []string{"a", "b", "c"}
	for i := 0; i < 3; i++ {
		list := r.List()
		if len(list) != len(want) {
			t.Fatalf("got %d", len(list))
		}
		for j, p := range list {
			if p.Id != want[j] {
				t.Errorf("position %d: got %s, want %s", j, p.Id, want[j])
			}
		}
	}

	if d := r.Reset(); len(d) != 0 || r.Len() != 0 {
		t.Errorf("reset has failed")
	}
}
