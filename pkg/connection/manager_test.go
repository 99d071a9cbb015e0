package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/giongto35/cloud-room/pkg/config"
	"github.com/giongto35/cloud-room/pkg/crosstab"
	"github.com/giongto35/cloud-room/pkg/errs"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/media"
	"github.com/giongto35/cloud-room/pkg/roomsession"
	"github.com/giongto35/cloud-room/pkg/token"
	"github.com/giongto35/cloud-room/pkg/transport"
	"github.com/pion/webrtc/v4"
)

type fakeTrack struct {
	id   string
	kind media.Kind
}

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) Kind() media.Kind { return t.kind }

// fakeRoom is a transport factory of fake clients.
type fakeRoom struct {
	mu        sync.Mutex
	joins     int
	leaves    int
	joinErrs  []error
	block     bool
	occupants []transport.Occupant
	clients   []*fakeClient
}

func (r *fakeRoom) NewClient(transport.Config) (transport.Client, error) {
	c := &fakeClient{room: r}
	r.mu.Lock()
	r.clients = append(r.clients, c)
	r.mu.Unlock()
	return c, nil
}

func (r *fakeRoom) stats() (joins, leaves int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins, r.leaves
}

func (r *fakeRoom) last() *fakeClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clients[len(r.clients)-1]
}

type fakeClient struct {
	room *fakeRoom

	mu        sync.Mutex
	listener  func(transport.Event)
	joined    bool
	published []webrtc.TrackLocal
	renewed   []string
}

func (c *fakeClient) Join(ctx context.Context, _, _, _, pid string) (transport.JoinInfo, error) {
	r := c.room
	r.mu.Lock()
	r.joins++
	block := r.block
	var err error
	if len(r.joinErrs) > 0 {
		err, r.joinErrs = r.joinErrs[0], r.joinErrs[1:]
	}
	occupants := r.occupants
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return transport.JoinInfo{}, ctx.Err()
	}
	if err != nil {
		return transport.JoinInfo{}, err
	}
	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	return transport.JoinInfo{ParticipantId: pid, Occupants: occupants}, nil
}

func (c *fakeClient) Publish(_ context.Context, tracks ...webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return transport.ErrNotJoined
	}
	c.published = append(c.published, tracks...)
	return nil
}

func (c *fakeClient) Subscribe(_ context.Context, pid string, kind media.Kind) (media.RemoteTrack, error) {
	return fakeTrack{id: pid + "-" + string(kind), kind: kind}, nil
}

func (c *fakeClient) RenewToken(_ context.Context, tok string) error {
	c.mu.Lock()
	c.renewed = append(c.renewed, tok)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Leave(context.Context) error {
	c.mu.Lock()
	joined := c.joined
	c.joined = false
	c.mu.Unlock()
	if !joined {
		return transport.ErrNotJoined
	}
	c.room.mu.Lock()
	c.room.leaves++
	c.room.mu.Unlock()
	return nil
}

func (c *fakeClient) SetListener(fn func(transport.Event)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *fakeClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *fakeClient) Close() error { return nil }

func (c *fakeClient) emit(e transport.Event) {
	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (c *fakeClient) renewals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.renewed...)
}

type fakeTokens struct {
	mu    sync.Mutex
	calls int
	errs  []error
	// ttls are the lifetimes of the next tokens, an hour once empty.
	ttls []time.Duration
}

func (f *fakeTokens) Fetch(_ context.Context, channel, participant string) (token.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		var err error
		err, f.errs = f.errs[0], f.errs[1:]
		if err != nil {
			return token.Token{}, err
		}
	}
	ttl := time.Hour
	if len(f.ttls) > 0 {
		ttl, f.ttls = f.ttls[0], f.ttls[1:]
	}
	now := time.Now()
	return token.Token{
		Value:         fmt.Sprintf("tkn-%d", f.calls),
		AppId:         "app",
		Channel:       channel,
		ParticipantId: participant,
		IssuedAt:      now,
		ExpiresAt:     now.Add(ttl),
	}, nil
}

func (f *fakeTokens) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConf() config.RoomConfig {
	return config.RoomConfig{
		Room:       config.Room{SizeLimit: 5, RoutePrefix: "/rooms/"},
		Token:      config.Token{RenewalBuffer: 30 * time.Second},
		Connection: config.Connection{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, AttemptTimeout: 2 * time.Second},
		Media:      config.Media{AudioCodec: "opus", VideoCodec: "vp8"},
	}
}

type tab struct {
	m      *Manager
	room   *fakeRoom
	tokens *fakeTokens
	guard  *crosstab.Guard
	rooms  *roomsession.Context
	media  *media.Manager
}

func newTab(t *testing.T, store crosstab.Store, devices media.SyntheticDevices, opts ...Option) *tab {
	log := logger.Nop()
	tb := &tab{
		room:   &fakeRoom{},
		tokens: &fakeTokens{},
		guard:  crosstab.NewGuard(store, crosstab.DefaultStaleness, log),
		rooms:  roomsession.New("/rooms/"),
		media:  media.NewManager(devices, testConf().Media, nil, log),
	}
	opts = append([]Option{WithReachability(func(context.Context) error { return nil })}, opts...)
	tb.m = NewManager(testConf(), Deps{
		Guard:     tb.guard,
		Tokens:    tb.tokens,
		Media:     tb.media,
		Rooms:     tb.rooms,
		Transport: tb.room,
	}, log, opts...)
	t.Cleanup(func() { _ = tb.m.Leave(context.Background()) })
	return tb
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %v", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinLeave(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	m := tb.m

	err := m.Join(context.Background(), JoinRequest{RoomId: "R1", Name: "Room 1", UserId: "u1", Mode: media.ModeVideo})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if m.State() != Connected {
		t.Errorf("state %v", m.State())
	}
	s, ok := tb.rooms.Current()
	if !ok || s.RoomId != "R1" || s.Joining.Joining {
		t.Errorf("unexpected session %+v", s)
	}
	if _, active, _ := tb.guard.Status("u1", "R1"); !active {
		t.Errorf("lock should be held")
	}
	if !m.RenewalPending() {
		t.Errorf("renewal should be scheduled")
	}
	local := m.Local()
	if !local.AudioEnabled() || !local.VideoEnabled() {
		t.Errorf("local tracks %v %v", local.AudioEnabled(), local.VideoEnabled())
	}
	if n := len(tb.room.last().published); n != 2 {
		t.Errorf("published %v tracks", n)
	}

	if err = m.Leave(context.Background()); err != nil {
		t.Errorf("leave: %v", err)
	}
	if m.State() != Disconnected {
		t.Errorf("state after leave %v", m.State())
	}
	if _, ok = tb.rooms.Current(); ok {
		t.Errorf("session should be gone")
	}
	if r, _, _ := tb.guard.Status("u1", "R1"); r != nil {
		t.Errorf("lock should be released, have %+v", r)
	}
	if m.RenewalPending() {
		t.Errorf("no renewal should be pending")
	}
	if !m.Local().Empty() {
		t.Errorf("local tracks should be closed")
	}
	if _, leaves := tb.room.stats(); leaves != 1 {
		t.Errorf("transport leaves %v", leaves)
	}

	// idempotent
	if err = m.Leave(context.Background()); err != nil {
		t.Errorf("second leave: %v", err)
	}
	if m.State() != Disconnected {
		t.Errorf("state after second leave %v", m.State())
	}
}

func TestJoinBadRequest(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1"}); !errors.Is(err, ErrBadRequest) {
		t.Errorf("got %v", err)
	}
}

func TestJoinRetries(t *testing.T) {
	joinFailed := fmt.Errorf("%w: 500", errs.ErrTransportJoinFailed)
	tests := []struct {
		name       string
		joinErrs   []error
		tokenErrs  []error
		unreach    bool
		want       error
		exhausted  bool
		joins      int
		tokenCalls int
	}{
		{
			name:       "exhausted",
			joinErrs:   []error{joinFailed, joinFailed, joinFailed},
			want:       errs.ErrTransportJoinFailed,
			exhausted:  true,
			joins:      3,
			tokenCalls: 3,
		},
		{
			name:       "recovers",
			joinErrs:   []error{joinFailed, joinFailed},
			joins:      3,
			tokenCalls: 3,
		},
		{
			name:       "token timeout",
			tokenErrs:  []error{errs.ErrTokenTimeout, errs.ErrTokenTimeout, errs.ErrTokenTimeout},
			want:       errs.ErrTokenTimeout,
			exhausted:  true,
			tokenCalls: 3,
		},
		{
			name:      "offline",
			unreach:   true,
			want:      errs.ErrNetworkUnavailable,
			exhausted: true,
		},
		{
			name:       "token rejected",
			tokenErrs:  []error{&token.RejectedError{Code: 403, Message: "no"}},
			want:       errs.ErrTokenRejected,
			tokenCalls: 1,
		},
		{
			name:       "room full",
			joinErrs:   []error{fmt.Errorf("%w: 409", errs.ErrRoomFull)},
			want:       errs.ErrRoomFull,
			joins:      1,
			tokenCalls: 1,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var opts []Option
			if test.unreach {
				opts = append(opts, WithReachability(func(context.Context) error { return errors.New("no route") }))
			}
			tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{}, opts...)
			tb.room.joinErrs = test.joinErrs
			tb.tokens.errs = test.tokenErrs

			var reported error
			tb.m.OnError(func(err error) { reported = err })

			err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"})
			if test.want == nil {
				if err != nil {
					t.Fatalf("join: %v", err)
				}
			} else {
				if !errors.Is(err, test.want) {
					t.Errorf("got %v, want %v", err, test.want)
				}
				var je *errs.JoinError
				if errors.As(err, &je) != test.exhausted {
					t.Errorf("exhausted: %v, got %v", test.exhausted, err)
				}
				if test.exhausted && je.Attempts != 3 {
					t.Errorf("attempts %v", je.Attempts)
				}
				if tb.m.State() != Failed {
					t.Errorf("state %v", tb.m.State())
				}
				if reported == nil || !errors.Is(reported, test.want) {
					t.Errorf("reported %v", reported)
				}
				if r, _, _ := tb.guard.Status("u1", "R1"); r != nil {
					t.Errorf("lock should be released")
				}
			}
			if joins, _ := tb.room.stats(); joins != test.joins {
				t.Errorf("transport joins %v, want %v", joins, test.joins)
			}
			if n := tb.tokens.count(); n != test.tokenCalls {
				t.Errorf("token calls %v, want %v", n, test.tokenCalls)
			}
		})
	}
}

func TestJoinPermissionDenied(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{Denied: map[media.Kind]bool{media.Audio: true}})

	err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1", Mode: media.ModeVideo})
	if !errors.Is(err, errs.ErrPermissionDenied) {
		t.Fatalf("got %v", err)
	}
	if msg, action := errs.UserMessage(err); msg == "" || action != errs.ActionReturn {
		t.Errorf("user message %q %v", msg, action)
	}
	if tb.tokens.count() != 1 {
		t.Errorf("no retry expected, token calls %v", tb.tokens.count())
	}
	if joins, _ := tb.room.stats(); joins != 0 {
		t.Errorf("transport joins %v", joins)
	}
	if s, ok := tb.rooms.Current(); !ok || !errors.Is(s.Joining.Err, errs.ErrPermissionDenied) {
		t.Errorf("session should show the error, %+v", s)
	}
}

func TestJoinCameraDenied(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{Denied: map[media.Kind]bool{media.Video: true}})

	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1", Mode: media.ModeVideo}); err != nil {
		t.Fatalf("join: %v", err)
	}
	local := tb.m.Local()
	if !local.AudioEnabled() || local.VideoEnabled() || local.Video != nil {
		t.Errorf("want audio only, got audio=%v video=%v", local.AudioEnabled(), local.VideoEnabled())
	}
	if caps := local.Capabilities(); !caps.Audio || caps.Video || !errors.Is(caps.VideoErr, errs.ErrPermissionDenied) {
		t.Errorf("capabilities %+v", caps)
	}
	if n := len(tb.room.last().published); n != 1 {
		t.Errorf("published %v tracks", n)
	}
}

func TestCrossTab(t *testing.T) {
	store := crosstab.NewMemStore()
	a := newTab(t, store, media.SyntheticDevices{})
	b := newTab(t, store, media.SyntheticDevices{})

	if err := a.m.Join(context.Background(), JoinRequest{RoomId: "R2", UserId: "u1"}); err != nil {
		t.Fatalf("tab A: %v", err)
	}
	err := b.m.Join(context.Background(), JoinRequest{RoomId: "R2", UserId: "u1"})
	if !errors.Is(err, errs.ErrAlreadyJoinedElsewhere) {
		t.Fatalf("tab B: %v", err)
	}
	if joins, _ := b.room.stats(); joins != 0 {
		t.Errorf("tab B made %v transport joins", joins)
	}
	if b.tokens.count() != 0 {
		t.Errorf("tab B fetched %v tokens", b.tokens.count())
	}
	if a.m.State() != Connected {
		t.Errorf("tab A state %v", a.m.State())
	}
	if rec, _, _ := a.guard.Status("u1", "R2"); rec == nil || rec.TabId != a.m.TabId() {
		t.Errorf("lock owner %+v", rec)
	}

	if err = a.m.Leave(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err = b.m.Join(context.Background(), JoinRequest{RoomId: "R2", UserId: "u1"}); err != nil {
		t.Errorf("tab B after A has left: %v", err)
	}
}

func TestRoster(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	tb.room.occupants = []transport.Occupant{{Id: "u2", Name: "Bob"}}

	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	c := tb.room.last()

	roster := func() map[string]bool {
		s, _ := tb.rooms.Current()
		ids := make(map[string]bool)
		for _, p := range s.Participants {
			ids[p.Id] = p.VideoTrack != nil
		}
		return ids
	}
	eventually(t, "occupants", func() bool { return len(roster()) == 1 })

	// out of order
	c.emit(transport.Event{Kind: transport.UserPublished, ParticipantId: "u3", Media: media.Video})
	c.emit(transport.Event{Kind: transport.UserJoined, ParticipantId: "u3", Name: "Eve"})
	c.emit(transport.Event{Kind: transport.UserJoined, ParticipantId: "u1"})
	eventually(t, "subscribed video", func() bool { return roster()["u3"] })
	if _, self := roster()["u1"]; self {
		t.Errorf("local participant is in the roster")
	}
	if tb.media.Renderers() != 1 {
		t.Errorf("renderers %v", tb.media.Renderers())
	}

	c.emit(transport.Event{Kind: transport.UserLeft, ParticipantId: "u3"})
	eventually(t, "left", func() bool { _, ok := roster()["u3"]; return !ok })
	if tb.media.Renderers() != 0 {
		t.Errorf("renderers after left %v", tb.media.Renderers())
	}
}

func TestRoomSizeLimit(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	for i := 0; i < 5; i++ {
		tb.room.occupants = append(tb.room.occupants, transport.Occupant{Id: fmt.Sprintf("p%d", i)})
	}
	err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"})
	if !errors.Is(err, errs.ErrRoomFull) {
		t.Fatalf("got %v", err)
	}
	if joins, leaves := tb.room.stats(); joins != 1 || leaves != 1 {
		t.Errorf("joins %v leaves %v", joins, leaves)
	}
}

func TestTokenRenewal(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	c := tb.room.last()
	c.emit(transport.Event{Kind: transport.TokenWillExpire})
	eventually(t, "renewal", func() bool { return tb.m.Token().Value == "tkn-2" })
	if got := c.renewals(); len(got) != 1 || got[0] != "tkn-2" {
		t.Errorf("renewed with %v", got)
	}

	c.emit(transport.Event{Kind: transport.TokenDidExpire})
	time.Sleep(50 * time.Millisecond)
	if tb.m.State() != Connected {
		t.Errorf("renewed session should stay, state %v", tb.m.State())
	}
	if !tb.m.RenewalPending() {
		t.Errorf("next renewal should be scheduled")
	}
}

func TestTokenExpired(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	failed := make(chan error, 1)
	tb.m.OnError(func(err error) { failed <- err })

	tb.room.last().emit(transport.Event{Kind: transport.TokenDidExpire})
	select {
	case err := <-failed:
		if !errors.Is(err, errs.ErrSessionExpired) {
			t.Errorf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no session expired error")
	}
	if tb.m.State() != Failed {
		t.Errorf("state %v", tb.m.State())
	}
	if r, _, _ := tb.guard.Status("u1", "R1"); r != nil {
		t.Errorf("lock should be released")
	}
	if tb.m.RenewalPending() {
		t.Errorf("no renewal should be pending")
	}
}

func TestTokenExpiredAfterFailedRenewal(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	// the join token renews on its timer, the renewed one does too and fails
	tb.tokens.ttls = []time.Duration{200 * time.Millisecond, 2 * time.Second}
	tb.tokens.errs = []error{nil, nil, errs.ErrTransportConnectionFailed}
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	failed := make(chan error, 1)
	tb.m.OnError(func(err error) { failed <- err })

	eventually(t, "failed renewal", func() bool { return tb.tokens.count() >= 3 })
	time.Sleep(50 * time.Millisecond)
	if tb.m.Token().Value != "tkn-2" {
		t.Fatalf("token %v", tb.m.Token())
	}

	tb.room.last().emit(transport.Event{Kind: transport.TokenDidExpire})
	select {
	case err := <-failed:
		if !errors.Is(err, errs.ErrSessionExpired) {
			t.Errorf("got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session should expire after a failed renewal")
	}
	if tb.m.State() != Failed {
		t.Errorf("state %v", tb.m.State())
	}
}

func TestJoinExpiredToken(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	tb.tokens.ttls = []time.Duration{-time.Second}

	err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"})
	if !errors.Is(err, errs.ErrTokenRejected) {
		t.Fatalf("got %v", err)
	}
	if n := tb.tokens.count(); n != 1 {
		t.Errorf("no retry expected, token calls %v", n)
	}
	if joins, _ := tb.room.stats(); joins != 0 {
		t.Errorf("transport joins %v", joins)
	}
}

func TestRenewedTokenExpired(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	tb.tokens.ttls = []time.Duration{200 * time.Millisecond, -time.Second}
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}

	eventually(t, "renewal", func() bool { return tb.tokens.count() >= 2 })
	time.Sleep(300 * time.Millisecond)
	if n := tb.tokens.count(); n != 2 {
		t.Errorf("expired renewal was retried, token calls %v", n)
	}
	if got := tb.room.last().renewals(); len(got) != 0 {
		t.Errorf("transport renewed with %v", got)
	}
	if tb.m.RenewalPending() {
		t.Errorf("no renewal should be pending")
	}
	if tb.m.State() != Connected {
		t.Errorf("session should wait for the transport, state %v", tb.m.State())
	}
}

func TestLinkStates(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	var mu sync.Mutex
	var seen []State
	tb.m.OnStateChange(func(_, to State) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})
	states := func() []State {
		mu.Lock()
		defer mu.Unlock()
		return append([]State(nil), seen...)
	}

	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	c := tb.room.last()
	c.emit(transport.Event{Kind: transport.ConnectionStateChange, State: transport.LinkReconnecting})
	c.emit(transport.Event{Kind: transport.ConnectionStateChange, State: transport.LinkConnected})
	eventually(t, "reconnected", func() bool { return len(states()) == 4 })
	c.emit(transport.Event{Kind: transport.ConnectionStateChange, State: transport.LinkFailed})
	eventually(t, "failed", func() bool { return tb.m.State() == Failed })

	want := []State{Connecting, Connected, Reconnecting, Connected, Failed}
	got := states()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
	if !errors.Is(tb.m.Err(), errs.ErrTransportConnectionFailed) {
		t.Errorf("err %v", tb.m.Err())
	}
}

func TestTeardown(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	tb.rooms.Navigate("/rooms/R1")
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	before, _ := tb.rooms.Current()

	if err := tb.m.Teardown(context.Background(), Navigation, "/home"); err != nil {
		t.Fatal(err)
	}
	if tb.m.State() != Connected || !tb.rooms.FloatingVisible() {
		t.Errorf("navigation should keep the session, state %v", tb.m.State())
	}
	tb.rooms.Navigate("/rooms/R1")
	if tb.rooms.FloatingVisible() {
		t.Errorf("floating view on the room page")
	}
	after, ok := tb.rooms.Current()
	if !ok || after.RoomId != before.RoomId || len(after.Participants) != len(before.Participants) {
		t.Errorf("session changed %+v -> %+v", before, after)
	}

	if err := tb.m.Teardown(context.Background(), ExplicitLeave, "/home"); err != nil {
		t.Fatal(err)
	}
	if _, ok = tb.rooms.Current(); ok || tb.m.State() != Disconnected {
		t.Errorf("explicit leave should end the session")
	}
}

func TestLeaveCancelsJoin(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	tb.room.block = true

	done := make(chan error, 1)
	go func() { done <- tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}) }()
	eventually(t, "join call", func() bool { joins, _ := tb.room.stats(); return joins == 1 })

	if err := tb.m.Leave(context.Background()); err != nil {
		t.Errorf("leave: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrLeft) {
			t.Errorf("join returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("join is stuck")
	}
	if tb.m.State() != Disconnected {
		t.Errorf("state %v", tb.m.State())
	}
	if r, _, _ := tb.guard.Status("u1", "R1"); r != nil {
		t.Errorf("lock should be released")
	}
	if joins, _ := tb.room.stats(); joins != 1 {
		t.Errorf("no retry expected after leave, joins %v", joins)
	}
}

func TestJoinReplacesSession(t *testing.T) {
	tb := newTab(t, crosstab.NewMemStore(), media.SyntheticDevices{})
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R1", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := tb.m.Join(context.Background(), JoinRequest{RoomId: "R2", UserId: "u1"}); err != nil {
		t.Fatal(err)
	}
	if r, _, _ := tb.guard.Status("u1", "R1"); r != nil {
		t.Errorf("old room lock should be released")
	}
	if s, _ := tb.rooms.Current(); s.RoomId != "R2" {
		t.Errorf("session room %v", s.RoomId)
	}
}

func TestStateEdges(t *testing.T) {
	tests := []struct {
		from, to State
		ok       bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Connecting, Connected, true},
		{Connected, Reconnecting, true},
		{Reconnecting, Connected, true},
		{Connected, Connecting, false},
		{Connected, Disconnected, true},
		{Reconnecting, Disconnected, true},
		{Connecting, Failed, true},
		{Disconnected, Failed, true},
		{Failed, Failed, false},
		{Failed, Connecting, true},
		{Failed, Connected, false},
		{Failed, Disconnected, true},
	}
	for _, test := range tests {
		if got := test.from.CanGo(test.to); got != test.ok {
			t.Errorf("%v -> %v: got %v", test.from, test.to, got)
		}
	}
}
