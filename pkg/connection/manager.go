// Package connection runs the lifecycle of a room session of a tab:
// join with retries, token renewal, the event loop and leave.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/config"
	"github.com/giongto35/cloud-room/pkg/crosstab"
	"github.com/giongto35/cloud-room/pkg/errs"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/media"
	"github.com/giongto35/cloud-room/pkg/network"
	"github.com/giongto35/cloud-room/pkg/roomsession"
	"github.com/giongto35/cloud-room/pkg/token"
	"github.com/giongto35/cloud-room/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	leaveTimeout = 5 * time.Second
	renewTimeout = 10 * time.Second
)

var (
	ErrBadRequest     = errors.New("room and user are required")
	ErrJoinInProgress = errors.New("join is in progress")
	// ErrLeft is returned by a join interrupted with Leave.
	ErrLeft = errors.New("left while joining")
)

type JoinRequest struct {
	RoomId string
	Name   string
	UserId string
	Mode   media.Mode
}

// TokenSource issues session tokens (see token.Provider).
type TokenSource interface {
	Fetch(ctx context.Context, channel, participant string) (token.Token, error)
}

// Deps are the collaborators of a manager.
type Deps struct {
	Guard     *crosstab.Guard
	Tokens    TokenSource
	Media     *media.Manager
	Rooms     *roomsession.Context
	Transport transport.Factory
}

type Option func(*Manager)

// WithTabId sets the tab instance id, a random one is used by default.
func WithTabId(id string) Option { return func(m *Manager) { m.tabId = id } }

// WithReachability replaces the network check done before each attempt.
func WithReachability(fn func(ctx context.Context) error) Option {
	return func(m *Manager) { m.reach = fn }
}

// WithRegisterer registers the metrics of the manager.
func WithRegisterer(reg prometheus.Registerer) Option { return func(m *Manager) { m.reg = reg } }

// Manager owns the room connection of one tab.
type Manager struct {
	conf       config.RoomConfig
	guard      *crosstab.Guard
	tokens     TokenSource
	media      *media.Manager
	rooms      *roomsession.Context
	transports transport.Factory
	renewer    *token.Renewer
	reach      func(ctx context.Context) error
	reg        prometheus.Registerer
	metrics    *metrics
	tabId      string
	log        *logger.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	joining context.CancelFunc
	sess    *session
	lastErr error
	onState []func(from, to State)
	onError []func(err error)
}

// session is the state of one join attempt and later of the live room.
type session struct {
	gen     uint64
	rq      JoinRequest
	channel string

	pid       string
	client    transport.Client
	loop      *loop
	tok       token.Token
	renewed   bool
	heartbeat context.CancelFunc
}

func NewManager(conf config.RoomConfig, deps Deps, log *logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		conf:       conf,
		guard:      deps.Guard,
		tokens:     deps.Tokens,
		media:      deps.Media,
		rooms:      deps.Rooms,
		transports: deps.Transport,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tabId == "" {
		m.tabId = network.NewUid().String()
	}
	if m.reach == nil {
		endpoint := conf.Token.Endpoint
		m.reach = func(ctx context.Context) error { return network.Reachable(ctx, endpoint) }
	}
	m.log = log.Extend(log.Module("connection").With().Str(logger.TabField, m.tabId))
	m.renewer = token.NewRenewer(conf.Token.RenewalBuffer, m.log)
	m.metrics = newMetrics(m.reg)
	return m
}

func (m *Manager) TabId() string { return m.tabId }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the last terminal error.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// OnStateChange adds a state listener, it's called outside of any lock.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	m.onState = append(m.onState, fn)
	m.mu.Unlock()
}

// OnError adds a listener of terminal errors.
func (m *Manager) OnError(fn func(err error)) {
	m.mu.Lock()
	m.onError = append(m.onError, fn)
	m.mu.Unlock()
}

// ParticipantId returns the id of the local participant in the room.
func (m *Manager) ParticipantId() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.pid
}

// Token returns the token of the live session.
func (m *Manager) Token() token.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return token.Token{}
	}
	return m.sess.tok
}

// RenewalPending tells if a token renewal is armed.
func (m *Manager) RenewalPending() bool { return m.renewer.Pending() }

// Local returns the local tracks of the session.
func (m *Manager) Local() media.Tracks { return m.media.Local() }

// SetAudioEnabled mutes or unmutes the microphone.
func (m *Manager) SetAudioEnabled(on bool) { m.media.SetEnabled(m.media.Local().Audio, on) }

// SetVideoEnabled turns the camera on or off.
func (m *Manager) SetVideoEnabled(on bool) { m.media.SetEnabled(m.media.Local().Video, on) }

// setState moves the machine if gen is still current and the edge exists.
func (m *Manager) setState(gen uint64, to State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	from := m.state
	if from == to {
		m.mu.Unlock()
		return true
	}
	if !from.CanGo(to) {
		m.mu.Unlock()
		m.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Illegal state transition")
		return false
	}
	m.state = to
	subs := append([]func(State, State){}, m.onState...)
	m.mu.Unlock()

	m.metrics.state.Set(float64(to))
	m.log.Info().Str(logger.StateField, to.String()).Msgf("%v -> %v", from, to)
	for _, fn := range subs {
		fn(from, to)
	}
	return true
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

// Join enters the room, it returns when the session is live or
// when all the attempts have failed.
func (m *Manager) Join(ctx context.Context, rq JoinRequest) error {
	if rq.RoomId == "" || rq.UserId == "" {
		return ErrBadRequest
	}
	if rq.Mode == "" {
		rq.Mode = media.ModeVoice
	}

	m.mu.Lock()
	busy, live := m.joining != nil, m.sess != nil
	m.mu.Unlock()
	if busy {
		return ErrJoinInProgress
	}
	// one room per tab
	if live {
		if err := m.Leave(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Leave before join")
		}
	}

	m.mu.Lock()
	if m.joining != nil {
		m.mu.Unlock()
		return ErrJoinInProgress
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(ctx)
	m.joining = cancel
	m.lastErr = nil
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		if m.gen == gen {
			m.joining = nil
		}
		m.mu.Unlock()
	}()

	log := m.log.Extend(m.log.With().Str(logger.RoomField, rq.RoomId))
	m.rooms.Enter(roomsession.Session{
		RoomId:  rq.RoomId,
		Name:    rq.Name,
		Joining: roomsession.JoinStatus{Joining: true, Attempt: 1},
	})

	retry := network.NewRetry(m.conf.Connection.MaxAttempts, m.conf.Connection.Backoff).WithMax(m.conf.Connection.MaxBackoff)
	var err error
	for retry.Attempt() {
		m.metrics.attempts.Inc()
		m.rooms.SetJoining(roomsession.JoinStatus{Joining: true, Attempt: retry.Attempts()})
		if err = m.attempt(ctx, gen, rq); err == nil {
			m.metrics.joins.WithLabelValues("ok").Inc()
			m.rooms.SetJoining(roomsession.JoinStatus{})
			log.Info().Int("attempt", retry.Attempts()).Msg("Joined the room")
			return nil
		}
		if !m.current(gen) {
			m.metrics.joins.WithLabelValues("left").Inc()
			return ErrLeft
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
		log.Warn().Err(err).Int("attempt", retry.Attempts()).Msg("Join attempt has failed")
		if !errs.Retryable(err) {
			break
		}
		if retry.Exhausted() {
			err = &errs.JoinError{Attempts: retry.Attempts(), Last: err}
			break
		}
		if werr := retry.Wait(ctx); werr != nil {
			if !m.current(gen) {
				m.metrics.joins.WithLabelValues("left").Inc()
				return ErrLeft
			}
			err = werr
			break
		}
	}
	m.metrics.joins.WithLabelValues("fail").Inc()
	m.fail(gen, err)
	return err
}

// attempt is one pass of the join sequence.
func (m *Manager) attempt(parent context.Context, gen uint64, rq JoinRequest) (err error) {
	ctx := parent
	if t := m.conf.Connection.AttemptTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, t)
		defer cancel()
	}
	var tracks media.Tracks
	defer func() {
		if err == nil {
			return
		}
		if !m.current(gen) {
			for _, t := range tracks.List() {
				_ = t.Close()
			}
		}
		m.discard(gen)
		if parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errs.Terminal(err) {
			err = fmt.Errorf("%w: attempt timeout (%v)", errs.ErrTransportConnectionFailed, err)
		}
	}()

	if !m.setState(gen, Connecting) {
		return ErrLeft
	}

	if err = m.reach(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNetworkUnavailable, err)
	}
	// leave-before-join
	m.discard(gen)

	if err = m.guard.TryAcquire(rq.UserId, rq.RoomId, m.tabId); err != nil {
		if errors.Is(err, crosstab.ErrConflict) {
			return fmt.Errorf("%w: %v", errs.ErrAlreadyJoinedElsewhere, err)
		}
		return fmt.Errorf("session lock: %w", err)
	}
	s := &session{gen: gen, rq: rq, channel: token.SanitizeChannel(rq.RoomId), pid: rq.UserId}
	if !m.install(s) {
		_ = m.guard.Release(rq.UserId, rq.RoomId, m.tabId)
		return ErrLeft
	}

	tok, err := m.tokens.Fetch(ctx, s.channel, rq.UserId)
	if err != nil {
		return err
	}
	if tok.Expired(time.Now()) {
		return fmt.Errorf("%w: join token expired at %v", token.ErrMalformedResponse, tok.ExpiresAt)
	}

	if _, err = m.media.Preflight(ctx, rq.Mode); err != nil {
		return err
	}

	client, err := m.transports.NewClient(transport.Config{
		Address:     m.conf.Transport.Address,
		CallTimeout: m.conf.Transport.CallTimeout,
		Reconnect:   m.conf.Transport.Reconnect,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportConnectionFailed, err)
	}
	pid := tok.ParticipantId
	if pid == "" {
		pid = rq.UserId
	}
	l := newLoop(m, s, client, pid)
	// listeners go first so no early event is lost
	client.SetListener(l.push)
	go l.run()
	if !m.bind(s, func() { s.client, s.loop, s.tok, s.pid = client, l, tok, pid }) {
		l.stop()
		_ = client.Close()
		return ErrLeft
	}

	appId := tok.AppId
	if appId == "" {
		appId = m.conf.Transport.AppId
	}
	channel := tok.Channel
	if channel == "" {
		channel = s.channel
	}
	info, err := client.Join(ctx, appId, channel, tok.Value, pid)
	if err != nil {
		return err
	}
	if limit := m.conf.Room.SizeLimit; limit > 0 && len(info.Occupants)+1 > limit {
		return fmt.Errorf("%w: %d/%d", errs.ErrRoomFull, len(info.Occupants)+1, limit)
	}
	m.bind(s, func() { s.pid = info.ParticipantId })
	l.seed(info.ParticipantId, info.Occupants)

	if !m.setState(gen, Connected) {
		return ErrLeft
	}

	if tracks, err = m.media.CreateLocalTracks(ctx, rq.Mode); err != nil {
		return err
	}
	if err = m.media.Publish(ctx, client, tracks); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportJoinFailed, err)
	}

	hb, stop := context.WithCancel(context.Background())
	if !m.bind(s, func() { s.heartbeat = stop }) {
		stop()
		return ErrLeft
	}
	go m.keepLock(hb, s)
	m.scheduleRenewal(s, tok)
	return nil
}

// install makes s the session if its attempt is still current.
func (m *Manager) install(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.gen != m.gen {
		return false
	}
	m.sess = s
	return true
}

// bind changes the session fields if it's still the active one.
func (m *Manager) bind(s *session, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != s {
		return false
	}
	fn()
	return true
}

// discard drops the leftovers of a failed attempt.
func (m *Manager) discard(gen uint64) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.gen != gen {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	connected := m.state == Connected
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	_ = m.teardown(ctx, s)
	if connected {
		m.setState(gen, Disconnected)
	}
}

// teardown releases everything of the session in the order:
// tracks, listeners, transport, lock, timers.
func (m *Manager) teardown(ctx context.Context, s *session) error {
	m.mu.Lock()
	client, l, heartbeat := s.client, s.loop, s.heartbeat
	m.mu.Unlock()

	m.media.Close()

	if client != nil {
		client.SetListener(nil)
	}
	if l != nil {
		l.stop()
	}

	var err error
	if client != nil {
		if err = client.Leave(ctx); err != nil && errors.Is(err, transport.ErrNotJoined) {
			err = nil
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("Transport leave")
		}
		_ = client.Close()
	}

	if rerr := m.guard.Release(s.rq.UserId, s.rq.RoomId, m.tabId); rerr != nil && !errors.Is(rerr, crosstab.ErrNotOwner) {
		m.log.Warn().Err(rerr).Msg("Session lock release")
	}

	m.renewer.Stop()
	if heartbeat != nil {
		heartbeat()
	}
	m.metrics.participants.Set(0)
	return err
}

// Leave ends the session. It cancels an ongoing join and
// it's safe to call at any time.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	m.gen++
	gen := m.gen
	if m.joining != nil {
		m.joining()
		m.joining = nil
	}
	s := m.sess
	m.sess = nil
	m.mu.Unlock()

	var err error
	if s != nil {
		err = m.teardown(ctx, s)
		m.log.Info().Str(logger.RoomField, s.rq.RoomId).Msg("Left the room")
	} else {
		m.renewer.Stop()
	}
	m.setState(gen, Disconnected)
	m.rooms.Exit()
	return err
}

// Teardown is called when the room view goes away.
// Only an explicit leave ends the session, a navigation just moves
// the session into the floating view.
func (m *Manager) Teardown(ctx context.Context, reason Reason, route string) error {
	m.log.Debug().Str("reason", reason.String()).Str("route", route).Msg("Teardown")
	var err error
	if reason == ExplicitLeave {
		err = m.Leave(ctx)
	}
	if route != "" {
		m.rooms.Navigate(route)
	}
	return err
}

// fail ends the attempt or the live session with a terminal error.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	s := m.sess
	m.sess = nil
	m.lastErr = err
	subs := append([]func(error){}, m.onError...)
	m.mu.Unlock()

	if s != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		_ = m.teardown(ctx, s)
		cancel()
	}
	m.setState(gen, Failed)

	msg, action := errs.UserMessage(err)
	m.log.Error().Err(err).Str("action", string(action)).Msg(msg)
	m.rooms.SetJoining(roomsession.JoinStatus{Err: err})
	for _, fn := range subs {
		fn(err)
	}
}

func (m *Manager) keepLock(ctx context.Context, s *session) {
	err := m.guard.Heartbeat(ctx, s.rq.UserId, s.rq.RoomId, m.tabId)
	if errors.Is(err, crosstab.ErrNotOwner) {
		m.fail(s.gen, fmt.Errorf("%w: session lock lost", errs.ErrAlreadyJoinedElsewhere))
	}
}

func (m *Manager) scheduleRenewal(s *session, tok token.Token) {
	m.renewer.Schedule(tok, func(ctx context.Context) (token.Token, error) {
		return m.tokens.Fetch(ctx, s.channel, s.rq.UserId)
	}, func(fresh token.Token, err error) {
		m.applyToken(s, fresh, err)
	})
}

// renew fetches and applies a new token right away.
func (m *Manager) renew(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
	defer cancel()
	m.mu.Lock()
	old := s.tok
	m.mu.Unlock()
	fresh, err := m.tokens.Fetch(ctx, s.channel, s.rq.UserId)
	if err == nil && !old.Matches(fresh) {
		err = token.ErrMismatch
	}
	m.applyToken(s, fresh, err)
}

// applyToken hands a renewed token to the transport.
// A failed renewal is not rescheduled: the session lives on the old
// token until the transport reports its expiration.
func (m *Manager) applyToken(s *session, fresh token.Token, err error) {
	m.mu.Lock()
	client := s.client
	live := m.sess == s
	m.mu.Unlock()
	if !live || client == nil {
		return
	}
	if errors.Is(err, token.ErrExpired) {
		m.metrics.renewals.WithLabelValues(result(err)).Inc()
		m.fail(s.gen, err)
		return
	}
	if err == nil && fresh.Expired(time.Now()) {
		err = fmt.Errorf("%w: renewed token expired at %v", token.ErrMalformedResponse, fresh.ExpiresAt)
	}
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		err = client.RenewToken(ctx, fresh.Value)
		cancel()
	}
	m.metrics.renewals.WithLabelValues(result(err)).Inc()
	if err != nil {
		m.bind(s, func() { s.renewed = false })
		m.log.Error().Err(err).Msg("Token renewal has failed")
		return
	}
	if !m.bind(s, func() { s.tok, s.renewed = fresh, true }) {
		return
	}
	m.log.Info().Time("expires", fresh.ExpiresAt).Msg("Token renewed")
	m.scheduleRenewal(s, fresh)
}

func (m *Manager) tokenWillExpire(s *session) {
	if !m.bind(s, func() { s.renewed = false }) {
		return
	}
	m.log.Info().Msg("Token will expire")
	go m.renew(s)
}

// tokenDidExpire ends the session unless the last renewal succeeded
// and the token it gave is still valid.
func (m *Manager) tokenDidExpire(s *session) {
	var renewed bool
	if !m.bind(s, func() { renewed = s.renewed && !s.tok.Expired(time.Now()) }) {
		return
	}
	if renewed {
		m.log.Debug().Msg("Expired token was renewed")
		return
	}
	go m.fail(s.gen, errs.ErrSessionExpired)
}

// linkChanged follows the transport connection state.
func (m *Manager) linkChanged(s *session, e transport.Event) {
	switch e.State {
	case transport.LinkReconnecting:
		m.setState(s.gen, Reconnecting)
	case transport.LinkConnected:
		m.setState(s.gen, Connected)
	case transport.LinkFailed, transport.LinkDisconnected:
		err := e.Err
		if err == nil {
			err = fmt.Errorf("%w: %s", errs.ErrTransportConnectionFailed, e.Reason)
		}
		go m.fail(s.gen, err)
	}
}
