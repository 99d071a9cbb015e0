// Package ws is a room transport with websocket signalling and WebRTC media.
package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/api"
	"github.com/giongto35/cloud-room/pkg/com"
	"github.com/giongto35/cloud-room/pkg/errs"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/media"
	"github.com/giongto35/cloud-room/pkg/network"
	"github.com/giongto35/cloud-room/pkg/network/webrtc"
	"github.com/giongto35/cloud-room/pkg/transport"
	pion "github.com/pion/webrtc/v4"
)

const reconnectBackoff = 500 * time.Millisecond

type Client struct {
	conf  transport.Config
	peers *webrtc.ApiFactory
	log   *logger.Logger

	mu       sync.Mutex
	sock     *com.Client
	peer     *webrtc.Peer
	joined   *api.JoinRequest
	listener func(transport.Event)
	remotes  map[string]*remoteTrack

	ctx    context.Context
	cancel context.CancelFunc
}

type factory struct {
	peers *webrtc.ApiFactory
	log   *logger.Logger
}

// NewFactory returns a factory of websocket room clients.
// Peer connections are made with peers.
func NewFactory(peers *webrtc.ApiFactory, log *logger.Logger) transport.Factory {
	return factory{peers: peers, log: log}
}

func (f factory) NewClient(conf transport.Config) (transport.Client, error) {
	if conf.Address == "" {
		return nil, errors.New("no signalling address")
	}
	return New(conf, f.peers, f.log), nil
}

func New(conf transport.Config, peers *webrtc.ApiFactory, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		conf:    conf,
		peers:   peers,
		log:     log.Module("transport"),
		remotes: make(map[string]*remoteTrack),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) SetListener(fn func(transport.Event)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()
}

func (c *Client) emit(e transport.Event) {
	c.mu.Lock()
	fn := c.listener
	c.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined == nil || c.sock == nil {
		return false
	}
	select {
	case <-c.sock.Wait():
		return false
	default:
		return true
	}
}

// Join connects to the signalling server and enters the channel.
func (c *Client) Join(ctx context.Context, appId, channel, token, pid string) (transport.JoinInfo, error) {
	c.mu.Lock()
	if c.joined != nil {
		c.mu.Unlock()
		return transport.JoinInfo{}, transport.ErrAlreadyJoined
	}
	c.mu.Unlock()

	rq := api.JoinRequest{AppId: appId, Channel: channel, Token: token, ParticipantId: pid}
	sock, resp, err := c.connect(ctx, rq)
	if err != nil {
		return transport.JoinInfo{}, err
	}

	c.mu.Lock()
	c.sock, c.joined = sock, &rq
	if c.peer == nil {
		c.peer = webrtc.New(c.log, c.peers)
		c.peer.OnTrack = c.handleTrack
		c.peer.OnState = c.handlePeerState
	}
	c.mu.Unlock()
	go c.watch(sock)

	info := transport.JoinInfo{ParticipantId: resp.ParticipantId}
	if info.ParticipantId == "" {
		info.ParticipantId = pid
	}
	for _, o := range resp.Occupants {
		info.Occupants = append(info.Occupants, transport.Occupant{Id: o.Id, Name: o.Name})
	}
	c.log.Info().Str("channel", channel).Str("pid", info.ParticipantId).Int("occupants", len(info.Occupants)).Msg("Joined")
	return info, nil
}

func (c *Client) connect(ctx context.Context, rq api.JoinRequest) (*com.Client, *api.JoinResponse, error) {
	sock, err := com.Connect(ctx, c.conf.Address, c.conf.CallTimeout, c.log)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrTransportConnectionFailed, err)
	}
	sock.OnPacket(func(in api.In) { c.handle(sock, in) })
	sock.Listen()

	resp, err := api.UnwrapChecked[api.JoinResponse](sock.Call(ctx, api.Join, rq))
	if err != nil {
		sock.Close()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, joinError(err)
	}
	return sock, resp, nil
}

func joinError(err error) error {
	var e *api.Error
	if errors.As(err, &e) {
		switch e.Code {
		case api.CodeRoomFull:
			return fmt.Errorf("%w: %v", errs.ErrRoomFull, e)
		case api.CodeUnauthorized, api.CodeForbidden, api.CodeTokenExpired:
			return fmt.Errorf("%w: %v", errs.ErrTokenRejected, e)
		}
	}
	return fmt.Errorf("%w: %v", errs.ErrTransportJoinFailed, err)
}

// watch brings the session back after a signalling link loss.
func (c *Client) watch(sock *com.Client) {
	select {
	case <-sock.Wait():
	case <-c.ctx.Done():
		return
	}
	c.mu.Lock()
	if c.sock != sock || c.joined == nil {
		c.mu.Unlock()
		return
	}
	rq := *c.joined
	c.mu.Unlock()

	c.log.Warn().Msg("Signalling link lost")
	c.emit(transport.Event{Kind: transport.ConnectionStateChange, State: transport.LinkReconnecting, Reason: "link lost"})

	retry := network.NewRetry(c.conf.Reconnect, reconnectBackoff)
	var err error
	for retry.Attempt() {
		ctx, cancel := context.WithTimeout(c.ctx, 2*c.callTimeout())
		var next *com.Client
		next, _, err = c.connect(ctx, rq)
		cancel()
		if err == nil {
			c.mu.Lock()
			if c.joined == nil || c.sock != sock {
				c.mu.Unlock()
				next.Close()
				return
			}
			c.sock = next
			c.mu.Unlock()
			go c.watch(next)
			c.log.Info().Int("attempt", retry.Attempts()).Msg("Reconnected")
			c.emit(transport.Event{Kind: transport.ConnectionStateChange, State: transport.LinkConnected})
			return
		}
		if c.ctx.Err() != nil || !errs.Retryable(err) {
			break
		}
		c.log.Warn().Err(err).Int("attempt", retry.Attempts()).Msg("Reconnect")
		if retry.Exhausted() || retry.Wait(c.ctx) != nil {
			break
		}
	}
	if c.ctx.Err() != nil {
		return
	}
	c.emit(transport.Event{
		Kind:   transport.ConnectionStateChange,
		State:  transport.LinkFailed,
		Reason: "reconnect failed",
		Err:    fmt.Errorf("%w: %v", errs.ErrTransportConnectionFailed, err),
	})
}

func (c *Client) callTimeout() time.Duration {
	if c.conf.CallTimeout > 0 {
		return c.conf.CallTimeout
	}
	return com.DefaultCallTimeout
}

func (c *Client) session() (*com.Client, *webrtc.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joined == nil || c.sock == nil {
		return nil, nil, transport.ErrNotJoined
	}
	return c.sock, c.peer, nil
}

// Publish sends local tracks to the room through the peer connection.
func (c *Client) Publish(ctx context.Context, tracks ...pion.TrackLocal) error {
	sock, peer, err := c.session()
	if err != nil {
		return err
	}
	if err = peer.Connect(c.sendCandidate); err != nil {
		return err
	}
	if err = peer.AddTracks(tracks...); err != nil {
		return err
	}
	offer, err := peer.Offer()
	if err != nil {
		return err
	}
	answer, err := api.UnwrapChecked[api.WebrtcSdp](sock.Call(ctx, api.WebrtcOffer, api.WebrtcSdp{Type: offer.Type.String(), Sdp: offer.SDP}))
	if err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	return peer.SetRemoteSDP(pion.SessionDescription{Type: pion.NewSDPType(answer.Type), SDP: answer.Sdp})
}

// Subscribe asks for a remote participant's track.
// The returned reference becomes readable once the media arrives.
func (c *Client) Subscribe(ctx context.Context, pid string, kind media.Kind) (media.RemoteTrack, error) {
	sock, peer, err := c.session()
	if err != nil {
		return nil, err
	}
	if err = peer.Connect(c.sendCandidate); err != nil {
		return nil, err
	}
	resp, err := api.UnwrapChecked[api.SubscribeResponse](sock.Call(ctx, api.Subscribe, api.SubscribeRequest{ParticipantId: pid, Kind: string(kind)}))
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return c.remote(resp.TrackId, pid, kind), nil
}

func (c *Client) RenewToken(ctx context.Context, token string) error {
	sock, _, err := c.session()
	if err != nil {
		return err
	}
	if _, err = sock.Call(ctx, api.RenewToken, api.RenewTokenRequest{Token: token}); err != nil {
		var e *api.Error
		if errors.As(err, &e) {
			return fmt.Errorf("%w: %v", errs.ErrTokenRejected, e)
		}
		return err
	}
	c.mu.Lock()
	if c.joined != nil {
		c.joined.Token = token
	}
	c.mu.Unlock()
	return nil
}

// Leave exits the channel and closes the connections.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	sock, peer := c.sock, c.peer
	joined := c.joined != nil
	c.sock, c.joined = nil, nil
	remotes := c.remotes
	c.remotes = make(map[string]*remoteTrack)
	c.mu.Unlock()

	if !joined {
		return transport.ErrNotJoined
	}
	var err error
	if sock != nil {
		if _, err = sock.Call(ctx, api.Leave, nil); err != nil {
			c.log.Warn().Err(err).Msg("Leave call")
		}
		sock.Close()
	}
	if peer != nil {
		peer.Disconnect()
	}
	for _, r := range remotes {
		r.close()
	}
	c.log.Info().Msg("Left")
	return err
}

func (c *Client) Close() error {
	if err := c.Leave(context.Background()); err != nil && !errors.Is(err, transport.ErrNotJoined) {
		c.log.Debug().Err(err).Msg("Leave on close")
	}
	c.cancel()
	return nil
}

func (c *Client) sendCandidate(ice *pion.ICECandidateInit) {
	if ice == nil {
		return
	}
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return
	}
	_ = sock.Send(api.WebrtcIce, api.WebrtcIceCandidate{
		Candidate:     ice.Candidate,
		SdpMid:        ice.SDPMid,
		SdpMLineIndex: ice.SDPMLineIndex,
	})
}

func (c *Client) remote(id, pid string, kind media.Kind) *remoteTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.remotes[id]; ok {
		return r
	}
	r := newRemoteTrack(id, pid, kind)
	c.remotes[id] = r
	return r
}

func (c *Client) handleTrack(track *pion.TrackRemote) {
	c.remote(track.ID(), track.StreamID(), media.Kind(track.Kind().String())).bind(track)
}

func (c *Client) handlePeerState(state pion.PeerConnectionState) {
	if state == pion.PeerConnectionStateFailed {
		c.emit(transport.Event{Kind: transport.Exception, Reason: "media connection failed"})
	}
}

// handle turns server pushes into events.
func (c *Client) handle(sock *com.Client, in api.In) {
	switch in.T {
	case api.UserJoined, api.UserPublished, api.UserUnpublished, api.UserLeft:
		ev := api.Unwrap[api.UserEvent](in.Payload)
		if ev == nil {
			c.log.Warn().Msgf("Malformed %v", in.T)
			return
		}
		e := transport.Event{ParticipantId: ev.ParticipantId, Name: ev.Name, Media: media.Kind(ev.Kind), Reason: ev.Reason}
		switch in.T {
		case api.UserJoined:
			e.Kind = transport.UserJoined
		case api.UserPublished:
			e.Kind = transport.UserPublished
		case api.UserUnpublished:
			e.Kind = transport.UserUnpublished
		case api.UserLeft:
			e.Kind = transport.UserLeft
		}
		c.emit(e)
	case api.TokenWillExpire:
		c.emit(transport.Event{Kind: transport.TokenWillExpire})
	case api.TokenDidExpire:
		c.emit(transport.Event{Kind: transport.TokenDidExpire})
	case api.Exception:
		e := api.Unwrap[api.ExceptionEvent](in.Payload)
		if e == nil {
			e = &api.ExceptionEvent{Message: string(in.Payload)}
		}
		c.emit(transport.Event{Kind: transport.Exception, Reason: e.Message, Err: &api.Error{Code: e.Code, Message: e.Message}})
	case api.WebrtcIce:
		ice := api.Unwrap[api.WebrtcIceCandidate](in.Payload)
		_, peer, err := c.session()
		if ice == nil || err != nil {
			return
		}
		if err = peer.AddCandidate(pion.ICECandidateInit{Candidate: ice.Candidate, SDPMid: ice.SdpMid, SDPMLineIndex: ice.SdpMLineIndex}); err != nil {
			c.log.Warn().Err(err).Msg("Remote candidate")
		}
	case api.WebrtcOffer:
		// server side renegotiation
		offer := api.Unwrap[api.WebrtcSdp](in.Payload)
		_, peer, err := c.session()
		if offer == nil || err != nil {
			return
		}
		if err = peer.Connect(c.sendCandidate); err != nil {
			return
		}
		answer, err := peer.Answer(pion.SessionDescription{Type: pion.NewSDPType(offer.Type), SDP: offer.Sdp})
		if err != nil {
			c.log.Error().Err(err).Msg("Renegotiation")
			_ = sock.ReplyError(in, api.CodeBadRequest, err.Error())
			return
		}
		_ = sock.Reply(in, api.WebrtcSdp{Type: answer.Type.String(), Sdp: answer.SDP})
	default:
		c.log.Debug().Msgf("Unhandled %v", in.T)
	}
}
