// Package webrtc is a media peer connection of a room client.
package webrtc

import (
	"errors"
	"sync"

	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/pion/webrtc/v4"
)

var ErrNoConnection = errors.New("no peer connection")

type Peer struct {
	api  *ApiFactory
	conn *webrtc.PeerConnection
	log  *logger.Logger
	mu   sync.Mutex

	// OnTrack is called for every incoming remote track.
	OnTrack func(track *webrtc.TrackRemote)
	// OnState is called on peer connection state changes.
	OnState func(state webrtc.PeerConnectionState)
}

func New(log *logger.Logger, api *ApiFactory) *Peer {
	return &Peer{api: api, log: log.Module("webrtc")}
}

// Connect makes a new peer connection if there is none.
// Local ICE candidates go to onICE, nil means the gathering is complete.
func (p *Peer) Connect(onICE func(ice *webrtc.ICECandidateInit)) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		return nil
	}
	p.log.Debug().Msg("WebRTC start")
	if p.conn, err = p.api.NewPeer(); err != nil {
		return
	}
	p.conn.OnICECandidate(p.handleICECandidate(onICE))
	p.conn.OnConnectionStateChange(p.handleState)
	p.conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug().Str("id", track.ID()).Str("kind", track.Kind().String()).Msg("Remote track")
		if p.OnTrack != nil {
			p.OnTrack(track)
		}
	})
	return nil
}

// AddTracks plugs in local tracks (out).
func (p *Peer) AddTracks(tracks ...webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNoConnection
	}
	for _, track := range tracks {
		sender, err := p.conn.AddTrack(track)
		if err != nil {
			return err
		}
		// Read incoming RTCP packets
		go func() {
			rtcpBuf := make([]byte, 1500)
			for {
				if _, _, rtcpErr := sender.Read(rtcpBuf); rtcpErr != nil {
					return
				}
			}
		}()
		p.log.Debug().Msgf("Added [%s] track", track.Kind())
	}
	return nil
}

// Receive asks for remote tracks of the kind (in).
func (p *Peer) Receive(kind webrtc.RTPCodecType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNoConnection
	}
	_, err := p.conn.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
	return err
}

// Offer creates a local offer.
func (p *Peer) Offer() (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, ErrNoConnection
	}
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err = p.conn.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	p.log.Debug().Msg("Created Offer")
	return &offer, nil
}

// Answer accepts a remote offer and creates a local answer.
func (p *Peer) Answer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil, ErrNoConnection
	}
	if err := p.conn.SetRemoteDescription(offer); err != nil {
		return nil, err
	}
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err = p.conn.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	p.log.Debug().Msg("Created Answer")
	return &answer, nil
}

func (p *Peer) SetRemoteSDP(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNoConnection
	}
	if err := p.conn.SetRemoteDescription(sdp); err != nil {
		p.log.Error().Err(err).Msg("Set remote description from peer failed")
		return err
	}
	p.log.Debug().Msg("Set Remote Description")
	return nil
}

func (p *Peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return ErrNoConnection
	}
	if err := p.conn.AddICECandidate(candidate); err != nil {
		return err
	}
	p.log.Debug().Str("candidate", candidate.Candidate).Msg("Ice")
	return nil
}

func (p *Peer) State() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return p.conn.ConnectionState()
}

func (p *Peer) handleICECandidate(callback func(*webrtc.ICECandidateInit)) func(*webrtc.ICECandidate) {
	return func(ice *webrtc.ICECandidate) {
		if callback == nil {
			return
		}
		// ICE gathering finish condition
		if ice == nil {
			callback(nil)
			p.log.Debug().Msg("ICE gathering was complete probably")
			return
		}
		candidate := ice.ToJSON()
		p.log.Debug().Str("candidate", candidate.Candidate).Msg("ICE")
		callback(&candidate)
	}
}

func (p *Peer) handleState(state webrtc.PeerConnectionState) {
	p.log.Debug().Str("state", state.String()).Msg("Peer")
	if state == webrtc.PeerConnectionStateFailed {
		p.log.Error().Msg("WebRTC connection fail!")
	}
	if p.OnState != nil {
		p.OnState(state)
	}
}

// Disconnect closes the peer connection, a new one can be made with Connect.
func (p *Peer) Disconnect() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn == nil {
		return
	}
	// ignore this due to DTLS fatal: conn is closed
	_ = conn.Close()
	p.log.Debug().Msg("WebRTC stop")
}
