package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/giongto35/cloud-room/pkg/config"
	"github.com/giongto35/cloud-room/pkg/errs"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/pion/webrtc/v4"
)

// Publisher is a connected transport accepting local tracks.
type Publisher interface {
	Connected() bool
	Publish(ctx context.Context, tracks ...webrtc.TrackLocal) error
}

type attachment struct {
	pid    string
	track  string
	target string
}

// Manager owns the local tracks and the remote renderers of a session.
type Manager struct {
	devices   Devices
	conf      config.Media
	renderers RendererFactory

	mu     sync.Mutex
	local  Tracks
	remote map[attachment]Renderer
	// camera is the camera denial of the last preflight
	camera error

	log *logger.Logger
}

func NewManager(devices Devices, conf config.Media, renderers RendererFactory, log *logger.Logger) *Manager {
	log = log.Module("media")
	if renderers == nil {
		renderers = SinkRenderers(log)
	}
	return &Manager{
		devices:   devices,
		conf:      conf,
		renderers: renderers,
		remote:    make(map[attachment]Renderer),
		log:       log,
	}
}

// Preflight checks the device permissions of the mode without keeping
// any device open. Only a denied microphone fails it, a denied camera
// degrades the session to voice.
func (m *Manager) Preflight(ctx context.Context, mode Mode) (Capabilities, error) {
	var c Capabilities
	defer func() {
		m.mu.Lock()
		m.camera = c.VideoErr
		m.mu.Unlock()
	}()
	if err := m.devices.RequestPermission(ctx, Audio); err != nil {
		if errors.Is(err, errs.ErrPermissionDenied) {
			return c, err
		}
		return c, &errs.TrackError{Kind: string(Audio), Err: err}
	}
	c.Audio = true
	if mode == ModeVideo {
		if err := m.devices.RequestPermission(ctx, Video); err != nil {
			m.log.Warn().Err(err).Msg("No camera, voice only")
			c.VideoErr = err
		} else {
			c.Video = true
		}
	}
	return c, nil
}

// CreateLocalTracks opens the capture devices of the mode.
// An audio failure fails the whole call while a video failure, or
// a camera denied in the preflight, is reported in Tracks.VideoErr.
func (m *Manager) CreateLocalTracks(ctx context.Context, mode Mode) (Tracks, error) {
	m.closeLocal()
	m.mu.Lock()
	denied := m.camera
	m.mu.Unlock()

	var tracks Tracks
	audio, err := m.open(ctx, Audio, m.conf.AudioCodec)
	if err != nil {
		return tracks, &errs.TrackError{Kind: string(Audio), Err: err}
	}
	tracks.Audio = audio

	switch {
	case mode != ModeVideo:
	case denied != nil:
		tracks.VideoErr = denied
	default:
		video, err := m.open(ctx, Video, m.conf.VideoCodec)
		if err != nil {
			m.log.Warn().Err(err).Msg("Video capture has failed, voice only")
			tracks.VideoErr = &errs.TrackError{Kind: string(Video), Err: err}
		} else {
			tracks.Video = video
		}
	}

	m.mu.Lock()
	m.local = tracks
	m.mu.Unlock()
	m.log.Info().Bool("audio", tracks.Audio != nil).Bool("video", tracks.Video != nil).Msg("Local tracks")
	return tracks, nil
}

func (m *Manager) open(ctx context.Context, kind Kind, codec string) (*LocalTrack, error) {
	src, err := m.devices.Open(ctx, kind)
	if err != nil {
		return nil, err
	}
	t, err := newLocalTrack(kind, codec, src, m.log)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return t, nil
}

// SetEnabled mutes or unmutes a local track.
func (m *Manager) SetEnabled(t *LocalTrack, on bool) {
	if t == nil {
		return
	}
	t.enabled.Store(on)
	m.log.Debug().Str("track", string(t.kind)).Bool("on", on).Msg("Track toggle")
}

// Publish sends the local tracks into a connected transport.
func (m *Manager) Publish(ctx context.Context, p Publisher, tracks Tracks) error {
	if p == nil || !p.Connected() {
		return errs.ErrNotConnected
	}
	list := tracks.List()
	if len(list) == 0 {
		return nil
	}
	locals := make([]webrtc.TrackLocal, len(list))
	for i, t := range list {
		locals[i] = t.Track()
	}
	if err := p.Publish(ctx, locals...); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	for _, t := range list {
		t.published.Store(true)
	}
	return nil
}

// Local returns the current local tracks.
func (m *Manager) Local() Tracks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// AttachRemote plays a remote track into the target.
// Attaching the same track to the same target again replaces
// the old renderer.
func (m *Manager) AttachRemote(pid string, track RemoteTrack, target string) error {
	if track == nil {
		return nil
	}
	key := attachment{pid: pid, track: track.ID(), target: target}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.remote[key]; ok {
		old.Stop()
		delete(m.remote, key)
	}
	r, err := m.renderers(pid, track, target)
	if err != nil {
		return err
	}
	if err = r.Play(); err != nil {
		r.Stop()
		return err
	}
	m.remote[key] = r
	return nil
}

// DetachRemote stops every renderer of the track.
func (m *Manager) DetachRemote(pid string, track RemoteTrack) {
	if track == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.remote {
		if k.pid == pid && k.track == track.ID() {
			r.Stop()
			delete(m.remote, k)
		}
	}
}

// DetachParticipant stops all renderers of the participant.
func (m *Manager) DetachParticipant(pid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range m.remote {
		if k.pid == pid {
			r.Stop()
			delete(m.remote, k)
		}
	}
}

// Renderers returns the number of active renderers.
func (m *Manager) Renderers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.remote)
}

func (m *Manager) closeLocal() {
	m.mu.Lock()
	local := m.local
	m.local = Tracks{}
	m.mu.Unlock()
	for _, t := range local.List() {
		if err := t.Close(); err != nil {
			m.log.Warn().Err(err).Str("track", string(t.kind)).Msg("Track close")
		}
	}
}

// Close stops the local capture and all remote renderers.
func (m *Manager) Close() {
	m.closeLocal()
	m.mu.Lock()
	m.camera = nil
	for k, r := range m.remote {
		r.Stop()
		delete(m.remote, k)
	}
	m.mu.Unlock()
}
