package media

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/giongto35/cloud-room/pkg/network"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// LocalTrack is a captured track of the local participant.
// A disabled track keeps reading its source but drops the samples.
type LocalTrack struct {
	kind      Kind
	track     *webrtc.TrackLocalStaticSample
	src       Source
	enabled   atomic.Bool
	published atomic.Bool

	done chan struct{}
	once sync.Once
	log  *logger.Logger
}

func newLocalTrack(kind Kind, codec string, src Source, log *logger.Logger) (*LocalTrack, error) {
	track, err := newTrack(kind, codec)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{
		kind:  kind,
		track: track,
		src:   src,
		done:  make(chan struct{}),
		log:   log.Extend(log.With().Str("track", string(kind))),
	}
	t.enabled.Store(true)
	go t.pump()
	return t, nil
}

func newTrack(kind Kind, codec string) (*webrtc.TrackLocalStaticSample, error) {
	codec = strings.ToLower(codec)
	var mime string
	switch kind {
	case Audio:
		switch codec {
		case "opus":
			mime = webrtc.MimeTypeOpus
		case "pcmu":
			mime = webrtc.MimeTypePCMU
		}
	case Video:
		switch codec {
		case "h264":
			mime = webrtc.MimeTypeH264
		case "vpx", "vp8":
			mime = webrtc.MimeTypeVP8
		case "vp9":
			mime = webrtc.MimeTypeVP9
		}
	}
	if mime == "" {
		return nil, fmt.Errorf("unsupported codec %s:%s", kind, codec)
	}
	return webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, string(kind), "room-"+network.NewUid().Short())
}

func (t *LocalTrack) pump() {
	defer t.log.Debug().Msg("Capture has stopped")
	for {
		s, err := t.src.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Error().Err(err).Msg("Capture")
			}
			return
		}
		select {
		case <-t.done:
			return
		default:
		}
		if !t.enabled.Load() {
			continue
		}
		if err = t.track.WriteSample(media.Sample{Data: s.Data, Duration: s.Duration}); err != nil &&
			!errors.Is(err, io.ErrClosedPipe) {
			t.log.Warn().Err(err).Msg("Sample write")
		}
	}
}

func (t *LocalTrack) Kind() Kind               { return t.kind }
func (t *LocalTrack) Enabled() bool            { return t.enabled.Load() }
func (t *LocalTrack) Published() bool          { return t.published.Load() }
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }
func (t *LocalTrack) Codec() string            { return t.track.Codec().MimeType }
func (t *LocalTrack) String() string           { return string(t.kind) + ":" + t.Codec() }

// Close stops the capture and releases the device.
func (t *LocalTrack) Close() (err error) {
	t.once.Do(func() {
		close(t.done)
		t.published.Store(false)
		err = t.src.Close()
	})
	return
}

// Tracks is a set of local tracks of one session.
type Tracks struct {
	Audio *LocalTrack
	Video *LocalTrack
	// VideoErr is why the video is missing in the video mode.
	VideoErr error
}

func (t Tracks) List() []*LocalTrack {
	var list []*LocalTrack
	if t.Audio != nil {
		list = append(list, t.Audio)
	}
	if t.Video != nil {
		list = append(list, t.Video)
	}
	return list
}

func (t Tracks) Empty() bool { return t.Audio == nil && t.Video == nil }

func (t Tracks) AudioEnabled() bool { return t.Audio != nil && t.Audio.Enabled() }
func (t Tracks) VideoEnabled() bool { return t.Video != nil && t.Video.Enabled() }

func (t Tracks) Capabilities() Capabilities {
	return Capabilities{Audio: t.Audio != nil, Video: t.Video != nil, VideoErr: t.VideoErr}
}
