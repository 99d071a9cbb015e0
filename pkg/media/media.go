// Package media manages local capture tracks and remote track renderers
// of a room session.
package media

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	Audio Kind = "audio"
	Video Kind = "video"
)

// Mode is a room mode: voice rooms capture audio only.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeVideo Mode = "video"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeVoice, "":
		return ModeVoice, nil
	case ModeVideo:
		return ModeVideo, nil
	}
	return "", fmt.Errorf("unknown room mode %q", s)
}

// Kinds returns the media kinds captured in the mode.
func (m Mode) Kinds() []Kind {
	if m == ModeVideo {
		return []Kind{Audio, Video}
	}
	return []Kind{Audio}
}

// Sample is a chunk of encoded media.
type Sample struct {
	Data     []byte
	Duration time.Duration
}

// Source is an opened capture device.
// Read blocks until the next sample, after Close it returns io.EOF.
type Source interface {
	Read() (Sample, error)
	Close() error
}

// Devices is the capture device access of the host.
// A denied permission is reported with errs.ErrPermissionDenied.
type Devices interface {
	RequestPermission(ctx context.Context, kind Kind) error
	Open(ctx context.Context, kind Kind) (Source, error)
}

// Capabilities is the result of a permission preflight.
type Capabilities struct {
	Audio    bool
	Video    bool
	VideoErr error
}
