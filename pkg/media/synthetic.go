package media

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/errs"
)

// opus DTX silence frame
var silence = []byte{0xf8, 0xff, 0xfe}

// SyntheticDevices produces silence and blank frames at a real-time pace.
// Denied kinds fail their permission requests, broken kinds fail to open.
type SyntheticDevices struct {
	Denied map[Kind]bool
	Broken map[Kind]error
}

func (d SyntheticDevices) RequestPermission(_ context.Context, kind Kind) error {
	if d.Denied[kind] {
		return fmt.Errorf("%w: %s", errs.ErrPermissionDenied, kind)
	}
	return nil
}

func (d SyntheticDevices) Open(ctx context.Context, kind Kind) (Source, error) {
	if err := d.RequestPermission(ctx, kind); err != nil {
		return nil, err
	}
	if err := d.Broken[kind]; err != nil {
		return nil, err
	}
	frame, period := silence, 20*time.Millisecond
	if kind == Video {
		frame, period = make([]byte, 64), 33*time.Millisecond
	}
	return newTickSource(frame, period), nil
}

type tickSource struct {
	frame  []byte
	period time.Duration
	t      *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func newTickSource(frame []byte, period time.Duration) *tickSource {
	return &tickSource{frame: frame, period: period, t: time.NewTicker(period), done: make(chan struct{})}
}

func (s *tickSource) Read() (Sample, error) {
	select {
	case <-s.done:
		return Sample{}, io.EOF
	case <-s.t.C:
		return Sample{Data: s.frame, Duration: s.period}, nil
	}
}

func (s *tickSource) Close() error {
	s.once.Do(func() {
		s.t.Stop()
		close(s.done)
	})
	return nil
}
