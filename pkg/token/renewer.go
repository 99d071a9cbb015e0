package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giongto35/cloud-room/pkg/errs"
	"github.com/giongto35/cloud-room/pkg/logger"
)

// ErrMismatch is a renewed token issued for some other app or channel.
var ErrMismatch = fmt.Errorf("%w: renewed token doesn't match the session", errs.ErrTokenRejected)

// RenewalDelay returns how long to wait before renewing a token
// with the lifetime so that the renewal ends before the buffer runs out.
// Tokens shorter than the buffer are renewed at half-life.
func RenewalDelay(lifetime, buffer time.Duration) time.Duration {
	if lifetime <= 0 {
		return 0
	}
	if d := lifetime - buffer; d > 0 {
		return d
	}
	return lifetime / 2
}

// FetchFunc returns a fresh token.
type FetchFunc func(ctx context.Context) (Token, error)

// Renewer renews one session token ahead of its expiration.
// At most one renewal is pending at any time.
type Renewer struct {
	buffer time.Duration
	now    func() time.Time
	log    *logger.Logger

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	gen    uint64
	delay  time.Duration
}

func NewRenewer(buffer time.Duration, log *logger.Logger) *Renewer {
	return &Renewer{buffer: buffer, now: time.Now, log: log.Module("renew")}
}

// Schedule arms the renewal of tok replacing any pending one.
// The onResult callback gets either the renewed token or an error,
// it's not called when the renewal is stopped.
// An expired tok is not renewed, onResult gets ErrExpired right away.
func (r *Renewer) Schedule(tok Token, fetch FetchFunc, onResult func(Token, error)) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	r.gen++
	gen := r.gen

	lifetime := tok.ExpiresIn(r.now())
	delay := RenewalDelay(lifetime, r.buffer)
	r.delay = delay

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.timer = time.AfterFunc(delay, func() {
		var fresh Token
		var err error
		if lifetime <= 0 {
			err = ErrExpired
		} else {
			fresh, err = fetch(ctx)
			if err == nil && !tok.Matches(fresh) {
				err = ErrMismatch
			}
		}

		r.mu.Lock()
		if gen != r.gen || ctx.Err() != nil {
			r.mu.Unlock()
			return
		}
		r.timer = nil
		r.mu.Unlock()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn().Err(err).Msg("Token renewal failed")
		} else {
			r.log.Debug().Str("token", fresh.String()).Msg("Token renewed")
		}
		if onResult != nil {
			onResult(fresh, err)
		}
	})
	r.log.Debug().Dur("in", delay).Msg("Token renewal scheduled")
	return delay
}

// Stop cancels a pending renewal. Safe to call many times.
func (r *Renewer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
}

func (r *Renewer) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// Pending tells if there is an armed renewal.
func (r *Renewer) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Delay returns the delay of the last scheduled renewal.
func (r *Renewer) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}
