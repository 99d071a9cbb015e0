// Package token fetches and renews short-lived room join credentials.
package token

import (
	"fmt"
	"time"

	"github.com/giongto35/cloud-room/pkg/errs"
)

// Token is a credential to join one channel.
type Token struct {
	Value         string
	AppId         string
	Channel       string
	ParticipantId string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

var (
	// ErrMalformedResponse is a response without a token or an app id,
	// or with a token that has already expired.
	ErrMalformedResponse = fmt.Errorf("%w: malformed response", errs.ErrTokenRejected)
	// ErrExpired is a token that ran out before it could be renewed.
	ErrExpired = fmt.Errorf("%w: token has expired", errs.ErrSessionExpired)
)

// RejectedError is a non-2xx response of the token issuer.
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v: [%d] %s", errs.ErrTokenRejected, e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return errs.ErrTokenRejected }

// Lifetime returns the whole validity period of the token.
func (t Token) Lifetime() time.Duration { return t.ExpiresAt.Sub(t.IssuedAt) }

// ExpiresIn returns the time left until expiration.
func (t Token) ExpiresIn(now time.Time) time.Duration { return t.ExpiresAt.Sub(now) }

func (t Token) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// Matches tells if the other token is issued for the same app and channel.
func (t Token) Matches(other Token) bool {
	return t.AppId == other.AppId && t.Channel == other.Channel
}

func (t Token) String() string {
	v := t.Value
	if len(v) > 8 {
		v = v[:4] + "…" + v[len(v)-4:]
	}
	return fmt.Sprintf("%s@%s/%s (exp %s)", v, t.AppId, t.Channel, t.ExpiresAt.Format(time.RFC3339))
}
