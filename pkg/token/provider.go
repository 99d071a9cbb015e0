package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/giongto35/cloud-room/pkg/config"
	"github.com/giongto35/cloud-room/pkg/errs"
	"github.com/giongto35/cloud-room/pkg/logger"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt"
)

const (
	maxChannelLen = 64
	maxBodySize   = 64 * 1024
)

// AuthSource returns a bearer token of the current user or an empty string.
type AuthSource func(ctx context.Context) (string, error)

// Provider requests join tokens from the issuing endpoint.
// It never retries: the retry policy belongs to the caller.
type Provider struct {
	conf   config.Token
	client *http.Client
	auth   AuthSource
	now    func() time.Time
	log    *logger.Logger
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option { return func(p *Provider) { p.client = c } }
func WithAuth(a AuthSource) Option         { return func(p *Provider) { p.auth = a } }
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

type response struct {
	Token            string `json:"token"`
	AppId            string `json:"appId"`
	Channel          string `json:"channel"`
	ParticipantId    string `json:"participantId"`
	ExpiresInSeconds *int64 `json:"expiresInSeconds"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewProvider(conf config.Token, log *logger.Logger, opts ...Option) *Provider {
	p := &Provider{
		conf:   conf,
		client: http.DefaultClient,
		now:    time.Now,
		log:    log.Module("token"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SanitizeChannel keeps only [A-Za-z0-9_-] symbols of a channel id.
func SanitizeChannel(channel string) string {
	var b strings.Builder
	for _, r := range channel {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			b.WriteRune(r)
			if b.Len() == maxChannelLen {
				break
			}
		}
	}
	return b.String()
}

// NewParticipantHint makes a random participant id for anonymous users.
func NewParticipantHint() string {
	id, err := uuid.NewV4()
	if err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return id.String()
}

// Fetch requests a new token for the channel.
func (p *Provider) Fetch(ctx context.Context, channel, participant string) (Token, error) {
	ch := SanitizeChannel(channel)
	if ch == "" {
		return Token{}, fmt.Errorf("%w: invalid channel %q", errs.ErrTokenRejected, channel)
	}
	if participant == "" {
		participant = NewParticipantHint()
	}

	rqCtx, cancel := context.WithTimeout(ctx, p.conf.Timeout)
	defer cancel()

	rq, err := p.request(rqCtx, ch, participant)
	if err != nil {
		return Token{}, err
	}

	sent := p.now()
	resp, err := p.client.Do(rq)
	if err != nil {
		return Token{}, p.classify(ctx, rqCtx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Token{}, p.classify(ctx, rqCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &RejectedError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			if er.Error != "" {
				e.Message = er.Error
			} else if er.Message != "" {
				e.Message = er.Message
			}
		}
		p.log.Warn().Int("code", e.Code).Str("channel", ch).Msg(e.Message)
		return Token{}, e
	}

	var r response
	if err = json.Unmarshal(body, &r); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if r.Token == "" || r.AppId == "" {
		return Token{}, ErrMalformedResponse
	}

	t := Token{
		Value:         r.Token,
		AppId:         r.AppId,
		Channel:       r.Channel,
		ParticipantId: r.ParticipantId,
		IssuedAt:      sent,
		ExpiresAt:     p.expiration(sent, r),
	}
	if t.Channel == "" {
		t.Channel = ch
	}
	if t.ParticipantId == "" {
		t.ParticipantId = participant
	}
	if t.Expired(sent) {
		p.log.Warn().Str("channel", t.Channel).Time("exp", t.ExpiresAt).Msg("Issued token has already expired")
		return Token{}, fmt.Errorf("%w: expired at %v", ErrMalformedResponse, t.ExpiresAt)
	}
	p.log.Debug().Str("channel", t.Channel).Dur("ttl", t.Lifetime()).Msg("Token issued")
	return t, nil
}

func (p *Provider) request(ctx context.Context, channel, participant string) (*http.Request, error) {
	u, err := url.Parse(strings.TrimRight(p.conf.Endpoint, "/") + "/token")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("channel", channel)
	q.Set("participant", participant)
	q.Set("timestamp", strconv.FormatInt(p.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	rq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	rq.Header.Set("Accept", "application/json")
	if p.auth != nil {
		bearer, err := p.auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		if bearer != "" {
			rq.Header.Set("Authorization", "Bearer "+bearer)
		}
	}
	return rq, nil
}

// expiration picks the expiration time of a token: explicit TTL first,
// then the exp claim if it's a JWT, then the configured default.
func (p *Provider) expiration(issued time.Time, r response) time.Time {
	if r.ExpiresInSeconds != nil && *r.ExpiresInSeconds > 0 {
		return issued.Add(time.Duration(*r.ExpiresInSeconds) * time.Second)
	}
	var claims jwt.StandardClaims
	if _, _, err := new(jwt.Parser).ParseUnverified(r.Token, &claims); err == nil && claims.ExpiresAt > 0 {
		return time.Unix(claims.ExpiresAt, 0)
	}
	return issued.Add(p.conf.DefaultLifetime)
}

// classify maps transport errors of a request.
// The parent context cancellation is returned as is.
func (p *Provider) classify(parent, rq context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(rq.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w (%v)", errs.ErrTokenTimeout, p.conf.Timeout)
	}
	return fmt.Errorf("%w: %v", errs.ErrNetworkUnavailable, err)
}
