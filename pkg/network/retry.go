package network

import (
	"context"
	"time"
)

// Retry counts attempts against a fixed budget and
// produces an increasing backoff between them.
type Retry struct {
	budget  int
	attempt int
	base    time.Duration
	max     time.Duration
	factor  int
}

const defaultBackoff = 1 * time.Second

// NewRetry makes a retry budget of n attempts in total,
// where the delay after the first failure is base and it's doubled after
// each next failure.
func NewRetry(n int, base time.Duration) Retry {
	if n < 1 {
		n = 1
	}
	if base <= 0 {
		base = defaultBackoff
	}
	return Retry{budget: n, base: base, factor: 2}
}

// WithMax caps the backoff delay.
func (r Retry) WithMax(d time.Duration) Retry { r.max = d; return r }

// Multiply changes the growth factor of the delay.
func (r *Retry) Multiply(x int) {
	if x > 0 {
		r.factor = x
	}
}

// Attempt marks the start of a new attempt and
// returns false when the budget is exhausted.
func (r *Retry) Attempt() bool {
	if r.attempt >= r.budget {
		return false
	}
	r.attempt++
	return true
}

// Attempts returns the number of started attempts.
func (r *Retry) Attempts() int { return r.attempt }

// Budget returns the max number of attempts.
func (r *Retry) Budget() int { return r.budget }

// Exhausted tells if there is no attempts left.
func (r *Retry) Exhausted() bool { return r.attempt >= r.budget }

// Time returns the delay before the next attempt.
func (r *Retry) Time() time.Duration {
	d := r.base
	for i := 1; i < r.attempt; i++ {
		d *= time.Duration(r.factor)
		if r.max > 0 && d >= r.max {
			return r.max
		}
	}
	return d
}

// Wait sleeps for the current backoff time or until ctx is done.
func (r *Retry) Wait(ctx context.Context) error {
	t := time.NewTimer(r.Time())
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
