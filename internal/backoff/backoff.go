// Package backoff holds the retry policy shared by the token manager and the
// drive client: exponential backoff with jitter and a context-aware sleep.
// Bounds are explicit construction parameters so tests can inject a
// zero-delay, low-bound policy.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Defaults used when a Policy field is left zero.
const (
	DefaultMaxRetries = 5
	DefaultBase       = 1 * time.Second
	DefaultMax        = 60 * time.Second

	factor         = 2.0
	jitterFraction = 0.25
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy bounds a retry loop. MaxRetries counts retries, not attempts:
// MaxRetries=5 allows six attempts in total.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	// NoJitter disables the ±25% jitter. Tests use it for deterministic delays.
	NoJitter bool
}

// Default returns the production policy.
func Default() Policy {
	return Policy{MaxRetries: DefaultMaxRetries, Base: DefaultBase, Max: DefaultMax}
}

// Delay computes the backoff before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		return 0
	}

	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}

	d := float64(base) * math.Pow(factor, float64(attempt))
	if d > float64(maxDelay) {
		d = float64(maxDelay)
	}

	if !p.NoJitter {
		d += d * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}

	return time.Duration(d)
}

// Sleep waits for the given duration or until the context is canceled.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
