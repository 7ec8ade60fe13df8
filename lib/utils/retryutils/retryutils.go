// Package retryutils implements the backoff primitives shared by components
// that retry against the object store.
package retryutils

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter transforms a backoff duration to spread retries out in time.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a jitter on the range [d/2, d).
func NewHalfJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d <= 1 {
			return d
		}
		half := d / 2
		return half + rand.N(half)
	}
}

// NewSeventhJitter returns a jitter on the range [6d/7, d), for cases where
// the full period matters but some spread is still wanted.
func NewSeventhJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d <= 7 {
			return d
		}
		seventh := d / 7
		return 6*seventh + rand.N(seventh)
	}
}

// LinearConfig configures a Linear retry.
type LinearConfig struct {
	// First is the first backoff duration. May be zero for an immediate
	// first retry.
	First time.Duration
	// Step is added to the backoff after every attempt.
	Step time.Duration
	// Max caps the backoff.
	Max time.Duration
	// Jitter is an optional transform applied to each backoff.
	Jitter Jitter
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a retry with linearly growing, optionally jittered,
// backoff.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Linear{LinearConfig: cfg, current: cfg.First}, nil
}

// Linear grows its backoff by a fixed step per attempt, up to a cap.
type Linear struct {
	LinearConfig
	current time.Duration
}

// Reset drops the backoff back to its starting value.
func (r *Linear) Reset() {
	r.current = r.First
}

// Duration returns the current backoff, jittered if configured.
func (r *Linear) Duration() time.Duration {
	d := r.current
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// Inc grows the backoff by one step.
func (r *Linear) Inc() {
	r.current += r.Step
	if r.current > r.Max {
		r.current = r.Max
	}
}

// After returns a channel that fires after the current backoff elapses.
func (r *Linear) After() <-chan time.Time {
	return r.Clock.After(r.Duration())
}

// RetryWithBackoff calls fn up to attempts times, sleeping a doubling,
// jittered backoff between attempts. Only errors matching retryable are
// retried; any other error is returned immediately. The final error is
// returned when attempts are exhausted.
func RetryWithBackoff(ctx context.Context, attempts int, base, max time.Duration, clock clockwork.Clock, jitter Jitter, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		return trace.BadParameter("attempts must be positive")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if jitter == nil {
		jitter = NewHalfJitter()
	}
	backoff := base
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return trace.Wrap(err)
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-clock.After(jitter(backoff)):
		case <-ctx.Done():
			return trace.NewAggregate(err, ctx.Err())
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
	return trace.Wrap(err)
}
