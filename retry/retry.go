// Package retry provides recoverable-error classification and backoff
// strategies for step execution.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt. Attempt 1 is the
// first retry after the initial failure. Strategies are stateless and safe
// for concurrent use.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each attempt: Initial * 2^(attempt-1),
// capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialWithJitter applies full jitter to an exponential base: a
// random delay in [0, min(Initial * 2^(attempt-1), Max)]. Jitter prevents
// thundering herd when many retries land simultaneously.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base)
}

// DefaultStrategy returns the backoff used by the job runtime when none is
// configured: exponential with full jitter, 1s initial, 1m max.
func DefaultStrategy() Strategy {
	return &ExponentialWithJitter{Initial: time.Second, Max: time.Minute}
}

type config struct {
	maxRetries int
	baseWait   time.Duration
	strategy   Strategy
}

// Option configures Do.
type Option func(*config)

// WithMaxRetries sets how many retries follow the initial attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseWait sets the initial wait between attempts.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithStrategy overrides the backoff strategy entirely.
func WithStrategy(s Strategy) Option {
	return func(c *config) { c.strategy = s }
}

// Do invokes fn until it succeeds, returns a non-recoverable error, or the
// retry budget is exhausted. The last error is returned unwrapped.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := config{
		maxRetries: 3,
		baseWait:   time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	strategy := cfg.strategy
	if strategy == nil {
		strategy = &Exponential{Initial: cfg.baseWait, Max: time.Minute}
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
		if attempt >= cfg.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(strategy.Delay(attempt + 1)):
		}
	}
}
