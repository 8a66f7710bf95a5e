// Package retry holds the shared retry policy used by platform adapters.
//
// A policy has a fixed attempt budget and a fixed wait
// per error class. There is no exponential growth and no jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the retry classification of an error.
type Class int

const (
	// ClassPermanent stops immediately.
	ClassPermanent Class = iota
	// ClassRateLimit waits the rate-limit wait (60s by default).
	ClassRateLimit
	// ClassServer waits the server wait (10s by default).
	ClassServer
	// ClassUnknown is retried like a server error.
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassRateLimit:
		return "rate_limit"
	case ClassServer:
		return "server"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this class are retried.
func (c Class) Retryable() bool { return c != ClassPermanent }

const (
	DefaultAttempts      = 3
	DefaultRateLimitWait = 60 * time.Second
	DefaultServerWait    = 10 * time.Second
	DefaultMaxWait       = 5 * time.Minute
)

// Policy runs an operation up to Attempts times.
//
// The zero value is usable and behaves like Default().
type Policy struct {
	Attempts int
	Waits    map[Class]time.Duration
	// MaxWait caps RetryAfter hints carried by errors.
	MaxWait time.Duration

	// Classify maps an error to a Class. DefaultClassify when nil.
	Classify func(error) Class
	// Sleep waits d or until ctx is done. Tests replace it to avoid real waits.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait. attempt is the attempt that failed.
	OnRetry func(attempt int, class Class, wait time.Duration, err error)
}

// Default returns the policy with the standard budget and waits.
func Default() Policy {
	return Policy{
		Attempts: DefaultAttempts,
		Waits: map[Class]time.Duration{
			ClassRateLimit: DefaultRateLimitWait,
			ClassServer:    DefaultServerWait,
		},
		MaxWait: DefaultMaxWait,
	}
}

// WithOnRetry returns a copy of p with the retry hook replaced.
func (p Policy) WithOnRetry(fn func(attempt int, class Class, wait time.Duration, err error)) Policy {
	p.OnRetry = fn
	return p
}

// DefaultClassify treats NoRetry and context errors as permanent and
// everything else as unknown.
func DefaultClassify(err error) Class {
	switch {
	case err == nil:
		return ClassPermanent
	case IsNoRetry(err):
		return ClassPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassPermanent
	default:
		return ClassUnknown
	}
}

// WaitFor returns the wait before retrying an error of class c.
func (p Policy) WaitFor(c Class, err error) time.Duration {
	if d, ok := HintOf(err); ok {
		max := p.MaxWait
		if max <= 0 {
			max = DefaultMaxWait
		}
		if d > max {
			d = max
		}
		return d
	}
	if c == ClassUnknown {
		c = ClassServer
	}
	if d, ok := p.Waits[c]; ok {
		return d
	}
	switch c {
	case ClassRateLimit:
		return DefaultRateLimitWait
	case ClassServer:
		return DefaultServerWait
	}
	return 0
}

// Do calls op until it succeeds, returns a permanent error, or the attempt
// budget is spent. The final error is wrapped in ErrExhausted in the last
// case. op receives the 1-based attempt number.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	classify := p.Classify
	if classify == nil {
		classify = DefaultClassify
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		class := classify(err)
		if IsNoRetry(err) || !class.Retryable() {
			return err
		}
		if attempt == attempts {
			break
		}
		wait := p.WaitFor(class, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, class, wait, err)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
}

// SleepContext waits d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
