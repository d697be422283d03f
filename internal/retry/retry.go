// Package retry runs operations under a bounded retry policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how an operation is retried. A zero Multiplier keeps a fixed
// delay between attempts.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// MaxElapsed stops retrying once this much time has passed. Zero means
	// attempts alone bound the loop.
	MaxElapsed time.Duration
	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// Fixed returns a policy with a constant delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// UntilElapsed returns a policy that retries every delay until timeout passes.
func UntilElapsed(timeout, delay time.Duration) Policy {
	return Policy{Delay: delay, MaxElapsed: timeout}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Delay
	eb.RandomizationFactor = 0
	eb.Multiplier = 1
	if p.Multiplier > 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxInterval = p.Delay
	if p.MaxDelay > 0 {
		eb.MaxInterval = p.MaxDelay
	} else if eb.Multiplier > 1 {
		eb.MaxInterval = backoff.DefaultMaxInterval
	}
	eb.MaxElapsedTime = p.MaxElapsed
	eb.Reset()

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	return backoff.WithContext(b, ctx)
}

// Do runs op until it succeeds, the policy is exhausted, or ctx is done.
// notify, when non-nil, is called before each wait with the failed attempt
// number (starting at 1), the error and the delay.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, notify func(attempt int, err error, wait time.Duration)) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = func(err error, wait time.Duration) { notify(attempt, err, wait) }
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), n)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		return errors.Join(err, ctx.Err())
	}
	return err
}
