// Package retry provides the bounded-attempt policy injected into the agents.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Multiplier > 1 turns the fixed delay into exponential growth capped at MaxDelay.
	Multiplier float64
	MaxDelay   time.Duration
}

// Fixed waits the same delay between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential grows the delay by multiplier up to maxDelay.
func Exponential(attempts int, initial, maxDelay time.Duration, multiplier float64) Policy {
	return Policy{MaxAttempts: attempts, Delay: initial, Multiplier: multiplier, MaxDelay: maxDelay}
}

// NoDelay retries immediately; meant for tests.
func NoDelay(attempts int) Policy {
	return Policy{MaxAttempts: attempts}
}

// Attempts returns the effective attempt budget (at least one).
func (p Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() backoff.BackOff {
	switch {
	case p.Delay <= 0:
		return &backoff.ZeroBackOff{}
	case p.Multiplier > 1:
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.Delay
		b.Multiplier = p.Multiplier
		b.RandomizationFactor = 0
		b.MaxElapsedTime = 0
		if p.MaxDelay > 0 {
			b.MaxInterval = p.MaxDelay
		}
		return b
	default:
		return backoff.NewConstantBackOff(p.Delay)
	}
}

// Op is one attempt. attempt starts at 1; remaining counts attempts left
// after this one.
type Op func(attempt, remaining int) error

// Do runs op until it succeeds, returns a Permanent error, the budget is
// spent, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op Op) error {
	budget := p.Attempts()
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(budget-1)), ctx)
	return backoff.Retry(func() error {
		attempt++
		return op(attempt, budget-attempt)
	}, b)
}

// DoNotify is Do with a callback invoked before each wait.
func (p Policy) DoNotify(ctx context.Context, op Op, notify func(err error, wait time.Duration)) error {
	budget := p.Attempts()
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(budget-1)), ctx)
	return backoff.RetryNotify(func() error {
		attempt++
		return op(attempt, budget-attempt)
	}, b, notify)
}

// Permanent stops retrying and makes Do return err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
