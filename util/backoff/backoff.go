// Package backoff paces retries of registry and node calls.
package backoff

import (
	"context"
	"time"
)

// Backoff grows a delay geometrically from initialDelay up to maxDelay.
// It is not safe for concurrent use; each retry sequence owns one.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	currentDelay time.Duration
}

// New creates a Backoff. multiplier values below 1 are treated as 1.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	if maxDelay < initialDelay {
		maxDelay = initialDelay
	}
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// Wait sleeps for the current delay, then grows it. Returns ctx.Err() if the
// context ends first, leaving the delay unchanged.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.currentDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		b.advance()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backoff) advance() {
	next := time.Duration(float64(b.currentDelay) * b.multiplier)
	if next > b.maxDelay {
		next = b.maxDelay
	}
	b.currentDelay = next
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
}

// CurrentDelay returns the delay the next Wait will use.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

// Retry calls fn up to attempts times. It stops early when fn succeeds, when
// retryable reports false for the returned error, or when ctx ends. Between
// attempts it waits on b. The last error from fn is returned.
func Retry(ctx context.Context, b *Backoff, attempts int, retryable func(error) bool, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(attempt)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if waitErr := b.Wait(ctx); waitErr != nil {
			return err
		}
	}
	return err
}
