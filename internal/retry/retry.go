// Package retry runs an operation again with exponential backoff and jitter
// when it fails transiently. It backs serialization-failure retries of
// database transactions and notification delivery.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// MaxDelay caps a single backoff sleep.
const MaxDelay = 5 * time.Second

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Do calls fn up to maxAttempts times. It stops early when fn succeeds,
// returns a Permanent error, or ctx is cancelled. The delay starts at
// baseDelay and doubles per attempt with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return DoIf(ctx, maxAttempts, baseDelay, func(error) bool { return true }, fn)
}

// DoIf is Do but only retries errors for which retryable returns true.
func DoIf(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if !retryable(err) || attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if delay > MaxDelay {
			delay = MaxDelay
		}
	}
	return err
}

func jittered(d time.Duration) time.Duration {
	jitter := int64(d / 4)
	if jitter <= 0 {
		return d
	}
	return d - time.Duration(jitter) + time.Duration(rand.Int64N(2*jitter+1))
}
