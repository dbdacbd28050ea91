// Package retry is a small deterministic backoff utility. The attempt
// count, base delay and factor are part of the anchoring contract, so they
// are explicit parameters rather than a tuned policy object.
package retry

import (
	"context"
	"errors"
	"time"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do stops retrying immediately. The returned error
// still unwraps to err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn up to attempts times. After a failed attempt i (0-based) it
// sleeps base * factor^i, honouring ctx cancellation. It returns nil on the
// first success, the last error after exhaustion, or immediately on a
// Permanent error or cancelled context.
func Do(ctx context.Context, attempts int, base time.Duration, factor float64, fn func(attempt int) error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(i); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * factor)
	}
	return err
}
