package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout marks an operation abandoned by WithTimeout. It wraps
// context.DeadlineExceeded.
var ErrTimeout = fmt.Errorf("operation timed out: %w", context.DeadlineExceeded)

// WithTimeout runs fn with a derived context cancelled after timeout and
// returns as soon as either fn finishes or the deadline passes; fn is left to
// observe its cancelled context. A deadline hit returns ErrTimeout, a parent
// cancellation returns the parent's error.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(timeoutCtx)
		done <- result{v, err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && timeoutCtx.Err() != nil {
			return zero, fmt.Errorf("%s: %w (limit: %v)", name, ErrTimeout, timeout)
		}
		return r.val, r.err
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: parent context cancelled: %w", name, ctx.Err())
		}
		return zero, fmt.Errorf("%s: %w (limit: %v)", name, ErrTimeout, timeout)
	}
}

// IsTimeout reports whether err came from a WithTimeout deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
