// Package storeerr defines the destination error taxonomy shared by the
// document and graph writers, and the bounded retry used for transient
// connection failures.
package storeerr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// ConnectionError is a transient failure to reach a destination. Writers
// retry it with backoff; once retries are exhausted it fails the whole
// destination for the run.
type ConnectionError struct {
	Store string
	Op    string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: connection error: %v", e.Store, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ConstraintViolation is a write rejected by the destination for one
// entity. It is never retried; the entity is skipped and logged.
type ConstraintViolation struct {
	Store string
	Key   string
	Err   error
}

func (e *ConstraintViolation) Error() string {
	return fmt.Sprintf("%s: constraint violation for %s: %v", e.Store, e.Key, e.Err)
}

func (e *ConstraintViolation) Unwrap() error { return e.Err }

// IsConnection reports whether err is or wraps a ConnectionError
func IsConnection(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsConstraint reports whether err is or wraps a ConstraintViolation
func IsConstraint(err error) bool {
	var cv *ConstraintViolation
	return errors.As(err, &cv)
}

// RetryPolicy bounds the retries of connection errors
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	// Timeout bounds each attempt. Zero means no per-attempt timeout.
	Timeout time.Duration
	Clock   clock.Clock
}

// DefaultRetryPolicy returns sensible defaults
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Delay:    200 * time.Millisecond,
		MaxDelay: 5 * time.Second,
		Timeout:  30 * time.Second,
		Clock:    clock.WallClock,
	}
}

// Do runs fn until it succeeds, returns a non-connection error, the attempts
// are exhausted or ctx is done. The last error is returned unwrapped from
// the retry bookkeeping so callers can classify it.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error, notify func(err error, attempt int)) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			actx := ctx
			if p.Timeout > 0 {
				var cancel context.CancelFunc
				actx, cancel = context.WithTimeout(ctx, p.Timeout)
				defer cancel()
			}
			return fn(actx)
		},
		IsFatalError: func(err error) bool {
			return !IsConnection(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if notify != nil {
				notify(err, attempt)
			}
		},
		Attempts:    p.Attempts,
		Delay:       p.Delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case err == nil:
		return nil
	case retry.IsAttemptsExceeded(err):
		return retry.LastError(err)
	case retry.IsRetryStopped(err):
		if last := retry.LastError(err); last != nil {
			return last
		}
		return ctx.Err()
	}
	return err
}
