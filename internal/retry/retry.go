// Package retry runs an operation with bounded attempts and exponential
// backoff between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// ErrExhausted is wrapped into the error returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retried operation. MaxAttempts counts the first try.
type Policy struct {
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Jitter      bool
}

// Result carries the value of the successful attempt, or the last error.
type Result[T any] struct {
	Value    T
	Attempts int
	Err      error
}

// OK reports whether an attempt succeeded.
func (r Result[T]) OK() bool { return r.Err == nil }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the context is
// done or the policy runs out of attempts. attempt starts at 1.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	attempts := max(1, p.MaxAttempts)
	b := &backoff.Backoff{
		Min:    p.MinBackoff,
		Max:    max(p.MinBackoff, p.MaxBackoff),
		Factor: 2,
		Jitter: p.Jitter,
	}

	var res Result[T]
	for i := 1; i <= attempts; i++ {
		res.Attempts = i
		v, err := fn(ctx, i)
		if err == nil {
			res.Value, res.Err = v, nil
			return res
		}
		res.Err = err
		if IsPermanent(err) {
			return res
		}
		if ctx.Err() != nil {
			res.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
			return res
		}
		if i == attempts {
			break
		}

		wait := b.Duration()
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.Err = fmt.Errorf("%w: %w", ctx.Err(), err)
			return res
		case <-timer.C:
		}
	}
	res.Err = fmt.Errorf("%w after %d attempts: %w", ErrExhausted, res.Attempts, res.Err)
	return res
}
