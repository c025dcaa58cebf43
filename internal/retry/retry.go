package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Policy bounds calls to an external capability.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Timeout bounds each attempt. A timed-out attempt is abandoned and counts as a failure.
	Timeout time.Duration
	// OnFailure is called after every failed attempt.
	OnFailure func(attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// ExhaustedError is returned when no attempt succeeded.
type ExhaustedError struct {
	Attempts int
	// Permanent is set when the last error was not retryable.
	Permanent bool
	Err       error
}

func (e *ExhaustedError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("failed permanently after %d attempt(s): %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// TimeoutError marks an attempt abandoned after the per-attempt timeout.
type TimeoutError struct {
	After time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("call timed out after %s", e.After)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, or MaxAttempts
// attempts have failed. Delays grow exponentially from BaseDelay up to MaxDelay.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}

	var attempts int32
	var lastErr error
	policy := retrypolicy.NewBuilder[T]().
		WithBackoff(p.BaseDelay, p.MaxDelay).
		WithMaxRetries(p.MaxAttempts - 1).
		WithJitterFactor(0.1).
		HandleIf(func(_ T, err error) bool {
			return err != nil && !IsPermanent(err)
		}).
		Build()

	v, err := failsafe.With[T](policy).WithContext(ctx).Get(func() (T, error) {
		if err := ctx.Err(); err != nil {
			lastErr = Permanent(err)
			return zero, lastErr
		}
		n := int(atomic.AddInt32(&attempts, 1))
		res, err := attempt(ctx, p.Timeout, op)
		if err != nil {
			lastErr = err
			if p.OnFailure != nil {
				p.OnFailure(n, err)
			}
		}
		return res, err
	})
	if err == nil {
		return v, nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return zero, &ExhaustedError{
		Attempts:  int(atomic.LoadInt32(&attempts)),
		Permanent: IsPermanent(lastErr),
		Err:       unwrapPermanent(lastErr),
	}
}

func attempt[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := op(attemptCtx)
		done <- result{v: v, err: err}
	}()
	select {
	case r := <-done:
		if r.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, TimeoutError{After: timeout}
		}
		return r.v, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return zero, Permanent(ctx.Err())
		}
		return zero, TimeoutError{After: timeout}
	}
}

func unwrapPermanent(err error) error {
	var p permanentError
	if errors.As(err, &p) {
		return p.err
	}
	return err
}
