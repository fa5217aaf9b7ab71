// Package poll waits for an eventually consistent condition with a fixed
// interval and an overall deadline.
package poll

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Outcome is how a poll finished.
type Outcome int

const (
	// Converged means the condition reported done before the deadline.
	Converged Outcome = iota
	// TimedOut means the deadline passed without convergence.
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "converged"
	case TimedOut:
		return "timed out"
	default:
		return "unknown"
	}
}

// Result carries the value of the last successful attempt. Value is only
// meaningful when Outcome is Converged.
type Result[T any] struct {
	Outcome  Outcome
	Value    T
	Attempts int
	Elapsed  time.Duration
}

// Converged reports whether the poll converged.
func (r Result[T]) Converged() bool {
	return r.Outcome == Converged
}

// ConditionFunc returns the current value and whether it satisfies the
// wait. A non-nil error aborts polling.
type ConditionFunc[T any] func(ctx context.Context) (T, bool, error)

// Until calls cond immediately and then every interval until it reports
// done, returns an error, or timeout elapses. A timeout is not an error: it
// is reported through Result.Outcome and the zero value is returned. The
// returned error is either the condition's error or the parent context's
// error.
func Until[T any](ctx context.Context, interval, timeout time.Duration, cond ConditionFunc[T]) (Result[T], error) {
	var (
		result  Result[T]
		last    T
		condErr error
	)
	start := time.Now()

	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		result.Attempts++
		value, done, err := cond(ctx)
		if err != nil {
			condErr = err
			return false, err
		}
		if done {
			last = value
		}
		return done, nil
	})
	result.Elapsed = time.Since(start)

	switch {
	case condErr != nil:
		return result, condErr
	case err == nil:
		result.Outcome = Converged
		result.Value = last
		return result, nil
	case ctx.Err() != nil:
		return result, ctx.Err()
	case wait.Interrupted(err):
		result.Outcome = TimedOut
		return result, nil
	default:
		return result, err
	}
}
