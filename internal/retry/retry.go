// Package retry implements the engine's attempt loop: exponential backoff
// with jitter, an overall deadline, and classification of fatal vs.
// retryable failures (spec §4.5).
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/twingraph/goflow/internal/errs"
)

// Policy configures one RetryPolicy.Run invocation.
type Policy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	BackoffFactor  float64
	Timeout        time.Duration // aggregate deadline across all attempts
	MaxAttemptWait time.Duration // cap on per-attempt sleep, default 30s
}

// DefaultPolicy mirrors the teacher's defaultRetry: three attempts, 100ms
// initial wait, 2x backoff, each wait capped at 30 seconds, and a 30-second
// overall deadline.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialDelay:   100 * time.Millisecond,
		BackoffFactor:  2.0,
		Timeout:        30 * time.Second,
		MaxAttemptWait: 30 * time.Second,
	}
}

// Classifier decides whether an error returned by the wrapped function is
// worth retrying. The default classifier treats everything as retryable
// except the engine's own non-retryable error types (spec §4.5, §7).
type Classifier func(error) bool

// DefaultClassifier rejects validation, configuration, and cancellation
// errors, and platform errors not marked retryable; everything else
// (including unclassified errors) is treated as retryable (spec §4.5). There
// is no out-of-memory error kind, so an out-of-memory failure is classified
// like any other error.
func DefaultClassifier(err error) bool {
	var validation *errs.ValidationError
	var config *errs.ConfigurationError
	var cancelled *errs.CancelledError
	if errors.As(err, &validation) || errors.As(err, &config) || errors.As(err, &cancelled) {
		return false
	}
	var platformErr *errs.PlatformExecutionError
	if errors.As(err, &platformErr) {
		return platformErr.Retryable
	}
	return true
}

// Run executes fn under an overall deadline, retrying while the observed
// error is retryable and attempts remain. attemptHook, if non-nil, is called
// once per attempt with the 1-based attempt number and the error (nil on
// success) — used to record metrics or logs without retry knowing about them.
func Run[T any](ctx context.Context, p Policy, classify Classifier, fn func(ctx context.Context) (T, error), attemptHook func(attempt int, err error)) (T, error) {
	var zero T
	if classify == nil {
		classify = DefaultClassifier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	maxWait := p.MaxAttemptWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}

	deadline := ctx
	var cancelDeadline context.CancelFunc
	if p.Timeout > 0 {
		deadline, cancelDeadline = context.WithTimeout(ctx, p.Timeout)
		defer cancelDeadline()
	}

	meter := otel.Meter("goflow")
	attemptCounter, _ := meter.Int64Counter("goflow_retry_attempts_total")

	wait := p.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attemptCounter.Add(deadline, 1)

		v, err := fn(deadline)
		if attemptHook != nil {
			attemptHook(attempt, err)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !classify(err) || attempt == p.MaxAttempts {
			return zero, err
		}

		if wait > maxWait {
			wait = maxWait
		}
		jitter := time.Duration(rand.Int63n(int64(wait)/10 + 1))
		sleep := wait + jitter

		select {
		case <-deadline.Done():
			return zero, &errs.TimeoutError{Message: "retry deadline exceeded", Cause: deadline.Err()}
		case <-time.After(sleep):
		}

		wait = time.Duration(float64(wait) * p.BackoffFactor)
	}

	return zero, lastErr
}
