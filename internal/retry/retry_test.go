package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twingraph/goflow/internal/errs"
)

func TestRunSucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Run(context.Background(), DefaultPolicy(), nil, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2, Timeout: time.Second}
	v, err := Run(context.Background(), p, nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRunStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, BackoffFactor: 2, Timeout: time.Second}
	_, err := Run(context.Background(), p, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("always fails")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRunDoesNotRetryNonRetryableErrors(t *testing.T) {
	calls := 0
	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, BackoffFactor: 2, Timeout: time.Second}
	_, err := Run(context.Background(), p, nil, func(ctx context.Context) (int, error) {
		calls++
		return 0, &errs.ValidationError{Message: "bad input"}
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestAttemptHookObservesEachAttempt(t *testing.T) {
	var attempts []int
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, BackoffFactor: 2, Timeout: time.Second}
	calls := 0
	_, _ = Run(context.Background(), p, nil, func(ctx context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("fail")
		}
		return 1, nil
	}, func(attempt int, err error) {
		attempts = append(attempts, attempt)
	})
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDefaultClassifierRejectsConfigurationError(t *testing.T) {
	assert.False(t, DefaultClassifier(&errs.ConfigurationError{Message: "missing key"}))
}

func TestDefaultClassifierHonorsPlatformErrorFlag(t *testing.T) {
	assert.True(t, DefaultClassifier(&errs.PlatformExecutionError{Platform: "container", Retryable: true}))
	assert.False(t, DefaultClassifier(&errs.PlatformExecutionError{Platform: "container", Retryable: false}))
}
