package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twingraph/goflow/internal/errs"
)

func TestRunPropagatesCompositionReturnValue(t *testing.T) {
	r := New(Config{Name: "demo", Mode: Sequential}, nil, nil)

	result, err := r.Run(context.Background(), func(ctx context.Context, r *Runner) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestRunWrapsCompositionErrorAsPipelineExecutionError(t *testing.T) {
	r := New(Config{Name: "demo", Mode: Sequential}, nil, nil)

	_, err := r.Run(context.Background(), func(ctx context.Context, r *Runner) (any, error) {
		return nil, errors.New("component blew up")
	})

	var pipelineErr *errs.PipelineExecutionError
	require.ErrorAs(t, err, &pipelineErr)
	assert.Equal(t, "demo", pipelineErr.PipelineName)
}

func TestClearOnStartSkippedOutsideSequentialMode(t *testing.T) {
	r := New(Config{Name: "demo", Mode: Distributed, ClearGraphOnStart: true}, nil, nil)

	ran := false
	result, err := r.Run(context.Background(), func(ctx context.Context, r *Runner) (any, error) {
		ran = true
		return "ok", nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "ok", result)
}

func TestSubmitRunsInlineInSequentialMode(t *testing.T) {
	r := New(Config{Name: "demo", Mode: Sequential}, nil, nil)

	out, err := r.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestSubmitEnforcesConcurrencyCapInDistributedMode(t *testing.T) {
	r := New(Config{Name: "demo", Mode: Distributed, MaxConcurrency: 2}, nil, nil)

	var inFlight int32
	var maxObserved int32
	done := make(chan struct{})

	for i := 0; i < 6; i++ {
		go func() {
			r.Submit(context.Background(), func(ctx context.Context) (any, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					cur := atomic.LoadInt32(&maxObserved)
					if n <= cur || atomic.CompareAndSwapInt32(&maxObserved, cur, n) {
						break
					}
				}
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}

	assert.LessOrEqual(t, int(atomic.LoadInt32(&maxObserved)), 2)
}
