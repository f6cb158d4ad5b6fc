package scheduler

import (
	"context"
	"testing"
	"time"

	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twingraph/goflow/internal/dag"
	"github.com/twingraph/goflow/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	meter := noopmetric.MeterProvider{}.Meter("test")
	s, err := store.Open(t.TempDir(), meter)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func echoWorkflow(name string) dag.Workflow {
	return dag.Workflow{
		Name: name,
		Nodes: []dag.Node{{
			ID:           "a",
			Language:     "shell",
			InlineSource: `echo "{\"value\": 1}"`,
		}},
	}
}

func TestMatchesFilterAcceptsEmptyFilter(t *testing.T) {
	assert.True(t, matchesFilter(map[string]interface{}{"x": 1}, nil))
}

func TestMatchesFilterRequiresEveryKeyToMatch(t *testing.T) {
	filter := map[string]interface{}{"region": "us-east"}
	assert.True(t, matchesFilter(map[string]interface{}{"region": "us-east"}, filter))
	assert.False(t, matchesFilter(map[string]interface{}{"region": "eu-west"}, filter))
	assert.False(t, matchesFilter(map[string]interface{}{}, filter))
}

func TestTriggerFailsQuietlyWhenWorkflowMissing(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, dag.NewRunner(4, nil))
	// trigger has no return value; this just exercises the not-found path
	// without panicking when the named workflow was never stored.
	sched.trigger(context.Background(), &Schedule{WorkflowName: "missing", Enabled: true})
}

func TestAddEventScheduleRegistersHandler(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, dag.NewRunner(4, nil))

	require.NoError(t, sched.Add(context.Background(), &Schedule{
		WorkflowName: "on-upload",
		EventType:    "object.uploaded",
		Enabled:      true,
	}))

	sched.mu.RLock()
	h, ok := sched.eventHandlers["object.uploaded"]
	sched.mu.RUnlock()
	require.True(t, ok)
	assert.Len(t, h.schedules, 1)
}

func TestAddRejectsScheduleWithNeitherCronNorEvent(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, dag.NewRunner(4, nil))

	err := sched.Add(context.Background(), &Schedule{WorkflowName: "nowhere"})
	assert.Error(t, err)
}

func TestRemoveDropsEventSchedule(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, dag.NewRunner(4, nil))

	require.NoError(t, sched.Add(context.Background(), &Schedule{
		WorkflowName: "on-upload",
		EventType:    "object.uploaded",
		Enabled:      true,
	}))
	require.NoError(t, sched.Remove("on-upload"))

	sched.mu.RLock()
	_, ok := sched.eventHandlers["object.uploaded"]
	sched.mu.RUnlock()
	assert.False(t, ok)
}

type signalPublisher struct {
	done chan dag.ExecutionStatus
}

func (p *signalPublisher) PublishNodeStatus(context.Context, string, string, dag.NodeStatus) {}
func (p *signalPublisher) PublishExecutionStatus(_ context.Context, _ string, status dag.ExecutionStatus) {
	if status == dag.ExecCompleted || status == dag.ExecFailed {
		p.done <- status
	}
}

func TestTriggerEventDispatchesMatchingSchedule(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutWorkflow(ctx, echoWorkflow("on-upload-wf")))

	pub := &signalPublisher{done: make(chan dag.ExecutionStatus, 1)}
	sched := New(st, dag.NewRunner(4, pub))
	require.NoError(t, sched.Add(ctx, &Schedule{
		WorkflowName: "on-upload-wf",
		EventType:    "object.uploaded",
		Enabled:      true,
	}))

	sched.TriggerEvent(ctx, "object.uploaded", map[string]interface{}{"bucket": "x"})

	select {
	case status := <-pub.done:
		assert.Equal(t, dag.ExecCompleted, status)
	case <-time.After(2 * time.Second):
		t.Fatal("schedule did not fire within timeout")
	}
}

func TestTriggerEventSkipsNonMatchingFilter(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.PutWorkflow(ctx, echoWorkflow("filtered-wf")))

	pub := &signalPublisher{done: make(chan dag.ExecutionStatus, 1)}
	sched := New(st, dag.NewRunner(4, pub))
	require.NoError(t, sched.Add(ctx, &Schedule{
		WorkflowName: "filtered-wf",
		EventType:    "object.uploaded",
		EventFilter:  map[string]interface{}{"bucket": "only-this-one"},
		Enabled:      true,
	}))

	sched.TriggerEvent(ctx, "object.uploaded", map[string]interface{}{"bucket": "other"})

	select {
	case <-pub.done:
		t.Fatal("schedule fired despite non-matching filter")
	case <-time.After(200 * time.Millisecond):
	}
}
