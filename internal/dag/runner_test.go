package dag

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twingraph/goflow/internal/errs"
)

// shellNode builds a node whose inline source prints a JSON object on
// stdout, mirroring the shape every LanguageDriver expects back.
func shellNode(id string, deps ...string) Node {
	n := Node{
		ID:       id,
		Language: "shell",
		InlineSource: `echo "{\"value\": \"` + id + `\"}"`,
	}
	_ = deps
	return n
}

func edgesFrom(pairs ...[2]string) []Edge {
	edges := make([]Edge, 0, len(pairs))
	for i, p := range pairs {
		edges = append(edges, Edge{ID: "e" + string(rune('0'+i)), SourceNode: p[0], TargetNode: p[1]})
	}
	return edges
}

func TestExecuteRunsSimpleWorkflow(t *testing.T) {
	wf := Workflow{
		Name:  "t",
		Nodes: []Node{shellNode("a"), shellNode("b")},
		Edges: edgesFrom([2]string{"a", "b"}),
	}

	r := NewRunner(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec, err := r.Execute(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)
	assert.Equal(t, NodeCompleted, exec.Results["a"].Status)
	assert.Equal(t, NodeCompleted, exec.Results["b"].Status)
	assert.Equal(t, "a", exec.Results["a"].Outputs["value"])
}

func TestExecuteRejectsCycle(t *testing.T) {
	wf := Workflow{
		Name:  "cycle",
		Nodes: []Node{shellNode("a"), shellNode("b")},
		Edges: edgesFrom([2]string{"a", "b"}, [2]string{"b", "a"}),
	}

	r := NewRunner(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.Execute(ctx, wf)
	require.Error(t, err)
	var validation *errs.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestExecuteFansOutInParallel(t *testing.T) {
	sleepy := func(id string) Node {
		n := shellNode(id)
		n.InlineSource = `sleep 0.2; echo "{\"value\": \"` + id + `\"}"`
		return n
	}

	wf := Workflow{
		Name: "fan",
		Nodes: []Node{
			shellNode("a"),
			sleepy("b"),
			sleepy("c"),
			sleepy("d"),
		},
		Edges: edgesFrom([2]string{"a", "b"}, [2]string{"a", "c"}, [2]string{"a", "d"}),
	}

	r := NewRunner(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	exec, err := r.Execute(ctx, wf)
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, exec.Status)

	// three 200ms siblings run concurrently, not 600ms sequentially.
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestExecuteSkipsDownstreamOfFailedNode(t *testing.T) {
	failing := shellNode("a")
	failing.InlineSource = "exit 1"
	failing.Config.Retry = RetryConfig{MaxAttempts: 1}

	wf := Workflow{
		Name:  "halt",
		Nodes: []Node{failing, shellNode("b")},
		Edges: edgesFrom([2]string{"a", "b"}),
	}

	r := NewRunner(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec, err := r.Execute(ctx, wf)
	require.Error(t, err)
	assert.Equal(t, ExecFailed, exec.Status)
	assert.Equal(t, NodeFailed, exec.Results["a"].Status)
	assert.Equal(t, NodeSkipped, exec.Results["b"].Status)
}
