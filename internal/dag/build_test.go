package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGraphRejectsDuplicateNodeID(t *testing.T) {
	wf := Workflow{Nodes: []Node{{ID: "a"}, {ID: "a"}}}
	_, err := buildGraph(wf)
	assert.Error(t, err)
}

func TestBuildGraphRejectsUnknownEdgeTarget(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "a"}},
		Edges: []Edge{{ID: "e1", SourceNode: "a", TargetNode: "missing"}},
	}
	_, err := buildGraph(wf)
	assert.Error(t, err)
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{
			{ID: "e1", SourceNode: "a", TargetNode: "b"},
			{ID: "e2", SourceNode: "b", TargetNode: "a"},
		},
	}
	_, err := buildGraph(wf)
	assert.Error(t, err)
}

func TestTopoOrderRespectsDependencies(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{
			{ID: "e1", SourceNode: "a", TargetNode: "b"},
			{ID: "e2", SourceNode: "b", TargetNode: "c"},
		},
	}
	g, err := buildGraph(wf)
	require.NoError(t, err)

	order := topoOrder(g)
	require.Len(t, order, 3)

	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
}

func TestTopoOrderHandlesDiamond(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Edges: []Edge{
			{ID: "e1", SourceNode: "a", TargetNode: "b"},
			{ID: "e2", SourceNode: "a", TargetNode: "c"},
			{ID: "e3", SourceNode: "b", TargetNode: "d"},
			{ID: "e4", SourceNode: "c", TargetNode: "d"},
		},
	}
	g, err := buildGraph(wf)
	require.NoError(t, err)

	order := topoOrder(g)
	require.Len(t, order, 4)
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["d"])
	assert.Less(t, pos["b"], pos["d"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestGatherInputsForwardsEntireMappingWithoutPorts(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{{ID: "e1", SourceNode: "a", TargetNode: "b"}},
	}
	g, err := buildGraph(wf)
	require.NoError(t, err)

	exec := &Execution{Results: map[string]*NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Outputs: map[string]any{"x": 1, "y": 2}},
	}}

	inputs, err := gatherInputs(g.nodes["b"], exec, g)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, inputs)
}

func TestGatherInputsWiresNamedPort(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{{ID: "e1", SourceNode: "a", TargetNode: "b", SourcePort: "x", TargetPort: "in"}},
	}
	g, err := buildGraph(wf)
	require.NoError(t, err)

	exec := &Execution{Results: map[string]*NodeResult{
		"a": {NodeID: "a", Status: NodeCompleted, Outputs: map[string]any{"x": 42}},
	}}

	inputs, err := gatherInputs(g.nodes["b"], exec, g)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"in": 42}, inputs)
}

func TestGatherInputsFailsOnMissingSourceOutput(t *testing.T) {
	wf := Workflow{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{{ID: "e1", SourceNode: "a", TargetNode: "b"}},
	}
	g, err := buildGraph(wf)
	require.NoError(t, err)

	exec := &Execution{Results: map[string]*NodeResult{}}
	_, err = gatherInputs(g.nodes["b"], exec, g)
	assert.Error(t, err)
}
