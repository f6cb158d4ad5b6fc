package dag

import (
	"fmt"

	"github.com/twingraph/goflow/internal/errs"
)

type graph struct {
	nodes    map[string]Node
	order    []string // declaration order, for deterministic iteration
	children map[string][]string
	parents  map[string][]Edge // target node ID -> inbound edges
}

func buildGraph(wf Workflow) (*graph, error) {
	g := &graph{
		nodes:    make(map[string]Node, len(wf.Nodes)),
		children: make(map[string][]string),
		parents:  make(map[string][]Edge),
	}

	for _, n := range wf.Nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("duplicate node id: %s", n.ID)}
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	for _, e := range wf.Edges {
		if _, ok := g.nodes[e.SourceNode]; !ok {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("edge %s references unknown source node %s", e.ID, e.SourceNode)}
		}
		if _, ok := g.nodes[e.TargetNode]; !ok {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("edge %s references unknown target node %s", e.ID, e.TargetNode)}
		}
		g.children[e.SourceNode] = append(g.children[e.SourceNode], e.TargetNode)
		g.parents[e.TargetNode] = append(g.parents[e.TargetNode], e)
	}

	if err := checkAcyclic(g); err != nil {
		return nil, err
	}

	return g, nil
}

const (
	colorWhite = 0
	colorGray  = 1
	colorBlack = 2
)

// checkAcyclic performs depth-first search colouring: a gray node reached
// again (a back-edge) means a cycle (spec §4.8 step 1).
func checkAcyclic(g *graph) error {
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = colorGray
		for _, child := range g.children[id] {
			switch color[child] {
			case colorGray:
				return &errs.ValidationError{Message: fmt.Sprintf("cycle detected at node %s", child)}
			case colorWhite:
				if err := visit(child); err != nil {
					return err
				}
			}
		}
		color[id] = colorBlack
		return nil
	}

	for _, id := range g.order {
		if color[id] == colorWhite {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoOrder produces one valid topological ordering via Kahn's algorithm,
// breaking ties by declaration order for determinism.
func topoOrder(g *graph) []string {
	inDegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		inDegree[id] = len(g.parents[id])
	}

	var ready []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var out []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)

		for _, child := range g.children[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return out
}
