package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/twingraph/goflow/internal/errs"
	"github.com/twingraph/goflow/internal/retry"
)

// StatusPublisher receives node and execution status transitions for
// external subscribers (spec §4.8 step 5, §6). internal/events implements
// this over NATS; tests can supply a stub.
type StatusPublisher interface {
	PublishNodeStatus(ctx context.Context, executionID, nodeID string, status NodeStatus)
	PublishExecutionStatus(ctx context.Context, executionID string, status ExecutionStatus)
}

type noopPublisher struct{}

func (noopPublisher) PublishNodeStatus(context.Context, string, string, NodeStatus)    {}
func (noopPublisher) PublishExecutionStatus(context.Context, string, ExecutionStatus) {}

// Runner executes Workflow values as DAGs: a fixed-size worker pool runs each
// node as soon as all of its parents have finished, wiring each node's inputs
// from its inbound edges and dispatching through the node's LanguageDriver
// (spec §4.8).
type Runner struct {
	maxWorkers int
	publisher  StatusPublisher
	drivers    map[string]*LanguageDriver
	driversMu  sync.Mutex
	retryPolicy retry.Policy

	nodeDuration metric.Float64Histogram
	nodeFailures metric.Int64Counter
	tracer       trace.Tracer
}

// NewRunner constructs a Runner with the given worker-pool width. A nil
// publisher is replaced with a no-op (useful for tests and for standalone
// use without NATS configured).
func NewRunner(maxWorkers int, publisher StatusPublisher) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}

	meter := otel.Meter("goflow")
	nodeDuration, _ := meter.Float64Histogram("goflow_dag_node_duration_ms")
	nodeFailures, _ := meter.Int64Counter("goflow_dag_node_failures_total")

	return &Runner{
		maxWorkers:   maxWorkers,
		publisher:    publisher,
		drivers:      make(map[string]*LanguageDriver),
		retryPolicy:  retry.DefaultPolicy(),
		nodeDuration: nodeDuration,
		nodeFailures: nodeFailures,
		tracer:       otel.Tracer("goflow-dag"),
	}
}

func (r *Runner) driverFor(language string) (*LanguageDriver, error) {
	r.driversMu.Lock()
	defer r.driversMu.Unlock()
	if d, ok := r.drivers[language]; ok {
		return d, nil
	}
	d, err := NewLanguageDriver(language)
	if err != nil {
		return nil, err
	}
	r.drivers[language] = d
	return d, nil
}

// Execute runs wf to completion, returning the populated Execution record.
// A node failure halts scheduling of everything reachable from it while
// already-running siblings continue (spec §4.8 "Failure semantics").
func (r *Runner) Execute(ctx context.Context, wf Workflow) (*Execution, error) {
	ctx, span := r.tracer.Start(ctx, "dag.execute", trace.WithAttributes(attribute.String("workflow", wf.Name)))
	defer span.End()

	g, err := buildGraph(wf)
	if err != nil {
		return nil, err
	}
	order := topoOrder(g)
	if len(order) != len(g.nodes) {
		return nil, &errs.ValidationError{Message: "workflow graph is not fully orderable (residual cycle)"}
	}

	exec := &Execution{
		ID:        uuid.NewString(),
		Workflow:  wf.Name,
		StartTime: time.Now(),
		Status:    ExecRunning,
		Results:   make(map[string]*NodeResult, len(g.nodes)),
	}
	r.publisher.PublishExecutionStatus(ctx, exec.ID, ExecRunning)

	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.parents[id])
	}

	var mu sync.Mutex
	halted := make(map[string]bool)
	ready := make(chan string, len(g.nodes))
	for _, id := range g.order {
		if inDegree[id] == 0 {
			ready <- id
		}
	}

	type outcome struct {
		id  string
		res *NodeResult
		err error
	}
	results := make(chan outcome, len(g.nodes))

	var wg sync.WaitGroup
	for i := 0; i < r.maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-ready:
					if !ok {
						return
					}
					res, err := r.runNode(ctx, g.nodes[id], exec, g)
					results <- outcome{id: id, res: res, err: err}
				}
			}
		}()
	}

	remaining := len(g.nodes)
	var firstErr error

	go func() {
		for remaining > 0 {
			select {
			case <-ctx.Done():
				remaining = 0
			case o := <-results:
				remaining--
				mu.Lock()
				exec.Results[o.id] = o.res
				if o.err != nil {
					if firstErr == nil {
						firstErr = o.err
					}
					markDownstreamHalted(g, o.id, halted)
				}
				queue := []string{o.id}
				for len(queue) > 0 {
					cur := queue[0]
					queue = queue[1:]
					for _, child := range g.children[cur] {
						inDegree[child]--
						if inDegree[child] == 0 {
							if halted[child] {
								exec.Results[child] = &NodeResult{NodeID: child, Status: NodeSkipped, StartTime: time.Now(), EndTime: time.Now()}
								r.publisher.PublishNodeStatus(ctx, exec.ID, child, NodeSkipped)
								remaining--
								markDownstreamHalted(g, child, halted)
								queue = append(queue, child)
							} else {
								ready <- child
							}
						}
					}
				}
				mu.Unlock()
			}
		}
		close(ready)
	}()

	wg.Wait()

	exec.EndTime = time.Now()
	if firstErr != nil {
		exec.Status = ExecFailed
		r.publisher.PublishExecutionStatus(ctx, exec.ID, ExecFailed)
		return exec, &errs.PipelineExecutionError{PipelineName: wf.Name, Cause: firstErr}
	}
	exec.Status = ExecCompleted
	r.publisher.PublishExecutionStatus(ctx, exec.ID, ExecCompleted)
	return exec, nil
}

func markDownstreamHalted(g *graph, id string, halted map[string]bool) {
	for _, child := range g.children[id] {
		if !halted[child] {
			halted[child] = true
			markDownstreamHalted(g, child, halted)
		}
	}
}

// runNode gathers a node's inputs from its inbound edges, dispatches through
// the node's LanguageDriver under the engine's retry policy, and records the
// status transitions.
func (r *Runner) runNode(ctx context.Context, node Node, exec *Execution, g *graph) (*NodeResult, error) {
	r.publisher.PublishNodeStatus(ctx, exec.ID, node.ID, NodeRunning)

	inputs, err := gatherInputs(node, exec, g)
	if err != nil {
		r.publisher.PublishNodeStatus(ctx, exec.ID, node.ID, NodeFailed)
		return &NodeResult{NodeID: node.ID, Status: NodeFailed, StartTime: time.Now(), EndTime: time.Now(), Error: err.Error()}, err
	}

	driver, err := r.driverFor(node.Language)
	if err != nil {
		r.publisher.PublishNodeStatus(ctx, exec.ID, node.ID, NodeFailed)
		return &NodeResult{NodeID: node.ID, Status: NodeFailed, StartTime: time.Now(), EndTime: time.Now(), Error: err.Error()}, err
	}

	policy := r.retryPolicy
	if node.Config.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = node.Config.Retry.MaxAttempts
	}
	if node.Config.Retry.InitialDelay > 0 {
		policy.InitialDelay = node.Config.Retry.InitialDelay
	}
	if node.Config.Retry.BackoffFactor > 0 {
		policy.BackoffFactor = node.Config.Retry.BackoffFactor
	}

	start := time.Now()
	attempts := 0
	outputs, err := retry.Run(ctx, policy, nil, func(ctx context.Context) (map[string]any, error) {
		return driver.Run(ctx, node, inputs)
	}, func(attempt int, _ error) {
		attempts = attempt
	})

	result := &NodeResult{NodeID: node.ID, StartTime: start, EndTime: time.Now(), Attempts: attempts}
	r.nodeDuration.Record(ctx, float64(result.EndTime.Sub(start).Milliseconds()),
		metric.WithAttributes(attribute.String("node", node.ID), attribute.String("language", node.Language)))

	if err != nil {
		result.Status = NodeFailed
		result.Error = err.Error()
		r.nodeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("node", node.ID)))
		r.publisher.PublishNodeStatus(ctx, exec.ID, node.ID, NodeFailed)
		return result, err
	}

	result.Status = NodeCompleted
	result.Outputs = outputs
	r.publisher.PublishNodeStatus(ctx, exec.ID, node.ID, NodeCompleted)
	return result, nil
}

// gatherInputs walks a node's inbound edges: a port-to-port edge contributes
// one named value, a portless edge forwards the entire source output mapping
// (spec §4.8 step 3). A missing source output fails the node.
func gatherInputs(node Node, exec *Execution, g *graph) (map[string]any, error) {
	inputs := make(map[string]any)
	for _, edge := range g.parents[node.ID] {
		sourceResult, ok := exec.Results[edge.SourceNode]
		if !ok || sourceResult.Status != NodeCompleted {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("node %s input unavailable: source %s has no completed output", node.ID, edge.SourceNode)}
		}

		if edge.SourcePort == "" && edge.TargetPort == "" {
			for k, v := range sourceResult.Outputs {
				inputs[k] = v
			}
			continue
		}

		v, ok := sourceResult.Outputs[edge.SourcePort]
		if !ok {
			return nil, &errs.ValidationError{Message: fmt.Sprintf("node %s input unavailable: source port %s.%s missing", node.ID, edge.SourceNode, edge.SourcePort)}
		}
		inputs[edge.TargetPort] = v
	}
	return inputs, nil
}
