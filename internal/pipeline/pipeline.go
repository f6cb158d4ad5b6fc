// Package pipeline implements PipelineRunner, which demarcates one
// end-to-end workflow execution around a user composition function (spec
// §4.7).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/twingraph/goflow/internal/errs"
	"github.com/twingraph/goflow/internal/graphstore"
	"github.com/twingraph/goflow/internal/hasher"
	"github.com/twingraph/goflow/internal/metrics"
)

// Mode selects how component calls issued by the composition function are
// scheduled.
type Mode int

const (
	// Sequential runs the composition function on the calling goroutine;
	// component calls block until completion.
	Sequential Mode = iota
	// Distributed gates component calls made through Submit with a
	// semaphore of MaxConcurrency slots; each call runs on the caller's
	// goroutine and Submit returns its result directly. No handles are
	// returned and no dependencies are inferred from parent_hash.
	Distributed
)

// CompositionFunc is the user pipeline body. It receives a Runner it may use
// to dispatch components, directly in Sequential mode or via Submit in
// Distributed mode.
type CompositionFunc func(ctx context.Context, r *Runner) (any, error)

// Config configures one pipeline invocation.
type Config struct {
	Name              string
	Mode              Mode
	MaxConcurrency    int // Distributed mode concurrency limit, default 10
	ClearGraphOnStart bool
}

// Runner executes a CompositionFunc under PipelineRunner semantics and
// exposes Submit for distributed-mode component dispatch.
type Runner struct {
	cfg     Config
	graph   *graphstore.Store
	metrics *metrics.Registry
	tracer  trace.Tracer

	sem chan struct{} // distributed-mode concurrency gate
}

// New constructs a Runner. graph may be nil to skip lineage recording.
func New(cfg Config, graph *graphstore.Store, m *metrics.Registry) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 10
	}
	var sem chan struct{}
	if cfg.Mode == Distributed {
		sem = make(chan struct{}, cfg.MaxConcurrency)
	}
	return &Runner{cfg: cfg, graph: graph, metrics: m, tracer: otel.Tracer("goflow-pipeline"), sem: sem}
}

// Submit dispatches a unit of work under the distributed-mode concurrency
// gate, blocking (backpressure) when the pool is saturated. In Sequential
// mode it simply calls fn inline.
func (r *Runner) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if r.cfg.Mode != Distributed {
		return fn(ctx)
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
	}
	defer func() { <-r.sem }()

	return fn(ctx)
}

// Run executes composition under PipelineRunner semantics: optional graph
// clear, PipelineStart/PipelineEnd bookkeeping vertices, and error wrapping
// (spec §4.7).
func (r *Runner) Run(ctx context.Context, composition CompositionFunc) (any, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", r.cfg.Name),
		attribute.String("pipeline.mode", modeName(r.cfg.Mode)),
	))
	defer span.End()

	start := time.Now()
	if r.metrics != nil {
		r.metrics.PipelineInvocations.Add(ctx, 1)
	}

	if r.cfg.ClearGraphOnStart {
		if r.cfg.Mode != Sequential {
			slog.Warn("clear_on_start ignored outside sequential mode", "pipeline", r.cfg.Name, "mode", modeName(r.cfg.Mode))
		} else if r.graph != nil {
			if _, err := r.graph.Clear(ctx); err != nil {
				return nil, &errs.GraphOperationError{Operation: "clear", Cause: err}
			}
		}
	}

	pipelineID := hasher.Pipeline(r.cfg.Name, start)
	span.SetAttributes(attribute.String("pipeline.id", string(pipelineID)))

	r.writeVertex(ctx, map[string]any{
		"Name":        r.cfg.Name + ":start",
		"ExecutionID": string(pipelineID),
		"Hash":        string(pipelineID),
		"Kind":        "PipelineStart",
		"StartTime":   start.UTC().Format(time.RFC3339Nano),
	})

	result, err := composition(ctx, r)

	if r.metrics != nil {
		r.metrics.PipelineDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}

	endAttrs := map[string]any{
		"Name":        r.cfg.Name + ":end",
		"ExecutionID": string(pipelineID),
		"Hash":        string(pipelineID),
		"Kind":        "PipelineEnd",
		"EndTime":     time.Now().UTC().Format(time.RFC3339Nano),
		"Success":     err == nil,
	}
	if err != nil {
		endAttrs["Error"] = err.Error()
	}
	r.writeVertex(ctx, endAttrs)

	if err != nil {
		return nil, &errs.PipelineExecutionError{PipelineName: r.cfg.Name, Cause: err}
	}
	return result, nil
}

func (r *Runner) writeVertex(ctx context.Context, attrs map[string]any) {
	if r.graph == nil {
		return
	}
	if _, err := r.graph.AddPipelineNode(ctx, attrs); err != nil && r.metrics != nil {
		r.metrics.LineageWriteLoss.Add(ctx, 1)
	}
}

func modeName(m Mode) string {
	switch m {
	case Sequential:
		return "sequential"
	case Distributed:
		return "distributed"
	default:
		return fmt.Sprintf("mode(%d)", m)
	}
}
