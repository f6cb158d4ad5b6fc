// Package component implements ComponentRunner, the per-invocation
// orchestration for a single declared component (spec §4.4).
package component

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/twingraph/goflow/internal/errs"
	"github.com/twingraph/goflow/internal/graphstore"
	"github.com/twingraph/goflow/internal/hasher"
	"github.com/twingraph/goflow/internal/metrics"
	"github.com/twingraph/goflow/internal/platform"
	"github.com/twingraph/goflow/internal/retry"
	"github.com/twingraph/goflow/internal/serializer"
)

// parentHashKey is the reserved keyword argument popped out of every
// invocation's kwargs and never forwarded to the user function.
const parentHashKey = "parent_hash"

// Func is the user function a component wraps. It receives decoded kwargs
// and returns either a mapping or an arbitrary value projected onto a
// single "result" field.
type Func func(ctx context.Context, kwargs map[string]any) (any, error)

// Spec mirrors the declared component's signature and dispatch target.
type Spec struct {
	Name           string
	Fn             Func
	SourceListing  string
	ParameterOrder []string
	Platform       platform.Name
	PlatformConfig map[string]any
	Language       string
	Retry          retry.Policy
}

// Declare builds a Spec, applying RetryPolicy defaults when unset.
func Declare(name string, fn Func, sourceListing string, parameterOrder []string, plat platform.Name, platformConfig map[string]any) Spec {
	return Spec{
		Name:           name,
		Fn:             fn,
		SourceListing:  sourceListing,
		ParameterOrder: parameterOrder,
		Platform:       plat,
		PlatformConfig: platformConfig,
		Retry:          retry.DefaultPolicy(),
	}
}

// Result is the value ComponentRunner.Run returns to its caller.
type Result struct {
	Outputs   map[string]any
	Hash      hasher.ExecutionID
	Component string
	Timestamp time.Time
}

// Runner dispatches component invocations to the configured platform,
// recording lineage via GraphStore and metrics via the shared registry.
type Runner struct {
	registry *platform.Registry
	graph    *graphstore.Store
	metrics  *metrics.Registry
	tracer   trace.Tracer
}

// NewRunner constructs a ComponentRunner. graph may be nil, in which case
// lineage recording is skipped (useful for tests and dry runs).
func NewRunner(registry *platform.Registry, graph *graphstore.Store, m *metrics.Registry) *Runner {
	return &Runner{registry: registry, graph: graph, metrics: m, tracer: otel.Tracer("goflow-component")}
}

// Run executes one invocation of spec with kwargs, which must include the
// reserved parent_hash keyword if the component has upstream dependencies.
func (r *Runner) Run(ctx context.Context, spec Spec, kwargs map[string]any) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "component.run", trace.WithAttributes(
		attribute.String("component.name", spec.Name),
		attribute.String("component.platform", string(spec.Platform)),
	))
	defer span.End()

	start := time.Now()

	// 1. Extract parents.
	parentIDs, boundKwargs := extractParents(kwargs)

	// 2. Bind and serialize inputs.
	if err := validateSignature(spec, boundKwargs); err != nil {
		r.recordError(ctx, spec, "validation")
		return Result{}, err
	}
	encodedInputs := make(map[string]any, len(boundKwargs))
	for k, v := range boundKwargs {
		encodedInputs[k] = serializer.Encode(v)
	}

	// 3. Generate execution ID.
	executionID, err := hasher.Execution(parentIDs, spec.Name, encodedInputs, start)
	if err != nil {
		r.recordError(ctx, spec, "hash")
		return Result{}, &errs.ValidationError{Message: "derive execution id", Cause: err}
	}
	span.SetAttributes(attribute.String("component.execution_id", string(executionID)))

	// 4. Build context: dispatch context threaded to the driver.
	driver, err := r.registry.Get(spec.Platform)
	if err != nil {
		r.recordError(ctx, spec, "configuration")
		r.record(ctx, spec, executionID, parentIDs, encodedInputs, start, nil, err)
		return Result{}, err
	}
	if err := driver.Validate(spec.PlatformConfig); err != nil {
		r.recordError(ctx, spec, "configuration")
		r.record(ctx, spec, executionID, parentIDs, encodedInputs, start, nil, err)
		return Result{}, err
	}
	dispatchCtx := platform.WithConfig(ctx, spec.PlatformConfig)
	execCtx := platform.ExecContext{ExecutionID: string(executionID), ComponentName: spec.Name}

	// 5. Dispatch under RetryPolicy.
	raw, err := r.dispatch(dispatchCtx, spec, boundKwargs, encodedInputs, execCtx)
	duration := time.Since(start)
	if r.metrics != nil {
		r.metrics.ComponentDuration.Record(ctx, float64(duration.Milliseconds()))
		r.metrics.ComponentInvocations.Add(ctx, 1)
	}

	if err != nil {
		wrapped := &errs.ComponentExecutionError{
			ComponentName: spec.Name,
			ExecutionID:   string(executionID),
			Platform:      string(spec.Platform),
			Cause:         err,
		}
		r.recordError(ctx, spec, "execution")
		r.record(ctx, spec, executionID, parentIDs, encodedInputs, start, nil, wrapped)
		return Result{}, wrapped
	}

	// 6. Project result.
	outputs := projectResult(raw)

	// 7. Record success.
	r.record(ctx, spec, executionID, parentIDs, encodedInputs, start, outputs, nil)

	// 8. Return.
	return Result{Outputs: outputs, Hash: executionID, Component: spec.Name, Timestamp: start}, nil
}

func (r *Runner) dispatch(ctx context.Context, spec Spec, rawKwargs, encodedInputs map[string]any, execCtx platform.ExecContext) (any, error) {
	fn := platform.FunctionDescriptor{Name: spec.Name, SourceListing: spec.SourceListing, ParameterOrder: spec.ParameterOrder}

	call := func(ctx context.Context) (any, error) {
		if spec.Platform == platform.InProcess {
			return spec.Fn(ctx, rawKwargs)
		}
		driver, err := r.registry.Get(spec.Platform)
		if err != nil {
			return nil, err
		}
		return driver.Execute(ctx, fn, encodedInputs, execCtx)
	}

	policy := spec.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}
	return retry.Run(ctx, policy, retry.DefaultClassifier, call, nil)
}

func (r *Runner) record(ctx context.Context, spec Spec, executionID hasher.ExecutionID, parentIDs []string, encodedInputs map[string]any, start time.Time, outputs map[string]any, runErr error) {
	if r.graph == nil {
		return
	}
	attrs := map[string]any{
		"Name":        spec.Name,
		"ExecutionID": string(executionID),
		"Hash":        string(executionID),
		"Platform":    string(spec.Platform),
		"StartTime":   start.UTC().Format(time.RFC3339Nano),
		"Inputs":      encodedInputs,
		"Success":     runErr == nil,
	}
	if runErr != nil {
		attrs["Error"] = runErr.Error()
	} else {
		attrs["Outputs"] = outputs
	}

	if _, err := r.graph.AddComponentExecution(ctx, attrs, parentIDs); err != nil && r.metrics != nil {
		r.metrics.LineageWriteLoss.Add(ctx, 1)
	}
}

func (r *Runner) recordError(ctx context.Context, spec Spec, kind string) {
	if r.metrics == nil {
		return
	}
	r.metrics.ComponentErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", spec.Name),
		attribute.String("platform", string(spec.Platform)),
		attribute.String("error_kind", kind),
	))
}

func extractParents(kwargs map[string]any) ([]string, map[string]any) {
	bound := make(map[string]any, len(kwargs))
	var parents []string
	for k, v := range kwargs {
		if k == parentHashKey {
			switch t := v.(type) {
			case string:
				if t != "" {
					parents = append(parents, t)
				}
			case []string:
				parents = append(parents, t...)
			case []any:
				for _, e := range t {
					if s, ok := e.(string); ok {
						parents = append(parents, s)
					}
				}
			}
			continue
		}
		bound[k] = v
	}
	return parents, bound
}

func validateSignature(spec Spec, kwargs map[string]any) error {
	for _, p := range spec.ParameterOrder {
		if _, ok := kwargs[p]; !ok {
			return &errs.ValidationError{Message: fmt.Sprintf("component %q missing required parameter %q", spec.Name, p)}
		}
	}
	return nil
}

// projectResult implements spec §4.4 step 6: named fields win, a mapping is
// used directly, anything else is wrapped under "result".
func projectResult(raw any) map[string]any {
	if raw == nil {
		return map[string]any{}
	}
	if m, ok := raw.(map[string]any); ok {
		return m
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Struct {
		out := make(map[string]any, rv.NumField())
		rt := rv.Type()
		for i := 0; i < rv.NumField(); i++ {
			field := rt.Field(i)
			if !field.IsExported() {
				continue
			}
			out[field.Name] = rv.Field(i).Interface()
		}
		return out
	}

	return map[string]any{"result": raw}
}
