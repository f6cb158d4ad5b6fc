// Package cancellation tracks in-flight executions and lets an operator
// cancel one by ID, independent of whether it's a component, pipeline, or
// DAG run (spec §5).
package cancellation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/twingraph/goflow/internal/errs"
)

// Status is the lifecycle state of a tracked execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Tracked wraps a cancel function and bookkeeping for one execution.
type Tracked struct {
	Kind        string // "component", "pipeline", or "dag"
	Cancel      context.CancelFunc
	Reason      string
	CancelledAt time.Time
	EndedAt     time.Time
	Status      Status
}

// Manager tracks every execution that currently holds a cancellable context,
// grounded on the teacher's CancellationManager but keyed across all three
// execution kinds instead of only workflows.
type Manager struct {
	mu       sync.RWMutex
	tracked  map[string]*Tracked
	cancels  metric.Int64Counter
	tracer   trace.Tracer
}

// NewManager constructs a Manager and registers its otel instrument.
func NewManager() *Manager {
	meter := otel.Meter("goflow")
	cancels, _ := meter.Int64Counter("goflow_cancellations_total")
	return &Manager{
		tracked: make(map[string]*Tracked),
		cancels: cancels,
		tracer:  otel.Tracer("goflow-cancellation"),
	}
}

// Register begins tracking id as a running execution of the given kind.
func (m *Manager) Register(id, kind string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[id] = &Tracked{Kind: kind, Cancel: cancel, Status: StatusRunning}
}

// Cancel triggers the execution's cancel function and records the reason.
// Returns a plain (untyped) error when the execution isn't tracked or is no
// longer running; success returns nil.
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	ctx, span := m.tracer.Start(ctx, "cancellation.cancel",
		trace.WithAttributes(attribute.String("execution_id", id), attribute.String("reason", reason)))
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tracked[id]
	if !ok {
		return fmt.Errorf("execution not tracked or already finished: %s", id)
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("execution %s is not running (status: %s)", id, t.Status)
	}

	t.Cancel()
	t.Reason = reason
	t.CancelledAt = time.Now()
	t.EndedAt = t.CancelledAt
	t.Status = StatusCancelled

	m.cancels.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", t.Kind),
		attribute.String("reason", reason),
	))
	span.AddEvent("cancelled")

	return nil
}

// Complete marks a tracked execution with its terminal status.
func (m *Manager) Complete(id string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracked[id]; ok {
		t.Status = status
		t.EndedAt = time.Now()
	}
}

// Status returns the tracked status for id, if any.
func (m *Manager) Status(id string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tracked[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

// Active returns the IDs of every execution currently running.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tracked))
	for id, t := range m.tracked {
		if t.Status == StatusRunning {
			out = append(out, id)
		}
	}
	return out
}

// Cleanup evicts finished entries older than retention, returning how many
// were removed.
func (m *Manager) Cleanup(retention time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for id, t := range m.tracked {
		if t.Status == StatusRunning {
			continue
		}
		if !t.EndedAt.IsZero() && now.Sub(t.EndedAt) > retention {
			delete(m.tracked, id)
			cleaned++
		}
	}
	return cleaned
}

// RunCleanupLoop periodically evicts finished entries until ctx is done.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup(retention)
		}
	}
}

// CancelAll cancels every running execution, used on graceful shutdown.
func (m *Manager) CancelAll(ctx context.Context, reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, t := range m.tracked {
		if t.Status == StatusRunning {
			t.Cancel()
			t.Reason = reason
			t.CancelledAt = time.Now()
			t.EndedAt = t.CancelledAt
			t.Status = StatusCancelled
			m.cancels.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", t.Kind),
				attribute.String("reason", reason),
			))
			n++
		}
		delete(m.tracked, id)
	}
	return n
}

// CancelledErr builds the engine's CancelledError for a given reason.
func CancelledErr(reason string) error {
	return &errs.CancelledError{Reason: reason}
}
