// Package scheduler dispatches DAG executions on a cron schedule or in
// response to external events, grounded on the teacher's Scheduler but
// retargeted at dag.Runner instead of a bespoke task executor.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/twingraph/goflow/internal/dag"
	"github.com/twingraph/goflow/internal/store"
)

// Schedule defines when and how a workflow is triggered.
type Schedule struct {
	WorkflowName  string                 `json:"workflow_name"`
	CronExpr      string                 `json:"cron_expr,omitempty"`
	EventType     string                 `json:"event_type,omitempty"`
	EventFilter   map[string]interface{} `json:"event_filter,omitempty"`
	Enabled       bool                   `json:"enabled"`
	MaxConcurrent int                    `json:"max_concurrent,omitempty"`
	Timeout       time.Duration          `json:"timeout,omitempty"`
}

type eventHandler struct {
	schedules   []*Schedule
	running     int
	mu          sync.Mutex
	lastTrigger time.Time
}

// Scheduler owns a cron instance plus event-type handler registry, and
// dispatches matching workflows to a dag.Runner.
type Scheduler struct {
	cron          *cron.Cron
	store         *store.Store
	runner        *dag.Runner
	eventHandlers map[string]*eventHandler
	mu            sync.RWMutex

	runs   metric.Int64Counter
	fails  metric.Int64Counter
	events metric.Int64Counter
	tracer trace.Tracer
}

// New constructs a Scheduler backed by store for persistence and runner for
// dispatch.
func New(st *store.Store, runner *dag.Runner) *Scheduler {
	meter := otel.Meter("goflow")
	runs, _ := meter.Int64Counter("goflow_schedule_runs_total")
	fails, _ := meter.Int64Counter("goflow_schedule_failures_total")
	events, _ := meter.Int64Counter("goflow_schedule_event_triggers_total")

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         st,
		runner:        runner,
		eventHandlers: make(map[string]*eventHandler),
		runs:          runs,
		fails:         fails,
		events:        events,
		tracer:        otel.Tracer("goflow-scheduler"),
	}
}

// Start begins the cron loop.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop gracefully stops the cron loop, waiting up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
		return ctx.Err()
	}
}

// Add registers a new schedule, persisting cron-based ones to the store so
// they survive a restart.
func (s *Scheduler) Add(ctx context.Context, sched *Schedule) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add",
		trace.WithAttributes(attribute.String("workflow", sched.WorkflowName)))
	defer span.End()

	switch {
	case sched.CronExpr != "":
		if _, err := s.cron.AddFunc(sched.CronExpr, func() {
			s.trigger(context.Background(), sched)
		}); err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}

		data, err := json.Marshal(sched)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		if err := s.store.PutScheduleRaw(sched.WorkflowName, data); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}

	case sched.EventType != "":
		s.mu.Lock()
		h, ok := s.eventHandlers[sched.EventType]
		if !ok {
			h = &eventHandler{}
			s.eventHandlers[sched.EventType] = h
		}
		h.schedules = append(h.schedules, sched)
		s.mu.Unlock()

	default:
		return fmt.Errorf("schedule for %s needs either cron_expr or event_type", sched.WorkflowName)
	}

	return nil
}

// Remove unregisters every event schedule for a workflow name and deletes its
// persisted schedule. A cron entry already added stays registered in the
// running cron instance.
func (s *Scheduler) Remove(workflowName string) error {
	s.mu.Lock()
	for eventType, h := range s.eventHandlers {
		kept := h.schedules[:0]
		for _, sc := range h.schedules {
			if sc.WorkflowName != workflowName {
				kept = append(kept, sc)
			}
		}
		h.schedules = kept
		if len(h.schedules) == 0 {
			delete(s.eventHandlers, eventType)
		}
	}
	s.mu.Unlock()

	return s.store.DeleteSchedule(workflowName)
}

// TriggerEvent dispatches every enabled, filter-matching schedule registered
// for eventType.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event", trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return
	}

	s.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	for _, sched := range h.schedules {
		if !sched.Enabled || !matchesFilter(data, sched.EventFilter) {
			continue
		}

		h.mu.Lock()
		if sched.MaxConcurrent > 0 && h.running >= sched.MaxConcurrent {
			h.mu.Unlock()
			slog.Warn("schedule at concurrency limit", "workflow", sched.WorkflowName)
			continue
		}
		h.running++
		h.lastTrigger = time.Now()
		h.mu.Unlock()

		go func(sc *Schedule) {
			defer func() {
				h.mu.Lock()
				h.running--
				h.mu.Unlock()
			}()
			triggerCtx := context.Background()
			if sc.Timeout > 0 {
				var cancel context.CancelFunc
				triggerCtx, cancel = context.WithTimeout(triggerCtx, sc.Timeout)
				defer cancel()
			}
			s.trigger(triggerCtx, sc)
		}(sched)
	}
}

func (s *Scheduler) trigger(ctx context.Context, sched *Schedule) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger", trace.WithAttributes(attribute.String("workflow", sched.WorkflowName)))
	defer span.End()

	wf, found, err := s.store.GetWorkflow(ctx, sched.WorkflowName)
	if err != nil || !found {
		slog.Error("scheduled workflow not found", "workflow", sched.WorkflowName, "error", err)
		s.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", sched.WorkflowName)))
		return
	}

	exec, err := s.runner.Execute(ctx, wf)
	if err != nil {
		slog.Error("scheduled execution failed", "workflow", sched.WorkflowName, "error", err)
		s.fails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", sched.WorkflowName)))
	} else {
		s.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", sched.WorkflowName)))
	}

	if exec != nil {
		if putErr := s.store.PutExecution(ctx, exec); putErr != nil {
			slog.Error("persist scheduled execution", "error", putErr)
		}
	}
}

// RestoreAll reloads every persisted cron schedule from the store, intended
// to run once at startup.
func (s *Scheduler) RestoreAll(ctx context.Context) error {
	var restoreErr error
	restored, failed := 0, 0

	err := s.store.ForEachSchedule(func(name string, data []byte) error {
		var sched Schedule
		if err := json.Unmarshal(data, &sched); err != nil {
			failed++
			return nil
		}
		if !sched.Enabled {
			return nil
		}
		if err := s.Add(ctx, &sched); err != nil {
			failed++
			return nil
		}
		restored++
		return nil
	})
	if err != nil {
		restoreErr = fmt.Errorf("restore schedules: %w", err)
	}

	slog.Info("schedules restored", "restored", restored, "failed", failed)
	return restoreErr
}

func matchesFilter(data, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		got, ok := data[k]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
