// Package store provides the engine's durable local persistence: workflow
// definitions, schedules, and DAG execution records, backed by BoltDB the
// way the teacher's WorkflowStore is (pure Go, no C dependencies, easy to
// deploy alongside the orchestrator binary).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/twingraph/goflow/internal/dag"
)

var (
	bucketWorkflows  = []byte("workflows")
	bucketExecutions = []byte("executions")
	bucketSchedules  = []byte("schedules")
)

// Store is the BoltDB-backed durable store for workflow definitions,
// schedules, and execution records, with an in-memory read cache for
// workflows (the hot path: every scheduled trigger reads one).
type Store struct {
	db  *bbolt.DB
	mu  sync.RWMutex
	hot map[string]dag.Workflow

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open opens (creating if absent) the BoltDB file at dbPath/goflow.db and
// warms the in-memory workflow cache.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: 1 * time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath+"/goflow.db", 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketWorkflows, bucketExecutions, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("goflow_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("goflow_store_write_ms")

	s := &Store{db: db, hot: make(map[string]dag.Workflow), readLatency: readLatency, writeLatency: writeLatency}
	if err := s.warmCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketWorkflows)
		return bucket.ForEach(func(k, v []byte) error {
			var wf dag.Workflow
			if err := json.Unmarshal(v, &wf); err != nil {
				return nil
			}
			s.hot[wf.Name] = wf
			return nil
		})
	})
}

// PutWorkflow persists a workflow definition keyed by name.
func (s *Store) PutWorkflow(ctx context.Context, wf dag.Workflow) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "put_workflow")))
	}()

	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(wf.Name), data)
	})
	if err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}

	s.hot[wf.Name] = wf
	return nil
}

// GetWorkflow retrieves a workflow by name, hitting the in-memory cache first.
func (s *Store) GetWorkflow(ctx context.Context, name string) (dag.Workflow, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get_workflow")))
	}()

	s.mu.RLock()
	if wf, ok := s.hot[name]; ok {
		s.mu.RUnlock()
		return wf, true, nil
	}
	s.mu.RUnlock()

	var wf dag.Workflow
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketWorkflows).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &wf)
	})
	if err != nil {
		return dag.Workflow{}, false, fmt.Errorf("read workflow: %w", err)
	}
	if found {
		s.mu.Lock()
		s.hot[name] = wf
		s.mu.Unlock()
	}
	return wf, found, nil
}

// ListWorkflows returns every cached workflow.
func (s *Store) ListWorkflows() []dag.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]dag.Workflow, 0, len(s.hot))
	for _, wf := range s.hot {
		out = append(out, wf)
	}
	return out
}

// DeleteWorkflow removes a workflow definition.
func (s *Store) DeleteWorkflow(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Delete([]byte(name))
	}); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	delete(s.hot, name)
	return nil
}

// PutExecution persists a completed or in-flight execution record.
func (s *Store) PutExecution(ctx context.Context, exec *dag.Execution) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "put_execution")))
	}()

	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutions).Put([]byte(exec.ID), data)
	})
}

// GetExecution retrieves an execution record by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*dag.Execution, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get_execution")))
	}()

	var exec dag.Execution
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketExecutions).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &exec)
	})
	if err != nil {
		return nil, false, fmt.Errorf("read execution: %w", err)
	}
	return &exec, found, nil
}

// PutScheduleRaw persists arbitrary schedule configuration bytes keyed by
// workflow name; internal/scheduler owns the encoding.
func (s *Store) PutScheduleRaw(name string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(name), data)
	})
}

// DeleteSchedule removes a persisted schedule.
func (s *Store) DeleteSchedule(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ForEachSchedule invokes fn with the raw bytes of every persisted schedule.
func (s *Store) ForEachSchedule(fn func(name string, data []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}
