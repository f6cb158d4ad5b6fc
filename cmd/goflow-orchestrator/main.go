package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/twingraph/goflow/internal/cancellation"
	"github.com/twingraph/goflow/internal/config"
	"github.com/twingraph/goflow/internal/dag"
	"github.com/twingraph/goflow/internal/events"
	"github.com/twingraph/goflow/internal/graphstore"
	"github.com/twingraph/goflow/internal/logging"
	"github.com/twingraph/goflow/internal/metrics"
	"github.com/twingraph/goflow/internal/otelinit"
	"github.com/twingraph/goflow/internal/scheduler"
	"github.com/twingraph/goflow/internal/store"
)

func main() {
	service := "goflow-orchestrator"
	logging.Init(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _, common := otelinit.InitMetrics(ctx, service)

	resolver := config.NewResolver(config.DefaultDefaults())
	resolved := resolver.Resolve(config.Decorator{})

	dbPath := config.GetEnvDefault("GOFLOW_DB_PATH", "./data")
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		slog.Error("create db directory", "error", err)
		os.Exit(1)
	}

	meter := otel.GetMeterProvider().Meter("goflow")
	st, err := store.Open(dbPath, meter)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	metricsRegistry := metrics.New(meter, common)

	var graph *graphstore.Store
	graphCfg := graphstore.DefaultConfig()
	graphCfg.Endpoint = resolved.GraphEndpoint
	graphCfg.Timeout = resolved.GraphTimeout
	graph, err = graphstore.Connect(ctx, graphCfg)
	if err != nil {
		slog.Warn("graphstore unavailable at startup, lineage recording disabled", "error", err)
		graph = nil
	} else {
		defer graph.Close()
	}

	natsURL := config.GetEnvDefault("GOFLOW_NATS_URL", "")
	publisher, closeEvents, err := events.Connect(natsURL, "goflow")
	if err != nil {
		slog.Warn("event publisher degraded to log-only", "error", err)
	}
	defer closeEvents()

	maxWorkers := 10
	runner := dag.NewRunner(maxWorkers, publisher)

	sched := scheduler.New(st, runner)
	if err := sched.RestoreAll(ctx); err != nil {
		slog.Warn("restore schedules", "error", err)
	}
	sched.Start()
	defer sched.Stop(context.Background())

	cancelManager := cancellation.NewManager()
	go cancelManager.RunCleanupLoop(ctx, 5*time.Minute, time.Hour)

	srv := newServer(st, runner, cancelManager, metricsRegistry)

	httpSrv := &http.Server{Addr: httpAddr(), Handler: srv.routes()}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("goflow-orchestrator started", "addr", httpAddr())
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

func httpAddr() string {
	return ":" + config.GetEnvDefault("GOFLOW_HTTP_PORT", "8080")
}

// server bundles the handlers exposed over HTTP: workflow CRUD, execution
// dispatch/lookup/cancel, health, and the Prometheus metrics bridge.
type server struct {
	store   *store.Store
	runner  *dag.Runner
	cancels *cancellation.Manager
	metrics *metrics.Registry
}

func newServer(st *store.Store, runner *dag.Runner, cancels *cancellation.Manager, m *metrics.Registry) *server {
	return &server{store: st, runner: runner, cancels: cancels, metrics: m}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/v1/executions", s.handleCreateExecution)
	mux.HandleFunc("/v1/executions/", s.handleExecutionByID)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var wf dag.Workflow
		if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		if wf.Name == "" {
			http.Error(w, "name required", http.StatusBadRequest)
			return
		}
		if err := s.store.PutWorkflow(r.Context(), wf); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(wf)

	case http.MethodGet:
		name := r.URL.Query().Get("name")
		if name == "" {
			_ = json.NewEncoder(w).Encode(s.store.ListWorkflows())
			return
		}
		wf, ok, err := s.store.GetWorkflow(r.Context(), name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(wf)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createExecutionRequest struct {
	Workflow string `json:"workflow"`
}

func (s *server) handleCreateExecution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	wf, ok, err := s.store.GetWorkflow(r.Context(), req.Workflow)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "workflow not found", http.StatusNotFound)
		return
	}

	execCtx, cancel := context.WithCancel(context.Background())
	executionID := uuid.NewString()
	s.cancels.Register(executionID, "dag", cancel)

	go func() {
		defer cancel()
		exec, err := s.runner.Execute(execCtx, wf)
		status := cancellation.StatusCompleted
		if err != nil {
			status = cancellation.StatusFailed
			slog.Error("workflow execution failed", "workflow", wf.Name, "execution_id", executionID, "error", err)
		}
		s.cancels.Complete(executionID, status)
		if exec != nil {
			exec.ID = executionID
			if err := s.store.PutExecution(context.Background(), exec); err != nil {
				slog.Error("persist execution", "execution_id", executionID, "error", err)
			}
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"execution_id": executionID, "workflow": wf.Name})
}

func (s *server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitExecutionPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		exec, ok, err := s.store.GetExecution(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(exec)

	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.cancels.Cancel(r.Context(), id, "requested via API"); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("cancelled"))

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// splitExecutionPath parses "/v1/executions/{id}" and "/v1/executions/{id}/cancel".
func splitExecutionPath(p string) (id, action string, ok bool) {
	const prefix = "/v1/executions/"
	if len(p) <= len(prefix) || p[:len(prefix)] != prefix {
		return "", "", false
	}
	rest := p[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:], true
		}
	}
	return rest, "", true
}
