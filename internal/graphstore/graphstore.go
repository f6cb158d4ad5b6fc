// Package graphstore is the property-graph client: a pooled WebSocket
// connection to a single lineage-graph endpoint, exposing vertex/edge
// writes, lookups, traversal, and statistics (spec §4.3). Grounded on the
// teacher's WorkflowStore for the pooling/metrics shape and on
// graph_manager.py for the Gremlin-flavored operation semantics, carried
// over a lightweight JSON wire protocol rather than full Gremlin bytecode.
package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/twingraph/goflow/internal/errs"
)

// Config configures a Store's connection pool.
type Config struct {
	Endpoint          string
	ConnectionPoolSize int
	Timeout           time.Duration
}

// DefaultConfig mirrors graph_manager.py's defaults.
func DefaultConfig() Config {
	return Config{Endpoint: "ws://localhost:8182/gremlin", ConnectionPoolSize: 10, Timeout: 30 * time.Second}
}

// request is the wire envelope sent to the graph endpoint: an operation
// name plus its JSON-encoded arguments.
type request struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args"`
}

// response is the wire envelope returned by the graph endpoint.
type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Store is a pooled WebSocket client to one graph endpoint.
type Store struct {
	endpoint string
	timeout  time.Duration

	pool []*websocket.Conn
	locks []sync.Mutex
	next  uint64

	tracer trace.Tracer
	ops    metric.Int64Counter
}

// Connect dials connection_pool_size sessions against cfg.Endpoint and
// verifies the pool with a trivial query. Any dial or handshake failure
// returns GraphConnectionError (spec §4.3 "connect()").
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectionPoolSize <= 0 {
		cfg.ConnectionPoolSize = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &Store{
		endpoint: cfg.Endpoint,
		timeout:  cfg.Timeout,
		pool:     make([]*websocket.Conn, cfg.ConnectionPoolSize),
		locks:    make([]sync.Mutex, cfg.ConnectionPoolSize),
		tracer:   otel.Tracer("goflow-graphstore"),
	}

	meter := otel.Meter("goflow")
	s.ops, _ = meter.Int64Counter("goflow_graphstore_operations_total")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	for i := 0; i < cfg.ConnectionPoolSize; i++ {
		conn, _, err := dialer.DialContext(ctx, cfg.Endpoint, nil)
		if err != nil {
			s.closePartial(i)
			return nil, &errs.GraphConnectionError{Endpoint: cfg.Endpoint, Cause: err}
		}
		s.pool[i] = conn
	}

	if _, err := s.call(ctx, "ping", struct{}{}); err != nil {
		s.Close()
		return nil, &errs.GraphConnectionError{Endpoint: cfg.Endpoint, Cause: err}
	}

	return s, nil
}

func (s *Store) closePartial(n int) {
	for i := 0; i < n; i++ {
		if s.pool[i] != nil {
			s.pool[i].Close()
		}
	}
}

// Close closes every pooled connection.
func (s *Store) Close() {
	for _, c := range s.pool {
		if c != nil {
			c.Close()
		}
	}
}

// borrow picks a pooled connection round-robin and serializes use of it
// with its slot's mutex, matching "the pool serializes at session
// granularity" (spec §4.3 "Concurrency").
func (s *Store) borrow() (int, *websocket.Conn) {
	n := atomic.AddUint64(&s.next, 1)
	idx := int(n % uint64(len(s.pool)))
	s.locks[idx].Lock()
	return idx, s.pool[idx]
}

func (s *Store) release(idx int) {
	s.locks[idx].Unlock()
}

func (s *Store) call(ctx context.Context, op string, args any) (json.RawMessage, error) {
	idx, conn := s.borrow()
	defer s.release(idx)

	s.ops.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))

	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, &errs.GraphOperationError{Operation: op, Cause: err}
	}

	deadline := time.Now().Add(s.timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(request{Op: op, Args: argBytes}); err != nil {
		return nil, &errs.GraphOperationError{Operation: op, Cause: err}
	}

	conn.SetReadDeadline(deadline)
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, &errs.GraphOperationError{Operation: op, Cause: err}
	}
	if !resp.OK {
		return nil, &errs.GraphOperationError{Operation: op, Cause: fmt.Errorf("%s", resp.Error)}
	}
	return resp.Data, nil
}

// Clear deletes every vertex (edges cascade) and returns the prior count.
func (s *Store) Clear(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "graphstore.clear")
	defer span.End()

	data, err := s.call(ctx, "clear", struct{}{})
	if err != nil {
		return 0, err
	}
	var out struct {
		PriorCount int `json:"prior_count"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, &errs.GraphOperationError{Operation: "clear", Cause: err}
	}
	return out.PriorCount, nil
}

var requiredComponentKeys = []string{"Name", "ExecutionID", "Hash"}

// scalarize re-encodes any non-scalar attribute value as a JSON string
// before it crosses the wire: the property-graph backend, like real
// Gremlin/TinkerPop stores, only accepts scalar property values
// (spec §4.3 operation (2), §6).
func scalarize(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func scalarizeAttributes(attributes map[string]any) map[string]any {
	out := make(map[string]any, len(attributes))
	for k, v := range attributes {
		out[k] = scalarize(v)
	}
	return out
}

// AddComponentExecution writes a Component vertex and one DEPENDS_ON edge
// per parent ID, skipping any parent with no matching vertex rather than
// failing (spec §4.3 "add_component_execution").
func (s *Store) AddComponentExecution(ctx context.Context, attributes map[string]any, parentIDs []string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "graphstore.add_component_execution")
	defer span.End()

	for _, k := range requiredComponentKeys {
		if _, ok := attributes[k]; !ok {
			return "", &errs.ValidationError{Message: fmt.Sprintf("component attributes missing required key %q", k)}
		}
	}

	req := struct {
		Attributes map[string]any `json:"attributes"`
		ParentIDs  []string       `json:"parent_ids"`
	}{Attributes: scalarizeAttributes(attributes), ParentIDs: parentIDs}

	data, err := s.call(ctx, "add_component_execution", req)
	if err != nil {
		return "", err
	}
	var out struct {
		VertexID string `json:"vertex_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &errs.GraphOperationError{Operation: "add_component_execution", Cause: err}
	}
	return out.VertexID, nil
}

// AddPipelineNode writes a Pipeline vertex.
func (s *Store) AddPipelineNode(ctx context.Context, attributes map[string]any) (string, error) {
	ctx, span := s.tracer.Start(ctx, "graphstore.add_pipeline_node")
	defer span.End()

	data, err := s.call(ctx, "add_pipeline_node", map[string]any{"attributes": scalarizeAttributes(attributes)})
	if err != nil {
		return "", err
	}
	var out struct {
		VertexID string `json:"vertex_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &errs.GraphOperationError{Operation: "add_pipeline_node", Cause: err}
	}
	return out.VertexID, nil
}

// GetComponentByHash performs a single-vertex element-map lookup.
func (s *Store) GetComponentByHash(ctx context.Context, hash string) (map[string]any, bool, error) {
	ctx, span := s.tracer.Start(ctx, "graphstore.get_component_by_hash")
	defer span.End()

	data, err := s.call(ctx, "get_component_by_hash", map[string]any{"hash": hash})
	if err != nil {
		return nil, false, err
	}
	var out struct {
		Found bool           `json:"found"`
		Node  map[string]any `json:"node"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, &errs.GraphOperationError{Operation: "get_component_by_hash", Cause: err}
	}
	return out.Node, out.Found, nil
}

// ExecutionGraph is the breadth-limited DEPENDS_ON traversal result.
type ExecutionGraph struct {
	Nodes map[string]map[string]any `json:"nodes"`
	Edges []GraphEdge               `json:"edges"`
}

// GraphEdge is one traversed DEPENDS_ON edge.
type GraphEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Label string `json:"label"`
}

// GetExecutionGraph follows DEPENDS_ON edges outward from start_hash with a
// simple-path discipline to guard against corrupted cyclic data (spec §4.3).
func (s *Store) GetExecutionGraph(ctx context.Context, startHash string, maxDepth int) (ExecutionGraph, error) {
	ctx, span := s.tracer.Start(ctx, "graphstore.get_execution_graph")
	defer span.End()

	data, err := s.call(ctx, "get_execution_graph", map[string]any{"start_hash": startHash, "max_depth": maxDepth})
	if err != nil {
		return ExecutionGraph{}, err
	}
	var out ExecutionGraph
	if err := json.Unmarshal(data, &out); err != nil {
		return ExecutionGraph{}, &errs.GraphOperationError{Operation: "get_execution_graph", Cause: err}
	}
	return out, nil
}

// SearchFilters narrows a Search call; zero-value fields are omitted.
type SearchFilters struct {
	Name            string
	Platform        string
	StartTime       string
	EndTime         string
	ExecutionID     string
}

// Search returns components matching the given filters, capped at limit.
func (s *Store) Search(ctx context.Context, filters SearchFilters, limit int) ([]map[string]any, error) {
	ctx, span := s.tracer.Start(ctx, "graphstore.search")
	defer span.End()

	data, err := s.call(ctx, "search", map[string]any{
		"name":         filters.Name,
		"platform":     filters.Platform,
		"start_time":   filters.StartTime,
		"end_time":     filters.EndTime,
		"execution_id": filters.ExecutionID,
		"limit":        limit,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Records []map[string]any `json:"records"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &errs.GraphOperationError{Operation: "search", Cause: err}
	}
	return out.Records, nil
}

// Stats is the vertex/edge/label/platform census (spec §4.3 "statistics").
type Stats struct {
	TotalVertices int            `json:"total_vertices"`
	TotalEdges    int            `json:"total_edges"`
	Components    int            `json:"components"`
	Pipelines     int            `json:"pipelines"`
	Platforms     map[string]int `json:"platforms"`
}

// Statistics returns vertex/edge counts, per-label counts, and platform
// distribution.
func (s *Store) Statistics(ctx context.Context) (Stats, error) {
	ctx, span := s.tracer.Start(ctx, "graphstore.statistics")
	defer span.End()

	data, err := s.call(ctx, "statistics", struct{}{})
	if err != nil {
		return Stats{}, err
	}
	var out Stats
	if err := json.Unmarshal(data, &out); err != nil {
		return Stats{}, &errs.GraphOperationError{Operation: "statistics", Cause: err}
	}
	return out, nil
}

// Tx groups writes issued during a Transaction call into one commit/rollback
// unit on a single borrowed connection.
type Tx struct {
	store *Store
	idx   int
	conn  *websocket.Conn
}

// call issues one operation on this transaction's dedicated connection.
func (tx *Tx) call(ctx context.Context, op string, args any) (json.RawMessage, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, &errs.GraphOperationError{Operation: op, Cause: err}
	}
	deadline := time.Now().Add(tx.store.timeout)
	tx.conn.SetWriteDeadline(deadline)
	if err := tx.conn.WriteJSON(request{Op: op, Args: argBytes}); err != nil {
		return nil, &errs.GraphOperationError{Operation: op, Cause: err}
	}
	tx.conn.SetReadDeadline(deadline)
	var resp response
	if err := tx.conn.ReadJSON(&resp); err != nil {
		return nil, &errs.GraphOperationError{Operation: op, Cause: err}
	}
	if !resp.OK {
		return nil, &errs.GraphOperationError{Operation: op, Cause: fmt.Errorf("%s", resp.Error)}
	}
	return resp.Data, nil
}

// AddComponentExecution within the transaction's scope.
func (tx *Tx) AddComponentExecution(ctx context.Context, attributes map[string]any, parentIDs []string) (string, error) {
	sorted := append([]string(nil), parentIDs...)
	sort.Strings(sorted)
	data, err := tx.call(ctx, "add_component_execution", map[string]any{"attributes": attributes, "parent_ids": sorted})
	if err != nil {
		return "", err
	}
	var out struct {
		VertexID string `json:"vertex_id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &errs.GraphOperationError{Operation: "add_component_execution", Cause: err}
	}
	return out.VertexID, nil
}

// Transaction runs fn against one borrowed connection, committing on
// success and rolling back if fn returns an error (spec §4.3 "transaction()").
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	ctx, span := s.tracer.Start(ctx, "graphstore.transaction")
	defer span.End()

	idx, conn := s.borrow()
	defer s.release(idx)

	if _, err := s.txCall(ctx, conn, "tx_begin", struct{}{}); err != nil {
		return &errs.GraphOperationError{Operation: "tx_begin", Cause: err}
	}

	tx := &Tx{store: s, idx: idx, conn: conn}
	if err := fn(tx); err != nil {
		s.txCall(ctx, conn, "tx_rollback", struct{}{})
		return err
	}

	if _, err := s.txCall(ctx, conn, "tx_commit", struct{}{}); err != nil {
		return &errs.GraphOperationError{Operation: "tx_commit", Cause: err}
	}
	return nil
}

func (s *Store) txCall(ctx context.Context, conn *websocket.Conn, op string, args any) (json.RawMessage, error) {
	argBytes, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(s.timeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(request{Op: op, Args: argBytes}); err != nil {
		return nil, err
	}
	conn.SetReadDeadline(deadline)
	var resp response
	if err := conn.ReadJSON(&resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Data, nil
}
