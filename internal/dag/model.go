// Package dag executes externally-authored workflows expressed as a
// DagModel: nodes dispatched through a LanguageDriver in topological order,
// wired together by edges carrying port-to-port data (spec §4.8/§4.9).
package dag

import "time"

// Workflow is the external DagModel representation.
type Workflow struct {
	ID          string
	Name        string
	Description string
	Nodes       []Node
	Edges       []Edge
	Metadata    map[string]string
}

// Node is one unit of work in a Workflow.
type Node struct {
	ID          string
	Kind        string
	Metadata    map[string]string
	InlineSource string
	Language    string // "python", "node", "shell"
	InputPorts  []string
	OutputPorts []string
	Config      NodeConfig
}

// NodeConfig carries the per-node dispatch parameters a LanguageDriver honors.
type NodeConfig struct {
	Timeout     time.Duration
	Environment map[string]string
	Retry       RetryConfig
}

// RetryConfig is the node-local override of the engine's default retry
// policy; zero value means "use the engine default".
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
}

// Edge connects an output port of one node to an input port of another. When
// both ports are empty, the entire source output mapping is forwarded.
type Edge struct {
	ID         string
	SourceNode string
	TargetNode string
	SourcePort string
	TargetPort string
}

// NodeStatus is the lifecycle state of one node within one execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// ExecutionStatus is the lifecycle state of an entire DAG run.
type ExecutionStatus string

const (
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// NodeResult records one node's outcome within an execution.
type NodeResult struct {
	NodeID    string
	Status    NodeStatus
	StartTime time.Time
	EndTime   time.Time
	Outputs   map[string]any
	Error     string
	Attempts  int
}

// Execution tracks one run of a Workflow.
type Execution struct {
	ID        string
	Workflow  string
	StartTime time.Time
	EndTime   time.Time
	Status    ExecutionStatus
	Results   map[string]*NodeResult
}
