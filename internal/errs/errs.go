// Package errs defines the engine's error taxonomy (spec §7). Each type wraps
// an optional cause and is compatible with errors.Is/errors.As.
package errs

import "fmt"

// ValidationError signals a signature mismatch, missing required parameter, or
// a non-acyclic DAG. Never retryable, surfaced immediately.
type ValidationError struct {
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ConfigurationError signals a missing required platform config key or an
// unreachable endpoint discovered at startup. Never retryable.
type ConfigurationError struct {
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// ComponentExecutionError wraps a failure within the user function or its
// driver after retries are exhausted.
type ComponentExecutionError struct {
	ComponentName string
	ExecutionID   string
	Platform      string
	Cause         error
}

func (e *ComponentExecutionError) Error() string {
	return fmt.Sprintf("component %q (execution %s, platform %s) failed: %v",
		e.ComponentName, e.ExecutionID, e.Platform, e.Cause)
}

func (e *ComponentExecutionError) Unwrap() error { return e.Cause }

// PlatformExecutionError is a driver-side infrastructure failure (container
// exit code, job failure, shell error). May be retryable; see Retryable.
type PlatformExecutionError struct {
	Platform  string
	Message   string
	Retryable bool
	Cause     error
}

func (e *PlatformExecutionError) Error() string {
	return fmt.Sprintf("platform %s execution failed: %s: %v", e.Platform, e.Message, e.Cause)
}

func (e *PlatformExecutionError) Unwrap() error { return e.Cause }

// GraphConnectionError wraps lineage-store connection/handshake failures.
type GraphConnectionError struct {
	Endpoint string
	Cause    error
}

func (e *GraphConnectionError) Error() string {
	return fmt.Sprintf("graph connection error (%s): %v", e.Endpoint, e.Cause)
}

func (e *GraphConnectionError) Unwrap() error { return e.Cause }

// GraphOperationError wraps a named lineage-store operation failure.
type GraphOperationError struct {
	Operation string
	Cause     error
}

func (e *GraphOperationError) Error() string {
	return fmt.Sprintf("graph operation %q failed: %v", e.Operation, e.Cause)
}

func (e *GraphOperationError) Unwrap() error { return e.Cause }

// TimeoutError signals a per-attempt or aggregate deadline was exceeded.
type TimeoutError struct {
	Message string
	Cause   error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("timeout: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("timeout: %s", e.Message)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// PipelineExecutionError wraps the first surfaced component or DAG failure
// encountered while running a pipeline.
type PipelineExecutionError struct {
	PipelineName  string
	ComponentName string
	Cause         error
}

func (e *PipelineExecutionError) Error() string {
	if e.ComponentName != "" {
		return fmt.Sprintf("pipeline %q failed at component %q: %v", e.PipelineName, e.ComponentName, e.Cause)
	}
	return fmt.Sprintf("pipeline %q failed: %v", e.PipelineName, e.Cause)
}

func (e *PipelineExecutionError) Unwrap() error { return e.Cause }

// CancelledError signals cooperative cancellation was observed at a suspension
// point. It is never swallowed by the retry layer.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string { return fmt.Sprintf("cancelled: %s", e.Reason) }
