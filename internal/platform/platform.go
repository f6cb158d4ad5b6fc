// Package platform implements the seven PlatformDriver variants a
// ComponentRunner dispatches to (spec §4.6). Every driver shares the same
// execute contract; they differ in where the function body actually runs.
package platform

import (
	"context"
	"fmt"

	"github.com/twingraph/goflow/internal/errs"
)

// FunctionDescriptor carries everything a driver needs to materialize a
// component invocation remotely: the declared name, its full source
// listing, and its parameter order.
type FunctionDescriptor struct {
	Name           string
	SourceListing  string
	ParameterOrder []string
}

// ExecContext is the per-invocation context threaded through dispatch:
// execution ID and component name, used for environment injection and
// tracing (spec §4.4 step 4, §4.6.2).
type ExecContext struct {
	ExecutionID   string
	ComponentName string
}

// Driver is the contract every platform variant implements.
type Driver interface {
	// Execute dispatches one invocation and returns its raw, driver-specific
	// output — the caller (ComponentRunner) decodes it.
	Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error)
	// SupportedLanguages lists the source languages this driver can run.
	SupportedLanguages() []string
	// Validate checks a platform configuration map for the driver's
	// mandatory keys, returning a ConfigurationError describing the first
	// missing one (spec §3 "PlatformConfig" invariant).
	Validate(config map[string]any) error
}

// requireKeys is the shared "all of these keys must be present" check every
// non-trivial driver's Validate uses.
func requireKeys(config map[string]any, keys ...string) error {
	for _, k := range keys {
		if _, ok := config[k]; !ok {
			return &errs.ConfigurationError{Message: fmt.Sprintf("missing required platform config key: %s", k)}
		}
	}
	return nil
}

// Name identifies a platform variant, used for metrics labels and registry
// lookup.
type Name string

const (
	InProcess    Name = "in_process"
	Container    Name = "container"
	ClusterJob   Name = "cluster_job"
	FaaS         Name = "faas"
	BatchJob     Name = "batch_job"
	HPCBatch     Name = "hpc_batch"
	RemoteShell  Name = "remote_shell"
)

// Registry resolves a Name to its constructed Driver.
type Registry struct {
	drivers map[Name]Driver
}

// NewRegistry builds an empty registry; callers Register each variant they
// intend to support (a deployment need not wire all seven).
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[Name]Driver)}
}

// Register adds or replaces the driver for a platform name.
func (r *Registry) Register(name Name, d Driver) {
	r.drivers[name] = d
}

// Get resolves a platform name to its driver, or a ConfigurationError if
// nothing is registered for it.
func (r *Registry) Get(name Name) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, &errs.ConfigurationError{Message: fmt.Sprintf("no driver registered for platform %q", name)}
	}
	return d, nil
}

// scriptShape renders the common script body used by every out-of-process
// driver (spec §4.6 "Common script shape"): source listing, then the input
// payload, then a call to the function with decoded kwargs, printing the
// JSON-encoded result as the final stdout line.
func scriptShape(fn FunctionDescriptor, inputsJSON string) string {
	return fmt.Sprintf(`%s
input_data = %s
result = %s(**input_data["kwargs"])
import json as __json
print(__json.dumps(result))
`, fn.SourceListing, inputsJSON, fn.Name)
}
