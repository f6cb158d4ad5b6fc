// Package metrics wires the engine-wide instrument set consumed by
// ComponentRunner, PipelineRunner, and DagRunner on top of the common
// resilience instruments registered by internal/otelinit.
package metrics

import (
	"go.opentelemetry.io/otel/metric"

	"github.com/twingraph/goflow/internal/otelinit"
)

// Registry bundles every instrument the engine's runners record against.
type Registry struct {
	Common otelinit.CommonInstruments

	ComponentInvocations metric.Int64Counter
	ComponentDuration    metric.Float64Histogram
	ComponentErrors      metric.Int64Counter

	PipelineInvocations metric.Int64Counter
	PipelineDuration    metric.Float64Histogram

	LineageWriteLoss metric.Int64Counter

	DagNodeStatus metric.Int64Counter
}

// New registers every engine instrument against the given meter. Common
// carries the resilience instruments internal/otelinit already created, so
// they aren't registered twice.
func New(meter metric.Meter, common otelinit.CommonInstruments) *Registry {
	componentInvocations, _ := meter.Int64Counter("goflow_component_invocations_total")
	componentDuration, _ := meter.Float64Histogram("goflow_component_duration_ms")
	componentErrors, _ := meter.Int64Counter("goflow_component_errors_total")

	pipelineInvocations, _ := meter.Int64Counter("goflow_pipeline_invocations_total")
	pipelineDuration, _ := meter.Float64Histogram("goflow_pipeline_duration_ms")

	lineageWriteLoss, _ := meter.Int64Counter("goflow_lineage_write_loss_total")

	dagNodeStatus, _ := meter.Int64Counter("goflow_dag_node_status_total")

	return &Registry{
		Common:               common,
		ComponentInvocations: componentInvocations,
		ComponentDuration:    componentDuration,
		ComponentErrors:      componentErrors,
		PipelineInvocations:  pipelineInvocations,
		PipelineDuration:     pipelineDuration,
		LineageWriteLoss:     lineageWriteLoss,
		DagNodeStatus:        dagNodeStatus,
	}
}
