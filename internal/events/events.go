// Package events publishes DAG node and execution status transitions over NATS
// for external subscribers (spec §4.8 step 5, §6), propagating the calling
// span's trace context into message headers the way the teacher's natsctx
// helper does for its own NATS traffic.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/twingraph/goflow/internal/dag"
)

var propagator = propagation.TraceContext{}

// Publisher publishes node and execution status events to a NATS subject
// prefix. It implements dag.StatusPublisher.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials the given NATS URL and returns a Publisher using subjects
// under the given prefix (e.g. "goflow.status"). A connection failure is
// non-fatal to the caller: Publisher falls back to logging only.
func Connect(url, prefix string) (*Publisher, func(), error) {
	if url == "" {
		return &Publisher{prefix: prefix}, func() {}, nil
	}

	nc, err := nats.Connect(url, nats.Name("goflow-orchestrator"))
	if err != nil {
		slog.Warn("nats connect failed, status events will only be logged", "error", err, "url", url)
		return &Publisher{prefix: prefix}, func() {}, nil
	}

	return &Publisher{nc: nc, prefix: prefix}, func() { nc.Drain() }, nil
}

type nodeStatusEvent struct {
	ExecutionID string    `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

type executionStatusEvent struct {
	ExecutionID string    `json:"execution_id"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// PublishNodeStatus publishes a node transition to "<prefix>.node".
func (p *Publisher) PublishNodeStatus(ctx context.Context, executionID, nodeID string, status dag.NodeStatus) {
	evt := nodeStatusEvent{ExecutionID: executionID, NodeID: nodeID, Status: string(status), Timestamp: time.Now()}
	p.publish(ctx, p.prefix+".node", evt)
}

// PublishExecutionStatus publishes an execution transition to "<prefix>.execution".
func (p *Publisher) PublishExecutionStatus(ctx context.Context, executionID string, status dag.ExecutionStatus) {
	evt := executionStatusEvent{ExecutionID: executionID, Status: string(status), Timestamp: time.Now()}
	p.publish(ctx, p.prefix+".execution", evt)
}

func (p *Publisher) publish(ctx context.Context, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal status event", "subject", subject, "error", err)
		return
	}

	if p.nc == nil {
		slog.Info("status event", "subject", subject, "payload", string(data))
		return
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))

	tr := otel.Tracer("goflow-events")
	_, span := tr.Start(ctx, "events.publish", trace.WithAttributes())
	defer span.End()

	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	if err := p.nc.PublishMsg(msg); err != nil {
		slog.Error("publish status event", "subject", subject, "error", err)
	}
}
