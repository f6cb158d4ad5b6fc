package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twingraph/goflow/internal/dag"
)

func TestConnectWithEmptyURLFallsBackToLogOnly(t *testing.T) {
	pub, closeFn, err := Connect("", "goflow.status")
	require.NoError(t, err)
	defer closeFn()
	assert.NotNil(t, pub)
}

func TestPublishWithoutConnectionDoesNotPanic(t *testing.T) {
	pub, closeFn, err := Connect("", "goflow.status")
	require.NoError(t, err)
	defer closeFn()

	pub.PublishNodeStatus(context.Background(), "exec-1", "node-a", dag.NodeCompleted)
	pub.PublishExecutionStatus(context.Background(), "exec-1", dag.ExecCompleted)
}

func TestConnectWithUnreachableURLFallsBackNonFatally(t *testing.T) {
	pub, closeFn, err := Connect("nats://127.0.0.1:1", "goflow.status")
	require.NoError(t, err)
	defer closeFn()
	assert.NotNil(t, pub)
}
