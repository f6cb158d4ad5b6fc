package cancellation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndCancel(t *testing.T) {
	m := NewManager()
	ctx, cancel := context.WithCancel(context.Background())
	m.Register("exec-1", "component", cancel)

	err := m.Cancel(context.Background(), "exec-1", "user requested")
	require.NoError(t, err)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be cancelled")
	}

	status, ok := m.Status("exec-1")
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, status)
}

func TestCancelUnknownExecutionErrors(t *testing.T) {
	m := NewManager()
	err := m.Cancel(context.Background(), "missing", "reason")
	assert.Error(t, err)
}

func TestCancelAlreadyFinishedErrors(t *testing.T) {
	m := NewManager()
	_, cancel := context.WithCancel(context.Background())
	m.Register("exec-2", "pipeline", cancel)
	m.Complete("exec-2", StatusCompleted)

	err := m.Cancel(context.Background(), "exec-2", "reason")
	assert.Error(t, err)
}

func TestActiveListsOnlyRunning(t *testing.T) {
	m := NewManager()
	_, c1 := context.WithCancel(context.Background())
	_, c2 := context.WithCancel(context.Background())
	m.Register("a", "dag", c1)
	m.Register("b", "dag", c2)
	m.Complete("b", StatusCompleted)

	active := m.Active()
	assert.Equal(t, []string{"a"}, active)
}

func TestCleanupEvictsOldFinishedEntries(t *testing.T) {
	m := NewManager()
	_, cancel := context.WithCancel(context.Background())
	m.Register("old", "component", cancel)
	m.Complete("old", StatusFailed)
	m.tracked["old"].EndedAt = time.Now().Add(-time.Hour)

	cleaned := m.Cleanup(time.Minute)
	assert.Equal(t, 1, cleaned)
	_, ok := m.Status("old")
	assert.False(t, ok)
}

func TestCancelAllCancelsRunningOnly(t *testing.T) {
	m := NewManager()
	_, c1 := context.WithCancel(context.Background())
	_, c2 := context.WithCancel(context.Background())
	m.Register("a", "dag", c1)
	m.Register("b", "dag", c2)
	m.Complete("b", StatusCompleted)

	n := m.CancelAll(context.Background(), "shutdown")
	assert.Equal(t, 1, n)
	assert.Empty(t, m.Active())
}
