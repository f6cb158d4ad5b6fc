package hasher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionDeterministicGivenFixedTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := Execution([]string{"p1"}, "add", map[string]any{"a": 1.0, "b": 2.0}, ts)
	require.NoError(t, err)
	b, err := Execution([]string{"p1"}, "add", map[string]any{"a": 1.0, "b": 2.0}, ts)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, string(a), 16)
}

func TestExecutionDiffersOnInputChange(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, _ := Execution(nil, "add", map[string]any{"a": 1.0}, ts)
	b, _ := Execution(nil, "add", map[string]any{"a": 2.0}, ts)
	assert.NotEqual(t, a, b)
}

func TestExecutionDiffersOnTimestampChange(t *testing.T) {
	inputs := map[string]any{"a": 1.0}
	a, _ := Execution(nil, "add", inputs, time.Unix(0, 0))
	b, _ := Execution(nil, "add", inputs, time.Unix(1, 0))
	assert.NotEqual(t, a, b)
}

func TestExecutionParentOrderInsensitive(t *testing.T) {
	ts := time.Unix(100, 0)
	a, _ := Execution([]string{"p1", "p2"}, "f", nil, ts)
	b, _ := Execution([]string{"p2", "p1"}, "f", nil, ts)
	assert.Equal(t, a, b)
}

func TestContentIsTimestampFree(t *testing.T) {
	inputs := map[string]any{"a": 1.0}
	a, err := Content("f", inputs)
	require.NoError(t, err)
	b, err := Content("f", inputs)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestContentDiffersFromExecution(t *testing.T) {
	inputs := map[string]any{"a": 1.0}
	exec, _ := Execution(nil, "f", inputs, time.Unix(0, 0))
	content, _ := Content("f", inputs)
	assert.NotEqual(t, string(exec), content)
}
