package logging

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFromEnvMapsKnownLevels(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for env, want := range cases {
		t.Setenv("GOFLOW_LOG_LEVEL", env)
		assert.Equal(t, want, levelFromEnv())
	}
}

func TestInitReturnsUsableLogger(t *testing.T) {
	t.Setenv("GOFLOW_JSON_LOG", "true")
	logger := Init("goflow-test")
	assert.NotNil(t, logger)
	assert.Same(t, slog.Default(), logger)
	_ = os.Stdout
}
