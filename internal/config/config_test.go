package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveUsesDefaultsWhenNothingElseSet(t *testing.T) {
	r := NewResolver(DefaultDefaults())
	out := r.Resolve(Decorator{})
	assert.Equal(t, "ws://localhost:8182/gremlin", out.GraphEndpoint)
	assert.Equal(t, 3, out.RetryCount)
}

func TestResolveEnvOverridesDefault(t *testing.T) {
	os.Setenv(EnvRetryCount, "7")
	defer os.Unsetenv(EnvRetryCount)

	r := NewResolver(DefaultDefaults())
	out := r.Resolve(Decorator{})
	assert.Equal(t, 7, out.RetryCount)
}

func TestResolveDecoratorOverridesEnvAndDefault(t *testing.T) {
	os.Setenv(EnvRetryCount, "7")
	defer os.Unsetenv(EnvRetryCount)

	r := NewResolver(DefaultDefaults())
	out := r.Resolve(Decorator{RetryCount: 9})
	assert.Equal(t, 9, out.RetryCount)
}

func TestResolveGraphTimeoutParsesDuration(t *testing.T) {
	os.Setenv(EnvGraphTimeout, "45s")
	defer os.Unsetenv(EnvGraphTimeout)

	r := NewResolver(DefaultDefaults())
	out := r.Resolve(Decorator{})
	assert.Equal(t, 45*time.Second, out.GraphTimeout)
}

func TestResolveExtraKeysPassThrough(t *testing.T) {
	r := NewResolver(DefaultDefaults())
	out := r.Resolve(Decorator{Extra: map[string]any{"namespace": "prod"}})
	assert.Equal(t, "prod", out.Extra["namespace"])
}

func TestGetEnvDefaultFallsBackWhenUnset(t *testing.T) {
	os.Unsetenv("GOFLOW_TEST_KEY_NOT_SET")
	assert.Equal(t, "fallback", GetEnvDefault("GOFLOW_TEST_KEY_NOT_SET", "fallback"))
}

func TestGetEnvDefaultReturnsSetValue(t *testing.T) {
	os.Setenv("GOFLOW_TEST_KEY_SET", "value")
	defer os.Unsetenv("GOFLOW_TEST_KEY_SET")
	assert.Equal(t, "value", GetEnvDefault("GOFLOW_TEST_KEY_SET", "fallback"))
}
