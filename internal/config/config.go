// Package config implements the engine's configuration precedence chain:
// explicit decorator config overrides environment variables, which override
// built-in defaults (spec §4.10).
package config

import (
	"os"
	"strconv"
	"time"
)

// EnvKeys are the environment variables the core recognizes (spec §6).
const (
	EnvGraphEndpoint = "GREMLIN_ENDPOINT"
	EnvGraphTimeout  = "GREMLIN_TIMEOUT"
	EnvRetryCount    = "RETRY_COUNT"
	EnvRetryDelay    = "RETRY_DELAY"
)

// Defaults holds the built-in fallback values, the lowest-precedence tier.
type Defaults struct {
	GraphEndpoint string
	GraphTimeout  time.Duration
	RetryCount    int
	RetryDelay    time.Duration
}

// DefaultDefaults mirrors the spec's default endpoint and retry shape.
func DefaultDefaults() Defaults {
	return Defaults{
		GraphEndpoint: "ws://localhost:8182/gremlin",
		GraphTimeout:  30 * time.Second,
		RetryCount:    3,
		RetryDelay:    100 * time.Millisecond,
	}
}

// Resolved is the engine-wide configuration after merging all three tiers.
type Resolved struct {
	GraphEndpoint string
	GraphTimeout  time.Duration
	RetryCount    int
	RetryDelay    time.Duration
	// Extra carries any additional platform-specific keys the decorator
	// supplied that aren't part of the well-known set above.
	Extra map[string]any
}

// Resolver merges decorator config, environment variables, and defaults with
// that precedence order (highest to lowest). It is constructed once at
// program start and is immutable thereafter (spec §9 "Global state").
type Resolver struct {
	defaults Defaults
}

// NewResolver builds a Resolver over the given defaults (DefaultDefaults if
// the caller has none of its own).
func NewResolver(defaults Defaults) *Resolver {
	return &Resolver{defaults: defaults}
}

// Decorator is the highest-precedence, explicitly authored configuration —
// any zero field defers to the environment, then the default.
type Decorator struct {
	GraphEndpoint string
	GraphTimeout  time.Duration
	RetryCount    int
	RetryDelay    time.Duration
	Extra         map[string]any
}

// Resolve merges decorator over environment over defaults. An environment
// value overrides the default only when it differs from the default
// sentinel, per spec §4.10.
func (r *Resolver) Resolve(dec Decorator) Resolved {
	out := Resolved{
		GraphEndpoint: r.defaults.GraphEndpoint,
		GraphTimeout:  r.defaults.GraphTimeout,
		RetryCount:    r.defaults.RetryCount,
		RetryDelay:    r.defaults.RetryDelay,
		Extra:         map[string]any{},
	}

	if v := os.Getenv(EnvGraphEndpoint); v != "" && v != r.defaults.GraphEndpoint {
		out.GraphEndpoint = v
	}
	if v := os.Getenv(EnvGraphTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d != r.defaults.GraphTimeout {
			out.GraphTimeout = d
		}
	}
	if v := os.Getenv(EnvRetryCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n != r.defaults.RetryCount {
			out.RetryCount = n
		}
	}
	if v := os.Getenv(EnvRetryDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d != r.defaults.RetryDelay {
			out.RetryDelay = d
		}
	}

	for k, v := range dec.Extra {
		out.Extra[k] = v
	}

	if dec.GraphEndpoint != "" {
		out.GraphEndpoint = dec.GraphEndpoint
	}
	if dec.GraphTimeout != 0 {
		out.GraphTimeout = dec.GraphTimeout
	}
	if dec.RetryCount != 0 {
		out.RetryCount = dec.RetryCount
	}
	if dec.RetryDelay != 0 {
		out.RetryDelay = dec.RetryDelay
	}

	return out
}

// GetEnvDefault returns the environment variable's value, or def if unset.
// Grounded on the teacher's getEnvDefault helper in task_executor.go/plugins.go.
func GetEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
