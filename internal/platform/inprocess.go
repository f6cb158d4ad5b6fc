package platform

import (
	"context"

	"github.com/twingraph/goflow/internal/errs"
)

// InProcessFunc is the bound, ready-to-call form of a declared component for
// the in-process driver: no serialization round-trip, arguments passed
// directly as a decoded map and returning a decoded map or error.
type InProcessFunc func(ctx context.Context, kwargs map[string]any) (map[string]any, error)

// InProcessDriver invokes the function object directly, honoring the
// caller's context for cancellation as its only timeout mechanism — there is
// no separate enforced deadline beyond what ctx already carries (spec
// §4.6.1: "best-effort" timeout when the runtime offers no stronger hook).
type InProcessDriver struct {
	fn InProcessFunc
}

// NewInProcessDriver wraps a bound component function.
func NewInProcessDriver(fn InProcessFunc) *InProcessDriver {
	return &InProcessDriver{fn: fn}
}

func (d *InProcessDriver) Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error) {
	if d.fn == nil {
		return nil, &errs.ConfigurationError{Message: "in-process driver has no bound function"}
	}
	select {
	case <-ctx.Done():
		return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
	default:
	}
	return d.fn(ctx, encodedInputs)
}

func (d *InProcessDriver) SupportedLanguages() []string { return []string{"go"} }

func (d *InProcessDriver) Validate(config map[string]any) error { return nil }
