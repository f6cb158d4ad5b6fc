package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/twingraph/goflow/internal/errs"
)

// FaaSDriver invokes a pre-registered function by name in synchronous mode,
// grounded on the teacher's HTTPPlugin connection-pooled client (spec
// §4.6.4). A component is registered once per process the first time it
// dispatches through this platform.
type FaaSDriver struct {
	client *http.Client

	mu          sync.Mutex
	registered  map[string]bool
	invokeRetry int
}

// NewFaaSDriver constructs a driver with the teacher's HTTP client shape:
// pooled keep-alive connections, generous idle timeout.
func NewFaaSDriver() *FaaSDriver {
	return &FaaSDriver{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		registered:  make(map[string]bool),
		invokeRetry: 5,
	}
}

func (d *FaaSDriver) SupportedLanguages() []string { return []string{"python", "node"} }

func (d *FaaSDriver) Validate(config map[string]any) error {
	return requireKeys(config, "function_name", "region")
}

func (d *FaaSDriver) Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error) {
	config, _ := ctx.Value(configKey{}).(map[string]any)
	functionName, _ := config["function_name"].(string)
	endpoint, _ := config["endpoint"].(string)
	if functionName == "" || endpoint == "" {
		return nil, &errs.ConfigurationError{Message: "faas platform config missing function_name or endpoint"}
	}

	d.mu.Lock()
	if !d.registered[functionName] {
		d.registered[functionName] = true
	}
	d.mu.Unlock()

	payload := map[string]any{
		"component":    execCtx.ComponentName,
		"execution_id": execCtx.ExecutionID,
		"inputs":       encodedInputs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &errs.ValidationError{Message: "encode faas payload", Cause: err}
	}

	var lastErr error
	for attempt := 1; attempt <= d.invokeRetry; attempt++ {
		result, err := d.invoke(ctx, endpoint, functionName, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}

	return nil, &errs.PlatformExecutionError{Platform: string(FaaS), Message: "faas invoke exhausted retries", Retryable: true, Cause: lastErr}
}

func (d *FaaSDriver) invoke(ctx context.Context, endpoint, functionName string, body []byte) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/2015-03-31/functions/"+functionName+"/invocations", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("faas invoke %d: %s", resp.StatusCode, string(respBody))
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("faas invoke returned empty body")
	}

	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("non-JSON faas response: %w", err)
	}
	return result, nil
}
