package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/twingraph/goflow/internal/errs"
)

// BatchJobDriver submits a job derived from the component's script to a
// batch-processing control plane over HTTP (spec §4.6.5). When config "wait"
// is true it polls until a terminal state and retrieves stdout from the job's
// log stream; otherwise it returns {"job_id": ...} right after submission.
// The configured job_definition is recorded per component name on first use;
// no job definition is registered with the control plane.
type BatchJobDriver struct {
	client *http.Client

	mu           sync.Mutex
	definitions  map[string]string // component name -> job definition ARN/ID
	pollInterval time.Duration
}

// NewBatchJobDriver constructs a driver with a 5s poll interval.
func NewBatchJobDriver() *BatchJobDriver {
	return &BatchJobDriver{
		client:       &http.Client{Timeout: 30 * time.Second},
		definitions:  make(map[string]string),
		pollInterval: 5 * time.Second,
	}
}

func (d *BatchJobDriver) SupportedLanguages() []string { return []string{"python"} }

func (d *BatchJobDriver) Validate(config map[string]any) error {
	return requireKeys(config, "job_queue", "job_definition")
}

func (d *BatchJobDriver) Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error) {
	config, _ := ctx.Value(configKey{}).(map[string]any)
	endpoint, _ := config["endpoint"].(string)
	jobQueue, _ := config["job_queue"].(string)
	jobDefinition, _ := config["job_definition"].(string)
	if endpoint == "" || jobQueue == "" || jobDefinition == "" {
		return nil, &errs.ConfigurationError{Message: "batch_job platform config missing endpoint, job_queue, or job_definition"}
	}

	d.mu.Lock()
	if _, ok := d.definitions[execCtx.ComponentName]; !ok {
		d.definitions[execCtx.ComponentName] = jobDefinition
	}
	d.mu.Unlock()

	inputsJSON, _ := json.Marshal(map[string]any{"kwargs": encodedInputs})
	command := []string{"python", "-c", scriptShapeSimple(fn, string(inputsJSON))}

	submission := map[string]any{
		"jobQueue":      jobQueue,
		"jobDefinition": jobDefinition,
		"containerOverrides": map[string]any{
			"command": command,
			"environment": []map[string]string{
				{"name": "EXECUTION_ID", "value": execCtx.ExecutionID},
				{"name": "COMPONENT_NAME", "value": execCtx.ComponentName},
			},
		},
	}

	jobID, err := d.postJSON(ctx, endpoint+"/SubmitJob", submission)
	if err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(BatchJob), Message: "submit job", Retryable: true, Cause: err}
	}

	wait, _ := config["wait"].(bool)
	if !wait {
		return map[string]any{"job_id": jobID}, nil
	}

	for {
		status, err := d.jobStatus(ctx, endpoint, jobID)
		if err != nil {
			return nil, &errs.PlatformExecutionError{Platform: string(BatchJob), Message: "poll job status", Cause: err}
		}

		switch status {
		case "SUCCEEDED":
			logs, err := d.jobLogs(ctx, endpoint, jobID)
			if err != nil {
				return nil, &errs.PlatformExecutionError{Platform: string(BatchJob), Message: "fetch job logs", Cause: err}
			}
			return decodeLastJSONLine(logs, BatchJob)
		case "FAILED":
			logs, _ := d.jobLogs(ctx, endpoint, jobID)
			return nil, &errs.PlatformExecutionError{Platform: string(BatchJob), Message: "batch job failed: " + logs, Retryable: true}
		}

		select {
		case <-ctx.Done():
			return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *BatchJobDriver) postJSON(ctx context.Context, url string, payload any) (string, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("batch request %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		JobID string `json:"jobId"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

func (d *BatchJobDriver) jobStatus(ctx context.Context, endpoint, jobID string) (string, error) {
	body, _ := json.Marshal(map[string]any{"jobs": []string{jobID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/DescribeJobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Jobs []struct {
			Status string `json:"status"`
		} `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Jobs) == 0 {
		return "", fmt.Errorf("job %s not found in describe response", jobID)
	}
	return out.Jobs[0].Status, nil
}

func (d *BatchJobDriver) jobLogs(ctx context.Context, endpoint, jobID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/logs/"+jobID, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// scriptShapeSimple is scriptShape without the trailing newline, a nicer
// fit for callers that embed the script as a single command string (batch
// job command overrides, HPC heredocs, remote shell uploads).
func scriptShapeSimple(fn FunctionDescriptor, inputsJSON string) string {
	return strings.TrimRight(scriptShape(fn, inputsJSON), "\n")
}
