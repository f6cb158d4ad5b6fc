package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twingraph/goflow/internal/errs"
)

// ClusterJobDriver materializes a config map holding the script and a Job
// spec, polls until terminal, and tears both down on exit (spec §4.6.3).
// The Kubernetes control plane is reached through kubectl rather than a
// generated client, keeping the driver dependency-free of a cluster SDK.
type ClusterJobDriver struct {
	KubectlBin string
	PollEvery  time.Duration
}

// NewClusterJobDriver constructs a driver invoking kubectlBin, defaulting to
// "kubectl" and a 5s poll interval.
func NewClusterJobDriver(kubectlBin string) *ClusterJobDriver {
	if kubectlBin == "" {
		kubectlBin = "kubectl"
	}
	return &ClusterJobDriver{KubectlBin: kubectlBin, PollEvery: 5 * time.Second}
}

func (d *ClusterJobDriver) SupportedLanguages() []string { return []string{"python"} }

func (d *ClusterJobDriver) Validate(config map[string]any) error {
	return requireKeys(config, "namespace", "image")
}

func (d *ClusterJobDriver) Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error) {
	config, _ := ctx.Value(configKey{}).(map[string]any)
	namespace, _ := config["namespace"].(string)
	image, _ := config["image"].(string)
	if namespace == "" || image == "" {
		return nil, &errs.ConfigurationError{Message: "cluster_job platform config missing namespace or image"}
	}

	maxRetries := 0
	if v, ok := config["retry_backoff_limit"].(int); ok {
		maxRetries = v
	}
	activeDeadline := 300
	if v, ok := config["active_deadline_seconds"].(int); ok {
		activeDeadline = v
	}

	inputsJSON, _ := json.Marshal(map[string]any{"kwargs": encodedInputs})
	script := scriptShape(fn, string(inputsJSON))

	jobName := fmt.Sprintf("goflow-%s", strings.ToLower(uuid.NewString()[:8]))

	configMapYAML := fmt.Sprintf(`apiVersion: v1
kind: ConfigMap
metadata:
  name: %s-script
  namespace: %s
data:
  script.py: |
%s`, jobName, namespace, indent(script, "    "))

	jobYAML := fmt.Sprintf(`apiVersion: batch/v1
kind: Job
metadata:
  name: %s
  namespace: %s
  labels:
    goflow-job: %s
spec:
  backoffLimit: %d
  activeDeadlineSeconds: %d
  template:
    spec:
      restartPolicy: Never
      containers:
      - name: goflow-component
        image: %s
        command: ["python", "/scripts/script.py"]
        env:
        - name: EXECUTION_ID
          value: %q
        - name: COMPONENT_NAME
          value: %q
        volumeMounts:
        - name: script
          mountPath: /scripts
      volumes:
      - name: script
        configMap:
          name: %s-script
`, jobName, namespace, jobName, maxRetries, activeDeadline, image, execCtx.ExecutionID, execCtx.ComponentName, jobName)

	cleanup := func() {
		d.kubectl(context.Background(), "delete", "job", jobName, "-n", namespace, "--ignore-not-found")
		d.kubectl(context.Background(), "delete", "configmap", jobName+"-script", "-n", namespace, "--ignore-not-found")
	}
	defer cleanup()

	if _, err := d.kubectlApply(ctx, configMapYAML); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(ClusterJob), Message: "create config map", Cause: err}
	}
	if _, err := d.kubectlApply(ctx, jobYAML); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(ClusterJob), Message: "create job", Cause: err}
	}

	deadline := time.Now().Add(time.Duration(activeDeadline) * time.Second)
	for time.Now().Before(deadline) {
		status, err := d.kubectl(ctx, "get", "job", jobName, "-n", namespace, "-o", "jsonpath={.status.succeeded}{\" \"}{.status.failed}")
		if err == nil {
			succeeded, failed := parseJobStatus(status)
			if succeeded > 0 {
				logs, _ := d.kubectl(ctx, "logs", "-n", namespace, "-l", fmt.Sprintf("goflow-job=%s", jobName), "--tail=-1")
				return decodeLastJSONLine(logs, ClusterJob)
			}
			if failed > 0 {
				logs, _ := d.kubectl(ctx, "logs", "-n", namespace, "-l", fmt.Sprintf("goflow-job=%s", jobName), "--tail=-1")
				return nil, &errs.PlatformExecutionError{Platform: string(ClusterJob), Message: "job failed: " + logs, Retryable: true}
			}
		}

		select {
		case <-ctx.Done():
			return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
		case <-time.After(d.PollEvery):
		}
	}

	return nil, &errs.TimeoutError{Message: fmt.Sprintf("cluster job %s did not reach terminal state", jobName)}
}

func (d *ClusterJobDriver) kubectl(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.KubectlBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

func (d *ClusterJobDriver) kubectlApply(ctx context.Context, yaml string) (string, error) {
	cmd := exec.CommandContext(ctx, d.KubectlBin, "apply", "-f", "-")
	cmd.Stdin = strings.NewReader(yaml)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func parseJobStatus(raw string) (succeeded, failed int) {
	parts := strings.Fields(raw)
	if len(parts) > 0 {
		fmt.Sscanf(parts[0], "%d", &succeeded)
	}
	if len(parts) > 1 {
		fmt.Sscanf(parts[1], "%d", &failed)
	}
	return
}

func decodeLastJSONLine(raw string, platform Name) (any, error) {
	trimmed := strings.TrimRight(raw, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) == 0 || lines[len(lines)-1] == "" {
		return nil, &errs.PlatformExecutionError{Platform: string(platform), Message: "no output captured"}
	}
	last := lines[len(lines)-1]
	var result map[string]any
	if err := json.Unmarshal([]byte(last), &result); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(platform), Message: "non-JSON output: " + last, Cause: err}
	}
	return result, nil
}
