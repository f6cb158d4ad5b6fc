package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twingraph/goflow/internal/errs"
)

// ContainerDriver runs a materialized script inside a container image via
// the configured container runtime binary (docker or podman), mirroring the
// teacher's PythonPlugin subprocess shape but wrapped in a run invocation
// instead of calling the interpreter directly (spec §4.6.2).
type ContainerDriver struct {
	// RuntimeBin is the CLI binary to invoke, e.g. "docker" or "podman".
	RuntimeBin string
}

// NewContainerDriver constructs a driver using runtimeBin, defaulting to
// "docker" when empty.
func NewContainerDriver(runtimeBin string) *ContainerDriver {
	if runtimeBin == "" {
		runtimeBin = "docker"
	}
	return &ContainerDriver{RuntimeBin: runtimeBin}
}

func (d *ContainerDriver) SupportedLanguages() []string { return []string{"python"} }

func (d *ContainerDriver) Validate(config map[string]any) error {
	return requireKeys(config, "image")
}

func (d *ContainerDriver) Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error) {
	config, _ := ctx.Value(configKey{}).(map[string]any)
	image, _ := config["image"].(string)
	if image == "" {
		return nil, &errs.ConfigurationError{Message: "container platform config missing image"}
	}

	inputsJSON, err := json.Marshal(map[string]any{"kwargs": encodedInputs})
	if err != nil {
		return nil, &errs.ValidationError{Message: "encode inputs", Cause: err}
	}

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("goflow-container-%s.py", uuid.NewString()))
	script := scriptShape(fn, string(inputsJSON))
	if err := os.WriteFile(scriptPath, []byte(script), 0o600); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(Container), Message: "write script", Cause: err}
	}
	defer os.Remove(scriptPath)

	args := []string{"run", "--rm",
		"-v", fmt.Sprintf("%s:/scripts/script.py:ro", scriptPath),
		"-e", fmt.Sprintf("EXECUTION_ID=%s", execCtx.ExecutionID),
		"-e", fmt.Sprintf("COMPONENT_NAME=%s", execCtx.ComponentName),
	}
	if env, ok := config["environment"].(map[string]string); ok {
		for k, v := range env {
			args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
		}
	}
	args = append(args, image, "python", "/scripts/script.py")

	timeout := 5 * time.Minute
	if t, ok := config["timeout"].(time.Duration); ok && t > 0 {
		timeout = t
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.RuntimeBin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &errs.PlatformExecutionError{
			Platform:  string(Container),
			Message:   fmt.Sprintf("container run failed: %s", stderr.String()),
			Retryable: true,
			Cause:     err,
		}
	}

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	lastLine := lines[len(lines)-1]

	var errCheck struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(lastLine), &errCheck) == nil && errCheck.Error != "" {
		return nil, &errs.PlatformExecutionError{Platform: string(Container), Message: errCheck.Error}
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(lastLine), &result); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(Container), Message: "non-JSON container output", Cause: err}
	}
	return result, nil
}

// configKey is the context key ComponentRunner uses to thread per-dispatch
// platform configuration to drivers that need more than FunctionDescriptor
// and ExecContext carry.
type configKey struct{}

// WithConfig attaches platform configuration to ctx for drivers to read.
func WithConfig(ctx context.Context, config map[string]any) context.Context {
	return context.WithValue(ctx, configKey{}, config)
}
