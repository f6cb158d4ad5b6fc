package dag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
	"github.com/twingraph/goflow/internal/errs"
)

// LanguageDriver materializes a node's inline source into a temporary file,
// runs it in a subprocess, and decodes the JSON line it prints on stdout
// (spec §4.9). The three variants share this shape and differ only in the
// interpreter invoked and the file extension used.
type LanguageDriver struct {
	Language   string
	Interpreter string
	Extension   string
	Tracer      trace.Tracer
}

// NewLanguageDriver constructs the driver for one of the three supported
// languages, resolving the interpreter path from the environment the way
// the teacher's PythonPlugin resolves PYTHON_PATH.
func NewLanguageDriver(language string) (*LanguageDriver, error) {
	switch language {
	case "python":
		return &LanguageDriver{
			Language:    language,
			Interpreter: envOrDefault("GOFLOW_PYTHON_PATH", "python3"),
			Extension:   ".py",
			Tracer:      otel.Tracer("goflow-language-python"),
		}, nil
	case "node":
		return &LanguageDriver{
			Language:    language,
			Interpreter: envOrDefault("GOFLOW_NODE_PATH", "node"),
			Extension:   ".js",
			Tracer:      otel.Tracer("goflow-language-node"),
		}, nil
	case "shell":
		return &LanguageDriver{
			Language:    language,
			Interpreter: envOrDefault("GOFLOW_SHELL_PATH", "/bin/sh"),
			Extension:   ".sh",
			Tracer:      otel.Tracer("goflow-language-shell"),
		}, nil
	default:
		return nil, &errs.ValidationError{Message: fmt.Sprintf("unsupported language: %s", language)}
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// prelude wraps the inline source with the language-appropriate scaffolding
// that reads an encoded input payload into scope before the user source runs.
func (d *LanguageDriver) prelude(inputsJSON string, source string) string {
	switch d.Language {
	case "python":
		return fmt.Sprintf("import json\n\ninputs = json.loads(%q)\n\n%s\n", inputsJSON, source)
	case "node":
		return fmt.Sprintf("const inputs = JSON.parse(%q);\n\n%s\n", inputsJSON, source)
	default: // shell
		return fmt.Sprintf("export GOFLOW_INPUTS=%q\n\n%s\n", inputsJSON, source)
	}
}

// Run executes one node's inline source, honoring the node's timeout and
// environment, and returns the decoded JSON output (or a raw-string wrapper
// for informal shell output per spec §4.9).
func (d *LanguageDriver) Run(ctx context.Context, node Node, inputs map[string]any) (map[string]any, error) {
	ctx, span := d.Tracer.Start(ctx, "language.run",
		trace.WithAttributes(attribute.String("node_id", node.ID), attribute.String("language", d.Language)))
	defer span.End()

	inputsJSON, err := json.Marshal(inputs)
	if err != nil {
		return nil, &errs.ValidationError{Message: "encode node inputs", Cause: err}
	}

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("goflow-%s-%s%s", node.ID, uuid.NewString(), d.Extension))
	content := d.prelude(string(inputsJSON), node.InlineSource)
	if err := os.WriteFile(scriptPath, []byte(content), 0o600); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: d.Language, Message: "write script", Cause: err}
	}
	defer os.Remove(scriptPath)

	timeout := node.Config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.Interpreter, scriptPath)
	cmd.Env = os.Environ()
	for k, v := range node.Config.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &errs.PlatformExecutionError{
			Platform:  d.Language,
			Message:   fmt.Sprintf("node %s exited non-zero: %s", node.ID, stderr.String()),
			Retryable: false,
			Cause:     err,
		}
	}

	var result map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		if d.Language == "shell" {
			return map[string]any{"output": stdout.String()}, nil
		}
		return nil, &errs.PlatformExecutionError{
			Platform: d.Language,
			Message:  fmt.Sprintf("node %s produced non-JSON output: %s", node.ID, stdout.String()),
			Cause:    err,
		}
	}
	return result, nil
}
