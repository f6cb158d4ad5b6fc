package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twingraph/goflow/internal/errs"
)

// HPCBatchDriver writes a Slurm-style batch script with a scheduler
// preamble, submits it, polls the queue until the job leaves it, then reads
// the configured output file (spec §4.6.6).
type HPCBatchDriver struct {
	SubmitBin    string // e.g. "sbatch"
	QueueBin     string // e.g. "squeue"
	PollInterval time.Duration
}

// NewHPCBatchDriver constructs a driver using the standard Slurm binaries.
func NewHPCBatchDriver() *HPCBatchDriver {
	return &HPCBatchDriver{SubmitBin: "sbatch", QueueBin: "squeue", PollInterval: 10 * time.Second}
}

func (d *HPCBatchDriver) SupportedLanguages() []string { return []string{"python"} }

func (d *HPCBatchDriver) Validate(config map[string]any) error {
	return requireKeys(config, "partition", "nodes", "ntasks")
}

func (d *HPCBatchDriver) Execute(ctx context.Context, fn FunctionDescriptor, encodedInputs map[string]any, execCtx ExecContext) (any, error) {
	config, _ := ctx.Value(configKey{}).(map[string]any)
	partition, _ := config["partition"].(string)
	if partition == "" {
		return nil, &errs.ConfigurationError{Message: "hpc_batch platform config missing partition"}
	}

	nodes := intOrDefault(config["nodes"], 1)
	ntasks := intOrDefault(config["ntasks"], 1)
	cpusPerTask := intOrDefault(config["cpus_per_task"], 1)
	memory, _ := config["memory"].(string)
	timeLimit, _ := config["time_limit"].(string)
	account, _ := config["account"].(string)
	qos, _ := config["qos"].(string)
	outputFile, _ := config["output_file"].(string)
	if outputFile == "" {
		outputFile = filepath.Join(os.TempDir(), fmt.Sprintf("goflow-hpc-%s.out", uuid.NewString()))
	}

	inputsJSONBytes, err := json.Marshal(map[string]any{"kwargs": encodedInputs})
	if err != nil {
		return nil, &errs.ValidationError{Message: "encode inputs", Cause: err}
	}
	inputsJSON := string(inputsJSONBytes)
	jobName := fmt.Sprintf("goflow-%s", execCtx.ComponentName)

	var preamble strings.Builder
	preamble.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&preamble, "#SBATCH --job-name=%s\n", jobName)
	fmt.Fprintf(&preamble, "#SBATCH --partition=%s\n", partition)
	fmt.Fprintf(&preamble, "#SBATCH --nodes=%d\n", nodes)
	fmt.Fprintf(&preamble, "#SBATCH --ntasks=%d\n", ntasks)
	fmt.Fprintf(&preamble, "#SBATCH --cpus-per-task=%d\n", cpusPerTask)
	fmt.Fprintf(&preamble, "#SBATCH --output=%s\n", outputFile)
	if memory != "" {
		fmt.Fprintf(&preamble, "#SBATCH --mem=%s\n", memory)
	}
	if timeLimit != "" {
		fmt.Fprintf(&preamble, "#SBATCH --time=%s\n", timeLimit)
	}
	if account != "" {
		fmt.Fprintf(&preamble, "#SBATCH --account=%s\n", account)
	}
	if qos != "" {
		fmt.Fprintf(&preamble, "#SBATCH --qos=%s\n", qos)
	}

	script := preamble.String() + "\npython3 - <<'GOFLOW_EOF'\n" + scriptShapeSimple(fn, inputsJSON) + "\nGOFLOW_EOF\n"

	scriptPath := filepath.Join(os.TempDir(), fmt.Sprintf("goflow-hpc-%s.sh", uuid.NewString()))
	if err := os.WriteFile(scriptPath, []byte(script), 0o700); err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(HPCBatch), Message: "write batch script", Cause: err}
	}
	defer os.Remove(scriptPath)

	submitOut, err := d.run(ctx, d.SubmitBin, scriptPath)
	if err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(HPCBatch), Message: "submit batch job", Retryable: true, Cause: err}
	}

	jobID := parseSlurmJobID(submitOut)
	if jobID == "" {
		return nil, &errs.PlatformExecutionError{Platform: string(HPCBatch), Message: "could not parse job id from: " + submitOut}
	}

	for {
		inQueue, err := d.inQueue(ctx, jobID)
		if err != nil {
			return nil, &errs.PlatformExecutionError{Platform: string(HPCBatch), Message: "poll queue", Cause: err}
		}
		if !inQueue {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &errs.CancelledError{Reason: ctx.Err().Error()}
		case <-time.After(d.PollInterval):
		}
	}

	data, err := os.ReadFile(outputFile)
	if err != nil {
		return nil, &errs.PlatformExecutionError{Platform: string(HPCBatch), Message: "read job output file", Cause: err}
	}
	return decodeLastJSONLine(string(data), HPCBatch)
}

func (d *HPCBatchDriver) run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("%w: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

func (d *HPCBatchDriver) inQueue(ctx context.Context, jobID string) (bool, error) {
	out, err := d.run(ctx, d.QueueBin, "-j", jobID, "-h")
	if err != nil {
		return false, nil // squeue errors once the job leaves the queue entirely
	}
	return strings.TrimSpace(out) != "", nil
}

func parseSlurmJobID(submitOutput string) string {
	fields := strings.Fields(submitOutput)
	for i, f := range fields {
		if f == "job" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	if len(fields) > 0 {
		return fields[len(fields)-1]
	}
	return ""
}

func intOrDefault(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil {
			return n
		}
	}
	return def
}
