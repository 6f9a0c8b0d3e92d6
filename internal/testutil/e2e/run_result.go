package e2e

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/meow-stack/toolflow/internal/types"
)

// RunResult is a finished 'toolflow run' invocation.
type RunResult struct {
	// Execution is the final state printed with --json.
	Execution *types.Execution

	Stdout string
	Stderr string

	// ExitErr is the process exit error, nil for a completed execution.
	ExitErr error
}

func parseRunResult(stdout, stderr string, exitErr error) (*RunResult, error) {
	var exec types.Execution
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &exec); err != nil {
		return nil, err
	}
	if exec.ID == "" {
		return nil, fmt.Errorf("no execution in output")
	}
	return &RunResult{Execution: &exec, Stdout: stdout, Stderr: stderr, ExitErr: exitErr}, nil
}

// Step returns the state of one step, or nil.
func (r *RunResult) Step(id string) *types.StepExecution {
	step, ok := r.Execution.Step(id)
	if !ok {
		return nil
	}
	return step
}

// StepOutput returns a step's output, or nil.
func (r *RunResult) StepOutput(id string) any {
	if step := r.Step(id); step != nil {
		return step.Output
	}
	return nil
}

// StepField returns one field of an object step output.
func (r *RunResult) StepField(id, field string) (any, bool) {
	out, ok := r.StepOutput(id).(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := out[field]
	return v, ok
}

// AssertStatus fails the test when the execution did not end in status.
func (r *RunResult) AssertStatus(t *testing.T, status types.ExecutionStatus) {
	t.Helper()
	if r.Execution.Status != status {
		t.Fatalf("execution status = %s, want %s (error: %s)\nstderr: %s",
			r.Execution.Status, status, r.Execution.Error, r.Stderr)
	}
}

// AssertStep fails the test when a step did not end in status.
func (r *RunResult) AssertStep(t *testing.T, id string, status types.StepStatus) {
	t.Helper()
	step := r.Step(id)
	if step == nil {
		t.Fatalf("step %s not found", id)
	}
	if step.Status != status {
		t.Errorf("step %s status = %s, want %s (error: %s)", id, step.Status, status, step.Error)
	}
}
