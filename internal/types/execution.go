package types

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"   // Scheduler is dispatching steps
	ExecutionStatusCompleted ExecutionStatus = "completed" // Every step terminal, none halted
	ExecutionStatusFailed    ExecutionStatus = "failed"    // Halting failure, deadlock or timeout
	ExecutionStatusCancelled ExecutionStatus = "cancelled" // Stopped via Cancel
)

// Valid returns true if this is a recognized execution status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusRunning, ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if this status is final.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"   // Waiting for dependencies
	StepStatusRunning   StepStatus = "running"   // Tool call in flight (including retries)
	StepStatusCompleted StepStatus = "completed" // Tool call succeeded
	StepStatusFailed    StepStatus = "failed"    // Attempts exhausted
	StepStatusSkipped   StepStatus = "skipped"   // Never dispatched, execution ended first
)

// Valid returns true if this is a recognized status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// IsTerminal returns true if this status is final.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	switch s {
	case StepStatusPending:
		return target == StepStatusRunning || target == StepStatusSkipped
	case StepStatusRunning:
		return target == StepStatusCompleted || target == StepStatusFailed
	}
	return false // Terminal states
}

// StepExecution is the mutable state of one step within one execution.
type StepExecution struct {
	StepID      string        `json:"step_id"`
	Status      StepStatus    `json:"status"`
	OnFailure   FailurePolicy `json:"on_failure"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Attempts    int           `json:"attempts"`
	Output      any           `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Start marks the step as running.
func (s *StepExecution) Start() error {
	if !s.Status.CanTransitionTo(StepStatusRunning) {
		return fmt.Errorf("cannot start step %s in status %s", s.StepID, s.Status)
	}
	now := time.Now()
	s.Status = StepStatusRunning
	s.StartedAt = &now
	return nil
}

// Complete marks the step as completed with its tool output.
func (s *StepExecution) Complete(output any) error {
	if !s.Status.CanTransitionTo(StepStatusCompleted) {
		return fmt.Errorf("cannot complete step %s in status %s", s.StepID, s.Status)
	}
	now := time.Now()
	s.Status = StepStatusCompleted
	s.CompletedAt = &now
	s.Output = output
	return nil
}

// Fail marks the step as failed.
func (s *StepExecution) Fail(err error) error {
	if !s.Status.CanTransitionTo(StepStatusFailed) {
		return fmt.Errorf("cannot fail step %s in status %s", s.StepID, s.Status)
	}
	now := time.Now()
	s.Status = StepStatusFailed
	s.CompletedAt = &now
	if err != nil {
		s.Error = err.Error()
	}
	return nil
}

// Skip marks a never-dispatched step as skipped.
func (s *StepExecution) Skip() error {
	if !s.Status.CanTransitionTo(StepStatusSkipped) {
		return fmt.Errorf("cannot skip step %s in status %s", s.StepID, s.Status)
	}
	now := time.Now()
	s.Status = StepStatusSkipped
	s.CompletedAt = &now
	return nil
}

// Satisfied reports whether dependents of this step may run: the step
// completed, or it failed under a continue policy.
func (s *StepExecution) Satisfied() bool {
	switch s.Status {
	case StepStatusCompleted:
		return true
	case StepStatusFailed:
		return s.OnFailure == OnFailureContinue
	}
	return false
}

// Execution is the mutable state of one run of a workflow definition.
type Execution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	Status      ExecutionStatus  `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Input       map[string]any   `json:"input,omitempty"`
	Variables   map[string]any   `json:"variables,omitempty"`
	Steps       []*StepExecution `json:"steps"`
	Output      map[string]any   `json:"output"`
	Error       string           `json:"error,omitempty"`
	ErrorCode   string           `json:"error_code,omitempty"`
}

// NewExecution creates a running execution with every step pending.
func NewExecution(id string, def *WorkflowDefinition, input, variables map[string]any) *Execution {
	exec := &Execution{
		ID:         id,
		WorkflowID: def.ID,
		Status:     ExecutionStatusRunning,
		StartedAt:  time.Now(),
		Input:      input,
		Variables:  variables,
		Steps:      make([]*StepExecution, 0, len(def.Steps)),
		Output:     make(map[string]any),
	}
	for i := range def.Steps {
		exec.Steps = append(exec.Steps, &StepExecution{
			StepID:    def.Steps[i].ID,
			Status:    StepStatusPending,
			OnFailure: def.Steps[i].FailurePolicy(),
		})
	}
	return exec
}

// Step returns the step execution with the given step id.
func (e *Execution) Step(id string) (*StepExecution, bool) {
	for _, s := range e.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return nil, false
}

// AllTerminal returns true if every step has reached a terminal status.
func (e *Execution) AllTerminal() bool {
	for _, s := range e.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// SkipPending marks every still-pending step as skipped.
func (e *Execution) SkipPending() {
	for _, s := range e.Steps {
		if s.Status == StepStatusPending {
			_ = s.Skip()
		}
	}
}

// Complete marks the execution as completed.
func (e *Execution) Complete() error {
	return e.finish(ExecutionStatusCompleted, nil)
}

// Fail marks the execution as failed with err and its error code.
func (e *Execution) Fail(err error, code string) error {
	if err := e.finish(ExecutionStatusFailed, err); err != nil {
		return err
	}
	e.ErrorCode = code
	return nil
}

// Cancel marks the execution as cancelled.
func (e *Execution) Cancel() error {
	return e.finish(ExecutionStatusCancelled, nil)
}

func (e *Execution) finish(status ExecutionStatus, err error) error {
	if e.Status.IsTerminal() {
		return fmt.Errorf("execution %s already %s", e.ID, e.Status)
	}
	now := time.Now()
	e.Status = status
	e.CompletedAt = &now
	if err != nil {
		e.Error = err.Error()
	}
	return nil
}

// Clone returns a copy that shares no mutable state with e. Recorded
// outputs are decoded JSON values that are never mutated after being set,
// so they are shared.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	c.Input = copyMap(e.Input)
	c.Variables = copyMap(e.Variables)
	c.Output = copyMap(e.Output)
	c.Steps = make([]*StepExecution, len(e.Steps))
	for i, s := range e.Steps {
		sc := *s
		if s.StartedAt != nil {
			t := *s.StartedAt
			sc.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			sc.CompletedAt = &t
		}
		c.Steps[i] = &sc
	}
	return &c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
