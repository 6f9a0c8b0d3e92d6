package types

import (
	"time"
)

// TriggerType identifies what starts a workflow.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
)

// Trigger describes when a workflow should run. Only manual triggers are
// acted on by the core; the others are carried for external schedulers.
type Trigger struct {
	Type     TriggerType `yaml:"type" json:"type" validate:"omitempty,oneof=manual scheduled event"`
	Schedule string      `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Event    string      `yaml:"event,omitempty" json:"event,omitempty"`
}

// FailurePolicy determines what a step failure does to its execution.
type FailurePolicy string

const (
	OnFailureHalt     FailurePolicy = "halt"     // Fail the whole execution (default)
	OnFailureContinue FailurePolicy = "continue" // Record failure, let dependents run
)

// RetryPolicy bounds the attempts made for a step.
type RetryPolicy struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	DelayMs     int `yaml:"delay_ms" json:"delay_ms" validate:"gte=0"`
}

// Delay returns the base delay between attempts.
func (r *RetryPolicy) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

// WorkflowStep is one tool call within a workflow definition.
type WorkflowStep struct {
	ID        string         `yaml:"id" json:"id" validate:"required"`
	Name      string         `yaml:"name,omitempty" json:"name,omitempty"`
	Server    string         `yaml:"server" json:"server" validate:"required"`
	Tool      string         `yaml:"tool" json:"tool" validate:"required"`
	Arguments map[string]any `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Retry     *RetryPolicy   `yaml:"retry,omitempty" json:"retry,omitempty"`
	OnFailure FailurePolicy  `yaml:"on_failure,omitempty" json:"on_failure,omitempty" validate:"omitempty,oneof=halt continue"`
}

// FailurePolicy returns the effective failure policy (halt when unset).
func (s *WorkflowStep) FailurePolicy() FailurePolicy {
	if s.OnFailure == "" {
		return OnFailureHalt
	}
	return s.OnFailure
}

// MaxAttempts returns the effective number of attempts (1 when no retry policy).
func (s *WorkflowStep) MaxAttempts() int {
	if s.Retry == nil || s.Retry.MaxAttempts < 1 {
		return 1
	}
	return s.Retry.MaxAttempts
}

// WorkflowDefinition is a named, immutable template of steps.
type WorkflowDefinition struct {
	ID          string         `yaml:"id" json:"id" validate:"required"`
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger     Trigger        `yaml:"trigger,omitempty" json:"trigger"`
	Steps       []WorkflowStep `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
	Variables   map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Timeout     time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
}

// Step returns the step with the given id.
func (d *WorkflowDefinition) Step(id string) (*WorkflowStep, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// DependencyGraph returns step id -> ids of steps that depend on it.
// References to unknown steps are kept so callers can report them.
func (d *WorkflowDefinition) DependencyGraph() map[string][]string {
	graph := make(map[string][]string, len(d.Steps))
	for _, step := range d.Steps {
		if _, ok := graph[step.ID]; !ok {
			graph[step.ID] = nil
		}
		for _, dep := range step.DependsOn {
			graph[dep] = append(graph[dep], step.ID)
		}
	}
	return graph
}
