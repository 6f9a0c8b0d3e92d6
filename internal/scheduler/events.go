package scheduler

import (
	"time"
)

// EventType identifies an execution lifecycle event.
type EventType string

const (
	EventExecutionStarted  EventType = "execution.started"
	EventStepStarted       EventType = "step.started"
	EventStepCompleted     EventType = "step.completed"
	EventStepFailed        EventType = "step.failed"
	EventExecutionFinished EventType = "execution.finished"
)

// Event reports progress of one execution. StepID is empty for
// execution-level events; Status holds the step or execution status.
type Event struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	StepID      string    `json:"step_id,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// EventHandler receives events. Handlers run on the goroutine that produced
// the event, one call at a time across the scheduler, and must not block.
type EventHandler func(Event)

func (s *Scheduler) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.mu.Lock()
	subs := make([]EventHandler, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}
