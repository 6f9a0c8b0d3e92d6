package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/logging"
	"github.com/meow-stack/toolflow/internal/metrics"
	"github.com/meow-stack/toolflow/internal/types"
	"github.com/meow-stack/toolflow/internal/vars"
)

// stepResult is the outcome of running one step, recorded as soon as the
// step returns.
type stepResult struct {
	step     *types.WorkflowStep
	output   any
	attempts int
	err      error
}

// batch is the set of steps dispatched together.
type batch struct {
	steps   []*types.WorkflowStep
	outputs map[string]any
}

// execute drives one execution until it is terminal.
func (s *Scheduler) execute(ctx context.Context, def *types.WorkflowDefinition, id string) {
	logger := logging.WithExecution(s.logger, def.ID, id)

	exec, err := s.tracker.Get(id)
	if err != nil {
		logger.Error("execution disappeared before start", "error", err)
		return
	}

	limit := def.Timeout
	if limit <= 0 {
		limit = s.opts.DefaultTimeout
	}
	deadline := exec.StartedAt.Add(limit)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	scopeContext := buildContext(def, exec)

	for {
		next, done := s.nextBatch(def, id, deadline, limit, logger)
		if done {
			break
		}
		for _, step := range next.steps {
			logging.WithStep(logger, step.ID).Debug("step started", "server_id", step.Server, "tool", step.Tool)
			s.emit(Event{
				Type:        EventStepStarted,
				ExecutionID: id,
				WorkflowID:  def.ID,
				StepID:      step.ID,
				Status:      string(types.StepStatusRunning),
			})
		}

		scope := vars.Scope{Outputs: next.outputs, Context: scopeContext}
		s.runBatch(ctx, def, id, next.steps, scope, deadline, limit, logger)
	}

	s.finish(def, id, logger)
}

// nextBatch marks the ready set running and returns it. done is true once
// the execution is terminal, either already or as decided here.
func (s *Scheduler) nextBatch(def *types.WorkflowDefinition, id string, deadline time.Time, limit time.Duration, logger *slog.Logger) (batch, bool) {
	var next batch
	done := false

	_, err := s.tracker.Update(id, func(exec *types.Execution) error {
		if exec.Status != types.ExecutionStatusRunning {
			done = true
			return nil
		}

		if !time.Now().Before(deadline) {
			done = true
			exec.SkipPending()
			return exec.Fail(flowerrors.WorkflowTimeout(def.ID, limit.String()), flowerrors.CodeSchedTimeout)
		}

		for i := range def.Steps {
			step := &def.Steps[i]
			se, ok := exec.Step(step.ID)
			if !ok || se.Status != types.StepStatusPending {
				continue
			}
			if dependenciesSatisfied(exec, step) {
				next.steps = append(next.steps, step)
			}
		}

		if len(next.steps) == 0 {
			done = true
			if exec.AllTerminal() {
				return exec.Complete()
			}
			blocked := pendingSteps(exec)
			exec.SkipPending()
			return exec.Fail(flowerrors.Deadlock(def.ID, blocked), flowerrors.CodeSchedDeadlock)
		}

		for _, step := range next.steps {
			se, _ := exec.Step(step.ID)
			if err := se.Start(); err != nil {
				return err
			}
		}

		next.outputs = make(map[string]any, len(exec.Output))
		for k, v := range exec.Output {
			next.outputs[k] = v
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to schedule steps", "error", err)
		return batch{}, true
	}
	return next, done
}

// runBatch runs every step of a batch concurrently and records each
// result as its step returns. It waits for the whole batch so the next
// ready set sees every outcome. A panicking step is recorded as failed.
func (s *Scheduler) runBatch(ctx context.Context, def *types.WorkflowDefinition, id string, steps []*types.WorkflowStep, scope vars.Scope, deadline time.Time, limit time.Duration, logger *slog.Logger) {
	wg := conc.NewWaitGroup()
	for _, step := range steps {
		wg.Go(func() {
			var result stepResult
			recovered := panics.Try(func() {
				result = s.runStep(ctx, def, step, scope, logging.WithStep(logger, step.ID))
			})
			if recovered != nil {
				logger.Error("step panicked", "step_id", step.ID, "panic", recovered.String())
				result = stepResult{
					step:     step,
					attempts: 1,
					err:      flowerrors.StepFailed(step.ID, recovered.AsError()),
				}
			}
			s.recordResult(def, id, result, deadline, limit, logger)
		})
	}
	wg.Wait()
}

// runStep resolves a step's arguments and calls its tool, retrying with
// exponential backoff up to the step's attempt limit. Calls already on the
// wire are not interrupted by cancellation or the deadline; only the wait
// between attempts is.
func (s *Scheduler) runStep(ctx context.Context, def *types.WorkflowDefinition, step *types.WorkflowStep, scope vars.Scope, logger *slog.Logger) stepResult {
	args := vars.ResolveArguments(step.Arguments, scope)
	maxAttempts := step.MaxAttempts()
	tags := []string{
		metrics.Tag(metrics.TagWorkflow, def.ID),
		metrics.Tag(metrics.TagServer, step.Server),
	}

	attempts := 0
	var lastErr error
	operation := func() (json.RawMessage, error) {
		attempts++
		s.metrics.Incr(metrics.StepAttempt, tags...)

		raw, err := s.caller.CallTool(context.WithoutCancel(ctx), step.Server, step.Tool, args)
		if err != nil {
			lastErr = err
			logger.Warn("step attempt failed", "attempt", attempts, "max_attempts", maxAttempts, "error", err)
			if permanent(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return raw, nil
	}

	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(s.backoffFor(step)),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("retrying step", "attempt", attempts+1, "delay", next)
		}),
	)

	result := stepResult{step: step, attempts: attempts}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if lastErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			err = lastErr
		}
		if attempts > 1 {
			result.err = flowerrors.StepExhausted(step.ID, attempts, err)
		} else {
			result.err = flowerrors.StepFailed(step.ID, err)
		}
		s.metrics.Incr(metrics.StepResult, append(tags, metrics.Tag(metrics.TagOutcome, "failed"))...)
		return result
	}

	result.output = decodeOutput(raw)
	s.metrics.Incr(metrics.StepResult, append(tags, metrics.Tag(metrics.TagOutcome, "completed"))...)
	return result
}

func (s *Scheduler) backoffFor(step *types.WorkflowStep) backoff.BackOff {
	initial := time.Duration(0)
	if step.Retry != nil {
		initial = step.Retry.Delay()
	}
	if initial > s.opts.MaxRetryDelay {
		initial = s.opts.MaxRetryDelay
	}
	return &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.opts.MaxRetryDelay,
	}
}

// recordResult stores one step's outcome. A halting failure or a passed
// deadline fails the execution at once, even while sibling steps are still
// in flight; their results are recorded when they return. If the execution
// was cancelled, the result is discarded and the step fails with a
// cancellation error.
func (s *Scheduler) recordResult(def *types.WorkflowDefinition, id string, r stepResult, deadline time.Time, limit time.Duration, logger *slog.Logger) {
	var ev Event

	_, err := s.tracker.Update(id, func(exec *types.Execution) error {
		se, ok := exec.Step(r.step.ID)
		if !ok {
			return nil
		}
		se.Attempts = r.attempts

		ev = Event{
			ExecutionID: id,
			WorkflowID:  def.ID,
			StepID:      r.step.ID,
		}
		switch {
		case exec.Status == types.ExecutionStatusCancelled:
			cause := flowerrors.ExecutionCancelled(id)
			_ = se.Fail(cause)
			ev.Type, ev.Error = EventStepFailed, cause.Error()
		case r.err != nil:
			_ = se.Fail(r.err)
			ev.Type, ev.Error = EventStepFailed, r.err.Error()
		default:
			_ = se.Complete(r.output)
			exec.Output[r.step.ID] = r.output
			ev.Type = EventStepCompleted
		}
		ev.Status = string(se.Status)

		if exec.Status != types.ExecutionStatusRunning {
			return nil
		}
		if !time.Now().Before(deadline) {
			exec.SkipPending()
			return exec.Fail(flowerrors.WorkflowTimeout(def.ID, limit.String()), flowerrors.CodeSchedTimeout)
		}
		if r.err != nil && se.OnFailure == types.OnFailureHalt {
			exec.SkipPending()
			return exec.Fail(r.err, flowerrors.Code(r.err))
		}
		return nil
	})
	if err != nil {
		logger.Error("failed to record step result", "step_id", r.step.ID, "error", err)
	}
	if ev.Type == "" {
		return
	}

	stepLogger := logging.WithStep(logger, ev.StepID)
	if ev.Type == EventStepFailed {
		stepLogger.Warn("step failed", "error", ev.Error)
	} else {
		stepLogger.Info("step completed")
	}
	s.emit(ev)
}

func (s *Scheduler) finish(def *types.WorkflowDefinition, id string, logger *slog.Logger) {
	exec, err := s.tracker.Get(id)
	if err != nil {
		logger.Error("execution disappeared before finish", "error", err)
		return
	}

	status := string(exec.Status)
	s.metrics.Incr(metrics.ExecutionCount, metrics.Tag(metrics.TagWorkflow, def.ID), metrics.Tag(metrics.TagStatus, status))
	s.metrics.TimingSince(metrics.ExecutionTime, exec.StartedAt, metrics.Tag(metrics.TagWorkflow, def.ID))

	switch exec.Status {
	case types.ExecutionStatusFailed:
		logger.Warn("execution failed", "error", exec.Error, "error_code", exec.ErrorCode)
	default:
		logger.Info("execution finished", "status", status, "duration", time.Since(exec.StartedAt))
	}

	s.emit(Event{
		Type:        EventExecutionFinished,
		ExecutionID: id,
		WorkflowID:  def.ID,
		Status:      status,
		Error:       exec.Error,
	})
}

// buildContext assembles the values placeholders resolve against: workflow
// defaults, then execution variables, then input. Input is also available
// whole under "input".
func buildContext(def *types.WorkflowDefinition, exec *types.Execution) map[string]any {
	ctx := make(map[string]any, len(def.Variables)+len(exec.Variables)+len(exec.Input)+2)
	for k, v := range def.Variables {
		ctx[k] = v
	}
	for k, v := range exec.Variables {
		ctx[k] = v
	}
	for k, v := range exec.Input {
		ctx[k] = v
	}

	input := exec.Input
	if input == nil {
		input = map[string]any{}
	}
	ctx["input"] = input
	ctx["execution"] = map[string]any{
		"id":          exec.ID,
		"workflow_id": exec.WorkflowID,
		"started_at":  exec.StartedAt.Format(time.RFC3339),
	}
	return ctx
}

func dependenciesSatisfied(exec *types.Execution, step *types.WorkflowStep) bool {
	for _, dep := range step.DependsOn {
		se, ok := exec.Step(dep)
		if !ok || !se.Satisfied() {
			return false
		}
	}
	return true
}

func pendingSteps(exec *types.Execution) []string {
	var ids []string
	for _, se := range exec.Steps {
		if se.Status == types.StepStatusPending {
			ids = append(ids, se.StepID)
		}
	}
	return ids
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	code := flowerrors.Code(err)
	switch code {
	case flowerrors.CodeRPCInvalidArgs,
		flowerrors.CodeConfigMissingField,
		flowerrors.CodeConfigInvalidValue,
		flowerrors.CodeConfigCommandNotAllowed,
		flowerrors.CodeConfigUnknownServer,
		flowerrors.CodeConfigUnknownTool:
		return true
	}
	return false
}

// decodeOutput turns a raw tool result into a value placeholders can walk.
// Results that are not valid JSON are kept as strings.
func decodeOutput(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}
