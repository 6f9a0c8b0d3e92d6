// Package scheduler runs workflow executions: it dispatches every step
// whose dependencies are satisfied, retries failed tool calls and records
// progress in the tracker.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/meow-stack/toolflow/internal/config"
	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/metrics"
	"github.com/meow-stack/toolflow/internal/tracker"
	"github.com/meow-stack/toolflow/internal/types"
)

// ToolCaller invokes tools on servers. *supervisor.Supervisor satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, tool string, args map[string]any) (json.RawMessage, error)
}

// Definitions resolves workflow ids. *workflow.Store satisfies it.
type Definitions interface {
	Get(id string) (*types.WorkflowDefinition, error)
}

// Options configures a Scheduler.
type Options struct {
	// DefaultTimeout bounds executions whose workflow declares none.
	DefaultTimeout time.Duration

	// MaxRetryDelay caps the backoff between step attempts.
	MaxRetryDelay time.Duration

	// NewID generates execution ids. Defaults to GenerateExecutionID.
	NewID func() string

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// OptionsFromConfig builds Options from the scheduler section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultTimeout: cfg.Scheduler.DefaultTimeout,
		MaxRetryDelay:  cfg.Scheduler.MaxRetryDelay,
	}
}

// run is the bookkeeping for one live execution.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler executes workflows.
type Scheduler struct {
	defs    Definitions
	caller  ToolCaller
	tracker *tracker.Tracker
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu          sync.Mutex
	runs        map[string]*run
	subscribers []EventHandler
	wg          sync.WaitGroup

	// emitMu serializes event delivery.
	emitMu sync.Mutex
}

// New creates a scheduler.
func New(defs Definitions, caller ToolCaller, t *tracker.Tracker, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Minute
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	if opts.NewID == nil {
		opts.NewID = GenerateExecutionID
	}
	return &Scheduler{
		defs:    defs,
		caller:  caller,
		tracker: t,
		opts:    opts,
		logger:  opts.Logger.With("component", "scheduler"),
		metrics: opts.Metrics,
		runs:    make(map[string]*run),
	}
}

// Subscribe registers a handler for execution events.
func (s *Scheduler) Subscribe(fn EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Execute starts a run of workflowID and returns a snapshot of the new
// execution immediately; steps are dispatched on a separate goroutine.
// An unknown workflow fails without creating an execution.
//
// The run is detached from ctx's cancellation; use Cancel to stop it.
func (s *Scheduler) Execute(ctx context.Context, workflowID string, input, variables map[string]any) (*types.Execution, error) {
	def, err := s.defs.Get(workflowID)
	if err != nil {
		return nil, err
	}

	exec := types.NewExecution(s.opts.NewID(), def, input, variables)
	snapshot := exec.Clone()
	s.tracker.Add(exec)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.runs[snapshot.ID] = r
	live := len(s.runs)
	s.mu.Unlock()

	s.metrics.Gauge(metrics.ExecutionsLive, float64(live))
	s.logger.Info("execution started", "workflow_id", def.ID, "execution_id", snapshot.ID, "steps", len(def.Steps))
	s.emit(Event{
		Type:        EventExecutionStarted,
		ExecutionID: snapshot.ID,
		WorkflowID:  def.ID,
		Status:      string(types.ExecutionStatusRunning),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishRun(snapshot.ID, r)
		s.execute(runCtx, def, snapshot.ID)
	}()

	return snapshot, nil
}

func (s *Scheduler) finishRun(id string, r *run) {
	r.cancel()

	s.mu.Lock()
	delete(s.runs, id)
	live := len(s.runs)
	s.mu.Unlock()
	close(r.done)

	s.metrics.Gauge(metrics.ExecutionsLive, float64(live))
}

// Cancel stops a running execution. No further steps are dispatched and
// pending steps are skipped. Tool calls already in flight are not
// interrupted, but their results are discarded.
func (s *Scheduler) Cancel(id string) (*types.Execution, error) {
	snapshot, err := s.tracker.Update(id, func(exec *types.Execution) error {
		if exec.Status != types.ExecutionStatusRunning {
			return flowerrors.ExecutionNotRunning(id, string(exec.Status))
		}
		if err := exec.Cancel(); err != nil {
			return err
		}
		exec.SkipPending()
		return nil
	})
	if err != nil {
		return snapshot, err
	}

	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		r.cancel()
	}

	s.logger.Info("execution cancelled", "workflow_id", snapshot.WorkflowID, "execution_id", id)
	return snapshot, nil
}

// Get returns a snapshot of one execution.
func (s *Scheduler) Get(id string) (*types.Execution, error) {
	return s.tracker.Get(id)
}

// List returns snapshots of every retained execution, oldest first.
func (s *Scheduler) List() []*types.Execution {
	return s.tracker.List()
}

// Wait blocks until the execution's run has finished or ctx is done and
// returns its latest snapshot.
func (s *Scheduler) Wait(ctx context.Context, id string) (*types.Execution, error) {
	s.mu.Lock()
	r, ok := s.runs[id]
	s.mu.Unlock()

	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.tracker.Get(id)
}

// Shutdown cancels every running execution and waits for their runs to
// return, or for ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Cancel(id); err != nil && !flowerrors.HasCode(err, flowerrors.CodeSchedNotRunning) {
			s.logger.Warn("failed to cancel execution", "execution_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
