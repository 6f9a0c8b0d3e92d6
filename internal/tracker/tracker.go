// Package tracker holds every known workflow execution, in creation order.
package tracker

import (
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/types"
)

// Tracker stores executions keyed by id. Readers get deep copies; writers
// go through Update so every mutation happens under the tracker's lock.
type Tracker struct {
	mu         sync.RWMutex
	executions *orderedmap.OrderedMap[string, *types.Execution]
	max        int
	logger     *slog.Logger
}

// New creates a tracker retaining at most maxExecutions. When the bound is
// exceeded the oldest finished executions are evicted; running executions
// are never evicted. Zero means unbounded.
func New(maxExecutions int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		executions: orderedmap.New[string, *types.Execution](),
		max:        maxExecutions,
		logger:     logger.With("component", "tracker"),
	}
}

// Add stores a new execution. The tracker takes ownership of exec.
func (t *Tracker) Add(exec *types.Execution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.executions.Set(exec.ID, exec)
	t.evictLocked(exec.ID)
}

// Get returns a snapshot of one execution.
func (t *Tracker) Get(id string) (*types.Execution, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	exec, ok := t.executions.Get(id)
	if !ok {
		return nil, flowerrors.ExecutionNotFound(id)
	}
	return exec.Clone(), nil
}

// List returns snapshots of every execution in creation order.
func (t *Tracker) List() []*types.Execution {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*types.Execution, 0, t.executions.Len())
	for pair := t.executions.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value.Clone())
	}
	return out
}

// Len returns the number of retained executions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.executions.Len()
}

// Update applies fn to the stored execution under the tracker's lock and
// returns a snapshot of the result. fn must not retain exec. An execution
// that finishes here is never the one evicted by the same call.
func (t *Tracker) Update(id string, fn func(exec *types.Execution) error) (*types.Execution, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.executions.Get(id)
	if !ok {
		return nil, flowerrors.ExecutionNotFound(id)
	}
	if err := fn(exec); err != nil {
		return exec.Clone(), err
	}
	if exec.Status.IsTerminal() {
		t.evictLocked(id)
	}
	return exec.Clone(), nil
}

// evictLocked drops the oldest finished executions over the bound, sparing
// keep.
func (t *Tracker) evictLocked(keep string) {
	if t.max <= 0 || t.executions.Len() <= t.max {
		return
	}
	excess := t.executions.Len() - t.max
	var evict []string
	for pair := t.executions.Oldest(); pair != nil && len(evict) < excess; pair = pair.Next() {
		if pair.Key != keep && pair.Value.Status.IsTerminal() {
			evict = append(evict, pair.Key)
		}
	}
	for _, id := range evict {
		t.executions.Delete(id)
	}
	if len(evict) > 0 {
		t.logger.Debug("evicted finished executions", "count", len(evict), "retained", t.executions.Len())
	}
}
