// Package workflow stores immutable workflow definitions and loads them
// from YAML files.
package workflow

import (
	"log/slog"
	"sort"
	"sync"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/types"
	"github.com/meow-stack/toolflow/internal/validation"
)

// ServerCatalog resolves the servers that steps reference.
// *registry.Registry satisfies it.
type ServerCatalog interface {
	Get(id string) (types.ServerConfig, error)
}

// Store holds registered workflow definitions. Definitions are immutable
// once registered: callers must not modify what Get returns.
type Store struct {
	catalog ServerCatalog
	logger  *slog.Logger

	mu   sync.RWMutex
	defs map[string]*types.WorkflowDefinition
}

// NewStore creates an empty store. A nil catalog skips the server and
// tool reference checks.
func NewStore(catalog ServerCatalog, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		catalog: catalog,
		logger:  logger.With("component", "workflow-store"),
		defs:    make(map[string]*types.WorkflowDefinition),
	}
}

// Register validates def and adds it. Registering an id twice fails.
//
// Dependencies on unknown steps and cycles are accepted here; the
// scheduler reports them as a deadlock when the workflow runs.
func (s *Store) Register(def *types.WorkflowDefinition) error {
	if def == nil {
		return flowerrors.ConfigMissingField("workflow")
	}
	if err := validation.Struct("workflow "+def.ID, def); err != nil {
		return err
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if seen[step.ID] {
			return flowerrors.ConfigInvalidValue("steps.id", step.ID, "duplicate step id in workflow "+def.ID).
				WithDetail("workflow_id", def.ID)
		}
		seen[step.ID] = true

		if err := s.checkTool(step); err != nil {
			return flowerrors.Wrapf(flowerrors.Code(err), err, "workflow %s step %s", def.ID, step.ID).
				WithDetail("workflow_id", def.ID).
				WithDetail("step_id", step.ID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[def.ID]; exists {
		return flowerrors.DuplicateWorkflow(def.ID)
	}
	s.defs[def.ID] = def
	s.logger.Debug("registered workflow", "workflow_id", def.ID, "steps", len(def.Steps))
	return nil
}

// checkTool verifies the step's server exists and, when the server
// declares its tools, that the tool is one of them.
func (s *Store) checkTool(step types.WorkflowStep) error {
	if s.catalog == nil {
		return nil
	}
	cfg, err := s.catalog.Get(step.Server)
	if err != nil {
		return err
	}
	if len(cfg.Tools) == 0 {
		return nil
	}
	if _, ok := cfg.Tool(step.Tool); !ok {
		return flowerrors.UnknownTool(step.Server, step.Tool)
	}
	return nil
}

// Get returns the definition with the given id.
func (s *Store) Get(id string) (*types.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, flowerrors.UnknownWorkflow(id)
	}
	return def, nil
}

// Has reports whether a workflow is registered.
func (s *Store) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.defs[id]
	return ok
}

// List returns every definition ordered by id.
func (s *Store) List() []*types.WorkflowDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.WorkflowDefinition, 0, len(s.defs))
	for _, def := range s.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
