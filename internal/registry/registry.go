// Package registry holds the static catalog of tool servers and the tools
// each one declares.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/types"
	"github.com/meow-stack/toolflow/internal/validation"
)

type entry struct {
	config  types.ServerConfig
	schemas map[string]*jsonschema.Schema // tool name -> compiled input schema
}

// Registry is a concurrency-safe catalog of tool server configurations.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*entry
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		servers: make(map[string]*entry),
		logger:  logger.With("component", "registry"),
	}
}

// Load builds a registry from a servers catalog file.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	cat, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	r := New(logger)
	for _, cfg := range cat.Servers {
		if err := r.Register(cfg); err != nil {
			return nil, err
		}
	}
	r.logger.Info("loaded server catalog", "path", path, "servers", len(cat.Servers))
	return r, nil
}

// Register validates cfg, compiles its tool schemas and adds it. Server ids
// are unique.
func (r *Registry) Register(cfg types.ServerConfig) error {
	if err := validation.Struct("server "+cfg.ID, cfg); err != nil {
		return err
	}

	e := &entry{config: cfg, schemas: make(map[string]*jsonschema.Schema)}
	e.config.Tools = make([]types.ToolDescriptor, len(cfg.Tools))
	seen := make(map[string]bool, len(cfg.Tools))
	for i, tool := range cfg.Tools {
		if seen[tool.Name] {
			return flowerrors.ConfigInvalidValue("tools", tool.Name, "duplicate tool in server "+cfg.ID)
		}
		seen[tool.Name] = true

		tool.ServerID = cfg.ID
		e.config.Tools[i] = tool
		if len(tool.InputSchema) == 0 {
			continue
		}
		schema, err := validation.CompileSchema(cfg.ID+"/"+tool.Name, tool.InputSchema)
		if err != nil {
			return flowerrors.Wrapf(flowerrors.CodeConfigInvalidValue, err, "invalid input schema for %s/%s", cfg.ID, tool.Name).
				WithDetail("server_id", cfg.ID).
				WithDetail("tool", tool.Name)
		}
		e.schemas[tool.Name] = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[cfg.ID]; exists {
		return flowerrors.ConfigInvalidValue("id", cfg.ID, "duplicate server id")
	}
	r.servers[cfg.ID] = e
	r.logger.Debug("registered server", "server_id", cfg.ID, "tools", len(cfg.Tools))
	return nil
}

// Get returns the configuration of a server.
func (r *Registry) Get(id string) (types.ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.servers[id]
	if !ok {
		return types.ServerConfig{}, flowerrors.UnknownServer(id)
	}
	return e.config, nil
}

// Has reports whether a server is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.servers[id]
	return ok
}

// List returns every server configuration sorted by id.
func (r *Registry) List() []types.ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ServerConfig, 0, len(r.servers))
	for _, e := range r.servers {
		out = append(out, e.config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Tools returns the tools a server declares.
func (r *Registry) Tools(serverID string) ([]types.ToolDescriptor, error) {
	cfg, err := r.Get(serverID)
	if err != nil {
		return nil, err
	}
	return cfg.Tools, nil
}

// Tool returns one declared tool.
func (r *Registry) Tool(serverID, name string) (types.ToolDescriptor, error) {
	cfg, err := r.Get(serverID)
	if err != nil {
		return types.ToolDescriptor{}, err
	}
	tool, ok := cfg.Tool(name)
	if !ok {
		return types.ToolDescriptor{}, flowerrors.UnknownTool(serverID, name)
	}
	return *tool, nil
}

// AllTools returns every declared tool across servers, ordered by server id.
func (r *Registry) AllTools() []types.ToolDescriptor {
	var out []types.ToolDescriptor
	for _, cfg := range r.List() {
		out = append(out, cfg.Tools...)
	}
	return out
}

// ValidateArguments checks a call's arguments against the tool's declared
// input schema. Servers or tools without a schema accept anything; an
// unknown server is an error.
func (r *Registry) ValidateArguments(serverID, tool string, args map[string]any) error {
	r.mu.RLock()
	e, ok := r.servers[serverID]
	r.mu.RUnlock()
	if !ok {
		return flowerrors.UnknownServer(serverID)
	}

	schema, ok := e.schemas[tool]
	if !ok {
		return nil
	}
	if err := validation.Arguments(schema, args); err != nil {
		return flowerrors.InvalidArguments(serverID, tool, err)
	}
	return nil
}
