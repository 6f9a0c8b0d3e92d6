// Package testutil provides test infrastructure, fixtures, and helpers for toolflow.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meow-stack/toolflow/internal/config"
	"github.com/meow-stack/toolflow/internal/types"
)

// NewTestConfig creates a configuration rooted in a temporary directory.
// The workflow and logs directories are created.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	tmpDir := t.TempDir()

	cfg := config.Default()
	cfg.Paths.ServersFile = filepath.Join(tmpDir, "servers.yaml")
	cfg.Paths.WorkflowDir = filepath.Join(tmpDir, "workflows")
	cfg.Paths.LogsDir = filepath.Join(tmpDir, "logs")
	cfg.Logging.Level = config.LogLevelDebug
	cfg.Supervisor.StopGracePeriod = 500 * time.Millisecond
	cfg.Supervisor.RestartDelay = 10 * time.Millisecond

	for _, dir := range []string{cfg.Paths.WorkflowDir, cfg.Paths.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}
	return cfg
}

// NewTestServer returns a server config with one schema-less tool.
func NewTestServer(id string, tools ...string) types.ServerConfig {
	cfg := types.ServerConfig{
		ID:      id,
		Name:    id,
		Command: "toolflow-echo",
		Timeout: 5 * time.Second,
	}
	for _, name := range tools {
		cfg.Tools = append(cfg.Tools, types.ToolDescriptor{ServerID: id, Name: name})
	}
	return cfg
}

// NewTestWorkflow returns a linear workflow whose steps call tool on
// server, each depending on the previous one.
func NewTestWorkflow(id, server, tool string, stepIDs ...string) *types.WorkflowDefinition {
	def := &types.WorkflowDefinition{
		ID:      id,
		Name:    id,
		Trigger: types.Trigger{Type: types.TriggerManual},
	}
	prev := ""
	for _, sid := range stepIDs {
		step := types.WorkflowStep{
			ID:        sid,
			Server:    server,
			Tool:      tool,
			Arguments: map[string]any{"step": sid},
		}
		if prev != "" {
			step.DependsOn = []string{prev}
		}
		def.Steps = append(def.Steps, step)
		prev = sid
	}
	return def
}

// WriteFile writes content to dir/name, creating dir, and returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create directory %s: %v", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

// ServersYAML is a valid servers catalog for loader tests.
const ServersYAML = `servers:
  - id: evidence
    name: Evidence Collector
    command: toolflow-echo
    args: ["--name", "evidence"]
    timeout: 5s
    max_retries: 2
    tools:
      - name: collect
        description: Collect evidence for a control
        input_schema:
          type: object
          required: [control]
          properties:
            control:
              type: string
      - name: score
  - id: reporting
    command: toolflow-echo
    tools:
      - name: render
`

// WorkflowYAML is a valid two-step workflow definition.
const WorkflowYAML = `id: quick-check
name: Quick Check
trigger:
  type: manual
steps:
  - id: collect
    server: evidence
    tool: collect
    arguments:
      control: ${control}
  - id: report
    server: reporting
    tool: render
    depends_on: [collect]
    arguments:
      evidence: ${collect}
`
