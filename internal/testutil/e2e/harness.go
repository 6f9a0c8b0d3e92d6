package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meow-stack/toolflow/internal/types"
)

// Binaries locates the executables under test.
type Binaries struct {
	Toolflow string
	Echo     string
}

// BuildBinaries builds toolflow and toolflow-echo from the module at root
// into outDir.
func BuildBinaries(root, outDir string) (Binaries, error) {
	bins := Binaries{
		Toolflow: filepath.Join(outDir, "toolflow"),
		Echo:     filepath.Join(outDir, "toolflow-echo"),
	}
	builds := []struct {
		out, pkg string
	}{
		{bins.Toolflow, "./cmd/toolflow"},
		{bins.Echo, "./cmd/toolflow-echo"},
	}
	for _, b := range builds {
		cmd := exec.Command("go", "build", "-o", b.out, b.pkg)
		cmd.Dir = root
		if out, err := cmd.CombinedOutput(); err != nil {
			return Binaries{}, fmt.Errorf("building %s: %w\n%s", b.pkg, err, out)
		}
	}
	return bins, nil
}

// FindProjectRoot walks up from the working directory to find go.mod.
func FindProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Harness provides test isolation for E2E tests.
// Each harness creates an isolated environment with its own:
// - Project directory holding .toolflow/config.toml, servers and workflows
// - Home directory, so no global configuration leaks in
// - toolflow-echo configuration per server
type Harness struct {
	// TempDir is the project directory toolflow runs in.
	TempDir string

	// HomeDir replaces $HOME for subprocesses.
	HomeDir string

	// WorkflowDir is where workflow definitions are stored.
	WorkflowDir string

	// LogsDir is where toolflow writes log files.
	LogsDir string

	// ServersFile is the server catalog path.
	ServersFile string

	// Bins are the executables under test.
	Bins Binaries

	// Servers is the catalog written to ServersFile.
	Servers []types.ServerConfig

	// t is the test context for logging and cleanup.
	t *testing.T

	// cleanupFuncs are called on Cleanup().
	cleanupFuncs []func()
}

// NewHarness creates a new test harness with isolated directories.
func NewHarness(t *testing.T, bins Binaries) *Harness {
	t.Helper()

	tempDir := t.TempDir()
	h := &Harness{
		TempDir:     filepath.Join(tempDir, "project"),
		HomeDir:     filepath.Join(tempDir, "home"),
		Bins:        bins,
		t:           t,
		WorkflowDir: filepath.Join(tempDir, "project", ".toolflow", "workflows"),
		LogsDir:     filepath.Join(tempDir, "project", ".toolflow", "logs"),
		ServersFile: filepath.Join(tempDir, "project", ".toolflow", "servers.yaml"),
	}

	for _, dir := range []string{h.WorkflowDir, h.LogsDir, h.HomeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to create directory %s: %v", dir, err)
		}
	}

	if err := h.WriteConfig(""); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if err := h.writeServers(); err != nil {
		t.Fatalf("failed to write servers: %v", err)
	}

	t.Cleanup(h.Cleanup)
	return h
}

// baseConfig keeps supervision and retries fast for tests.
const baseConfig = `version = "1"

[supervisor]
allowed_commands = ["toolflow-echo"]
stop_grace_period = "500ms"
restart_delay = "100ms"
default_timeout = "5s"

[scheduler]
max_retry_delay = "200ms"

[logging]
level = "debug"
format = "json"
file = "toolflow.log"
`

// WriteConfig writes .toolflow/config.toml: the base test configuration
// followed by extra TOML.
func (h *Harness) WriteConfig(extra string) error {
	path := filepath.Join(h.TempDir, ".toolflow", "config.toml")
	return os.WriteFile(path, []byte(baseConfig+extra), 0644)
}

// Cleanup releases resources. Called automatically via t.Cleanup.
func (h *Harness) Cleanup() {
	// Run cleanup functions in reverse order
	for i := len(h.cleanupFuncs) - 1; i >= 0; i-- {
		h.cleanupFuncs[i]()
	}
}

// OnCleanup registers a function to be called during cleanup.
func (h *Harness) OnCleanup(fn func()) {
	h.cleanupFuncs = append(h.cleanupFuncs, fn)
}

// AddEchoServer writes cfg for a toolflow-echo server and adds the server
// to the catalog, declaring every configured tool.
func (h *Harness) AddEchoServer(id string, cfg EchoTestConfig) error {
	return h.AddEchoServerWith(id, cfg, func(*types.ServerConfig) {})
}

// AddEchoServerWith is AddEchoServer with a hook to adjust the server
// entry, for example its timeout or max_retries.
func (h *Harness) AddEchoServerWith(id string, cfg EchoTestConfig, adjust func(*types.ServerConfig)) error {
	configPath := filepath.Join(h.TempDir, ".toolflow", "echo-"+id+".yaml")
	if cfg.Name == "" {
		cfg.Name = id
	}
	if err := cfg.WriteToFile(configPath); err != nil {
		return fmt.Errorf("write echo config: %w", err)
	}

	server := types.ServerConfig{
		ID:      id,
		Name:    id,
		Command: h.Bins.Echo,
		Args:    []string{"--config", configPath},
	}
	for _, tool := range cfg.Tools {
		server.Tools = append(server.Tools, types.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	adjust(&server)

	h.Servers = append(h.Servers, server)
	return h.writeServers()
}

func (h *Harness) writeServers() error {
	catalog := struct {
		Servers []types.ServerConfig `yaml:"servers"`
	}{Servers: h.Servers}
	if catalog.Servers == nil {
		catalog.Servers = []types.ServerConfig{}
	}
	data, err := yaml.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("marshal servers: %w", err)
	}
	return os.WriteFile(h.ServersFile, data, 0644)
}

// WriteWorkflow writes a workflow definition to the workflow directory.
func (h *Harness) WriteWorkflow(name, content string) error {
	path := filepath.Join(h.WorkflowDir, name)
	if !strings.HasSuffix(path, ".yaml") && !strings.HasSuffix(path, ".yml") {
		path += ".yaml"
	}
	return os.WriteFile(path, []byte(content), 0644)
}

// Env returns environment variables for subprocess execution.
func (h *Harness) Env() []string {
	var env []string
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "HOME=") || strings.HasPrefix(kv, "TOOLFLOW_ECHO_") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "HOME="+h.HomeDir)
}

// Toolflow runs the toolflow binary in the project directory and returns
// stdout, stderr and the exit error.
func (h *Harness) Toolflow(args ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, h.Bins.Toolflow, args...)
	cmd.Dir = h.TempDir
	cmd.Env = h.Env()

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// RunWorkflow runs 'toolflow run --json' and decodes the final execution.
// A non-zero exit is expected for executions that do not complete, so it
// is only reported when no execution was printed.
func (h *Harness) RunWorkflow(workflowID string, args ...string) (*RunResult, error) {
	full := append([]string{"run", workflowID, "--json"}, args...)
	stdout, stderr, err := h.Toolflow(full...)

	res, perr := parseRunResult(stdout, stderr, err)
	if perr != nil {
		return nil, fmt.Errorf("toolflow run %s: %v (decode: %w)\nstdout: %s\nstderr: %s", workflowID, err, perr, stdout, stderr)
	}
	return res, nil
}

// LogFile returns the contents of the toolflow log file.
func (h *Harness) LogFile() string {
	data, err := os.ReadFile(filepath.Join(h.LogsDir, "toolflow.log"))
	if err != nil {
		return ""
	}
	return string(data)
}
