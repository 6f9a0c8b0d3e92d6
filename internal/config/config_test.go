package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Version != "1" {
		t.Errorf("Version = %s, want 1", cfg.Version)
	}
	if cfg.Paths.ServersFile != ".toolflow/servers.yaml" {
		t.Errorf("ServersFile = %s, want .toolflow/servers.yaml", cfg.Paths.ServersFile)
	}
	if cfg.Supervisor.StopGracePeriod != 5*time.Second {
		t.Errorf("StopGracePeriod = %v, want 5s", cfg.Supervisor.StopGracePeriod)
	}
	if cfg.Scheduler.DefaultTimeout != 30*time.Minute {
		t.Errorf("Scheduler.DefaultTimeout = %v, want 30m", cfg.Scheduler.DefaultTimeout)
	}
	if cfg.Tracker.MaxExecutions != 1000 {
		t.Errorf("MaxExecutions = %d, want 1000", cfg.Tracker.MaxExecutions)
	}
	if len(cfg.Supervisor.AllowedCommands) != len(DefaultAllowedCommands) {
		t.Errorf("AllowedCommands = %v, want %v", cfg.Supervisor.AllowedCommands, DefaultAllowedCommands)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
}

func TestDefault_AllowedCommandsIsCopy(t *testing.T) {
	cfg := Default()
	cfg.Supervisor.AllowedCommands[0] = "bash"
	if DefaultAllowedCommands[0] == "bash" {
		t.Error("mutating config must not change DefaultAllowedCommands")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
version = "2"

[paths]
servers_file = "custom/servers.yaml"
workflow_dir = "custom/workflows"

[supervisor]
allowed_commands = ["python3"]
stop_grace_period = "2s"
restart_delay = "250ms"

[scheduler]
default_timeout = "10m"

[tracker]
max_executions = 0

[logging]
level = "debug"
format = "text"
`

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Version != "2" {
		t.Errorf("Version = %s, want 2", cfg.Version)
	}
	if cfg.Paths.ServersFile != "custom/servers.yaml" {
		t.Errorf("ServersFile = %s, want custom/servers.yaml", cfg.Paths.ServersFile)
	}
	if len(cfg.Supervisor.AllowedCommands) != 1 || cfg.Supervisor.AllowedCommands[0] != "python3" {
		t.Errorf("AllowedCommands = %v, want [python3]", cfg.Supervisor.AllowedCommands)
	}
	if cfg.Supervisor.StopGracePeriod != 2*time.Second {
		t.Errorf("StopGracePeriod = %v, want 2s", cfg.Supervisor.StopGracePeriod)
	}
	if cfg.Supervisor.RestartDelay != 250*time.Millisecond {
		t.Errorf("RestartDelay = %v, want 250ms", cfg.Supervisor.RestartDelay)
	}
	if cfg.Scheduler.DefaultTimeout != 10*time.Minute {
		t.Errorf("Scheduler.DefaultTimeout = %v, want 10m", cfg.Scheduler.DefaultTimeout)
	}
	if cfg.Tracker.MaxExecutions != 0 {
		t.Errorf("MaxExecutions = %d, want 0", cfg.Tracker.MaxExecutions)
	}
	if cfg.Logging.Level != LogLevelDebug {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	// Unset values keep their defaults
	if cfg.Scheduler.MaxRetryDelay != 30*time.Second {
		t.Errorf("MaxRetryDelay = %v, want default 30s", cfg.Scheduler.MaxRetryDelay)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Version != "1" {
		t.Errorf("expected defaults, got version %s", cfg.Version)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("version = [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", t.TempDir())

	if err := os.MkdirAll(filepath.Join(dir, ".toolflow"), 0755); err != nil {
		t.Fatal(err)
	}
	content := "[api]\nlisten = \"0.0.0.0:9000\"\n"
	if err := os.WriteFile(filepath.Join(dir, ".toolflow", "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(dir)
	if err != nil {
		t.Fatalf("LoadFromDir() error = %v", err)
	}
	if cfg.API.Listen != "0.0.0.0:9000" {
		t.Errorf("API.Listen = %s, want 0.0.0.0:9000", cfg.API.Listen)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		code   string
	}{
		{"missing version", func(c *Config) { c.Version = "" }, flowerrors.CodeConfigMissingField},
		{"missing servers file", func(c *Config) { c.Paths.ServersFile = "" }, flowerrors.CodeConfigMissingField},
		{"empty allow-list", func(c *Config) { c.Supervisor.AllowedCommands = nil }, flowerrors.CodeConfigMissingField},
		{"zero grace period", func(c *Config) { c.Supervisor.StopGracePeriod = 0 }, flowerrors.CodeConfigInvalidValue},
		{"negative restart delay", func(c *Config) { c.Supervisor.RestartDelay = -time.Second }, flowerrors.CodeConfigInvalidValue},
		{"zero scheduler timeout", func(c *Config) { c.Scheduler.DefaultTimeout = 0 }, flowerrors.CodeConfigInvalidValue},
		{"negative max executions", func(c *Config) { c.Tracker.MaxExecutions = -1 }, flowerrors.CodeConfigInvalidValue},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, flowerrors.CodeConfigInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if !flowerrors.HasCode(err, tt.code) {
				t.Errorf("Validate() = %v, want code %s", err, tt.code)
			}
		})
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Default()
	base := "/srv/app"

	if got := cfg.ServersFile(base); got != "/srv/app/.toolflow/servers.yaml" {
		t.Errorf("ServersFile() = %s", got)
	}
	if got := cfg.WorkflowDir(base); got != "/srv/app/.toolflow/workflows" {
		t.Errorf("WorkflowDir() = %s", got)
	}
	if got := cfg.LogFile(base); got != "" {
		t.Errorf("LogFile() = %q, want empty", got)
	}

	cfg.Logging.File = "toolflow.log"
	if got := cfg.LogFile(base); got != "/srv/app/.toolflow/logs/toolflow.log" {
		t.Errorf("LogFile() = %s", got)
	}

	cfg.Paths.WorkflowDir = "/etc/toolflow/workflows"
	if got := cfg.WorkflowDir(base); got != "/etc/toolflow/workflows" {
		t.Errorf("WorkflowDir() absolute = %s", got)
	}
}
