package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
)

// LogLevel specifies the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Valid returns true if this is a recognized log level.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat specifies the log output format.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// DefaultAllowedCommands is the base set of executables a tool server may be
// launched with. Anything else is rejected before a process is created.
var DefaultAllowedCommands = []string{"node", "npx", "python", "python3", "uvx", "toolflow-echo"}

// PathsConfig holds path configuration.
type PathsConfig struct {
	ServersFile string `toml:"servers_file"`
	WorkflowDir string `toml:"workflow_dir"`
	LogsDir     string `toml:"logs_dir"`
}

// SupervisorConfig holds process supervision settings.
type SupervisorConfig struct {
	// AllowedCommands lists executable base names that may be spawned.
	AllowedCommands []string `toml:"allowed_commands"`

	// StopGracePeriod is how long Stop waits after SIGTERM before SIGKILL.
	StopGracePeriod time.Duration `toml:"stop_grace_period"`

	// RestartDelay is the fixed delay before an automatic restart.
	RestartDelay time.Duration `toml:"restart_delay"`

	// DefaultTimeout applies to servers that do not declare a timeout. It
	// bounds the handshake and every request.
	DefaultTimeout time.Duration `toml:"default_timeout"`
}

// SchedulerConfig holds workflow execution settings.
type SchedulerConfig struct {
	// DefaultTimeout bounds executions whose workflow declares no timeout.
	DefaultTimeout time.Duration `toml:"default_timeout"`

	// MaxRetryDelay caps the exponential backoff between step attempts.
	MaxRetryDelay time.Duration `toml:"max_retry_delay"`

	// WatchWorkflows registers new definition files as they appear.
	WatchWorkflows bool `toml:"watch_workflows"`
}

// TrackerConfig holds execution retention settings.
type TrackerConfig struct {
	// MaxExecutions bounds retained executions. 0 keeps everything.
	MaxExecutions int `toml:"max_executions"`
}

// APIConfig holds management API settings.
type APIConfig struct {
	Listen string `toml:"listen"`
}

// MetricsConfig holds statsd settings.
type MetricsConfig struct {
	Enabled bool     `toml:"enabled"`
	Address string   `toml:"address"`
	Tags    []string `toml:"tags"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      LogLevel  `toml:"level"`
	Format     LogFormat `toml:"format"`
	File       string    `toml:"file"`
	MaxSizeMB  int       `toml:"max_size_mb"`
	MaxBackups int       `toml:"max_backups"`
}

// Config is the main configuration struct for toolflow.
type Config struct {
	Version    string           `toml:"version"`
	Paths      PathsConfig      `toml:"paths"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Tracker    TrackerConfig    `toml:"tracker"`
	API        APIConfig        `toml:"api"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Logging    LoggingConfig    `toml:"logging"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	allowed := make([]string, len(DefaultAllowedCommands))
	copy(allowed, DefaultAllowedCommands)

	return &Config{
		Version: "1",
		Paths: PathsConfig{
			ServersFile: ".toolflow/servers.yaml",
			WorkflowDir: ".toolflow/workflows",
			LogsDir:     ".toolflow/logs",
		},
		Supervisor: SupervisorConfig{
			AllowedCommands: allowed,
			StopGracePeriod: 5 * time.Second,
			RestartDelay:    time.Second,
			DefaultTimeout:  30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			DefaultTimeout: 30 * time.Minute,
			MaxRetryDelay:  30 * time.Second,
		},
		Tracker: TrackerConfig{
			MaxExecutions: 1000,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8088",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "localhost:8125",
		},
		Logging: LoggingConfig{
			Level:      LogLevelInfo,
			Format:     LogFormatJSON,
			File:       "",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// Load loads configuration from file, merging with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// LoadFromDir loads configuration from the standard locations in a directory.
// Applies in order: defaults -> ~/.toolflow/config.toml -> .toolflow/config.toml
// Later configs override earlier ones (project-level takes precedence).
func LoadFromDir(dir string) (*Config, error) {
	cfg := Default()

	home, err := os.UserHomeDir()
	if err == nil {
		globalConfig := filepath.Join(home, ".toolflow", "config.toml")
		if data, err := os.ReadFile(globalConfig); err == nil {
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing global config: %w", err)
			}
		}
	}

	projectConfig := filepath.Join(dir, ".toolflow", "config.toml")
	if data, err := os.ReadFile(projectConfig); err == nil {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing project config: %w", err)
		}
	}

	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Version == "" {
		return flowerrors.ConfigMissingField("version")
	}
	if c.Paths.ServersFile == "" {
		return flowerrors.ConfigMissingField("paths.servers_file")
	}
	if len(c.Supervisor.AllowedCommands) == 0 {
		return flowerrors.ConfigMissingField("supervisor.allowed_commands")
	}
	if c.Supervisor.StopGracePeriod <= 0 {
		return flowerrors.ConfigInvalidValue("supervisor.stop_grace_period", c.Supervisor.StopGracePeriod, "must be positive")
	}
	if c.Supervisor.RestartDelay < 0 {
		return flowerrors.ConfigInvalidValue("supervisor.restart_delay", c.Supervisor.RestartDelay, "must not be negative")
	}
	if c.Supervisor.DefaultTimeout <= 0 {
		return flowerrors.ConfigInvalidValue("supervisor.default_timeout", c.Supervisor.DefaultTimeout, "must be positive")
	}
	if c.Scheduler.DefaultTimeout <= 0 {
		return flowerrors.ConfigInvalidValue("scheduler.default_timeout", c.Scheduler.DefaultTimeout, "must be positive")
	}
	if c.Scheduler.MaxRetryDelay <= 0 {
		return flowerrors.ConfigInvalidValue("scheduler.max_retry_delay", c.Scheduler.MaxRetryDelay, "must be positive")
	}
	if c.Tracker.MaxExecutions < 0 {
		return flowerrors.ConfigInvalidValue("tracker.max_executions", c.Tracker.MaxExecutions, "must not be negative")
	}
	if !c.Logging.Level.Valid() {
		return flowerrors.ConfigInvalidValue("logging.level", c.Logging.Level, "unknown level")
	}
	return nil
}

// ServersFile returns the absolute server catalog path.
func (c *Config) ServersFile(baseDir string) string {
	return resolve(baseDir, c.Paths.ServersFile)
}

// WorkflowDir returns the absolute workflow definition directory path.
func (c *Config) WorkflowDir(baseDir string) string {
	return resolve(baseDir, c.Paths.WorkflowDir)
}

// LogsDir returns the absolute logs directory path.
func (c *Config) LogsDir(baseDir string) string {
	return resolve(baseDir, c.Paths.LogsDir)
}

// LogFile returns the absolute log file path, or "" when file logging is off.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(c.LogsDir(baseDir), c.Logging.File)
}

func resolve(baseDir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
