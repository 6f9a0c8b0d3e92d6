package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultToolNames are exposed when the configuration declares no tools.
var defaultToolNames = []string{"echo", "collect", "score", "render"}

// NewDefaultEchoConfig returns a configuration whose tools echo their
// arguments back.
func NewDefaultEchoConfig() EchoConfig {
	cfg := EchoConfig{
		Name:    "toolflow-echo",
		Version: "1.0.0",
		Timing: TimingConfig{
			DefaultDelay: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
	for _, name := range defaultToolNames {
		cfg.Tools = append(cfg.Tools, ToolConfig{
			Name:        name,
			Description: "Returns its arguments",
			Default:     Action{Type: ActionEcho},
		})
	}
	return cfg
}

// LoadConfig loads a configuration from a YAML file over the defaults.
// Declared tools replace the default tool set.
func LoadConfig(path string) (EchoConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EchoConfig{}, err
	}

	config := NewDefaultEchoConfig()
	defaults := config.Tools
	config.Tools = nil
	if err := yaml.Unmarshal(data, &config); err != nil {
		return EchoConfig{}, err
	}
	if len(config.Tools) == 0 {
		config.Tools = defaults
	}

	if err := config.validate(); err != nil {
		return EchoConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

func (c EchoConfig) validate() error {
	seen := make(map[string]bool, len(c.Tools))
	for i, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tools[%d]: name is required", i)
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool %q", tool.Name)
		}
		seen[tool.Name] = true
		for j, b := range tool.Behaviors {
			if b.Type != "" && b.Type != "contains" && b.Type != "regex" {
				return fmt.Errorf("tool %s: behaviors[%d]: unknown match type %q", tool.Name, j, b.Type)
			}
		}
	}
	return nil
}

// delayFor returns the action's delay, falling back to the default.
func (c EchoConfig) delayFor(a Action) time.Duration {
	if a.Delay > 0 {
		return a.Delay
	}
	return c.Timing.DefaultDelay
}
