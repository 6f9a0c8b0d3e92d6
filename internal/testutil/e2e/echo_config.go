package e2e

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EchoTestConfig holds a complete toolflow-echo configuration.
// This mirrors the command's own config types, which live in package main.
type EchoTestConfig struct {
	Name    string        `yaml:"name,omitempty"`
	Timing  TimingConfig  `yaml:"timing"`
	Tools   []ToolConfig  `yaml:"tools"`
	Logging LoggingConfig `yaml:"logging"`
}

// TimingConfig controls server timing.
type TimingConfig struct {
	StartupDelay time.Duration `yaml:"startup_delay"`
	DefaultDelay time.Duration `yaml:"default_delay"`
}

// LoggingConfig controls server logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ToolConfig declares one tool and how it responds.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	InputSchema map[string]any `yaml:"input_schema,omitempty"`
	Behaviors   []Behavior     `yaml:"behaviors,omitempty"`
	Default     Action         `yaml:"default"`
}

// Behavior matches a call by its arguments.
type Behavior struct {
	Match  string `yaml:"match"`
	Type   string `yaml:"type"` // "contains" or "regex"
	Field  string `yaml:"field,omitempty"`
	Action Action `yaml:"action"`
}

// ActionType defines what the server does when a call matches.
type ActionType string

const (
	ActionEcho            ActionType = "echo"
	ActionComplete        ActionType = "complete"
	ActionFail            ActionType = "fail"
	ActionFailThenSucceed ActionType = "fail_then_succeed"
	ActionHang            ActionType = "hang"
	ActionCrash           ActionType = "crash"
)

// Action defines the server's response to a call.
type Action struct {
	Type           ActionType    `yaml:"type"`
	Delay          time.Duration `yaml:"delay,omitempty"`
	Result         any           `yaml:"result,omitempty"`
	ResultSequence []any         `yaml:"result_sequence,omitempty"`
	FailCount      int           `yaml:"fail_count,omitempty"`
	FailMessage    string        `yaml:"fail_message,omitempty"`
	ExitCode       int           `yaml:"exit_code,omitempty"`
}

// EchoConfigBuilder provides a fluent API for building echo configs.
// Methods naming a tool that was not added yet add it first.
type EchoConfigBuilder struct {
	config EchoTestConfig
}

// NewEchoConfigBuilder creates a builder with no tools and fast timing.
func NewEchoConfigBuilder() *EchoConfigBuilder {
	return &EchoConfigBuilder{
		config: EchoTestConfig{
			Timing: TimingConfig{
				DefaultDelay: 5 * time.Millisecond,
			},
			Logging: LoggingConfig{
				Level:  "debug",
				Format: "json",
			},
		},
	}
}

func (b *EchoConfigBuilder) tool(name string) *ToolConfig {
	for i := range b.config.Tools {
		if b.config.Tools[i].Name == name {
			return &b.config.Tools[i]
		}
	}
	b.config.Tools = append(b.config.Tools, ToolConfig{Name: name, Default: Action{Type: ActionEcho}})
	return &b.config.Tools[len(b.config.Tools)-1]
}

// WithTool adds a tool that echoes its arguments.
func (b *EchoConfigBuilder) WithTool(name string) *EchoConfigBuilder {
	b.tool(name)
	return b
}

// WithResult makes a tool return result.
func (b *EchoConfigBuilder) WithResult(name string, result any) *EchoConfigBuilder {
	b.tool(name).Default = Action{Type: ActionComplete, Result: result}
	return b
}

// WithResultSequence makes a tool return a different result on successive
// calls. After the sequence is exhausted, the last result is repeated.
func (b *EchoConfigBuilder) WithResultSequence(name string, results ...any) *EchoConfigBuilder {
	b.tool(name).Default = Action{Type: ActionComplete, ResultSequence: results}
	return b
}

// WithFailure makes every call to a tool fail with message.
func (b *EchoConfigBuilder) WithFailure(name, message string) *EchoConfigBuilder {
	b.tool(name).Default = Action{Type: ActionFail, FailMessage: message}
	return b
}

// WithFailThenSucceed makes a tool fail count times, then echo.
func (b *EchoConfigBuilder) WithFailThenSucceed(name string, count int) *EchoConfigBuilder {
	b.tool(name).Default = Action{Type: ActionFailThenSucceed, FailCount: count, Result: map[string]any{"recovered": true}}
	return b
}

// WithHang makes a tool never answer.
func (b *EchoConfigBuilder) WithHang(name string) *EchoConfigBuilder {
	b.tool(name).Default = Action{Type: ActionHang}
	return b
}

// WithCrash makes a tool exit the server process with exitCode.
func (b *EchoConfigBuilder) WithCrash(name string, exitCode int) *EchoConfigBuilder {
	b.tool(name).Default = Action{Type: ActionCrash, ExitCode: exitCode}
	return b
}

// WithBehavior adds a behavior matching a field of a tool's arguments.
func (b *EchoConfigBuilder) WithBehavior(name, field, pattern string, action Action) *EchoConfigBuilder {
	t := b.tool(name)
	t.Behaviors = append(t.Behaviors, Behavior{Match: pattern, Type: "contains", Field: field, Action: action})
	return b
}

// WithInputSchema sets the schema a tool advertises.
func (b *EchoConfigBuilder) WithInputSchema(name string, schema map[string]any) *EchoConfigBuilder {
	b.tool(name).InputSchema = schema
	return b
}

// WithDelay sets the default delay before each response.
func (b *EchoConfigBuilder) WithDelay(d time.Duration) *EchoConfigBuilder {
	b.config.Timing.DefaultDelay = d
	return b
}

// WithStartupDelay sets the delay before the server reads requests.
func (b *EchoConfigBuilder) WithStartupDelay(d time.Duration) *EchoConfigBuilder {
	b.config.Timing.StartupDelay = d
	return b
}

// Build returns the constructed configuration.
func (b *EchoConfigBuilder) Build() EchoTestConfig {
	return b.config
}

// WriteToFile writes the configuration to a YAML file.
func (c EchoTestConfig) WriteToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToolNames returns the names of the configured tools.
func (c EchoTestConfig) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for _, t := range c.Tools {
		names = append(names, t.Name)
	}
	return names
}
