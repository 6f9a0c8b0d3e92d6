package main

import "time"

// EchoConfig holds the complete server configuration.
type EchoConfig struct {
	Name    string        `yaml:"name"`
	Version string        `yaml:"version"`
	Timing  TimingConfig  `yaml:"timing"`
	Tools   []ToolConfig  `yaml:"tools"`
	Logging LoggingConfig `yaml:"logging"`
}

type TimingConfig struct {
	StartupDelay time.Duration `yaml:"startup_delay"`
	DefaultDelay time.Duration `yaml:"default_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"` // rotated log file, in addition to stderr
}

// ToolConfig declares one exposed tool. Behaviors are tried in order and
// the first match decides the action; Default applies otherwise.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	InputSchema map[string]any `yaml:"input_schema"`
	Behaviors   []Behavior     `yaml:"behaviors"`
	Default     Action         `yaml:"default"`
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

// Behavior matches a call by its arguments.
type Behavior struct {
	Match string `yaml:"match"`
	Type  string `yaml:"type"` // "contains" or "regex"
	// Field selects one argument to match against. Empty matches the
	// JSON encoding of all arguments.
	Field  string `yaml:"field"`
	Action Action `yaml:"action"`
}

// Action defines the server's response to a call.
type Action struct {
	Type           ActionType    `yaml:"type"`
	Delay          time.Duration `yaml:"delay"`
	Result         any           `yaml:"result"`
	ResultSequence []any         `yaml:"result_sequence"` // a different result per call
	Notifications  []NotifyDef   `yaml:"notifications"`
	FailCount      int           `yaml:"fail_count"`
	FailMessage    string        `yaml:"fail_message"`
	ExitCode       int           `yaml:"exit_code"`
}

// NotifyDef defines a notification sent while a call is in flight.
type NotifyDef struct {
	Method string         `yaml:"method"`
	Params map[string]any `yaml:"params"`
	When   time.Duration  `yaml:"when"`
}

// Notifier pushes notifications to the client.
type Notifier interface {
	Notify(method string, params any) error
}
