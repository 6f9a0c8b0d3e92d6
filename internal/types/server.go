package types

import (
	"time"
)

// ServerStatus represents the lifecycle state of a tool server process.
type ServerStatus string

const (
	ServerStatusStopped  ServerStatus = "stopped"  // No process
	ServerStatusStarting ServerStatus = "starting" // Spawned, handshake in progress
	ServerStatusRunning  ServerStatus = "running"  // Handshake complete, accepting calls
	ServerStatusError    ServerStatus = "error"    // Crashed or failed to start
)

// Valid returns true if this is a recognized server status.
func (s ServerStatus) Valid() bool {
	switch s {
	case ServerStatusStopped, ServerStatusStarting, ServerStatusRunning, ServerStatusError:
		return true
	}
	return false
}

// ToolDescriptor describes a callable operation exposed by a tool server.
type ToolDescriptor struct {
	ServerID    string         `yaml:"server_id,omitempty" json:"server_id"`
	Name        string         `yaml:"name" json:"name" validate:"required"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
}

// ServerConfig is the declared startup configuration of a tool server.
type ServerConfig struct {
	ID           string            `yaml:"id" json:"id" validate:"required"`
	Name         string            `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string            `yaml:"description,omitempty" json:"description,omitempty"`
	Command      string            `yaml:"command" json:"command" validate:"required"`
	Args         []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Cwd          string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Timeout      time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty" validate:"gte=0"`
	MaxRetries   int               `yaml:"max_retries,omitempty" json:"max_retries" validate:"gte=0"`
	Capabilities []string          `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Tools        []ToolDescriptor  `yaml:"tools,omitempty" json:"tools,omitempty" validate:"dive"`
}

// Tool returns the declared tool with the given name.
func (c *ServerConfig) Tool(name string) (*ToolDescriptor, bool) {
	for i := range c.Tools {
		if c.Tools[i].Name == name {
			return &c.Tools[i], true
		}
	}
	return nil, false
}

// ServerState is a point-in-time view of a supervised tool server.
type ServerState struct {
	ID           string       `json:"id"`
	Config       ServerConfig `json:"config"`
	Status       ServerStatus `json:"status"`
	LastError    string       `json:"last_error,omitempty"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	RestartCount int          `json:"restart_count"`
	PID          int          `json:"pid,omitempty"`
}
