package scheduler

import (
	"github.com/google/uuid"
)

// ExecutionIDPrefix starts every execution id.
const ExecutionIDPrefix = "exec-"

// GenerateExecutionID creates a unique execution identifier.
// Format: exec-{uuid}
// Example: exec-3f1c2a9e-8b7d-4c55-9a1e-2f6b0c7d8e91
func GenerateExecutionID() string {
	return ExecutionIDPrefix + uuid.NewString()
}
