// Package errors provides structured error types for toolflow.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes for toolflow operations.
const (
	// Config errors
	CodeConfigMissingField      = "CONFIG_001" // Missing required field
	CodeConfigInvalidValue      = "CONFIG_002" // Invalid value
	CodeConfigCommandNotAllowed = "CONFIG_003" // Command not on the allow-list
	CodeConfigUnknownServer     = "CONFIG_004" // Server id not in the registry
	CodeConfigUnknownWorkflow   = "CONFIG_005" // Workflow id not registered
	CodeConfigDuplicateWorkflow = "CONFIG_006" // Workflow id already registered
	CodeConfigUnknownTool       = "CONFIG_007" // Tool not declared by server

	// Process lifecycle errors
	CodeProcSpawnFailed     = "PROC_001" // Process could not be started
	CodeProcHandshakeFailed = "PROC_002" // initialize/initialized exchange failed
	CodeProcExited          = "PROC_003" // Process exited unexpectedly
	CodeProcNotRunning      = "PROC_004" // Server is not running

	// Transport errors
	CodeRPCTimeout     = "RPC_001" // Request timed out
	CodeRPCClosed      = "RPC_002" // Connection closed
	CodeRPCRemote      = "RPC_003" // Remote returned an error object
	CodeRPCInvalidArgs = "RPC_004" // Arguments rejected by tool schema

	// Step errors
	CodeStepFailed    = "STEP_001" // Tool call failed
	CodeStepExhausted = "STEP_002" // Retry attempts exhausted

	// Scheduling errors
	CodeSchedDeadlock   = "SCHED_001" // No ready steps while steps remain
	CodeSchedTimeout    = "SCHED_002" // Workflow deadline exceeded
	CodeSchedNotFound   = "SCHED_003" // Execution not found
	CodeSchedNotRunning = "SCHED_004" // Execution already terminal
	CodeSchedCancelled  = "SCHED_005" // Execution cancelled while step in flight
)

// FlowError is the structured error type for toolflow operations.
type FlowError struct {
	Code    string         `json:"code"`              // Error code (e.g., "CONFIG_003")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (server_id, step_id, etc.)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *FlowError) WithDetail(key string, value any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with cause error message.
func (e *FlowError) MarshalJSON() ([]byte, error) {
	type alias FlowError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new FlowError.
func New(code, message string) *FlowError {
	return &FlowError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new FlowError with formatted message.
func Newf(code, format string, args ...any) *FlowError {
	return &FlowError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a FlowError.
func Wrap(code, message string, err error) *FlowError {
	return &FlowError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted FlowError.
func Wrapf(code string, err error, format string, args ...any) *FlowError {
	return &FlowError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigMissingField creates an error for missing config field.
func ConfigMissingField(field string) *FlowError {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// ConfigInvalidValue creates an error for invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *FlowError {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// CommandNotAllowed creates an error for a command outside the allow-list.
func CommandNotAllowed(serverID, command string) *FlowError {
	return Newf(CodeConfigCommandNotAllowed, "command %q is not allowed for server %s", command, serverID).
		WithDetail("server_id", serverID).
		WithDetail("command", command)
}

// UnknownServer creates an error for a server id missing from the registry.
func UnknownServer(serverID string) *FlowError {
	return Newf(CodeConfigUnknownServer, "unknown server: %s", serverID).
		WithDetail("server_id", serverID)
}

// UnknownWorkflow creates an error for an unregistered workflow.
func UnknownWorkflow(workflowID string) *FlowError {
	return Newf(CodeConfigUnknownWorkflow, "workflow not found: %s", workflowID).
		WithDetail("workflow_id", workflowID)
}

// DuplicateWorkflow creates an error for re-registering a workflow id.
func DuplicateWorkflow(workflowID string) *FlowError {
	return Newf(CodeConfigDuplicateWorkflow, "workflow already registered: %s", workflowID).
		WithDetail("workflow_id", workflowID)
}

// UnknownTool creates an error for a tool the server does not declare.
func UnknownTool(serverID, tool string) *FlowError {
	return Newf(CodeConfigUnknownTool, "server %s does not declare tool %s", serverID, tool).
		WithDetail("server_id", serverID).
		WithDetail("tool", tool)
}

// --- Process Errors ---

// SpawnFailed creates an error for a process that could not be started.
func SpawnFailed(serverID string, err error) *FlowError {
	return Wrap(CodeProcSpawnFailed, "failed to spawn server process", err).
		WithDetail("server_id", serverID)
}

// HandshakeFailed creates an error for a failed initialize exchange.
func HandshakeFailed(serverID string, err error) *FlowError {
	return Wrap(CodeProcHandshakeFailed, "server handshake failed", err).
		WithDetail("server_id", serverID)
}

// ProcessExited creates an error for an unexpected process exit.
func ProcessExited(serverID string, exitCode int, err error) *FlowError {
	return Wrapf(CodeProcExited, err, "server %s exited with code %d", serverID, exitCode).
		WithDetail("server_id", serverID).
		WithDetail("exit_code", exitCode)
}

// NotRunning creates an error for calls against a server that is not running.
func NotRunning(serverID, status string) *FlowError {
	return Newf(CodeProcNotRunning, "server %s is not running (status: %s)", serverID, status).
		WithDetail("server_id", serverID).
		WithDetail("status", status)
}

// --- Transport Errors ---

// RequestTimeout creates an error for an RPC that received no response in time.
func RequestTimeout(method string, id int64) *FlowError {
	return Newf(CodeRPCTimeout, "request %s (id %d) timed out", method, id).
		WithDetail("method", method).
		WithDetail("id", id)
}

// ConnectionClosed creates an error for calls on a closed connection.
func ConnectionClosed(cause error) *FlowError {
	return Wrap(CodeRPCClosed, "connection closed", cause)
}

// RemoteError creates an error carrying a remote error object.
func RemoteError(method string, code int, message string) *FlowError {
	return Newf(CodeRPCRemote, "%s failed: %s", method, message).
		WithDetail("method", method).
		WithDetail("rpc_code", code)
}

// InvalidArguments creates an error for arguments rejected by a tool schema.
func InvalidArguments(serverID, tool string, err error) *FlowError {
	return Wrapf(CodeRPCInvalidArgs, err, "invalid arguments for %s/%s", serverID, tool).
		WithDetail("server_id", serverID).
		WithDetail("tool", tool)
}

// --- Step Errors ---

// StepFailed creates an error for a failed tool call.
func StepFailed(stepID string, err error) *FlowError {
	return Wrapf(CodeStepFailed, err, "step %s failed", stepID).
		WithDetail("step_id", stepID)
}

// StepExhausted creates an error for a step that ran out of attempts.
func StepExhausted(stepID string, attempts int, err error) *FlowError {
	return Wrapf(CodeStepExhausted, err, "step %s failed after %d attempts", stepID, attempts).
		WithDetail("step_id", stepID).
		WithDetail("attempts", attempts)
}

// --- Scheduling Errors ---

// Deadlock creates an error for a workflow with no dispatchable steps.
func Deadlock(workflowID string, blocked []string) *FlowError {
	return Newf(CodeSchedDeadlock, "deadlock in workflow %s: no ready steps, blocked: %v", workflowID, blocked).
		WithDetail("workflow_id", workflowID).
		WithDetail("blocked", blocked)
}

// WorkflowTimeout creates an error for an execution past its deadline.
func WorkflowTimeout(workflowID string, limit string) *FlowError {
	return Newf(CodeSchedTimeout, "workflow %s exceeded timeout of %s", workflowID, limit).
		WithDetail("workflow_id", workflowID).
		WithDetail("timeout", limit)
}

// ExecutionNotFound creates an error for an unknown execution id.
func ExecutionNotFound(executionID string) *FlowError {
	return Newf(CodeSchedNotFound, "execution not found: %s", executionID).
		WithDetail("execution_id", executionID)
}

// ExecutionNotRunning creates an error for operations on finished executions.
func ExecutionNotRunning(executionID, status string) *FlowError {
	return Newf(CodeSchedNotRunning, "execution %s is not running (status: %s)", executionID, status).
		WithDetail("execution_id", executionID).
		WithDetail("status", status)
}

// ExecutionCancelled creates an error recorded on steps orphaned by a cancel.
func ExecutionCancelled(executionID string) *FlowError {
	return Newf(CodeSchedCancelled, "execution %s was cancelled", executionID).
		WithDetail("execution_id", executionID)
}

// HasCode checks if any FlowError in the chain of err carries the given code.
// Nested FlowErrors (e.g. a step error wrapping a transport timeout) are all
// inspected.
func HasCode(err error, code string) bool {
	for err != nil {
		var ferr *FlowError
		if !errors.As(err, &ferr) {
			return false
		}
		if ferr.Code == code {
			return true
		}
		err = ferr.Cause
	}
	return false
}

// Code returns the error code if err is a FlowError, empty string otherwise.
// It handles wrapped errors by unwrapping to find a FlowError.
func Code(err error) string {
	var ferr *FlowError
	if errors.As(err, &ferr) {
		return ferr.Code
	}
	return ""
}
