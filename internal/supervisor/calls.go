package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meow-stack/toolflow/internal/metrics"
	"github.com/meow-stack/toolflow/internal/rpc"
)

// CallTool invokes a tool on a server, starting the server first if it is
// not running. Arguments are checked against the tool's input schema when
// the catalog declares one. The raw JSON result is returned.
func (s *Supervisor) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	conn, timeout, err := s.connection(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := s.catalog.ValidateArguments(serverID, tool, args); err != nil {
		return nil, err
	}
	return s.call(ctx, conn, timeout, serverID, rpc.MethodToolsCall, rpc.CallToolParams{Name: tool, Arguments: args})
}

// ListTools asks a server for the tools it exposes.
func (s *Supervisor) ListTools(ctx context.Context, serverID string) ([]rpc.Tool, error) {
	raw, err := s.request(ctx, serverID, rpc.MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result rpc.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tools/list result: %w", err)
	}
	return result.Tools, nil
}

// ListResources issues resources/list.
func (s *Supervisor) ListResources(ctx context.Context, serverID string) (json.RawMessage, error) {
	return s.request(ctx, serverID, rpc.MethodResourcesList, nil)
}

// ReadResource issues resources/read for uri.
func (s *Supervisor) ReadResource(ctx context.Context, serverID, uri string) (json.RawMessage, error) {
	return s.request(ctx, serverID, rpc.MethodResourcesRead, rpc.ReadResourceParams{URI: uri})
}

// ListPrompts issues prompts/list.
func (s *Supervisor) ListPrompts(ctx context.Context, serverID string) (json.RawMessage, error) {
	return s.request(ctx, serverID, rpc.MethodPromptsList, nil)
}

// GetPrompt issues prompts/get.
func (s *Supervisor) GetPrompt(ctx context.Context, serverID, name string, args map[string]string) (json.RawMessage, error) {
	return s.request(ctx, serverID, rpc.MethodPromptsGet, rpc.GetPromptParams{Name: name, Arguments: args})
}

func (s *Supervisor) request(ctx context.Context, serverID, method string, params any) (json.RawMessage, error) {
	conn, timeout, err := s.connection(ctx, serverID)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, conn, timeout, serverID, method, params)
}

func (s *Supervisor) call(ctx context.Context, conn *rpc.Conn, timeout time.Duration, serverID, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := conn.Call(ctx, method, params, timeout)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	tags := []string{
		metrics.Tag(metrics.TagServer, serverID),
		metrics.Tag(metrics.TagMethod, method),
		metrics.Tag(metrics.TagOutcome, outcome),
	}
	s.metrics.Incr(metrics.RPCCallCount, tags...)
	s.metrics.TimingSince(metrics.RPCCallLatency, start, tags...)

	if err != nil {
		s.logger.Debug("rpc call failed", "server_id", serverID, "method", method, "error", err)
		return nil, err
	}
	return raw, nil
}
