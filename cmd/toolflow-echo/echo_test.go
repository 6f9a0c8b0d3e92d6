package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/rpc"
	"github.com/meow-stack/toolflow/internal/testutil"
)

type recordedNote struct {
	method string
	params any
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu    sync.Mutex
	notes []recordedNote
}

func (f *fakeNotifier) Notify(method string, params any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, recordedNote{method: method, params: params})
	return nil
}

// newTestEchoServer creates a server with a silent logger and a recorded
// exit code instead of exiting the test binary.
func newTestEchoServer(config EchoConfig) (*EchoServer, *int) {
	e := NewEchoServer(config, testutil.DiscardLogger())
	exitCode := -1
	e.exit = func(code int) { exitCode = code }
	return e, &exitCode
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echo.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// =============================================================================
// Config loading
// =============================================================================

func TestLoadConfig_ValidFile(t *testing.T) {
	path := writeConfig(t, `
name: evidence
timing:
  startup_delay: 200ms
  default_delay: 50ms
tools:
  - name: collect
    description: Collect evidence
    input_schema:
      type: object
    behaviors:
      - match: "AC-2"
        field: control
        action:
          type: fail
          fail_message: "no evidence"
    default:
      type: complete
      result:
        status: collected
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Name != "evidence" {
		t.Errorf("Name = %q, want %q", config.Name, "evidence")
	}
	if config.Version != "1.0.0" {
		t.Errorf("Version = %q, want default 1.0.0", config.Version)
	}
	if config.Timing.StartupDelay != 200*time.Millisecond {
		t.Errorf("StartupDelay = %v, want 200ms", config.Timing.StartupDelay)
	}
	if config.Timing.DefaultDelay != 50*time.Millisecond {
		t.Errorf("DefaultDelay = %v, want 50ms", config.Timing.DefaultDelay)
	}
	if len(config.Tools) != 1 {
		t.Fatalf("len(Tools) = %d, want 1", len(config.Tools))
	}
	tool := config.Tools[0]
	if tool.Behaviors[0].Field != "control" {
		t.Errorf("Behaviors[0].Field = %q, want control", tool.Behaviors[0].Field)
	}
	if tool.Default.Type != ActionComplete {
		t.Errorf("Default.Type = %q, want complete", tool.Default.Type)
	}
}

func TestLoadConfig_KeepsDefaultToolsWhenNoneDeclared(t *testing.T) {
	path := writeConfig(t, "timing:\n  default_delay: 5ms\n")

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	var names []string
	for _, tool := range config.Tools {
		names = append(names, tool.Name)
	}
	if !reflect.DeepEqual(names, defaultToolNames) {
		t.Errorf("tools = %v, want %v", names, defaultToolNames)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			content: "tools: [",
			wantErr: "yaml",
		},
		{
			name:    "unnamed tool",
			content: "tools:\n  - description: x\n",
			wantErr: "name is required",
		},
		{
			name:    "duplicate tool",
			content: "tools:\n  - name: a\n  - name: a\n",
			wantErr: "duplicate tool",
		},
		{
			name:    "unknown match type",
			content: "tools:\n  - name: a\n    behaviors:\n      - match: x\n        type: glob\n",
			wantErr: "unknown match type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			testutil.AssertErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/echo.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

// =============================================================================
// Matching
// =============================================================================

func TestMatches(t *testing.T) {
	args := map[string]any{"control": "AC-2", "count": 3}

	tests := []struct {
		name     string
		behavior Behavior
		want     bool
	}{
		{"contains all args", Behavior{Match: `"control":"AC-2"`}, true},
		{"contains field", Behavior{Match: "AC", Field: "control"}, true},
		{"contains miss", Behavior{Match: "AC-3", Field: "control"}, false},
		{"regex field", Behavior{Match: `^AC-\d$`, Type: "regex", Field: "control"}, true},
		{"regex non-string field", Behavior{Match: `^3$`, Type: "regex", Field: "count"}, true},
		{"missing field", Behavior{Match: "x", Field: "absent"}, false},
		{"invalid regex", Behavior{Match: `([`, Type: "regex"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matches(&tt.behavior, matchText(&tt.behavior, args)); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchBehavior_FirstMatchWins(t *testing.T) {
	tool := &ToolConfig{
		Name: "collect",
		Behaviors: []Behavior{
			{Match: "AC", Field: "control", Action: Action{Type: ActionFail}},
			{Match: "AC-2", Field: "control", Action: Action{Type: ActionHang}},
		},
	}
	e, _ := newTestEchoServer(NewDefaultEchoConfig())

	b := e.matchBehavior(tool, map[string]any{"control": "AC-2"})
	if b == nil || b.Action.Type != ActionFail {
		t.Fatalf("matched %+v, want first behavior", b)
	}
	if b := e.matchBehavior(tool, map[string]any{"control": "SI-4"}); b != nil {
		t.Errorf("matched %+v, want nil", b)
	}
}

// =============================================================================
// Actions
// =============================================================================

func TestHandleCall_Echo(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())
	tool := &e.config.Tools[0]

	args := map[string]any{"control": "AC-2"}
	got, err := e.handleCall(context.Background(), tool, args)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, args, got)
}

func TestHandleCall_Complete(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())

	tool := &ToolConfig{Name: "score", Default: Action{Type: ActionComplete, Result: map[string]any{"score": 90}}}
	got, err := e.handleCall(context.Background(), tool, nil)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, map[string]any{"score": 90}, got)

	empty := &ToolConfig{Name: "noop", Default: Action{Type: ActionComplete}}
	got, err = e.handleCall(context.Background(), empty, nil)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, map[string]any{}, got)
}

func TestHandleCall_ResultSequence(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())
	tool := &ToolConfig{Name: "poll", Default: Action{
		Type:           ActionComplete,
		ResultSequence: []any{"pending", "running", "done"},
	}}

	var got []any
	for i := 0; i < 5; i++ {
		result, err := e.handleCall(context.Background(), tool, nil)
		testutil.AssertNoError(t, err)
		got = append(got, result)
	}

	want := []any{"pending", "running", "done", "done", "done"}
	testutil.AssertEqual(t, want, got)
}

func TestHandleCall_Fail(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())
	tool := &ToolConfig{
		Name: "collect",
		Behaviors: []Behavior{{
			Match:  "AC-2",
			Field:  "control",
			Action: Action{Type: ActionFail, FailMessage: "no evidence"},
		}},
	}

	_, err := e.handleCall(context.Background(), tool, map[string]any{"control": "AC-2"})
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want *rpc.Error", err)
	}
	testutil.AssertEqual(t, codeToolFailed, rpcErr.Code)
	testutil.AssertEqual(t, "no evidence", rpcErr.Message)

	// Other arguments fall through to the default echo.
	got, err := e.handleCall(context.Background(), tool, map[string]any{"control": "SI-4"})
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, map[string]any{"control": "SI-4"}, got)
}

func TestHandleCall_FailThenSucceed(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())
	tool := &ToolConfig{Name: "flaky", Default: Action{
		Type:      ActionFailThenSucceed,
		FailCount: 2,
		Result:    "ok",
	}}

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := e.handleCall(context.Background(), tool, nil)
		if err == nil {
			t.Fatalf("attempt %d: expected failure", attempt)
		}
		testutil.AssertContainsString(t, err.Error(), "Simulated failure")
	}

	got, err := e.handleCall(context.Background(), tool, nil)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, "ok", got)

	// The counter resets after success.
	if _, err := e.handleCall(context.Background(), tool, nil); err == nil {
		t.Error("expected the next round to fail again")
	}
}

func TestHandleCall_HangUntilCancelled(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())
	tool := &ToolConfig{Name: "stuck", Default: Action{Type: ActionHang}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.handleCall(ctx, tool, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestHandleCall_DelayRespectsContext(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())
	tool := &ToolConfig{Name: "slow", Default: Action{Type: ActionEcho, Delay: time.Hour}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := e.handleCall(ctx, tool, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestHandleCall_Crash(t *testing.T) {
	e, exitCode := newTestEchoServer(NewDefaultEchoConfig())

	tests := []struct {
		code int
		want int
	}{
		{code: 0, want: 1},
		{code: 3, want: 3},
	}
	for _, tt := range tests {
		tool := &ToolConfig{Name: "boom", Default: Action{Type: ActionCrash, ExitCode: tt.code}}
		if _, err := e.handleCall(context.Background(), tool, nil); err == nil {
			t.Error("expected error after crash")
		}
		if *exitCode != tt.want {
			t.Errorf("exit code = %d, want %d", *exitCode, tt.want)
		}
	}
}

func TestHandleCall_Notifications(t *testing.T) {
	e, _ := newTestEchoServer(NewDefaultEchoConfig())
	notifier := &fakeNotifier{}
	e.notifier = notifier

	tool := &ToolConfig{Name: "collect", Default: Action{
		Type: ActionEcho,
		Notifications: []NotifyDef{
			{Method: "notifications/progress", Params: map[string]any{"progress": 50}},
			{Method: "notifications/progress", Params: map[string]any{"progress": 100}, When: 10 * time.Millisecond},
		},
	}}

	if _, err := e.handleCall(context.Background(), tool, nil); err != nil {
		t.Fatalf("handleCall failed: %v", err)
	}

	if len(notifier.notes) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifier.notes))
	}
	testutil.AssertEqual(t, map[string]any{"progress": 100}, notifier.notes[1].params)
}

// =============================================================================
// Serving over the transport
// =============================================================================

// startEcho serves config over in-memory pipes and returns a connected
// client.
func startEcho(t *testing.T, config EchoConfig) *rpc.Conn {
	t.Helper()

	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	e, _ := newTestEchoServer(config)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx, serverR, serverW)
		serverW.Close()
	}()

	conn := rpc.NewConn(clientR, clientW, testutil.DiscardLogger())
	conn.Start()
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func TestRun_OverTransport(t *testing.T) {
	config := NewDefaultEchoConfig()
	config.Name = "evidence"
	config.Tools = append(config.Tools, ToolConfig{
		Name:    "broken",
		Default: Action{Type: ActionFail, FailMessage: "unavailable"},
	})
	conn := startEcho(t, config)
	ctx := context.Background()

	result, err := conn.Initialize(ctx, rpc.Implementation{Name: "test", Version: "0"}, time.Second)
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	testutil.AssertEqual(t, "evidence", result.ServerInfo.Name)

	raw, err := conn.Call(ctx, rpc.MethodToolsList, nil, time.Second)
	testutil.AssertNoError(t, err)
	var list rpc.ListToolsResult
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decoding tools/list: %v", err)
	}
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	testutil.AssertEqual(t, "broken,collect,echo,render,score", strings.Join(names, ","))

	raw, err = conn.Call(ctx, rpc.MethodToolsCall, rpc.CallToolParams{
		Name:      "collect",
		Arguments: map[string]any{"control": "AC-2"},
	}, time.Second)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, `{"control":"AC-2"}`, string(raw))

	_, err = conn.Call(ctx, rpc.MethodToolsCall, rpc.CallToolParams{Name: "broken"}, time.Second)
	testutil.AssertErrorCode(t, err, flowerrors.CodeRPCRemote)
	testutil.AssertErrorContains(t, err, "unavailable")
}
