package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/rpc"
	"github.com/meow-stack/toolflow/internal/scheduler"
	"github.com/meow-stack/toolflow/internal/testutil"
	"github.com/meow-stack/toolflow/internal/tracker"
	"github.com/meow-stack/toolflow/internal/types"
	"github.com/meow-stack/toolflow/internal/workflow"
)

// MockServers is a mock for Servers.
type MockServers struct {
	mock.Mock
}

func (m *MockServers) List() []types.ServerState {
	args := m.Called()
	return args.Get(0).([]types.ServerState)
}

func (m *MockServers) Status(id string) (types.ServerState, error) {
	args := m.Called(id)
	return args.Get(0).(types.ServerState), args.Error(1)
}

func (m *MockServers) Start(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *MockServers) Stop(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *MockServers) Restart(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *MockServers) ListTools(ctx context.Context, serverID string) ([]rpc.Tool, error) {
	args := m.Called(serverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]rpc.Tool), args.Error(1)
}

func (m *MockServers) CallTool(ctx context.Context, serverID, tool string, arguments map[string]any) (json.RawMessage, error) {
	args := m.Called(serverID, tool, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

// blockingCaller holds every tool call until release is closed.
type blockingCaller struct {
	release chan struct{}
}

func (b *blockingCaller) CallTool(ctx context.Context, serverID, tool string, args map[string]any) (json.RawMessage, error) {
	if b.release != nil {
		<-b.release
	}
	return json.Marshal(args)
}

type fixture struct {
	servers *MockServers
	sched   *scheduler.Scheduler
	router  http.Handler
}

func newFixture(t *testing.T, caller scheduler.ToolCaller) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := testutil.DiscardLogger()
	store := workflow.NewStore(nil, logger)
	require.NoError(t, store.Register(testutil.NewTestWorkflow("sweep", "evidence", "collect", "collect", "report")))

	sched := scheduler.New(store, caller, tracker.New(0, logger), scheduler.Options{Logger: logger})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	servers := &MockServers{}
	return &fixture{
		servers: servers,
		sched:   sched,
		router:  New(servers, store, sched, logger).Handler(),
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &blockingCaller{})
	f.servers.On("List").Return([]types.ServerState{
		{ID: "evidence", Status: types.ServerStatusRunning},
		{ID: "reporting", Status: types.ServerStatusStopped},
	})

	w := f.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["workflows"])
	assert.Equal(t, map[string]any{"running": float64(1), "stopped": float64(1)}, body["servers"])
}

func TestServers(t *testing.T) {
	running := types.ServerState{ID: "evidence", Status: types.ServerStatusRunning, PID: 42}

	t.Run("list", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("List").Return([]types.ServerState{running})

		w := f.do(t, http.MethodGet, "/api/v1/servers", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"id":"evidence"`)
	})

	t.Run("get unknown", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("Status", "billing").Return(types.ServerState{}, flowerrors.UnknownServer("billing"))

		w := f.do(t, http.MethodGet, "/api/v1/servers/billing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, flowerrors.CodeConfigUnknownServer, decodeError(t, w).Error.Code)
	})

	t.Run("start returns state", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("Start", "evidence").Return(nil)
		f.servers.On("Status", "evidence").Return(running, nil)

		w := f.do(t, http.MethodPost, "/api/v1/servers/evidence/start", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"status":"running"`)
		f.servers.AssertExpectations(t)
	})

	t.Run("start rejected by allow-list", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("Start", "evidence").Return(flowerrors.CommandNotAllowed("evidence", "bash"))

		w := f.do(t, http.MethodPost, "/api/v1/servers/evidence/start", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, flowerrors.CodeConfigCommandNotAllowed, decodeError(t, w).Error.Code)
	})

	t.Run("stop and restart", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("Stop", "evidence").Return(nil)
		f.servers.On("Restart", "evidence").Return(errors.New("boom"))
		f.servers.On("Status", "evidence").Return(types.ServerState{ID: "evidence", Status: types.ServerStatusStopped}, nil)

		w := f.do(t, http.MethodPost, "/api/v1/servers/evidence/stop", nil)
		assert.Equal(t, http.StatusOK, w.Code)

		w = f.do(t, http.MethodPost, "/api/v1/servers/evidence/restart", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decodeError(t, w)
		assert.Equal(t, codeInternal, body.Error.Code)
	})
}

func TestTools(t *testing.T) {
	t.Run("list", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("ListTools", "evidence").Return([]rpc.Tool{{Name: "collect"}}, nil)

		w := f.do(t, http.MethodGet, "/api/v1/servers/evidence/tools", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"name":"collect"`)
	})

	t.Run("call", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("CallTool", "evidence", "collect", map[string]any{"control": "AC-2"}).
			Return(json.RawMessage(`{"items":3}`), nil)

		w := f.do(t, http.MethodPost, "/api/v1/servers/evidence/tools/collect/call",
			CallToolRequest{Arguments: map[string]any{"control": "AC-2"}})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"result":{"items":3}}`, w.Body.String())
	})

	t.Run("invalid arguments", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		f.servers.On("CallTool", "evidence", "collect", mock.Anything).
			Return(nil, flowerrors.InvalidArguments("evidence", "collect", errors.New("missing control")))

		w := f.do(t, http.MethodPost, "/api/v1/servers/evidence/tools/collect/call", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, flowerrors.CodeRPCInvalidArgs, decodeError(t, w).Error.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, &blockingCaller{})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/servers/evidence/tools/collect/call", bytes.NewBufferString("{not json"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, codeBadRequest, decodeError(t, w).Error.Code)
		f.servers.AssertNotCalled(t, "CallTool", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestWorkflows(t *testing.T) {
	f := newFixture(t, &blockingCaller{})

	w := f.do(t, http.MethodGet, "/api/v1/workflows", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"sweep"`)

	w = f.do(t, http.MethodGet, "/api/v1/workflows/sweep", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var def types.WorkflowDefinition
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &def))
	assert.Len(t, def.Steps, 2)

	w = f.do(t, http.MethodGet, "/api/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, flowerrors.CodeConfigUnknownWorkflow, decodeError(t, w).Error.Code)
}

func TestExecuteAndCancel(t *testing.T) {
	caller := &blockingCaller{release: make(chan struct{})}
	f := newFixture(t, caller)

	w := f.do(t, http.MethodPost, "/api/v1/workflows/sweep/execute", ExecuteRequest{
		Input: map[string]any{"control": "AC-2"},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	var exec types.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.Equal(t, types.ExecutionStatusRunning, exec.Status)
	assert.Equal(t, "sweep", exec.WorkflowID)

	w = f.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/executions?workflow=sweep", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), exec.ID)

	w = f.do(t, http.MethodGet, "/api/v1/executions?workflow=other", nil)
	assert.JSONEq(t, `{"executions":[]}`, w.Body.String())

	w = f.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)

	close(caller.release)

	w = f.do(t, http.MethodPost, "/api/v1/executions/"+exec.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, flowerrors.CodeSchedNotRunning, decodeError(t, w).Error.Code)

	w = f.do(t, http.MethodGet, "/api/v1/executions/exec-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, flowerrors.CodeSchedNotFound, decodeError(t, w).Error.Code)
}

func TestExecute_Wait(t *testing.T) {
	f := newFixture(t, &blockingCaller{})

	w := f.do(t, http.MethodPost, "/api/v1/workflows/sweep/execute?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var exec types.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exec))
	assert.Equal(t, types.ExecutionStatusCompleted, exec.Status)
	assert.Contains(t, exec.Output, "report")

	w = f.do(t, http.MethodPost, "/api/v1/workflows/missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{flowerrors.CodeConfigUnknownServer, http.StatusNotFound},
		{flowerrors.CodeConfigUnknownWorkflow, http.StatusNotFound},
		{flowerrors.CodeConfigUnknownTool, http.StatusNotFound},
		{flowerrors.CodeSchedNotFound, http.StatusNotFound},
		{flowerrors.CodeConfigMissingField, http.StatusBadRequest},
		{flowerrors.CodeConfigCommandNotAllowed, http.StatusBadRequest},
		{flowerrors.CodeRPCInvalidArgs, http.StatusBadRequest},
		{flowerrors.CodeConfigDuplicateWorkflow, http.StatusConflict},
		{flowerrors.CodeSchedNotRunning, http.StatusConflict},
		{flowerrors.CodeProcNotRunning, http.StatusConflict},
		{flowerrors.CodeRPCTimeout, http.StatusInternalServerError},
		{flowerrors.CodeProcSpawnFailed, http.StatusInternalServerError},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.code))
		})
	}
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(recovery(testutil.DiscardLogger()))
	router.GET("/boom", func(c *gin.Context) { panic("kaboom") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, codeInternal, body.Error.Code)
	assert.Contains(t, body.Error.Message, "kaboom")
}

func TestAccessLog(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := testutil.NewTestLogger(t)
	router := gin.New()
	router.Use(accessLog(logger.Logger))
	router.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/items/7", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	entries := logger.EntriesContaining("request failed")
	require.Len(t, entries, 1)
	assert.Equal(t, "/items/:id", entries[0].Attrs["route"])
}
