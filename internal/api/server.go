// Package api exposes the supervisor, workflow store and scheduler over a
// JSON HTTP API under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meow-stack/toolflow/internal/rpc"
	"github.com/meow-stack/toolflow/internal/types"
)

// Servers is the process management surface. *supervisor.Supervisor
// satisfies it.
type Servers interface {
	List() []types.ServerState
	Status(id string) (types.ServerState, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	ListTools(ctx context.Context, serverID string) ([]rpc.Tool, error)
	CallTool(ctx context.Context, serverID, tool string, args map[string]any) (json.RawMessage, error)
}

// Workflows is the definition lookup. *workflow.Store satisfies it.
type Workflows interface {
	List() []*types.WorkflowDefinition
	Get(id string) (*types.WorkflowDefinition, error)
}

// Executions runs and tracks workflows. *scheduler.Scheduler satisfies it.
type Executions interface {
	Execute(ctx context.Context, workflowID string, input, variables map[string]any) (*types.Execution, error)
	Wait(ctx context.Context, id string) (*types.Execution, error)
	Get(id string) (*types.Execution, error)
	List() []*types.Execution
	Cancel(id string) (*types.Execution, error)
}

// Server serves the management API.
type Server struct {
	servers    Servers
	workflows  Workflows
	executions Executions
	logger     *slog.Logger
	engine     *gin.Engine
	startedAt  time.Time
}

// New builds the API and its routes.
func New(servers Servers, workflows Workflows, executions Executions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		servers:    servers,
		workflows:  workflows,
		executions: executions,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}

	engine := gin.New()
	engine.Use(recovery(s.logger), accessLog(s.logger))
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/health", s.health)

		v1.GET("/servers", s.listServers)
		v1.GET("/servers/:id", s.getServer)
		v1.POST("/servers/:id/start", s.startServer)
		v1.POST("/servers/:id/stop", s.stopServer)
		v1.POST("/servers/:id/restart", s.restartServer)
		v1.GET("/servers/:id/tools", s.listTools)
		v1.POST("/servers/:id/tools/:tool/call", s.callTool)

		v1.GET("/workflows", s.listWorkflows)
		v1.GET("/workflows/:id", s.getWorkflow)
		v1.POST("/workflows/:id/execute", s.executeWorkflow)

		v1.GET("/executions", s.listExecutions)
		v1.GET("/executions/:id", s.getExecution)
		v1.POST("/executions/:id/cancel", s.cancelExecution)
	}
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then shuts the HTTP
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("api stopped")
		return nil
	}
}
