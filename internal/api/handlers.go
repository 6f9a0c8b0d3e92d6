package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meow-stack/toolflow/internal/types"
)

// CallToolRequest is the body of POST /servers/:id/tools/:tool/call.
type CallToolRequest struct {
	Arguments map[string]any `json:"arguments"`
}

// ExecuteRequest is the body of POST /workflows/:id/execute.
type ExecuteRequest struct {
	Input     map[string]any `json:"input"`
	Variables map[string]any `json:"variables"`
}

// bindOptional decodes a JSON body into v. An empty body is accepted.
func bindOptional(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return false
	}
	return true
}

func (s *Server) health(c *gin.Context) {
	servers := map[types.ServerStatus]int{}
	for _, st := range s.servers.List() {
		servers[st.Status]++
	}
	running := 0
	executions := s.executions.List()
	for _, exec := range executions {
		if exec.Status == types.ExecutionStatusRunning {
			running++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"uptime":             time.Since(s.startedAt).Round(time.Second).String(),
		"servers":            servers,
		"workflows":          len(s.workflows.List()),
		"executions":         len(executions),
		"executions_running": running,
	})
}

// --- Servers ---

func (s *Server) listServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"servers": s.servers.List()})
}

func (s *Server) getServer(c *gin.Context) {
	st, err := s.servers.Status(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) startServer(c *gin.Context) {
	s.serverAction(c, s.servers.Start)
}

func (s *Server) stopServer(c *gin.Context) {
	s.serverAction(c, s.servers.Stop)
}

func (s *Server) restartServer(c *gin.Context) {
	s.serverAction(c, s.servers.Restart)
}

func (s *Server) serverAction(c *gin.Context, action func(ctx context.Context, id string) error) {
	id := c.Param("id")
	if err := action(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	st, err := s.servers.Status(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) listTools(c *gin.Context) {
	tools, err := s.servers.ListTools(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": tools})
}

func (s *Server) callTool(c *gin.Context) {
	var req CallToolRequest
	if !bindOptional(c, &req) {
		return
	}
	raw, err := s.servers.CallTool(c.Request.Context(), c.Param("id"), c.Param("tool"), req.Arguments)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{"result": raw})
}

// --- Workflows ---

func (s *Server) listWorkflows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"workflows": s.workflows.List()})
}

func (s *Server) getWorkflow(c *gin.Context) {
	def, err := s.workflows.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// executeWorkflow starts an execution and answers 202 with its initial
// state. With ?wait=true it answers 200 once the execution is terminal.
func (s *Server) executeWorkflow(c *gin.Context) {
	var req ExecuteRequest
	if !bindOptional(c, &req) {
		return
	}
	exec, err := s.executions.Execute(c.Request.Context(), c.Param("id"), req.Input, req.Variables)
	if err != nil {
		writeError(c, err)
		return
	}

	wait, _ := strconv.ParseBool(c.Query("wait"))
	if !wait {
		c.JSON(http.StatusAccepted, exec)
		return
	}
	final, err := s.executions.Wait(c.Request.Context(), exec.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, final)
}

// --- Executions ---

func (s *Server) listExecutions(c *gin.Context) {
	executions := s.executions.List()
	if wf := c.Query("workflow"); wf != "" {
		filtered := executions[:0]
		for _, exec := range executions {
			if exec.WorkflowID == wf {
				filtered = append(filtered, exec)
			}
		}
		executions = filtered
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.executions.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) cancelExecution(c *gin.Context) {
	exec, err := s.executions.Cancel(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
