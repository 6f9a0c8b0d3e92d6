package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/meow-stack/toolflow/internal/rpc"
)

// EchoServer answers tool calls according to its configuration.
type EchoServer struct {
	config   EchoConfig
	logger   *slog.Logger
	notifier Notifier
	exit     func(code int)

	mu             sync.Mutex
	attemptCounts  map[string]int
	sequenceCounts map[string]int
}

// NewEchoServer creates a server for config.
func NewEchoServer(config EchoConfig, logger *slog.Logger) *EchoServer {
	return &EchoServer{
		config:         config,
		logger:         logger,
		exit:           os.Exit,
		attemptCounts:  make(map[string]int),
		sequenceCounts: make(map[string]int),
	}
}

// register exposes every configured tool on srv.
func (e *EchoServer) register(srv *rpc.Server) {
	e.notifier = srv
	for i := range e.config.Tools {
		tool := &e.config.Tools[i]
		srv.RegisterTool(rpc.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, args map[string]any) (any, error) {
			return e.handleCall(ctx, tool, args)
		})
	}
}

// Run serves requests from r until EOF or ctx is done.
func (e *EchoServer) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	if d := e.config.Timing.StartupDelay; d > 0 {
		e.logger.Debug("startup delay", "delay", d)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil
		}
	}

	srv := rpc.NewServer(rpc.Implementation{Name: e.config.Name, Version: e.config.Version}, e.logger)
	e.register(srv)

	e.logger.Debug("serving", "tools", len(e.config.Tools))

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, r, w)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Serve blocks on the pending read; the process exits anyway.
		return nil
	}
}
