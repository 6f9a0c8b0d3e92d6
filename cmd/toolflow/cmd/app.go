package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/meow-stack/toolflow/internal/config"
	"github.com/meow-stack/toolflow/internal/logging"
	"github.com/meow-stack/toolflow/internal/metrics"
	"github.com/meow-stack/toolflow/internal/registry"
	"github.com/meow-stack/toolflow/internal/rpc"
	"github.com/meow-stack/toolflow/internal/scheduler"
	"github.com/meow-stack/toolflow/internal/supervisor"
	"github.com/meow-stack/toolflow/internal/tracker"
	"github.com/meow-stack/toolflow/internal/workflow"
)

// app is the in-process runtime shared by serve and run.
type app struct {
	baseDir string
	cfg     *config.Config
	logger  *slog.Logger
	closer  io.Closer

	metrics    *metrics.Recorder
	registry   *registry.Registry
	supervisor *supervisor.Supervisor
	workflows  *workflow.Store
	tracker    *tracker.Tracker
	scheduler  *scheduler.Scheduler
}

// newApp loads configuration and wires every component.
func newApp() (*app, error) {
	cfg, dir, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, closer, err := logging.NewFromConfig(cfg, dir)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	rec, err := metrics.New(cfg.Metrics, logger)
	if err != nil {
		logger.Warn("metrics disabled", "error", err)
		rec = metrics.Noop()
	}

	reg, err := loadRegistry(cfg.ServersFile(dir), logger)
	if err != nil {
		return nil, err
	}

	supOpts := supervisor.OptionsFromConfig(cfg, dir)
	supOpts.ClientInfo = rpc.Implementation{Name: "toolflow", Version: Version}
	supOpts.Metrics = rec
	supOpts.Logger = logger
	sup := supervisor.New(reg, supOpts)
	sup.Subscribe(func(serverID, method string, params json.RawMessage) {
		logging.WithServer(logger, serverID).Debug("server notification", "method", method, "params", string(params))
	})

	store := workflow.NewStore(reg, logger)
	if err := store.RegisterBuiltins(); err != nil {
		logger.Debug("some builtin workflows were not registered", "error", err)
	}
	if _, err := store.LoadDir(cfg.WorkflowDir(dir)); err != nil {
		logger.Warn("some workflow definitions were not loaded", "error", err)
	}

	tr := tracker.New(cfg.Tracker.MaxExecutions, logger)

	schedOpts := scheduler.OptionsFromConfig(cfg)
	schedOpts.Metrics = rec
	schedOpts.Logger = logger
	sched := scheduler.New(store, sup, tr, schedOpts)

	return &app{
		baseDir:    dir,
		cfg:        cfg,
		logger:     logger,
		closer:     closer,
		metrics:    rec,
		registry:   reg,
		supervisor: sup,
		workflows:  store,
		tracker:    tr,
		scheduler:  sched,
	}, nil
}

// loadRegistry reads the server catalog. A missing catalog yields an
// empty registry.
func loadRegistry(path string, logger *slog.Logger) (*registry.Registry, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		logger.Info("no server catalog found", "path", path)
		return registry.New(logger), nil
	}
	reg, err := registry.Load(path, logger)
	if err != nil {
		return nil, fmt.Errorf("loading servers: %w", err)
	}
	return reg, nil
}

// close stops executions first, then servers, then flushes metrics and logs.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping executions: %w", err))
	}
	if err := a.supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping servers: %w", err))
	}
	if err := a.metrics.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing metrics: %w", err))
	}
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log file: %w", err))
		}
	}
	return errors.Join(errs...)
}
