// Package supervisor manages the lifecycle of tool server processes and
// owns the rpc connection to each of them.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/meow-stack/toolflow/internal/config"
	flowerrors "github.com/meow-stack/toolflow/internal/errors"
	"github.com/meow-stack/toolflow/internal/logging"
	"github.com/meow-stack/toolflow/internal/metrics"
	"github.com/meow-stack/toolflow/internal/rpc"
	"github.com/meow-stack/toolflow/internal/types"
)

// Catalog provides server configurations. *registry.Registry satisfies it.
type Catalog interface {
	Get(id string) (types.ServerConfig, error)
	List() []types.ServerConfig
	ValidateArguments(serverID, tool string, args map[string]any) error
}

// NotificationHandler receives notifications from managed servers.
type NotificationHandler func(serverID, method string, params json.RawMessage)

// Options configures a Supervisor.
type Options struct {
	// AllowedCommands lists executable base names that may be spawned.
	AllowedCommands []string

	// StopGracePeriod is the wait between SIGTERM and SIGKILL.
	StopGracePeriod time.Duration

	// RestartDelay is the fixed delay before an automatic restart.
	RestartDelay time.Duration

	// DefaultTimeout applies to servers without a configured timeout.
	DefaultTimeout time.Duration

	// BaseDir resolves relative server working directories.
	BaseDir string

	// ClientInfo is announced during the handshake.
	ClientInfo rpc.Implementation

	Metrics *metrics.Recorder
	Logger  *slog.Logger
}

// OptionsFromConfig builds Options from the supervisor section of cfg.
func OptionsFromConfig(cfg *config.Config, baseDir string) Options {
	return Options{
		AllowedCommands: cfg.Supervisor.AllowedCommands,
		StopGracePeriod: cfg.Supervisor.StopGracePeriod,
		RestartDelay:    cfg.Supervisor.RestartDelay,
		DefaultTimeout:  cfg.Supervisor.DefaultTimeout,
		BaseDir:         baseDir,
	}
}

// Supervisor spawns, monitors and stops tool servers.
type Supervisor struct {
	catalog Catalog
	opts    Options
	allowed map[string]bool
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu          sync.Mutex
	procs       map[string]*process
	subscribers []NotificationHandler
	closed      bool
}

// New creates a supervisor. The allow-list is fixed for its lifetime.
func New(catalog Catalog, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.AllowedCommands) == 0 {
		opts.AllowedCommands = config.DefaultAllowedCommands
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = 5 * time.Second
	}
	if opts.RestartDelay < 0 {
		opts.RestartDelay = 0
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = rpc.DefaultTimeout
	}
	if opts.ClientInfo.Name == "" {
		opts.ClientInfo = rpc.Implementation{Name: "toolflow", Version: "dev"}
	}

	allowed := make(map[string]bool, len(opts.AllowedCommands))
	for _, c := range opts.AllowedCommands {
		allowed[c] = true
	}

	return &Supervisor{
		catalog: catalog,
		opts:    opts,
		allowed: allowed,
		logger:  opts.Logger.With("component", "supervisor"),
		metrics: opts.Metrics,
		procs:   make(map[string]*process),
	}
}

// Subscribe registers a handler for notifications from every server.
func (s *Supervisor) Subscribe(fn NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Start launches a server and completes its handshake. Starting a running
// server is a no-op; starting one that is mid-start waits for that attempt.
// Start also recovers a server left in error by the restart ceiling.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	return s.start(ctx, id, true)
}

// start launches id. Only manual starts may spawn a server whose restart
// ceiling was reached.
func (s *Supervisor) start(ctx context.Context, id string, manual bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return flowerrors.NotRunning(id, "shut down")
	}
	p, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	switch p.status {
	case types.ServerStatusRunning:
		s.mu.Unlock()
		return nil
	case types.ServerStatusStarting:
		ready := p.ready
		s.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return p.startErr
	}

	if p.exhausted {
		if !manual {
			s.mu.Unlock()
			return flowerrors.NotRunning(id, string(types.ServerStatusError))
		}
		p.exhausted = false
	}

	base := filepath.Base(p.cfg.Command)
	if !s.allowed[base] {
		err := flowerrors.CommandNotAllowed(id, base)
		p.status = types.ServerStatusError
		p.lastErr = err.Error()
		s.mu.Unlock()
		s.logger.Warn("rejected server command", "server_id", id, "command", p.cfg.Command)
		return err
	}

	p.cancelRestart()
	p.gen++
	p.status = types.ServerStatusStarting
	p.stopping = false
	p.ready = make(chan struct{})
	p.startErr = nil
	gen := p.gen
	cfg := p.cfg
	s.mu.Unlock()

	err = s.spawn(ctx, p, cfg, gen)

	s.mu.Lock()
	p.startErr = err
	close(p.ready)
	s.mu.Unlock()
	return err
}

// spawn starts the process, wires its connection and runs the handshake.
func (s *Supervisor) spawn(ctx context.Context, p *process, cfg types.ServerConfig, gen int) error {
	logger := logging.WithServer(s.logger, cfg.ID)
	timeout := s.timeout(cfg)

	cmd, streams, err := buildCommand(cfg, s.opts.BaseDir)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		ferr := flowerrors.SpawnFailed(cfg.ID, err)
		s.mu.Lock()
		p.status = types.ServerStatusError
		p.lastErr = ferr.Error()
		s.mu.Unlock()
		logger.Error("failed to spawn server", "command", cfg.Command, "error", err)
		return ferr
	}

	conn := rpc.NewConn(streams.stdout, streams.stdin, logger)
	conn.SetTimeout(timeout)
	conn.Subscribe(func(method string, params json.RawMessage) {
		s.notify(cfg.ID, method, params)
	})
	conn.Start()

	stderrDone := make(chan struct{})
	go streamStderr(streams.stderr, logger, stderrDone)

	exited := make(chan struct{})
	s.mu.Lock()
	p.cmd = cmd
	p.conn = conn
	p.exited = exited
	s.mu.Unlock()

	go s.wait(p, gen, cmd, conn, stderrDone, exited)

	logger.Debug("server process spawned", "pid", cmd.Process.Pid, "command", cfg.Command)

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	info, err := conn.Initialize(hctx, s.opts.ClientInfo, timeout)
	if err != nil {
		s.mu.Lock()
		p.stopping = true
		s.mu.Unlock()

		signalGroup(cmd, syscall.SIGKILL)
		<-exited

		ferr := flowerrors.HandshakeFailed(cfg.ID, err)
		s.mu.Lock()
		if p.gen == gen {
			p.status = types.ServerStatusError
			p.lastErr = ferr.Error()
		}
		s.mu.Unlock()
		logger.Error("server handshake failed", "error", err)
		return ferr
	}

	now := time.Now()
	s.mu.Lock()
	if p.gen != gen || p.stopping {
		s.mu.Unlock()
		return flowerrors.NotRunning(cfg.ID, string(types.ServerStatusStopped))
	}
	if p.cmd == nil {
		ferr := flowerrors.HandshakeFailed(cfg.ID, errors.New("process exited during startup"))
		p.status = types.ServerStatusError
		p.lastErr = ferr.Error()
		s.mu.Unlock()
		return ferr
	}
	p.status = types.ServerStatusRunning
	p.startedAt = &now
	p.lastErr = ""
	s.mu.Unlock()

	s.metrics.Incr(metrics.ServerStart, metrics.Tag(metrics.TagServer, cfg.ID))
	logger.Info("server started",
		"pid", cmd.Process.Pid,
		"server_name", info.ServerInfo.Name,
		"protocol", info.ProtocolVersion,
	)
	return nil
}

// wait reaps the process once its output streams are drained and decides
// between a clean stop and a crash.
func (s *Supervisor) wait(p *process, gen int, cmd *exec.Cmd, conn *rpc.Conn, stderrDone, exited chan struct{}) {
	<-conn.Done()
	<-stderrDone
	waitErr := cmd.Wait()
	_ = conn.Close()
	code := exitCode(waitErr)
	close(exited)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.gen != gen {
		return
	}
	p.cmd = nil
	p.conn = nil
	logger := logging.WithServer(s.logger, p.cfg.ID)

	switch {
	case p.stopping || p.status == types.ServerStatusStarting:
		p.status = types.ServerStatusStopped
		logger.Debug("server process exited", "exit_code", code)
	case code == 0:
		p.status = types.ServerStatusStopped
		logger.Info("server exited cleanly")
	default:
		ferr := flowerrors.ProcessExited(p.cfg.ID, code, waitErr)
		p.status = types.ServerStatusError
		p.lastErr = ferr.Error()
		s.metrics.Incr(metrics.ServerCrash, metrics.Tag(metrics.TagServer, p.cfg.ID))
		logger.Error("server crashed", "exit_code", code, "error", waitErr)
		s.scheduleRestartLocked(p, gen)
	}
}

// scheduleRestartLocked arms an automatic restart while the restart count
// is below the server's ceiling.
func (s *Supervisor) scheduleRestartLocked(p *process, gen int) {
	if s.closed {
		return
	}
	logger := logging.WithServer(s.logger, p.cfg.ID)
	if p.restarts >= p.cfg.MaxRetries {
		p.exhausted = true
		logger.Error("restart limit reached, leaving server in error",
			"restarts", p.restarts,
			"max_retries", p.cfg.MaxRetries,
		)
		return
	}
	p.restarts++
	attempt := p.restarts
	logger.Info("scheduling restart", "attempt", attempt, "delay", s.opts.RestartDelay)
	p.restartTimer = time.AfterFunc(s.opts.RestartDelay, func() {
		s.autoRestart(p, gen)
	})
}

func (s *Supervisor) autoRestart(p *process, gen int) {
	s.mu.Lock()
	if s.closed || p.gen != gen || p.status != types.ServerStatusError {
		s.mu.Unlock()
		return
	}
	p.restartTimer = nil
	id := p.cfg.ID
	s.mu.Unlock()

	s.metrics.Incr(metrics.ServerRestart, metrics.Tag(metrics.TagServer, id))
	if err := s.start(context.Background(), id, false); err != nil {
		s.logger.Warn("automatic restart failed", "server_id", id, "error", err)
		s.mu.Lock()
		if p.status == types.ServerStatusError {
			s.scheduleRestartLocked(p, p.gen)
		}
		s.mu.Unlock()
	}
}

// Stop terminates a server: SIGTERM to its process group, then SIGKILL
// after the grace period. Stopping a stopped server is a no-op and a
// stopped server is never restarted automatically.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	p, err := s.lookupLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if p.status == types.ServerStatusStarting {
		ready := p.ready
		s.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}

	p.cancelRestart()
	if p.status != types.ServerStatusRunning || p.cmd == nil {
		if p.status == types.ServerStatusError {
			p.gen++
			p.status = types.ServerStatusStopped
		}
		s.mu.Unlock()
		return nil
	}

	p.stopping = true
	cmd, exited := p.cmd, p.exited
	s.mu.Unlock()

	logger := logging.WithServer(s.logger, id)
	logger.Debug("stopping server", "pid", cmd.Process.Pid)
	signalGroup(cmd, syscall.SIGTERM)

	timer := time.NewTimer(s.opts.StopGracePeriod)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		logger.Warn("server ignored SIGTERM, killing", "grace_period", s.opts.StopGracePeriod)
		signalGroup(cmd, syscall.SIGKILL)
		<-exited
	case <-ctx.Done():
		signalGroup(cmd, syscall.SIGKILL)
		<-exited
	}

	logger.Info("server stopped")
	return nil
}

// Restart stops then starts a server and resets its restart count.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	if p, ok := s.procs[id]; ok {
		p.restarts = 0
	}
	s.mu.Unlock()

	s.metrics.Incr(metrics.ServerRestart, metrics.Tag(metrics.TagServer, id))
	return s.start(ctx, id, true)
}

// Status returns a snapshot of one server.
func (s *Supervisor) Status(id string) (types.ServerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookupLocked(id)
	if err != nil {
		return types.ServerState{}, err
	}
	return p.snapshot(), nil
}

// List returns snapshots of every configured server, ordered by id.
func (s *Supervisor) List() []types.ServerState {
	configs := s.catalog.List()

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ServerState, 0, len(configs))
	for _, cfg := range configs {
		p, err := s.lookupLocked(cfg.ID)
		if err != nil {
			continue
		}
		out = append(out, p.snapshot())
	}
	return out
}

// Shutdown stops every server concurrently. No server is restarted
// afterwards.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.procs))
	for id, p := range s.procs {
		p.cancelRestart()
		ids = append(ids, id)
	}
	s.mu.Unlock()

	p := pool.New().WithErrors().WithContext(ctx)
	for _, id := range ids {
		p.Go(func(ctx context.Context) error {
			return s.Stop(ctx, id)
		})
	}
	err := p.Wait()
	s.logger.Info("supervisor shut down", "servers", len(ids))
	return err
}

// lookupLocked returns the process record for id, creating a stopped one
// from the catalog on first use.
func (s *Supervisor) lookupLocked(id string) (*process, error) {
	if p, ok := s.procs[id]; ok {
		return p, nil
	}
	cfg, err := s.catalog.Get(id)
	if err != nil {
		return nil, err
	}
	p := &process{cfg: cfg, status: types.ServerStatusStopped}
	s.procs[id] = p
	return p, nil
}

func (s *Supervisor) notify(serverID, method string, params json.RawMessage) {
	s.mu.Lock()
	subs := make([]NotificationHandler, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(serverID, method, params)
	}
}

func (s *Supervisor) timeout(cfg types.ServerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return s.opts.DefaultTimeout
}

// connection lazily starts the server and returns its live connection.
func (s *Supervisor) connection(ctx context.Context, id string) (*rpc.Conn, time.Duration, error) {
	if err := s.start(ctx, id, false); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, err := s.lookupLocked(id)
	if err != nil {
		return nil, 0, err
	}
	if p.status != types.ServerStatusRunning || p.conn == nil {
		return nil, 0, flowerrors.NotRunning(id, string(p.status))
	}
	return p.conn, s.timeout(p.cfg), nil
}
