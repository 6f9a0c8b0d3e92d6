// Package metrics reports counters and timings to a statsd agent.
package metrics

import (
	"log/slog"
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"

	"github.com/meow-stack/toolflow/internal/config"
)

// Metric names. The client adds the "toolflow." namespace.
const (
	ServerStart    = "server.start"
	ServerCrash    = "server.crash"
	ServerRestart  = "server.restart"
	RPCCallCount   = "rpc.call.count"
	RPCCallLatency = "rpc.call.latency"
	StepAttempt    = "step.attempt"
	StepResult     = "step.result"
	ExecutionCount = "execution.count"
	ExecutionTime  = "execution.latency"
	ExecutionsLive = "execution.running"
)

// Tag keys.
const (
	TagServer   = "server"
	TagMethod   = "method"
	TagWorkflow = "workflow"
	TagStatus   = "status"
	TagOutcome  = "outcome"
)

// Recorder sends metrics through a statsd client. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	client statsd.ClientInterface
	logger *slog.Logger
}

// New creates a recorder from config. When metrics are disabled the
// recorder uses a no-op client.
func New(cfg config.MetricsConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return NewWithClient(&statsd.NoOpClient{}, logger), nil
	}

	client, err := statsd.New(cfg.Address,
		statsd.WithNamespace("toolflow."),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return nil, err
	}
	logger.Info("metrics client initialized", "address", cfg.Address, "tags", cfg.Tags)
	return NewWithClient(client, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client statsd.ClientInterface, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{client: client, logger: logger.With("component", "metrics")}
}

// Noop returns a recorder that discards everything.
func Noop() *Recorder {
	return NewWithClient(&statsd.NoOpClient{}, nil)
}

// Tag formats a key:value statsd tag.
func Tag(key, value string) string {
	return key + ":" + value
}

// Incr increments a counter by one.
func (r *Recorder) Incr(name string, tags ...string) {
	if r == nil {
		return
	}
	if err := r.client.Incr(name, tags, 1); err != nil {
		r.logger.Warn("statsd count failed", "metric", name, "error", err)
	}
}

// Timing records a duration.
func (r *Recorder) Timing(name string, d time.Duration, tags ...string) {
	if r == nil {
		return
	}
	if err := r.client.Timing(name, d, tags, 1); err != nil {
		r.logger.Warn("statsd timing failed", "metric", name, "error", err)
	}
}

// TimingSince records the time elapsed since start. Intended for defer.
func (r *Recorder) TimingSince(name string, start time.Time, tags ...string) {
	r.Timing(name, time.Since(start), tags...)
}

// Gauge records a point-in-time value.
func (r *Recorder) Gauge(name string, value float64, tags ...string) {
	if r == nil {
		return
	}
	if err := r.client.Gauge(name, value, tags, 1); err != nil {
		r.logger.Warn("statsd gauge failed", "metric", name, "error", err)
	}
}

// Close flushes and closes the client.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}
