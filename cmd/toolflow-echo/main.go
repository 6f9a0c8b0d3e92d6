// Command toolflow-echo is a tool server speaking the toolflow transport on
// stdin/stdout. By default every tool returns its arguments; a YAML
// configuration can script delays, results, failures, hangs and crashes.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meow-stack/toolflow/internal/config"
	"github.com/meow-stack/toolflow/internal/logging"
)

var (
	configPath string
	serverName string
	logLevel   string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to behavior config YAML")
	flag.StringVar(&serverName, "name", "", "Server name announced during the handshake")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug/info/warn/error)")
}

func main() {
	flag.Parse()

	// Allow env var override for config path
	if envConfig := os.Getenv("TOOLFLOW_ECHO_CONFIG"); envConfig != "" && configPath == "" {
		configPath = envConfig
	}

	var cfg EchoConfig
	if configPath != "" {
		var err error
		cfg, err = LoadConfig(configPath)
		if err != nil {
			logging.NewDefault().Error("failed to load config", "path", configPath, "error", err)
			os.Exit(1)
		}
	} else {
		cfg = NewDefaultEchoConfig()
	}

	if serverName != "" {
		cfg.Name = serverName
	}
	if envLevel := os.Getenv("TOOLFLOW_ECHO_LOG_LEVEL"); envLevel != "" {
		cfg.Logging.Level = envLevel
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	// stdout carries the protocol, so logs go to stderr.
	base, closer, err := setupLogger(cfg.Logging)
	if err != nil {
		logging.NewDefault().Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	logger := base.With("server", cfg.Name)
	logger.Debug("starting", "config", configPath, "pid", os.Getpid())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := NewEchoServer(cfg, logger).Run(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Error("server error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Debug("exiting")
}

// setupLogger builds the logger through the shared logging package, so
// the level and format names match toolflow's own configuration.
func setupLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	c := config.Default()
	c.Logging.Level = config.LogLevel(cfg.Level)
	c.Logging.Format = config.LogFormat(cfg.Format)
	c.Logging.File = cfg.File
	return logging.NewFromConfig(c, ".")
}
