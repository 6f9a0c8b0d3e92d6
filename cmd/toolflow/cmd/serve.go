package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meow-stack/toolflow/internal/api"
	"github.com/meow-stack/toolflow/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the management API",
	Long: `Load servers and workflows, then serve the management API until
interrupted. Servers are started on first use or through the API.

On SIGINT or SIGTERM, running executions are cancelled and every server
is stopped before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveListen string
	serveWatch  bool
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (default: api.listen from config)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", false, "register workflow files added while running")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveWatch || a.cfg.Scheduler.WatchWorkflows {
		dir := a.cfg.WorkflowDir(a.baseDir)
		if err := a.workflows.Watch(ctx, dir, workflow.DefaultDebounce); err != nil {
			a.logger.Warn("workflow watch disabled", "dir", dir, "error", err)
		}
	}

	addr := serveListen
	if addr == "" {
		addr = a.cfg.API.Listen
	}

	server := api.New(a.supervisor, a.workflows, a.scheduler, a.logger)
	serveErr := server.ListenAndServe(ctx, addr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.close(shutdownCtx); err != nil {
		a.logger.Error("shutdown incomplete", "error", err)
	}

	if serveErr != nil {
		return fmt.Errorf("serving api: %w", serveErr)
	}
	return nil
}
