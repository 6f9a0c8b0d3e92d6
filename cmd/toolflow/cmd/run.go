package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meow-stack/toolflow/internal/scheduler"
	"github.com/meow-stack/toolflow/internal/types"
	"github.com/meow-stack/toolflow/internal/vars"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run a workflow and wait for it to finish",
	Long: `Run a registered workflow in this process: servers are started as steps
need them and stopped when the run ends.

Variables override the workflow's defaults. Input is a JSON object whose
keys are also available as ${input.<key>}.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runVars    []string
	runInput   string
	runTimeout time.Duration
	runJSON    bool
)

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "variable values (format: name=value)")
	runCmd.Flags().StringVar(&runInput, "input", "", "input as a JSON object")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "cancel the execution after this long (default: no limit beyond the workflow timeout)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the final execution as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	variables, err := parseVars(runVars)
	if err != nil {
		return err
	}
	input, err := parseInput(runInput)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.close(ctx); err != nil {
			a.logger.Error("shutdown incomplete", "error", err)
		}
	}()

	out := cmd.OutOrStdout()
	if !runJSON {
		a.scheduler.Subscribe(progressPrinter(out))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runTimeout)
		defer cancel()
	}

	exec, err := a.scheduler.Execute(context.Background(), args[0], input, variables)
	if err != nil {
		return err
	}
	if !runJSON {
		fmt.Fprintf(out, "Execution %s started (workflow %s)\n", exec.ID, exec.WorkflowID)
	}

	final, err := a.scheduler.Wait(ctx, exec.ID)
	if err != nil {
		// Interrupted or timed out: cancel and report the settled state.
		if _, cerr := a.scheduler.Cancel(exec.ID); cerr == nil && !runJSON {
			fmt.Fprintln(out, "\nCancelling execution...")
		}
		final, err = a.scheduler.Wait(context.Background(), exec.ID)
		if err != nil {
			return err
		}
	}

	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(final); err != nil {
			return err
		}
	} else {
		printExecution(out, final)
	}

	if final.Status != types.ExecutionStatusCompleted {
		return fmt.Errorf("execution %s %s", final.ID, final.Status)
	}
	return nil
}

// parseVars parses name=value pairs.
func parseVars(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, v := range pairs {
		name, value, ok := strings.Cut(v, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable format: %s (expected name=value)", v)
		}
		out[name] = value
	}
	return out, nil
}

// parseInput decodes a JSON object. Empty input is an empty object.
func parseInput(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("invalid --input: %w", err)
	}
	if input == nil {
		return nil, errors.New("invalid --input: expected a JSON object")
	}
	return input, nil
}

// progressPrinter writes one line per step event.
func progressPrinter(w io.Writer) scheduler.EventHandler {
	return func(ev scheduler.Event) {
		switch ev.Type {
		case scheduler.EventStepStarted:
			fmt.Fprintf(w, "  → %s\n", ev.StepID)
		case scheduler.EventStepCompleted:
			fmt.Fprintf(w, "  ✓ %s\n", ev.StepID)
		case scheduler.EventStepFailed:
			fmt.Fprintf(w, "  ✗ %s: %s\n", ev.StepID, ev.Error)
		}
	}
}

// printExecution writes the final state of an execution.
func printExecution(w io.Writer, exec *types.Execution) {
	fmt.Fprintf(w, "\nExecution %s: %s\n", exec.ID, exec.Status)
	if exec.CompletedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", exec.CompletedAt.Sub(exec.StartedAt).Round(time.Millisecond))
	}
	if exec.Error != "" {
		fmt.Fprintf(w, "Error: %s\n", exec.Error)
	}

	fmt.Fprintln(w, "\nSteps:")
	for _, step := range exec.Steps {
		line := fmt.Sprintf("  %-20s %-10s", step.StepID, step.Status)
		if step.Attempts > 1 {
			line += fmt.Sprintf(" attempts=%d", step.Attempts)
		}
		if step.Error != "" {
			line += " error: " + step.Error
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
		if verbose && step.Output != nil {
			fmt.Fprintf(w, "    output: %s\n", vars.StringifyValue(step.Output))
		}
	}
}
