package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/meow-stack/toolflow/internal/types"
	"github.com/meow-stack/toolflow/internal/workflow"
)

var workflowsCmd = &cobra.Command{
	Use:     "workflows",
	Aliases: []string{"wf"},
	Short:   "Inspect workflow definitions",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workflows",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			listWorkflowDefs(cmd.OutOrStdout(), a.workflows.List())
			return nil
		})
	},
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show <workflow>",
	Short: "Print a workflow definition as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			def, err := a.workflows.Get(args[0])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(def)
			if err != nil {
				return fmt.Errorf("encoding workflow: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		})
	},
}

var workflowsValidateCmd = &cobra.Command{
	Use:   "validate [file...]",
	Short: "Check workflow definitions",
	Long: `Check definition files, or every registered workflow when no files are
given. Files are checked against the server catalog and warnings are
printed for dependencies that would block execution.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			return validateWorkflows(cmd.OutOrStdout(), a, args)
		})
	},
}

func init() {
	workflowsCmd.AddCommand(workflowsListCmd, workflowsShowCmd, workflowsValidateCmd)
	rootCmd.AddCommand(workflowsCmd)
}

// withApp builds the runtime, runs fn and shuts the runtime down.
func withApp(fn func(a *app) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.close(context.Background()); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func listWorkflowDefs(w io.Writer, defs []*types.WorkflowDefinition) {
	if len(defs) == 0 {
		fmt.Fprintln(w, "No workflows found.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Add definitions to .toolflow/workflows/ to get started.")
		return
	}

	fmt.Fprintln(w, "Available workflows:")
	fmt.Fprintln(w)
	for _, def := range defs {
		if def.Description != "" {
			fmt.Fprintf(w, "  %-28s %s\n", def.ID, def.Description)
		} else {
			fmt.Fprintf(w, "  %s\n", def.ID)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run: toolflow run <workflow> [--var key=value]")
}

// validateWorkflows checks files (or all registered workflows) and returns
// an error if any definition is invalid. Warnings do not fail validation.
func validateWorkflows(w io.Writer, a *app, files []string) error {
	var defs []*types.WorkflowDefinition
	failed := 0

	if len(files) == 0 {
		defs = a.workflows.List()
	} else {
		store := workflow.NewStore(a.registry, a.logger)
		for _, path := range files {
			def, err := workflow.LoadFile(path)
			if err == nil {
				err = store.Register(def)
			}
			if err != nil {
				fmt.Fprintf(w, "✗ %s: %v\n", path, err)
				failed++
				continue
			}
			defs = append(defs, def)
		}
	}

	for _, def := range defs {
		warnings := workflow.Validate(def)
		if len(warnings) == 0 {
			fmt.Fprintf(w, "✓ %s (%d steps)\n", def.ID, len(def.Steps))
			continue
		}
		fmt.Fprintf(w, "! %s (%d steps)\n", def.ID, len(def.Steps))
		for _, warning := range warnings {
			fmt.Fprintf(w, "    %s\n", warning)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d definitions invalid", failed, len(files))
	}
	if len(defs) == 0 {
		fmt.Fprintln(w, "No workflows to validate.")
	}
	return nil
}
