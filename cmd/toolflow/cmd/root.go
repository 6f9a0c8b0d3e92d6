package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meow-stack/toolflow/internal/config"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	verbose    bool
	workDir    string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "toolflow",
	Short: "Supervise tool servers and run workflows across them",
	Long: `toolflow launches tool servers as child processes, talks to them with
JSON-RPC over stdio and runs multi-step workflows whose steps call their tools.

Servers are declared in .toolflow/servers.yaml and workflows in
.toolflow/workflows/*.yaml. Run 'toolflow serve' for the management API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&workDir, "workdir", "C", "", "working directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ~/.toolflow/config.toml then .toolflow/config.toml)")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("toolflow {{.Version}}\n")
}

// getWorkDir returns the effective working directory.
func getWorkDir() (string, error) {
	if workDir != "" {
		return workDir, nil
	}
	return os.Getwd()
}

// loadConfig loads and validates configuration for the working directory.
func loadConfig() (*config.Config, string, error) {
	dir, err := getWorkDir()
	if err != nil {
		return nil, "", fmt.Errorf("getting working directory: %w", err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromDir(dir)
	}
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	if verbose {
		cfg.Logging.Level = config.LogLevelDebug
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, dir, nil
}
