package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stowload/internal/logging"
	"github.com/wesleyorama2/stowload/internal/step/config"
)

var version = "0.1.0"

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "stowload",
	Short:   "A load generator for storage backends",
	Version: version,
	Long: `Stowload issues a configured stream of create, read, update, delete or
noop operations against a storage backend at a controlled concurrency and
rate, and reports the performance metrics while the load runs.

A load step is described by a YAML or JSON document:
  stowload run --config step.yaml

It can also be served to a remote coordinator:
  stowload serve --config step.yaml --addr :9999
  stowload remote start --addr host:9999`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is provided, print help
		cmd.Help()
	},
}

// Execute runs the root command.
// This is called by main.Main(). It only needs to happen once to the rootCmd.
func Execute() error {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

func init() {
	RootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().Bool("log-dev", false, "Human readable development logs")

	RootCmd.AddCommand(runCmd)
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(remoteCmd)
}

// newLogger builds the logger selected by the persistent flags.
func newLogger(cmd *cobra.Command) (*zap.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	dev, _ := cmd.Flags().GetBool("log-dev")

	logger, err := logging.New(level, dev)
	if err != nil {
		return nil, fmt.Errorf("failed to create the logger: %w", err)
	}
	return logger, nil
}

// loadStepConfig loads the --config document and applies the flag overrides.
func loadStepConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil, fmt.Errorf("--config is required")
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}

	if cmd.Flags().Changed("step-id") {
		cfg.Load.Step.ID, _ = cmd.Flags().GetString("step-id")
	}
	if cmd.Flags().Changed("run-id") {
		cfg.Run.ID, _ = cmd.Flags().GetInt64("run-id")
	}
	if cmd.Flags().Changed("no-color") {
		noColor, _ := cmd.Flags().GetBool("no-color")
		enabled := !noColor
		cfg.Output.Color = &enabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func addStepFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Load step configuration file (YAML or JSON)")
	cmd.Flags().String("step-id", "", "Override load.step.id")
	cmd.Flags().Int64("run-id", 0, "Override run.id")
	cmd.Flags().Bool("no-color", false, "Disable colored output")
}
