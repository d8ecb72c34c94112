package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stowload/internal/step"
	"github.com/wesleyorama2/stowload/internal/step/output"
)

// awaitPoll is how long a single completion wait lasts before the run
// command checks for a signal again.
const awaitPoll = 500 * time.Millisecond

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a load step from a configuration file",
	Long: `Run a load step in the foreground and print its metrics.

The step ends when its item input is exhausted, its count or time limit is
reached, or on interrupt (Ctrl+C). The command exits with a non-zero status
when the step did not complete.

Example:
  stowload run --config create.yaml
  stowload run -c read.yaml --step-id nightly-read`,
	RunE: runStep,
}

func init() {
	addStepFlags(runCmd)
}

func runStep(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadStepConfig(cmd)
	if err != nil {
		return err
	}

	console := output.NewConsole(output.ConsoleConfig{
		Writer: cmd.OutOrStdout(),
		Color:  cfg.ColorEnabled(),
	})

	s, err := step.NewLinear(cfg,
		step.WithLogger(logger),
		step.WithMetricsOutput(console))
	if err != nil {
		return err
	}
	defer s.Close()

	console.PrintHeader(s.LoadStepID(), s.RunID(), cfg.Storage.Driver.Type, cfg.Storage.Driver.Limit.Concurrency)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(); err != nil {
		return err
	}

	completed := awaitStep(ctx, s)
	if !completed {
		logger.Warn("Interrupted, stopping the load step")
		if err := s.Stop(); err != nil {
			logger.Error("Failed to stop the load step", zap.Error(err))
		}
	}

	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close the load step: %w", err)
	}
	stats := s.ContentStats()
	logger.Debug("Content source",
		zap.Int("cached_layers", stats.CachedLayers),
		zap.Int64("generated", stats.Generated),
		zap.Int64("evictions", stats.Evictions))
	if err := s.Context().Err(); err != nil {
		return fmt.Errorf("load step failed: %w", err)
	}
	if !completed {
		return fmt.Errorf("load step %s did not complete", s.LoadStepID())
	}
	return nil
}

// awaitStep waits for s to finish. It returns true if the step completed and
// false when it was interrupted or ctx is done first.
func awaitStep(ctx context.Context, s step.Step) bool {
	for {
		if s.Await(awaitPoll) {
			return true
		}
		if s.State().Terminal() {
			return false
		}
		if ctx.Err() != nil {
			return false
		}
	}
}
