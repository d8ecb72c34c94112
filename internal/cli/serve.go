package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stowload/internal/step"
	"github.com/wesleyorama2/stowload/internal/step/metrics"
	"github.com/wesleyorama2/stowload/internal/step/output"
	"github.com/wesleyorama2/stowload/internal/step/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a load step to a remote coordinator",
	Long: `Assemble a load step and expose it over HTTP. The step waits for a start
request unless --start is given. Prometheus metrics are served on /metrics.

Example:
  stowload serve --config create.yaml --addr :9999
  stowload remote start --addr localhost:9999`,
	RunE: serveStep,
}

func init() {
	addStepFlags(serveCmd)
	serveCmd.Flags().String("addr", ":9999", "Listen address")
	serveCmd.Flags().Bool("start", false, "Start the step right away")
}

func serveStep(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadStepConfig(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	startNow, _ := cmd.Flags().GetBool("start")

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
	defer func() {
		if err := s.Close(); err != nil {
			logger.Error("Failed to close the load step", zap.Error(err))
		}
	}()

	srv, err := service.NewServer(s,
		service.WithLogger(logger),
		service.WithCollector(metrics.NewCollector(s.MetricsManager())))
	if err != nil {
		return err
	}

	console.PrintHeader(s.LoadStepID(), s.RunID(), cfg.Storage.Driver.Type, cfg.Storage.Driver.Limit.Concurrency)
	if startNow {
		if err := s.Start(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("load step service failed: %w", err)
	}
	return nil
}
