package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/stowload/internal/step/output"
	"github.com/wesleyorama2/stowload/internal/step/service"
)

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Control a load step served by 'stowload serve'",
	Long: `Send control requests to a remote load step.

Example:
  stowload remote status --addr host:9999
  stowload remote start --addr host:9999
  stowload remote await --addr host:9999 --timeout 10m
  stowload remote metrics --addr host:9999 --json`,
}

var remoteStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the remote step identity and state",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := remoteClient(cmd).Status(cmd.Context())
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), status)
		return nil
	},
}

var remoteStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the remote step",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteControl(cmd, (*service.Client).Start)
	},
}

var remoteStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the remote step",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteControl(cmd, (*service.Client).Stop)
	},
}

var remoteCloseCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the remote step",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteControl(cmd, (*service.Client).Close)
	},
}

var remoteAwaitCmd = &cobra.Command{
	Use:   "await",
	Short: "Wait for the remote step to complete",
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		completed, err := remoteClient(cmd).Await(cmd.Context(), timeout)
		if err != nil {
			return err
		}
		if !completed {
			return fmt.Errorf("remote step did not complete within %s", timeout)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "completed")
		return nil
	},
}

var remoteMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the remote step metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshots, err := remoteClient(cmd).Metrics(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snapshots)
		}

		noColor, _ := cmd.Flags().GetBool("no-color")
		console := output.NewConsole(output.ConsoleConfig{Writer: cmd.OutOrStdout(), Color: !noColor})
		for _, s := range snapshots {
			console.Snapshot(s, true)
		}
		return nil
	},
}

var remoteWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the remote step metrics as they are pushed",
	RunE: func(cmd *cobra.Command, args []string) error {
		noColor, _ := cmd.Flags().GetBool("no-color")
		console := output.NewConsole(output.ConsoleConfig{Writer: cmd.OutOrStdout(), Color: !noColor})

		return remoteClient(cmd).Stream(cmd.Context(), func(msg service.StreamMessage) bool {
			terminal := msg.State == "completed" || msg.State == "interrupted" || msg.State == "closed"
			for _, s := range msg.Snapshots {
				console.Snapshot(s, terminal)
			}
			return !terminal
		})
	},
}

func init() {
	remoteCmd.PersistentFlags().String("addr", "localhost:9999", "Address of the load step service")

	remoteAwaitCmd.Flags().Duration("timeout", 10*time.Minute, "Maximum time to wait")
	remoteMetricsCmd.Flags().Bool("json", false, "Print the snapshots as JSON")
	remoteMetricsCmd.Flags().Bool("no-color", false, "Disable colored output")
	remoteWatchCmd.Flags().Bool("no-color", false, "Disable colored output")

	remoteCmd.AddCommand(remoteStatusCmd, remoteStartCmd, remoteStopCmd, remoteCloseCmd,
		remoteAwaitCmd, remoteMetricsCmd, remoteWatchCmd)
}

func remoteClient(cmd *cobra.Command) *service.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return service.NewClient(addr)
}

func remoteControl(cmd *cobra.Command, action func(*service.Client, context.Context) (*service.StatusResponse, error)) error {
	status, err := action(remoteClient(cmd), cmd.Context())
	if err != nil {
		return err
	}
	printStatus(cmd.OutOrStdout(), status)
	return nil
}

func printStatus(w io.Writer, s *service.StatusResponse) {
	fmt.Fprintf(w, "step %s (%s) run %d: %s\n", s.StepID, s.Type, s.RunID, s.State)
}
