package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the turn-processing worker pool",
	Long: `Worker claims queued pipeline jobs and runs them until interrupted.
Multiple worker processes may share one database; job claiming is
race-free across processes.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	a.Logger.Info("worker starting",
		"workers", a.Config.WorkerCount, "poll_interval", a.Config.QueuePollInterval)

	if err := a.NewWorker().Run(ctx); err != nil {
		return err
	}
	a.Logger.Info("worker stopped")
	return nil
}
