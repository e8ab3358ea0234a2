package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var flagQueueWatch bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the ingest queue",
}

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Drain pending queue items once, or continuously with --watch",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueue()
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show how many items are waiting",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQueueStatus()
	},
}

func init() {
	queueRunCmd.Flags().BoolVar(&flagQueueWatch, "watch", false, "keep running on the configured interval")
	queueCmd.AddCommand(queueRunCmd, queueStatusCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueue() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if flagQueueWatch {
		// Blocks until interrupted; each tick drains a batch and sweeps
		// stale state.
		a.Engine.RunScheduler(ctx)
		return nil
	}

	report, err := a.Engine.ProcessQueue(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Println("queue is locked by another worker, nothing done")
		return nil
	}
	fmt.Printf("claimed %d, completed %d, failed %d\n",
		report.Claimed, report.Completed, report.Failed)
	return nil
}

func runQueueStatus() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.Store.Queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("pending items: %d\n", pending)
	return nil
}
