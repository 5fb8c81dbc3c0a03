package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
)

var (
	workerCount  int
	workerDetach bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the worker pool",
}

var workerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a pool of workers",
	Long: `Start runs a pool of workers that claim and execute jobs until
interrupted. With --detach the pool runs as a background process tracked
in the pidfile; stop it with "queuectl worker stop".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}
		if workerDetach {
			sup := queuectl.NewSupervisor(cfg, logger)
			pid, err := sup.StartDetached(workerCount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started %d worker(s) in process %d\n", workerCount, pid)
			return nil
		}
		return runPool(cmd, workerCount)
	},
}

// workerRunCmd is the entrypoint re-executed by StartDetached. It is the
// same foreground loop as "worker start" without --detach, kept separate
// and hidden so the supervisor never recurses into detaching again.
var workerRunCmd = &cobra.Command{
	Use:    "run",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerCount < 1 {
			return fmt.Errorf("--count must be at least 1")
		}
		return runPool(cmd, workerCount)
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop all tracked worker pool processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sup := queuectl.NewSupervisor(cfg, logger)
		if err := sup.Stop(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "workers stopped")
		return nil
	},
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked worker pool processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		procs, err := queuectl.NewSupervisor(cfg, logger).Status(cmd.Context())
		if err != nil {
			return err
		}
		printWorkerProcs(cmd, procs)
		return nil
	},
}

// runPool runs workers in the foreground until SIGINT or SIGTERM, then
// drains: in-flight jobs finish before the process exits.
func runPool(cmd *cobra.Command, count int) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := queuectl.NewPool(count, store, cfg, logger)
	return pool.Run(ctx)
}

func init() {
	for _, c := range []*cobra.Command{workerStartCmd, workerRunCmd} {
		c.Flags().IntVar(&workerCount, "count", 1, "number of workers in the pool")
	}
	workerStartCmd.Flags().BoolVar(&workerDetach, "detach", false,
		"run the pool as a background process")

	workerCmd.AddCommand(workerStartCmd, workerRunCmd, workerStopCmd, workerStatusCmd)
}
