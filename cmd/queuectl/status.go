package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts and worker pool processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "jobs:")
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "  pending\t%d\n", stats.Pending)
		fmt.Fprintf(w, "  processing\t%d\n", stats.Processing)
		fmt.Fprintf(w, "  completed\t%d\n", stats.Completed)
		fmt.Fprintf(w, "  dead\t%d\n", stats.Dead)
		fmt.Fprintf(w, "  total\t%d\n", stats.Total)
		fmt.Fprintf(w, "  attempts\t%d\n", stats.TotalAttempts)
		_ = w.Flush()

		procs, err := queuectl.NewSupervisor(cfg, logger).Status(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		printWorkerProcs(cmd, procs)
		return nil
	},
}

func printWorkerProcs(cmd *cobra.Command, procs []queuectl.WorkerProcess) {
	out := cmd.OutOrStdout()
	if len(procs) == 0 {
		fmt.Fprintln(out, "workers: none tracked")
		return
	}

	fmt.Fprintln(out, "workers:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  PID\tRUNNING\tCPU%\tMEM_MB\tSTARTED")
	for _, p := range procs {
		started := "-"
		if !p.StartedAt.IsZero() {
			started = p.StartedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  %d\t%t\t%.1f\t%.1f\t%s\n",
			p.PID, p.Running, p.CPUPct, p.MemoryMB, started)
	}
	_ = w.Flush()
}
