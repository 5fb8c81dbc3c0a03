package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/queuectl/queuectl"
)

var listState string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs in creation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state := queuectl.JobState(listState)
		if listState != "" && !validState(state) {
			return fmt.Errorf("unknown state %q (want one of %v)", listState, queuectl.JobStates)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		jobs, err := store.List(cmd.Context(), state)
		if err != nil {
			return err
		}
		printJobs(cmd, jobs)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listState, "state", "",
		"only list jobs in this state (pending, processing, completed, dead)")
}

func validState(state queuectl.JobState) bool {
	for _, s := range queuectl.JobStates {
		if s == state {
			return true
		}
	}
	return false
}

func printJobs(cmd *cobra.Command, jobs []*queuectl.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no jobs")
		return
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tMAX_RETRIES\tCREATED\tCOMMAND\tLAST_ERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			job.ID,
			job.State,
			job.Attempts,
			job.MaxRetries,
			job.CreatedAt.Local().Format(time.RFC3339),
			truncate(job.Command, 40),
			truncate(job.LastError, 60))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
