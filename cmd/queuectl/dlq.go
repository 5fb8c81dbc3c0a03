package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay the dead-letter queue",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		jobs, err := store.ListDead(cmd.Context())
		if err != nil {
			return err
		}
		printJobs(cmd, jobs)
		return nil
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-queue a dead job with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.RetryFromDLQ(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s re-queued\n", args[0])
		return nil
	},
}

var dlqMoveCmd = &cobra.Command{
	Use:   "move <job-id>",
	Short: "Force a job into the dead-letter queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.MoveToDLQ(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "job %s moved to DLQ\n", args[0])
		return nil
	},
}

func init() {
	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqMoveCmd)
}
