package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-queue jobs stranded in PROCESSING by crashed workers",
	Long: `Recover moves every PROCESSING job back to PENDING. Run it only when
no workers are running: a job claimed by a live worker looks identical to
one stranded by a crash.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.RequeueOrphans(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "re-queued %d job(s)\n", n)
		return nil
	},
}
