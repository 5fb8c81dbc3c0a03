package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/queuectl/queuectl"
)

var (
	dataDir string
	verbose bool

	cfg    *queuectl.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "queuectl",
	Short: "Durable background job queue",
	Long: `queuectl is a persistent job queue: enqueue shell commands, run a pool
of workers that execute them with retries and exponential backoff, and
inspect or replay jobs that exhausted their retry budget.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = queuectl.LoadConfig(dataDir)
		if err != nil {
			return err
		}
		logger, err = buildLogger(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"data directory for the queue database, config, and pidfile (default \".queuectl\")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	rootCmd.AddCommand(
		enqueueCmd,
		listCmd,
		statusCmd,
		dlqCmd,
		configCmd,
		workerCmd,
		recoverCmd,
	)
}

// buildLogger returns a console logger on stderr. Command output stays on
// stdout; logs never mix with it.
func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return cfg.Build()
}

// openStore opens the configured backend and wraps it in a Store. Callers
// must Close the store when done.
func openStore() (*queuectl.Store, error) {
	backend, err := cfg.NewBackend(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open backend: %w", err)
	}
	return queuectl.NewStore(backend, cfg, logger), nil
}

func printErr(err error) {
	fmt.Fprintf(os.Stderr, "queuectl: %v\n", err)
}
