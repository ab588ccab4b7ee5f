package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/modelrun/internal/config"
	"github.com/seantiz/modelrun/internal/worker"
)

// workerCmd evaluates one batch sent by a parent modelrun process on stdin
// and reports on stdout. Its own diagnostics go to stderr.
var workerCmd = &cobra.Command{
	Use:    workerCommand,
	Short:  "Evaluate one batch for a parent process",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		logger := config.NewLogger(os.Stderr, cfg.LogLevel)

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if err := worker.Serve(ctx, os.Stdin, os.Stdout); err != nil {
			logger.Error("worker failed", "pid", os.Getpid(), "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
