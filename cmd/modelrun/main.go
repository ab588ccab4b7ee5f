// Command modelrun evaluates an external model pipeline over a sample
// matrix, either once from the command line or as an HTTP service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/modelrun/internal/config"
	"github.com/seantiz/modelrun/internal/engine"
	"github.com/seantiz/modelrun/internal/store"
	"github.com/seantiz/modelrun/internal/worker"
)

const workerCommand = "worker"

var rootCmd = &cobra.Command{
	Use:   "modelrun",
	Short: "Sample-parallel evaluation of an external model pipeline",
	Long: `modelrun evaluates a model over a matrix of samples by running a
three-stage script pipeline (input preparation, model, output extraction)
once per sample, serially or across a pool of worker processes, and returns
the quantities of interest in sample order.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("in-process", false, "Evaluate batches in goroutines instead of worker processes")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides MODELRUN_DB_PATH)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// openEngine opens the run store and builds an engine around it. Worker
// processes are this executable started with the hidden worker command.
func openEngine(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) (*engine.Engine, store.Store, error) {
	dbPath := cfg.DBPath
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		dbPath = v
	}
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, nil, err
	}

	opts := []engine.Option{engine.WithStagingExcludes(storeFiles(dbPath)...)}
	if inProcess, _ := cmd.Flags().GetBool("in-process"); !inProcess {
		exe, err := os.Executable()
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		opts = append(opts, engine.WithLauncher(&worker.Process{
			Path:   exe,
			Args:   []string{workerCommand},
			Stderr: os.Stderr,
		}))
	}

	logger.Debug("store opened", "db_path", dbPath)
	return engine.NewEngine(db, logger, opts...), db, nil
}

// storeFiles lists the database file and the files SQLite keeps beside it.
func storeFiles(dbPath string) []string {
	if dbPath == ":memory:" {
		return nil
	}
	return []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + "-journal"}
}
