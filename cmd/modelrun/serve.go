package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/modelrun/internal/api"
	"github.com/seantiz/modelrun/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept evaluation runs over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "Listen address (overrides MODELRUN_LISTEN_ADDR)")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.ListenAddr = addr
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("modelrun: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"project_root", cfg.Run.ProjectDir,
	)

	eng, db, err := openEngine(cmd, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	return api.NewServer(cfg, db, eng, logger).Run()
}
