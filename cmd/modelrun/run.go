package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/modelrun/internal/config"
	"github.com/seantiz/modelrun/internal/engine"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate the pipeline over a sample matrix and print the results",
	Long: `Evaluate the pipeline once over every sample and print the run record,
the ordered quantities of interest and the retrieved artifacts as JSON.

Settings are layered: MODELRUN_* environment variables, then the run file
given with --config, then flags.`,
	Args: cobra.NoArgs,
	RunE: runEvaluation,
}

func init() {
	rootCmd.AddCommand(runCmd)
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("config", "c", "", "YAML run file")
	f.IntP("workers", "n", 1, "Requested number of parallel workers")
	f.StringP("project", "p", ".", "Project directory holding the stage scripts")
	f.String("input-script", "", "Input preparation script")
	f.String("model-script", "", "Model script")
	f.String("output-script", "", "Output extraction script")
	f.StringP("samples", "s", "", "Sample file, relative to the project directory")
	f.Int("dimension", 0, "Expected sample dimension (0 infers it)")
	f.Int("qoi-size", 0, "Expected result width (0 infers it)")
	f.StringP("output-dir", "o", "", "Directory receiving the run's artifacts")
	f.String("python", "", "Interpreter for .py scripts")
	f.Duration("run-timeout", 0, "Limit for the whole run (0 disables)")
	f.Duration("stage-timeout", 0, "Limit for each stage invocation (0 disables)")
}

// runConfigFromFlags layers the run file and every flag the user set on top
// of base.
func runConfigFromFlags(cmd *cobra.Command, base config.RunConfig) (config.RunConfig, error) {
	rc := base
	f := cmd.Flags()

	if path, _ := f.GetString("config"); path != "" {
		var err error
		if rc, err = config.LoadRunFile(path, rc); err != nil {
			return config.RunConfig{}, err
		}
	}

	stringFlags := map[string]*string{
		"project":       &rc.ProjectDir,
		"input-script":  &rc.InputScript,
		"model-script":  &rc.ModelScript,
		"output-script": &rc.OutputScript,
		"samples":       &rc.SamplesFile,
		"output-dir":    &rc.OutputDir,
		"python":        &rc.Python,
	}
	for name, dst := range stringFlags {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}

	intFlags := map[string]*int{
		"workers":   &rc.Workers,
		"dimension": &rc.Dimension,
		"qoi-size":  &rc.QOISize,
	}
	for name, dst := range intFlags {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}

	durationFlags := map[string]*config.Duration{
		"run-timeout":   &rc.RunTimeout,
		"stage-timeout": &rc.StageTimeout,
	}
	for name, dst := range durationFlags {
		if f.Changed(name) {
			d, _ := f.GetDuration(name)
			*dst = config.Duration(d)
		}
	}

	return rc, nil
}

func runEvaluation(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	rc, err := runConfigFromFlags(cmd, cfg.Run)
	if err != nil {
		return err
	}

	eng, db, err := openEngine(cmd, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	start := time.Now()
	res, err := eng.Evaluate(ctx, engine.Request{Config: rc})
	if err != nil {
		return err
	}
	logger.Info("run finished",
		"run_id", res.Run.ID,
		"mode", res.Run.Mode,
		"workers", res.Run.Workers,
		"samples", res.Run.SampleCount,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
