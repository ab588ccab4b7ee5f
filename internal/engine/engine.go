package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/modelrun/internal/collector"
	"github.com/seantiz/modelrun/internal/config"
	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/partition"
	"github.com/seantiz/modelrun/internal/pipeline"
	"github.com/seantiz/modelrun/internal/samples"
	"github.com/seantiz/modelrun/internal/store"
	"github.com/seantiz/modelrun/internal/worker"
	"github.com/seantiz/modelrun/internal/workspace"
)

// ErrConfiguration wraps every error found before any sample is evaluated:
// missing or malformed samples, missing or unsupported scripts, and invalid
// run settings.
var ErrConfiguration = errors.New("configuration error")

// Request describes one evaluation. When Samples is nil the samples are read
// from Config.SamplesFile in the project directory.
type Request struct {
	Config  config.RunConfig `json:"config"`
	Samples samples.Matrix   `json:"samples,omitempty"`
}

// Result is the outcome of a successful evaluation.
type Result struct {
	Run *model.Run `json:"run"`

	// QOI holds one result per sample in sample order. It is nil when the
	// run had no output stage.
	QOI []model.QOI `json:"qoi"`

	// OutputDir is where Artifacts were copied. Empty when retrieval was off.
	OutputDir string   `json:"output_dir,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLauncher sets how parallel batches are started. The default runs them
// in goroutines of the current process.
func WithLauncher(l worker.Launcher) Option {
	return func(e *Engine) {
		e.launcher = l
	}
}

// WithExecutionUnits overrides the number of execution units worker counts
// are clamped to. The default is runtime.NumCPU.
func WithExecutionUnits(n int) Option {
	return func(e *Engine) {
		e.cpus = n
	}
}

// WithStagingExcludes keeps the given files out of every run workspace even
// when they sit in the project directory, such as the store's own database.
func WithStagingExcludes(paths ...string) Option {
	return func(e *Engine) {
		e.skipStaging = workspace.Excluding(paths...)
	}
}

// Engine orchestrates evaluation runs.
type Engine struct {
	store       store.Store
	logger      *slog.Logger
	launcher    worker.Launcher
	cpus        int
	skipStaging func(string) bool
	wg          sync.WaitGroup
	broker      *LogBroker
}

// NewEngine creates a new evaluation engine.
func NewEngine(s store.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		logger:   logger,
		launcher: worker.InProcess{},
		cpus:     runtime.NumCPU(),
		broker:   NewLogBroker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// ExecutionUnits returns the count worker requests are clamped to.
func (e *Engine) ExecutionUnits() int {
	return e.cpus
}

// job is a run that passed configuration: its plan and a private copy of its
// samples.
type job struct {
	plan    config.Plan
	samples samples.Matrix
}

// Evaluate runs req to completion and returns the ordered results. Errors
// wrapping ErrConfiguration are returned before any run is recorded.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Result, error) {
	run, j, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return e.execute(ctx, run, j)
}

// Submit records a pending run and evaluates it in the background. Only
// configuration and storage errors are returned; the outcome of the run
// itself is recorded in the store.
func (e *Engine) Submit(ctx context.Context, req Request) (*model.Run, error) {
	run, j, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCopy := *run
	e.wg.Go(func() {
		e.execute(context.Background(), &runCopy, j)
	})

	return run, nil
}

// Wait blocks until all in-flight submitted runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// prepare loads the samples and resolves the plan. No files are touched
// beyond reading the sample file.
func (e *Engine) prepare(req Request) (*model.Run, job, error) {
	m, err := loadSamples(req)
	if err != nil {
		return nil, job{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	plan, err := config.Resolve(req.Config, m.Len(), m.Dimension(), e.cpus)
	if err != nil {
		return nil, job{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	run := &model.Run{
		ID:               model.NewRunID(),
		Status:           model.StatusPending,
		Mode:             plan.Mode,
		RequestedWorkers: plan.RequestedWorkers,
		Workers:          plan.Workers,
		SampleCount:      plan.SampleCount,
		Dimension:        plan.Dimension,
		CreatedAt:        time.Now().UTC(),
	}
	return run, job{plan: plan, samples: m}, nil
}

func loadSamples(req Request) (samples.Matrix, error) {
	if req.Samples != nil {
		if err := req.Samples.Validate(); err != nil {
			return nil, err
		}
		return req.Samples.Clone(), nil
	}

	path := req.Config.SamplesFile
	if path == "" {
		path = samples.DefaultFile
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(req.Config.ProjectDir, path)
	}
	return samples.ReadFile(path, req.Config.Dimension)
}

// execute runs the lifecycle of a recorded run: pending→running→completed/failed.
func (e *Engine) execute(ctx context.Context, run *model.Run, j job) (*Result, error) {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(run.ID)

	// Store writes must land even when ctx is cancelled.
	storeCtx := context.WithoutCancel(ctx)
	logger := e.logger.With("run_id", run.ID)

	if err := e.store.UpdateRunStatus(storeCtx, run.ID, model.StatusRunning); err != nil {
		logger.Error("failed to transition to running", "error", err)
		err = fmt.Errorf("start run: %w", err)
		e.finishFailed(storeCtx, run, nil, err)
		return nil, err
	}
	start := time.Now().UTC()
	run.Status = model.StatusRunning
	run.StartedAt = &start
	logger.Info("run started",
		"mode", j.plan.Mode,
		"workers", j.plan.Workers,
		"requested_workers", j.plan.RequestedWorkers,
		"samples", j.plan.SampleCount,
	)

	if j.plan.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.plan.RunTimeout)
		defer cancel()
	}

	// Stage output is persisted for history, then published for live SSE.
	var seq atomic.Int64
	logf := func(line string) {
		n := int(seq.Add(1) - 1)
		if err := e.store.InsertLogLine(storeCtx, run.ID, n, line); err != nil {
			logger.Error("failed to persist log line", "seq", n, "error", err)
		}
		e.broker.Publish(run.ID, line)
	}

	res, err := e.evaluate(ctx, run.ID, j, logf, logger)
	if err != nil {
		if j.plan.RunTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("run timed out after %s: %w", j.plan.RunTimeout, err)
		}
		e.finishFailed(storeCtx, run, &start, err)
		return nil, err
	}

	results := make([]model.SampleResult, j.samples.Len())
	for i, row := range j.samples {
		results[i] = model.SampleResult{Index: i, Sample: row}
		if res.QOI != nil {
			results[i].QOI = res.QOI[i]
		}
	}
	if err := e.store.SaveResults(storeCtx, run.ID, results); err != nil {
		err = fmt.Errorf("save results: %w", err)
		e.finishFailed(storeCtx, run, &start, err)
		return nil, err
	}

	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())
	run.Status = model.StatusCompleted
	run.DurationMS = &dur
	run.FinishedAt = &now
	if err := e.store.UpdateRun(storeCtx, run); err != nil {
		logger.Error("failed to update completed run", "error", err)
	}

	runsTotal.WithLabelValues(run.Mode, model.StatusCompleted).Inc()
	runDuration.WithLabelValues(run.Mode).Observe(now.Sub(start).Seconds())
	samplesEvaluated.Add(float64(j.samples.Len()))
	logger.Info("run completed", "duration_ms", dur, "artifacts", len(res.Artifacts))

	res.Run = run
	return res, nil
}

// evaluate stages the workspace, evaluates every sample and retrieves the
// artifacts. The workspace is always removed.
func (e *Engine) evaluate(ctx context.Context, runID string, j job, logf func(string), logger *slog.Logger) (*Result, error) {
	ws, err := workspace.Stage(j.plan.ProjectDir, runID, e.skipStaging)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			logger.Warn("failed to remove workspace", "dir", ws.Dir(), "error", err)
		}
	}()

	if err := checkScripts(ws.Dir(), j.plan.Stages); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	var values []model.QOI
	if j.plan.Mode == model.ModeParallel {
		values, err = e.runParallel(ctx, ws.Dir(), j, logf)
	} else {
		values, err = runSerial(ctx, ws.Dir(), j, logf)
	}
	if err != nil {
		return nil, err
	}

	res := &Result{QOI: values}
	if j.plan.OutputDir == "" {
		return res, nil
	}

	var match func(string) bool
	if j.plan.Collects() {
		match = workspace.HasPrefix(pipeline.EvalPrefix, pipeline.ArchivePrefix)
	}
	res.OutputDir = filepath.Join(j.plan.OutputDir, runID)
	if res.Artifacts, err = ws.Retrieve(res.OutputDir, match); err != nil {
		return nil, err
	}
	return res, nil
}

// checkScripts verifies that every relative stage script was staged.
func checkScripts(dir string, stages pipeline.Stages) error {
	check := func(stage, path string) error {
		if filepath.IsAbs(path) {
			return nil
		}
		if _, err := os.Stat(filepath.Join(dir, path)); err != nil {
			return fmt.Errorf("%s stage: script %q not found in project dir", stage, path)
		}
		return nil
	}

	if err := check(pipeline.StageInput, stages.Input.Path); err != nil {
		return err
	}
	if err := check(pipeline.StageModel, stages.Model.Path); err != nil {
		return err
	}
	if stages.Output != nil {
		return check(pipeline.StageOutput, stages.Output.Path)
	}
	return nil
}

// runSerial evaluates every sample in order in the calling goroutine.
func runSerial(ctx context.Context, dir string, j job, logf func(string)) ([]model.QOI, error) {
	inv := &pipeline.Invoker{
		Dir:          dir,
		Stages:       j.plan.Stages,
		Archive:      j.plan.Archive,
		StageTimeout: j.plan.StageTimeout,
		LogWriter:    logf,
	}
	batch := partition.Split(j.samples.Len(), 1)[0]

	activeWorkers.Inc()
	start := time.Now()
	res, err := worker.Run(ctx, inv, batch, j.samples, j.plan.QOIWidth)
	batchDuration.Observe(time.Since(start).Seconds())
	activeWorkers.Dec()
	if err != nil {
		return nil, err
	}

	if !j.plan.Collects() {
		return nil, nil
	}
	col := collector.New(j.samples.Len(), j.plan.QOIWidth)
	if err := col.Add(res); err != nil {
		return nil, err
	}
	return col.Sequence()
}

// runParallel starts one worker per batch and merges their results in sample
// order. The first failure cancels every other worker.
func (e *Engine) runParallel(ctx context.Context, dir string, j job, logf func(string)) ([]model.QOI, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := partition.Split(j.samples.Len(), j.plan.Workers)

	// Buffered so a finished worker never blocks on a collector that gave up.
	results := make(chan worker.BatchResult, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		req := worker.BatchRequest{
			Batch:          b,
			Rows:           j.samples[b.Start:b.End],
			Dir:            dir,
			Stages:         j.plan.Stages,
			Archive:        j.plan.Archive,
			StageTimeoutMS: j.plan.StageTimeout.Milliseconds(),
			QOIWidth:       j.plan.QOIWidth,
		}
		g.Go(func() error {
			activeWorkers.Inc()
			defer activeWorkers.Dec()

			start := time.Now()
			res, err := e.launcher.Launch(gctx, req, logf)
			batchDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				return err
			}
			results <- res
			return nil
		})
	}

	col := collector.New(j.samples.Len(), j.plan.QOIWidth)
	drainErr := col.Drain(gctx, results, len(batches))
	if drainErr != nil {
		cancel()
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if drainErr != nil {
		return nil, drainErr
	}
	return col.Sequence()
}

// finishFailed marks a run as failed with err. startedAt is nil if the run
// never started.
func (e *Engine) finishFailed(ctx context.Context, run *model.Run, startedAt *time.Time, err error) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(now.Sub(*startedAt).Milliseconds())
	}

	run.Status = model.StatusFailed
	run.Error = err.Error()
	run.DurationMS = &durationMS
	run.StartedAt = startedAt
	run.FinishedAt = &now

	if uerr := e.store.UpdateRun(ctx, run); uerr != nil {
		e.logger.Error("failed to update failed run", "run_id", run.ID, "error", uerr)
	}

	runsTotal.WithLabelValues(run.Mode, model.StatusFailed).Inc()
	if startedAt != nil {
		runDuration.WithLabelValues(run.Mode).Observe(now.Sub(*startedAt).Seconds())
	}
	e.logger.Error("run failed", "run_id", run.ID, "error", err)
}
