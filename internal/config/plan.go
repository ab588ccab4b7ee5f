package config

import (
	"fmt"
	"time"

	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/partition"
	"github.com/seantiz/modelrun/internal/pipeline"
	"github.com/seantiz/modelrun/internal/script"
)

// Plan is the immutable, fully resolved form of a RunConfig. Nothing about a
// run changes after its plan has been produced.
type Plan struct {
	RequestedWorkers int
	Workers          int
	Mode             string
	SampleCount      int
	Dimension        int

	Stages pipeline.Stages

	// Archive renames result files to their archival names. Set in parallel
	// mode.
	Archive bool

	QOIWidth     int
	ProjectDir   string
	OutputDir    string
	RunTimeout   time.Duration
	StageTimeout time.Duration
}

// Collects reports whether the plan produces QOI results.
func (p Plan) Collects() bool {
	return p.Stages.Output != nil
}

// Resolve turns rc into a Plan for sampleCount samples of the given
// dimension on a machine with cpus execution units (0 means unknown). It has
// no side effects; every error wraps ErrInvalid or script.ErrUnsupported.
//
// The effective worker count is the requested count raised to 1, lowered to
// cpus and then to sampleCount. One worker runs serially; more run in
// parallel, which requires an output stage.
func Resolve(rc RunConfig, sampleCount, dimension, cpus int) (Plan, error) {
	if sampleCount < 1 {
		return Plan{}, fmt.Errorf("%w: no samples to evaluate", ErrInvalid)
	}
	if rc.Dimension < 0 {
		return Plan{}, fmt.Errorf("%w: negative dimension %d", ErrInvalid, rc.Dimension)
	}
	if rc.Dimension > 0 && dimension != rc.Dimension {
		return Plan{}, fmt.Errorf("%w: samples have dimension %d, want %d", ErrInvalid, dimension, rc.Dimension)
	}
	if rc.QOISize < 0 {
		return Plan{}, fmt.Errorf("%w: negative qoi_size %d", ErrInvalid, rc.QOISize)
	}
	if rc.RunTimeout < 0 || rc.StageTimeout < 0 {
		return Plan{}, fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if rc.InputScript == "" || rc.ModelScript == "" {
		return Plan{}, fmt.Errorf("%w: input_script and model_script are required", ErrInvalid)
	}

	stages, err := resolveStages(rc)
	if err != nil {
		return Plan{}, err
	}

	requested := max(rc.Workers, 1)
	workers := requested
	if cpus > 0 {
		workers = min(workers, cpus)
	}
	workers = partition.Workers(sampleCount, workers)

	mode := model.ModeSerial
	if workers > 1 {
		mode = model.ModeParallel
		if stages.Output == nil {
			return Plan{}, fmt.Errorf("%w: parallel runs need an output_script", ErrInvalid)
		}
	}

	return Plan{
		RequestedWorkers: requested,
		Workers:          workers,
		Mode:             mode,
		SampleCount:      sampleCount,
		Dimension:        dimension,
		Stages:           stages,
		Archive:          mode == model.ModeParallel,
		QOIWidth:         rc.QOISize,
		ProjectDir:       rc.ProjectDir,
		OutputDir:        rc.OutputDir,
		RunTimeout:       rc.RunTimeout.Std(),
		StageTimeout:     rc.StageTimeout.Std(),
	}, nil
}

// resolveStages maps every configured script to its execution kind.
func resolveStages(rc RunConfig) (pipeline.Stages, error) {
	d := script.NewDispatcher(rc.Python)

	var stages pipeline.Stages
	var err error
	if stages.Input, err = d.Resolve(rc.InputScript); err != nil {
		return pipeline.Stages{}, fmt.Errorf("input stage: %w", err)
	}
	if stages.Model, err = d.Resolve(rc.ModelScript); err != nil {
		return pipeline.Stages{}, fmt.Errorf("model stage: %w", err)
	}
	if rc.OutputScript != "" {
		out, err := d.Resolve(rc.OutputScript)
		if err != nil {
			return pipeline.Stages{}, fmt.Errorf("output stage: %w", err)
		}
		stages.Output = &out
	}
	return stages, nil
}
