// Package pipeline runs the three-stage external script pipeline for a single
// sample and reads back its quantity of interest. The only channel between
// the engine and the scripts is a set of files named by sample index.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/samples"
	"github.com/seantiz/modelrun/internal/script"
)

// ErrMissingOutput is returned when the output stage did not leave a usable
// result file behind.
var ErrMissingOutput = errors.New("missing output file")

// ErrNonFinite is returned when a result file holds NaN or an infinity.
var ErrNonFinite = errors.New("non-finite result value")

const (
	// stageWaitDelay bounds how long a finished or killed stage may keep its
	// output pipes open through leftover child processes.
	stageWaitDelay = 2 * time.Second

	// maxPartialLine caps buffered output that has no newline yet.
	maxPartialLine = 64 * 1024
)

// Stage names.
const (
	StageInput  = "input"
	StageModel  = "model"
	StageOutput = "output"
)

// Stages is the resolved script set for a run. Output is nil when results are
// not collected.
type Stages struct {
	Input  script.Script  `json:"input"`
	Model  script.Script  `json:"model"`
	Output *script.Script `json:"output,omitempty"`
}

// StageError reports a stage that could not be started or exited unsuccessfully.
type StageError struct {
	Stage    string
	Index    int
	ExitCode int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("sample %d: %s stage failed (exit code %d): %v", e.Index, e.Stage, e.ExitCode, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Invoker evaluates single samples by driving the stage scripts inside Dir.
type Invoker struct {
	// Dir is the workspace the scripts run in and the artifacts live in.
	Dir string

	Stages Stages

	// Archive renames each result file to its archival name after reading it.
	Archive bool

	// StageTimeout bounds every stage invocation. Zero means no limit.
	StageTimeout time.Duration

	// LogWriter, when set, receives every line the stage scripts print.
	// It may be called from multiple goroutines.
	LogWriter func(line string)
}

// Evaluate runs the pipeline for sample index and returns its QOI. The stages
// run strictly in order and each blocks until its script exits. Without an
// output stage the scripts still run but no QOI is returned.
func (inv *Invoker) Evaluate(ctx context.Context, index int, sample []float64) (model.QOI, error) {
	runPath := filepath.Join(inv.Dir, RunFile(index))
	if err := os.WriteFile(runPath, []byte(samples.FormatRow(sample)), 0o644); err != nil {
		return nil, fmt.Errorf("sample %d: write %s: %w", index, RunFile(index), err)
	}

	if err := inv.runStage(ctx, StageInput, inv.Stages.Input, index); err != nil {
		return nil, err
	}
	if err := inv.runStage(ctx, StageModel, inv.Stages.Model, index); err != nil {
		return nil, err
	}
	if inv.Stages.Output == nil {
		return nil, nil
	}
	if err := inv.runStage(ctx, StageOutput, *inv.Stages.Output, index); err != nil {
		return nil, err
	}

	qoi, err := ReadResult(filepath.Join(inv.Dir, EvalFile(index)))
	if err != nil {
		return nil, fmt.Errorf("sample %d: %w", index, err)
	}

	if inv.Archive {
		src := filepath.Join(inv.Dir, EvalFile(index))
		dst := filepath.Join(inv.Dir, ArchiveFile(index))
		if err := os.Rename(src, dst); err != nil {
			return nil, fmt.Errorf("sample %d: archive result: %w", index, err)
		}
	}
	return qoi, nil
}

// ReadResult parses a result file holding one or more whitespace or comma
// separated numbers. NaN and infinities are rejected.
func ReadResult(path string) (model.QOI, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingOutput, filepath.Base(path))
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	values, err := samples.ParseValues(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingOutput, filepath.Base(path))
	}
	for i, v := range values {
		if !samples.Finite(v) {
			return nil, fmt.Errorf("%w: %s value %d is %v", ErrNonFinite, filepath.Base(path), i, v)
		}
	}
	return model.QOI(values), nil
}

// runStage executes one stage script and streams its output to LogWriter.
func (inv *Invoker) runStage(ctx context.Context, stage string, s script.Script, index int) error {
	if inv.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.StageTimeout)
		defer cancel()
	}

	cmd, err := s.Command(ctx, inv.Dir, index)
	if err != nil {
		return &StageError{Stage: stage, Index: index, ExitCode: -1, Err: err}
	}
	cmd.WaitDelay = stageWaitDelay

	var stdout, stderr *lineWriter
	if inv.LogWriter != nil {
		prefix := fmt.Sprintf("[%s %d] ", stage, index)
		stdout = &lineWriter{prefix: prefix, emit: inv.LogWriter}
		stderr = &lineWriter{prefix: prefix, emit: inv.LogWriter}
		cmd.Stdout = stdout
		cmd.Stderr = stderr
	}

	runErr := cmd.Run()
	if stdout != nil {
		stdout.Flush()
		stderr.Flush()
	}
	if runErr == nil {
		return nil
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	if inv.StageTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("timed out after %s: %w", inv.StageTimeout, runErr)
	} else if ctxErr := ctx.Err(); ctxErr != nil {
		runErr = fmt.Errorf("%w: %w", ctxErr, runErr)
	}
	return &StageError{Stage: stage, Index: index, ExitCode: exitCode, Err: runErr}
}

// lineWriter splits script output into lines and hands each one, prefixed,
// to emit. exec drives each writer from a single goroutine.
type lineWriter struct {
	prefix string
	emit   func(string)
	buf    bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.emit(w.prefix + strings.TrimRight(line, "\r\n"))
	}
	if w.buf.Len() > maxPartialLine {
		w.Flush()
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *lineWriter) Flush() {
	if w.buf.Len() == 0 {
		return
	}
	w.emit(w.prefix + w.buf.String())
	w.buf.Reset()
}
