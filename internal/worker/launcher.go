package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// ErrNoResult is returned when a worker process exits without reporting a
// result for its batch.
var ErrNoResult = errors.New("worker exited without a result")

// processWaitDelay bounds how long a cancelled worker process may keep its
// pipes open.
const processWaitDelay = 5 * time.Second

// Launcher starts the evaluation of one batch and blocks until its result is
// available. logf receives every line the stage scripts print and may be nil.
type Launcher interface {
	Name() string
	Launch(ctx context.Context, req BatchRequest, logf func(string)) (BatchResult, error)
}

// InProcess evaluates batches in the calling goroutine.
type InProcess struct{}

// Name returns "inprocess".
func (InProcess) Name() string { return "inprocess" }

// Launch runs the batch directly.
func (InProcess) Launch(ctx context.Context, req BatchRequest, logf func(string)) (BatchResult, error) {
	return Run(ctx, invokerFor(req, logf), req.Batch, req.Rows, req.QOIWidth)
}

// Process evaluates each batch in a separate operating system process that
// speaks the framed protocol on its stdin and stdout, normally the modelrun
// binary itself started with the hidden worker subcommand.
type Process struct {
	// Path is the executable to start.
	Path string

	// Args are passed to the executable.
	Args []string

	// Env is appended to the parent environment.
	Env []string

	// Stderr receives the worker's own diagnostics. Nil discards them.
	Stderr io.Writer
}

// Name returns "process".
func (p *Process) Name() string { return "process" }

// Launch starts a worker process, sends it req and waits for its result.
func (p *Process) Launch(ctx context.Context, req BatchRequest, logf func(string)) (BatchResult, error) {
	cmd := exec.CommandContext(ctx, p.Path, p.Args...)
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stderr = p.Stderr
	cmd.WaitDelay = processWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return BatchResult{}, fmt.Errorf("worker %d: stdin pipe: %w", req.Batch.Worker, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return BatchResult{}, fmt.Errorf("worker %d: stdout pipe: %w", req.Batch.Worker, err)
	}
	if err := cmd.Start(); err != nil {
		return BatchResult{}, fmt.Errorf("worker %d: start: %w", req.Batch.Worker, err)
	}

	writeErr := WriteMessage(stdin, req)
	stdin.Close()

	res, readErr := readResult(stdout, logf)
	waitErr := cmd.Wait()

	if readErr != nil {
		if writeErr != nil {
			readErr = fmt.Errorf("%w (send request: %v)", readErr, writeErr)
		}
		if waitErr != nil {
			readErr = fmt.Errorf("%w (process: %v)", readErr, waitErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			readErr = fmt.Errorf("%w: %w", ctxErr, readErr)
		}
		return BatchResult{}, fmt.Errorf("worker %d: %w", req.Batch.Worker, readErr)
	}
	return res, nil
}

// readResult consumes log messages until the result message arrives.
func readResult(r io.Reader, logf func(string)) (BatchResult, error) {
	for {
		var msg Message
		if err := ReadMessage(r, &msg); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return BatchResult{}, ErrNoResult
			}
			return BatchResult{}, err
		}

		switch msg.Type {
		case MsgTypeLog:
			if logf != nil {
				logf(msg.Line)
			}
		case MsgTypeResult:
			if msg.Error != "" {
				return BatchResult{}, errors.New(msg.Error)
			}
			if msg.Result == nil {
				return BatchResult{}, ErrNoResult
			}
			return *msg.Result, nil
		default:
			return BatchResult{}, fmt.Errorf("unexpected message type %q", msg.Type)
		}
	}
}
