package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/seantiz/modelrun/internal/pipeline"
)

// Serve handles exactly one batch on a worker process channel: it reads a
// BatchRequest from r, evaluates it, streams stage output to w as log
// messages and finishes with a single result message.
//
// A batch that fails is reported inside the result message. The returned
// error only covers failures of the channel itself.
func Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	var req BatchRequest
	if err := ReadMessage(r, &req); err != nil {
		msg := Message{Type: MsgTypeResult, Error: fmt.Sprintf("read request: %v", err)}
		if werr := WriteMessage(w, msg); werr != nil {
			return werr
		}
		return fmt.Errorf("read request: %w", err)
	}

	// Stage scripts log from their own stdout/stderr goroutines.
	var writeMu sync.Mutex
	send := func(msg Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteMessage(w, msg)
	}

	inv := invokerFor(req, func(line string) {
		_ = send(Message{Type: MsgTypeLog, Line: line})
	})

	res, err := Run(ctx, inv, req.Batch, req.Rows, req.QOIWidth)
	if err != nil {
		return send(Message{Type: MsgTypeResult, Error: err.Error()})
	}
	return send(Message{Type: MsgTypeResult, Result: &res})
}

// invokerFor builds the pipeline invoker described by req.
func invokerFor(req BatchRequest, logf func(string)) *pipeline.Invoker {
	return &pipeline.Invoker{
		Dir:          req.Dir,
		Stages:       req.Stages,
		Archive:      req.Archive,
		StageTimeout: time.Duration(req.StageTimeoutMS) * time.Millisecond,
		LogWriter:    logf,
	}
}
