package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/modelrun/internal/model"
)

const logStreamRoute = "/v1/runs/{id}/logs"

// SSE event names besides the default data events carrying output lines.
const (
	eventStatus = "status"
	eventDone   = "done"
)

// handleStreamLogs follows a run's stage output as server-sent events. A run
// that has already finished gets its terminal status and a done event; its
// output is served by the history endpoint.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if model.IsTerminal(run.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, eventStatus, run.Status)
		_ = writeSSEEvent(w, eventDone, "stream complete")
		flush()
		return
	}

	// Streams outlive the server's write timeout.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A run that finishes between the status check and Subscribe yields a
	// closed channel, so the loop below ends at once.
	ch, unsub := s.engine.Broker().Subscribe(run.ID)
	defer unsub()

	logStreamsOpen.Inc()
	defer logStreamsOpen.Dec()

	w.WriteHeader(http.StatusOK)
	flush()

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				s.writeFinalStatus(w, r, run.ID)
				_ = writeSSEEvent(w, eventDone, "stream complete")
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeFinalStatus sends the status a run ended with, if it can be read.
func (s *Server) writeFinalStatus(w http.ResponseWriter, r *http.Request, id string) {
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get run after stream", "run_id", id, "error", err)
		return
	}
	_ = writeSSEEvent(w, eventStatus, run.Status)
}

type logHistoryLine struct {
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

type logHistoryResponse struct {
	RunID string           `json:"run_id"`
	Lines []logHistoryLine `json:"lines"`
}

func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	logLines, err := s.store.GetLogLines(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("get log lines", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339Nano),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		RunID: run.ID,
		Lines: lines,
	})
}

// writeSSEData writes one output line as a data event. Embedded newlines
// become separate data fields of the same event.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
