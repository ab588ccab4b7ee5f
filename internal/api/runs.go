package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/seantiz/modelrun/internal/engine"
	"github.com/seantiz/modelrun/internal/model"
	"github.com/seantiz/modelrun/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 8 << 20 // inline sample matrices can be large
)

type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type resultsResponse struct {
	RunID   string               `json:"run_id"`
	Status  string               `json:"status"`
	Results []model.SampleResult `json:"results"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	req := engine.Request{Config: s.defaults}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		runsSubmitted.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.confine(&req.Config); err != nil {
		runsSubmitted.WithLabelValues(submitRejected).Inc()
		s.logger.Warn("run rejected", "error", err, "request_id", middleware.GetReqID(r.Context()))
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := s.engine.Submit(r.Context(), req)
	if errors.Is(err, engine.ErrConfiguration) {
		runsSubmitted.WithLabelValues(submitRejected).Inc()
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		runsSubmitted.WithLabelValues(submitFailed).Inc()
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	runsSubmitted.WithLabelValues(submitAccepted).Inc()
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleGetResults returns the per-sample results of a run. Runs that have
// not completed have no results yet.
func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	results, err := s.store.GetResults(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("get results", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get results")
		return
	}

	s.writeJSON(w, http.StatusOK, resultsResponse{
		RunID:   run.ID,
		Status:  run.Status,
		Results: results,
	})
}

// lookupRun loads the run named by the {id} URL parameter, writing the error
// response itself when it cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
