package api

import "net/http"

type healthResponse struct {
	Status         string `json:"status"`
	ExecutionUnits int    `json:"execution_units"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		ExecutionUnits: s.engine.ExecutionUnits(),
	})
}
