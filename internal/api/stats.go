package api

import "net/http"

type statsResponse struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	ByMode           map[string]int `json:"by_mode"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	SamplesEvaluated int            `json:"samples_evaluated"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:            stats.Total,
		ByStatus:         stats.CountByStatus,
		ByMode:           stats.CountByMode,
		AvgDurationMS:    stats.AvgDurationMS,
		SamplesEvaluated: stats.SamplesEvaluated,
	})
}
