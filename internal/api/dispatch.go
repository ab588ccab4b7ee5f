package api

import (
	"net/http"

	"github.com/seantiz/modelrun/internal/script"
)

type dispatchResponse struct {
	Python string        `json:"python"`
	Rules  []script.Rule `json:"rules"`
}

// handleListDispatch reports which script extensions runs submitted to this
// server can use and how each is executed.
func (s *Server) handleListDispatch(w http.ResponseWriter, _ *http.Request) {
	python := s.defaults.Python
	if python == "" {
		python = script.DefaultPython
	}
	s.writeJSON(w, http.StatusOK, dispatchResponse{
		Python: python,
		Rules:  script.NewDispatcher(python).Rules(),
	})
}
