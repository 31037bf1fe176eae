package api

import (
	"net/http"

	"github.com/sashelper/SDVBridge/internal/model"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.ProgramRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	job, err := s.engine.Submit(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, "submit program", err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSubmitAsync(w http.ResponseWriter, r *http.Request) {
	var req model.ProgramRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	job, err := s.engine.SubmitAsync(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, "submit async program", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}
