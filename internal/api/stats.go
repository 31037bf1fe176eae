package api

import (
	"net/http"

	"github.com/sashelper/SDVBridge/internal/store"
)

// statsResponse is the JSON response for GET /stats: archived aggregates
// plus the number of jobs currently retained in memory.
type statsResponse struct {
	*store.JobStats
	Retained int `json:"retained"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.GetJobStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "get job stats", err)
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		JobStats: stats,
		Retained: s.jobs.Len(),
	})
}
