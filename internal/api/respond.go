package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/engine"
	"github.com/sashelper/SDVBridge/internal/preview"
	"github.com/sashelper/SDVBridge/internal/registry"
	"github.com/sashelper/SDVBridge/internal/store"
)

const maxBodySize = 1 << 20 // 1 MB

// extractionErrorResponse is the 502 body of a failed preview.
type extractionErrorResponse struct {
	Error string `json:"error"`
	JobID string `json:"jobid,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	errorResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError classifies err and writes the matching error response.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		verr *engine.ValidationError
		xerr *preview.ExtractionError
	)
	switch {
	case errors.As(err, &verr):
		s.writeError(w, http.StatusBadRequest, verr.Message)
	case errors.As(err, &xerr):
		s.logger.Warn(op, "error", err, "job_id", xerr.JobID)
		errorResponses.WithLabelValues(strconv.Itoa(http.StatusBadGateway)).Inc()
		s.writeJSON(w, http.StatusBadGateway, extractionErrorResponse{Error: xerr.Message, JobID: xerr.JobID})
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, backend.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error(op, "error", err, "path", r.URL.Path)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON reads a size-limited JSON body into v. It writes the 400
// response itself and reports whether decoding succeeded.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
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

// pathParam returns the decoded value of a route parameter.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}
