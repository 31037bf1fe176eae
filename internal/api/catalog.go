package api

import (
	"net/http"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/model"
)

// requireMetadata writes 501 when no metadata collaborator is configured.
func (s *Server) requireMetadata(w http.ResponseWriter) bool {
	if s.metadata == nil {
		s.writeError(w, http.StatusNotImplemented, "metadata browsing is not available")
		return false
	}
	return true
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	if !s.requireMetadata(w) {
		return
	}
	servers, err := s.metadata.ListServers(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "list servers", err)
		return
	}
	if servers == nil {
		servers = []model.Server{}
	}
	s.writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleListLibraries(w http.ResponseWriter, r *http.Request) {
	if !s.requireMetadata(w) {
		return
	}
	libs, err := s.metadata.ListLibraries(r.Context(), pathParam(r, "server"))
	if err != nil {
		s.writeServiceError(w, r, "list libraries", err)
		return
	}
	if libs == nil {
		libs = []model.Library{}
	}
	s.writeJSON(w, http.StatusOK, libs)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	if !s.requireMetadata(w) {
		return
	}
	datasets, err := s.metadata.ListDatasets(r.Context(), pathParam(r, "server"), pathParam(r, "libref"))
	if err != nil {
		s.writeServiceError(w, r, "list datasets", err)
		return
	}
	if datasets == nil {
		datasets = []model.Dataset{}
	}
	s.writeJSON(w, http.StatusOK, datasets)
}

func (s *Server) handleListColumns(w http.ResponseWriter, r *http.Request) {
	if !s.requireMetadata(w) {
		return
	}
	columns, err := s.metadata.ListColumns(r.Context(), pathParam(r, "server"), pathParam(r, "libref"), pathParam(r, "member"))
	if err != nil {
		s.writeServiceError(w, r, "list columns", err)
		return
	}
	if columns == nil {
		columns = []model.Column{}
	}
	s.writeJSON(w, http.StatusOK, columns)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	p, err := s.preview.Preview(r.Context(),
		pathParam(r, "server"),
		pathParam(r, "libref"),
		pathParam(r, "member"),
		parseIntQuery(r, "limit", 0),
	)
	if err != nil {
		s.writeServiceError(w, r, "preview dataset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleOpenDataset(w http.ResponseWriter, r *http.Request) {
	if s.export == nil {
		s.writeError(w, http.StatusNotImplemented, "dataset export is not available")
		return
	}
	var req backend.ExportRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	res, err := s.export.Open(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, "open dataset", err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
