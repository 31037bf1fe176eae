package api

import (
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/sashelper/SDVBridge/internal/model"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listJobsResponse wraps the paginated job history.
type listJobsResponse struct {
	Jobs   []*model.JobRecord `json:"jobs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

type outputResponse struct {
	JobID  string `json:"jobid"`
	Status string `json:"status"`
	Output string `json:"output"`
}

type artifactsResponse struct {
	JobID     string           `json:"jobid"`
	Status    string           `json:"status"`
	Artifacts []model.Artifact `json:"artifacts"`
}

// job looks up the job named by the {id} route parameter, writing 404 when
// it is unknown.
func (s *Server) job(w http.ResponseWriter, r *http.Request) (model.Job, bool) {
	job, err := s.jobs.Get(pathParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, "get job", err)
		return model.Job{}, false
	}
	return job, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.history.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, "list jobs", err)
		return
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, outputResponse{JobID: job.ID, Status: job.Status, Output: job.Output})
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}
	artifacts := job.Artifacts
	if artifacts == nil {
		artifacts = []model.Artifact{}
	}
	s.writeJSON(w, http.StatusOK, artifactsResponse{JobID: job.ID, Status: job.Status, Artifacts: artifacts})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}

	a, found := findArtifact(job.Artifacts, pathParam(r, "artifactID"))
	if !found {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	f, err := os.Open(a.Path)
	if err != nil {
		s.logger.Warn("open artifact", "job_id", job.ID, "path", a.Path, "error", err)
		s.writeError(w, http.StatusNotFound, "artifact file is no longer available")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeServiceError(w, r, "stat artifact", err)
		return
	}

	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
	http.ServeContent(w, r, a.Name, info.ModTime(), f)
}

// findArtifact matches by id first, then by name, both case-insensitively.
func findArtifact(artifacts []model.Artifact, key string) (model.Artifact, bool) {
	for _, a := range artifacts {
		if strings.EqualFold(a.ID, key) {
			return a, true
		}
	}
	for _, a := range artifacts {
		if strings.EqualFold(a.Name, key) {
			return a, true
		}
	}
	return model.Artifact{}, false
}
