package api

import (
	"net/http"

	"github.com/shirou/gopsutil/v3/disk"
)

type healthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version,omitempty"`
	Jobs             int    `json:"jobs"`
	WorkDir          string `json:"workdir,omitempty"`
	WorkDirFreeBytes uint64 `json:"workdirfreebytes,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Jobs:    s.jobs.Len(),
		WorkDir: s.workDir,
	}
	if s.workDir != "" {
		usage, err := disk.UsageWithContext(r.Context(), s.workDir)
		if err != nil {
			s.logger.Debug("work dir usage", "dir", s.workDir, "error", err)
		} else {
			resp.WorkDirFreeBytes = usage.Free
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// indexResponse describes the service at GET /.
type indexResponse struct {
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	Version   string   `json:"version,omitempty"`
	Endpoints []string `json:"endpoints"`
}

var endpoints = []string{
	"/servers",
	"/servers/{server}/libraries",
	"/servers/{server}/libraries/{libref}/datasets",
	"/servers/{server}/libraries/{libref}/datasets/{member}/columns",
	"/servers/{server}/libraries/{libref}/datasets/{member}/preview",
	"/datasets/open",
	"/programs/submit",
	"/programs/submit/async",
	"/jobs",
	"/jobs/{jobid}",
	"/jobs/{jobid}/log",
	"/jobs/{jobid}/log/stream",
	"/jobs/{jobid}/output",
	"/jobs/{jobid}/artifacts",
	"/jobs/{jobid}/artifacts/{artifactid}",
	"/backends",
	"/stats",
	"/healthz",
	"/metrics",
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, indexResponse{
		Status:    "ok",
		Message:   "SDVBridge is running.",
		Version:   s.version,
		Endpoints: endpoints,
	})
}
