// Package artifact collects the result files of a finished job into the
// job's artifact folder.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sashelper/SDVBridge/internal/model"
)

const (
	// MaxDepth bounds directory recursion below a candidate folder.
	MaxDepth = 4
	// MaxEntries bounds the entries inspected per directory.
	MaxEntries = 100
)

var artifactsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sdvbridge_artifacts_total",
		Help: "Total number of artifacts registered, by source.",
	},
	[]string{"source"},
)

func init() {
	prometheus.MustRegister(artifactsTotal)
}

// allowed lists the extensions harvested from result folders. Files without
// an extension are accepted as well.
var allowed = map[string]bool{
	".html": true, ".htm": true, ".pdf": true, ".xls": true, ".xlsx": true,
	".csv": true, ".xml": true, ".txt": true, ".log": true, ".lst": true,
	".rtf": true, ".json": true, ".ods": true,
}

var contentTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".txt":  "text/plain",
	".log":  "text/plain",
	".lst":  "text/plain",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ods":  "application/vnd.oasis.opendocument.spreadsheet",
	".csv":  "text/csv",
	".rtf":  "application/rtf",
	".json": "application/json",
}

// Allowed reports whether a file name passes the harvest allow-list.
func Allowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == "" || allowed[ext]
}

// ContentType returns the content type of the file at path, from its
// extension when known and by sniffing its contents otherwise.
func ContentType(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return m.String()
}

// Request describes one harvest.
type Request struct {
	JobID      string
	Dir        string // destination artifact folder
	Log        string
	Output     string
	Candidates []string
}

// Harvester copies result files and synthesizes text artifacts.
type Harvester struct {
	logger *slog.Logger
}

// NewHarvester creates a harvester.
func NewHarvester(logger *slog.Logger) *Harvester {
	return &Harvester{logger: logger.With("component", "artifact")}
}

// Harvest copies every allowed candidate file into req.Dir. When nothing was
// copied, the output and log text are written as artifacts instead. Failures
// are logged and skipped.
func (h *Harvester) Harvest(ctx context.Context, req Request) []model.Artifact {
	logger := h.logger.With("job_id", req.JobID)
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		logger.Warn("create artifact folder", "dir", req.Dir, "error", err)
		return nil
	}

	now := time.Now().UTC()
	var artifacts []model.Artifact
	seen := make(map[string]bool)
	destPrefix := canonicalPath(req.Dir) + string(filepath.Separator)

	for _, path := range h.expand(ctx, logger, req.Candidates) {
		canonical := canonicalPath(path)
		if seen[canonical] || strings.HasPrefix(canonical, destPrefix) {
			continue
		}
		seen[canonical] = true

		dest := uniquePath(req.Dir, sanitizeName(filepath.Base(path)))
		if err := copyFile(path, dest); err != nil {
			logger.Warn("copy artifact", "path", path, "error", err)
			continue
		}
		a, err := newArtifact(dest, "", now)
		if err != nil {
			logger.Warn("stat artifact", "path", dest, "error", err)
			continue
		}
		artifacts = append(artifacts, a)
		artifactsTotal.WithLabelValues("copied").Inc()
	}

	if len(artifacts) > 0 {
		return artifacts
	}

	if strings.TrimSpace(req.Output) != "" {
		name, ct := "output.txt", "text/plain"
		if LooksLikeHTML(req.Output) {
			name, ct = "output.html", "text/html"
		}
		if a, err := writeText(req.Dir, name, req.Output, ct, now); err != nil {
			logger.Warn("write output artifact", "error", err)
		} else {
			artifacts = append(artifacts, a)
			artifactsTotal.WithLabelValues("output").Inc()
		}
	}
	if strings.TrimSpace(req.Log) != "" {
		if a, err := writeText(req.Dir, "log.txt", req.Log, "text/plain", now); err != nil {
			logger.Warn("write log artifact", "error", err)
		} else {
			artifacts = append(artifacts, a)
			artifactsTotal.WithLabelValues("log").Inc()
		}
	}
	return artifacts
}

// expand normalizes candidates and walks directories, returning the allowed
// files in discovery order.
func (h *Harvester) expand(ctx context.Context, logger *slog.Logger, candidates []string) []string {
	var files []string
	visited := make(map[string]bool)

	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		if ctx.Err() != nil {
			return
		}
		real := canonicalPath(dir)
		if visited[real] {
			return
		}
		visited[real] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Debug("read result folder", "dir", dir, "error", err)
			return
		}
		if len(entries) > MaxEntries {
			entries = entries[:MaxEntries]
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.IsDir() {
				if depth < MaxDepth {
					walk(path, depth+1)
				}
				continue
			}
			if info.Mode().IsRegular() && Allowed(path) {
				files = append(files, path)
			}
		}
	}

	for _, c := range candidates {
		path := normalizeCandidate(c)
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			logger.Debug("skip missing candidate", "path", path)
			continue
		}
		if info.IsDir() {
			walk(path, 0)
			continue
		}
		if info.Mode().IsRegular() && Allowed(path) {
			files = append(files, path)
		}
	}
	return files
}

// normalizeCandidate trims whitespace and quotes and converts file URIs to
// paths.
func normalizeCandidate(c string) string {
	c = strings.Trim(strings.TrimSpace(c), `"'`)
	c = strings.TrimSpace(c)
	if strings.HasPrefix(strings.ToLower(c), "file:") {
		u, err := url.Parse(c)
		if err != nil || u.Path == "" {
			return ""
		}
		c = u.Path
	}
	return c
}

func canonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// LooksLikeHTML reports whether text appears to be HTML markup.
func LooksLikeHTML(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "<html") ||
		strings.Contains(lower, "<table") ||
		strings.Contains(lower, "<body")
}

// sanitizeName replaces characters that are not valid in file names.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "artifact.bin"
	}
	return name
}

// uniquePath returns a path in dir for name that does not exist yet, adding
// _1, _2... before the extension on collisions.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Lstat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i <= 5000; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", stem, uuid.NewString(), ext))
}

func writeText(dir, name, content, contentType string, createdAt time.Time) (model.Artifact, error) {
	path := uniquePath(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return model.Artifact{}, err
	}
	return newArtifact(path, contentType, createdAt)
}

func newArtifact(path, contentType string, createdAt time.Time) (model.Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Artifact{}, err
	}
	if contentType == "" {
		contentType = ContentType(path)
	}
	return model.Artifact{
		ID:          model.NewArtifactID(),
		Name:        info.Name(),
		Path:        path,
		ContentType: contentType,
		SizeBytes:   info.Size(),
		CreatedAt:   createdAt,
	}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
