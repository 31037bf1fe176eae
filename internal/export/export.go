// Package export materializes datasets as files in the bridge's work folder
// so that clients on the same host can open them directly.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sashelper/SDVBridge/internal/artifact"
	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/engine"
)

// Result describes an exported dataset file.
type Result struct {
	Path        string `json:"path"`
	Filename    string `json:"filename"`
	ContentType string `json:"contenttype"`
	SizeBytes   int64  `json:"sizebytes"`
}

// Locker serializes access to the execution session.
type Locker interface {
	Acquire(ctx context.Context) error
	Release()
}

// Service exports datasets through a backend.DatasetExporter.
type Service struct {
	exporter backend.DatasetExporter
	gate     Locker
	workDir  string
	logger   *slog.Logger
}

// NewService creates an export service writing below workDir/exports.
// gate may be nil when the exporter does not share the session.
func NewService(exporter backend.DatasetExporter, gate Locker, workDir string, logger *slog.Logger) *Service {
	return &Service{
		exporter: exporter,
		gate:     gate,
		workDir:  workDir,
		logger:   logger.With("component", "export"),
	}
}

// Open exports the requested dataset and describes the resulting file.
func (s *Service) Open(ctx context.Context, req backend.ExportRequest) (*Result, error) {
	req.Libref = strings.TrimSpace(req.Libref)
	req.Member = strings.TrimSpace(req.Member)
	if req.Libref == "" {
		return nil, &engine.ValidationError{Field: "libref", Message: "libref is required"}
	}
	if req.Member == "" {
		return nil, &engine.ValidationError{Field: "member", Message: "member is required"}
	}
	if req.RowLimit < 0 {
		return nil, &engine.ValidationError{Field: "rowlimit", Message: "rowlimit must not be negative"}
	}

	dir := s.Dir(req.Server, req.Libref)
	logger := s.logger.With("server", req.Server, "libref", req.Libref, "member", req.Member)
	logger.Info("exporting dataset", "dir", dir)

	if s.gate != nil {
		if err := s.gate.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("wait for session: %w", err)
		}
		defer s.gate.Release()
	}

	path, err := s.exporter.ExportDataset(ctx, req, dir)
	if err != nil {
		return nil, fmt.Errorf("export %s.%s: %w", req.Libref, req.Member, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat exported file: %w", err)
	}

	logger.Info("dataset exported", "path", path, "size_bytes", info.Size())
	return &Result{
		Path:        path,
		Filename:    filepath.Base(path),
		ContentType: artifact.ContentType(path),
		SizeBytes:   info.Size(),
	}, nil
}

// Dir returns the export folder for a server and libref.
func (s *Service) Dir(server, libref string) string {
	if strings.TrimSpace(server) == "" {
		server = "DefaultServer"
	}
	return filepath.Join(s.workDir, "exports", sanitizeSegment(server), sanitizeSegment(libref))
}

func sanitizeSegment(v string) string {
	v = strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(v))
	if v == "." || v == ".." {
		return "_"
	}
	return v
}
