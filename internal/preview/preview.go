// Package preview extracts the first rows of a dataset by running an export
// program through the engine and parsing the marker-delimited CSV lines it
// writes to the log.
package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/engine"
	"github.com/sashelper/SDVBridge/internal/model"
)

// ExtractionError reports a preview program that ran but produced no
// usable rows.
type ExtractionError struct {
	JobID   string
	Message string
}

func (e *ExtractionError) Error() string {
	return e.Message
}

// Runner executes a program synchronously and returns the terminal job.
type Runner interface {
	Submit(ctx context.Context, req model.ProgramRequest) (model.Job, error)
}

// Service builds dataset previews.
type Service struct {
	metadata backend.Metadata
	runner   Runner
	logger   *slog.Logger
}

// NewService creates a preview service. metadata may be nil, in which case
// keys always come from the CSV header.
func NewService(metadata backend.Metadata, runner Runner, logger *slog.Logger) *Service {
	return &Service{
		metadata: metadata,
		runner:   runner,
		logger:   logger.With("component", "preview"),
	}
}

// Preview returns up to limit rows of server/libref.member.
func (s *Service) Preview(ctx context.Context, server, libref, member string, limit int) (*model.Preview, error) {
	libref = strings.TrimSpace(libref)
	member = strings.TrimSpace(member)
	if libref == "" {
		return nil, &engine.ValidationError{Field: "libref", Message: "libref is required"}
	}
	if member == "" {
		return nil, &engine.ValidationError{Field: "member", Message: "member is required"}
	}
	limit = ClampLimit(limit)

	columns, err := s.columns(ctx, server, libref, member)
	if err != nil {
		return nil, err
	}

	job, err := s.runner.Submit(ctx, model.ProgramRequest{
		Server: server,
		Code:   BuildProgram(libref, member, limit),
	})
	if err != nil {
		return nil, fmt.Errorf("run preview program: %w", err)
	}
	logger := s.logger.With("job_id", job.ID, "libref", libref, "member", member)

	if job.Status != model.StatusCompleted {
		msg := job.Error
		if msg == "" {
			msg = "preview program did not complete"
		}
		logger.Warn("preview program failed", "status", job.Status, "error", msg)
		return nil, &ExtractionError{JobID: job.ID, Message: msg}
	}
	if !containsFold(job.Log, BeginMarker) || !containsFold(job.Log, EndMarker) {
		return nil, &ExtractionError{JobID: job.ID, Message: "unable to parse dataset preview from the log"}
	}
	lines := ExtractLines(job.Log)
	if len(lines) == 0 {
		return nil, &ExtractionError{JobID: job.ID, Message: "no preview data was captured from the log"}
	}

	keys := BuildKeys(columns, ParseFields(lines[0]))
	rows := ParseRows(lines[1:], keys, limit)
	logger.Debug("preview extracted", "rows", len(rows))

	return &model.Preview{
		Server:   server,
		Libref:   libref,
		Member:   member,
		JobID:    job.ID,
		Limit:    limit,
		RowCount: len(rows),
		Columns:  keyedColumns(keys, columns),
		Rows:     rows,
	}, nil
}

// columns fetches column metadata. Unknown datasets are reported; any other
// metadata failure is logged and the preview falls back to the header.
func (s *Service) columns(ctx context.Context, server, libref, member string) ([]model.Column, error) {
	if s.metadata == nil {
		return nil, nil
	}
	columns, err := s.metadata.ListColumns(ctx, server, libref, member)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		s.logger.Warn("list columns", "libref", libref, "member", member, "error", err)
		return nil, nil
	}
	return columns, nil
}

// keyedColumns describes every key, carrying metadata for keys taken from
// column names.
func keyedColumns(keys []string, columns []model.Column) []model.Column {
	out := make([]model.Column, len(keys))
	for i, k := range keys {
		if i < len(columns) && columns[i].Name == k {
			out[i] = columns[i]
			continue
		}
		out[i] = model.Column{Name: k}
	}
	return out
}
