package backend

import (
	"context"
	"errors"

	"github.com/sashelper/SDVBridge/internal/model"
)

// ErrNotFound is wrapped by collaborators when a server, library, dataset or
// submission handle is unknown.
var ErrNotFound = errors.New("not found")

// Handle identifies one submission inside a backend.
type Handle string

// Backend is the interface every engine adapter implements. Calls are
// serialized by the caller; a Backend never sees two submissions in flight.
type Backend interface {
	// Submit hands the wrapped program to the engine and returns immediately
	// or once the engine accepted it.
	Submit(ctx context.Context, req SubmitRequest) (Handle, error)

	// Poll reports whether the submission finished. A non-nil error means the
	// submission ended in failure.
	Poll(ctx context.Context, h Handle) (done bool, err error)

	// ReadLog returns the engine's current view of the log, if it keeps one.
	ReadLog(ctx context.Context, h Handle) (string, error)

	// ReadOutput returns the engine's current view of the listing output.
	ReadOutput(ctx context.Context, h Handle) (string, error)

	// ResultPaths lists candidate result files or folders produced by the run.
	ResultPaths(ctx context.Context, h Handle) ([]string, error)

	// Release drops everything the adapter keeps for h. The handle is not
	// used again afterwards. Unknown handles are ignored.
	Release(ctx context.Context, h Handle) error

	// Capabilities describes the adapter.
	Capabilities() Capabilities
}

// CaptureResolver is implemented by engines whose capture files live on the
// engine side and must be resolved before submit and fetched afterwards.
type CaptureResolver interface {
	ResolveCapture(ctx context.Context, server string, local CapturePaths) (CaptureTargets, error)
	DownloadCapture(ctx context.Context, server string, targets CaptureTargets, local CapturePaths) error
}

// Metadata browses servers, libraries, datasets and columns.
type Metadata interface {
	ListServers(ctx context.Context) ([]model.Server, error)
	ListLibraries(ctx context.Context, server string) ([]model.Library, error)
	ListDatasets(ctx context.Context, server, libref string) ([]model.Dataset, error)
	ListColumns(ctx context.Context, server, libref, member string) ([]model.Column, error)
}

// DatasetExporter materializes a dataset as a local file inside destDir and
// returns the file path.
type DatasetExporter interface {
	ExportDataset(ctx context.Context, req ExportRequest, destDir string) (string, error)
}

// SubmitRequest describes one program submission.
type SubmitRequest struct {
	JobID   string `json:"job_id"`
	Server  string `json:"server,omitempty"`
	Code    string `json:"code"`
	Source  string `json:"source"`
	WorkDir string `json:"work_dir"`

	// Capture holds the targets the wrapped program redirects log and
	// listing output to.
	Capture CaptureTargets `json:"capture"`
}

// CapturePaths is a pair of bridge-local capture files.
type CapturePaths struct {
	Log    string `json:"log"`
	Output string `json:"output"`
}

// CaptureTargets are the capture locations as seen by the engine.
type CaptureTargets struct {
	Log    string `json:"log"`
	Output string `json:"output"`

	// Fileref marks Log and Output as engine temporary filerefs rather than paths.
	Fileref bool `json:"fileref,omitempty"`

	// Remote marks targets that live on the engine side and need downloading.
	Remote bool `json:"remote,omitempty"`
}

// ExportRequest selects a dataset to materialize.
type ExportRequest struct {
	Server   string `json:"server,omitempty"`
	Libref   string `json:"libref"`
	Member   string `json:"member"`
	RowLimit int    `json:"rowlimit,omitempty"`
}

// Capabilities describes what an adapter supports.
type Capabilities struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	RemoteCapture bool   `json:"remote_capture"`
	Metadata      bool   `json:"metadata"`
	Export        bool   `json:"export"`
}
