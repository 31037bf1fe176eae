// Package session is an in-process stand-in for a single SAS workspace
// session. It interprets the subset of the language the bridge itself
// generates (capture redirection, dataset export, log markers) plus a few
// common user statements, against a catalog of sample datasets.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/backend/catalog"
)

// DefaultStep is the pause between statements, so progress is observable.
const DefaultStep = 50 * time.Millisecond

// Options configures a Session.
type Options struct {
	Catalog *catalog.Catalog
	Logger  *slog.Logger

	// Step is the pause between statements. Negative disables pausing.
	Step time.Duration

	// SpoolDir, when set, places capture files in this directory instead
	// of the bridge's capture folder; they are downloaded after each run.
	SpoolDir string

	// TempFilerefs resolves capture targets to session temporary files.
	TempFilerefs bool
}

// Session runs one submission at a time and keeps finished runs around for
// polling.
type Session struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	seq  int
	runs map[backend.Handle]*run
	last *run
}

// New creates a simulated session.
func New(opts Options) *Session {
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Step == 0 {
		opts.Step = DefaultStep
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		opts:   opts,
		logger: logger.With("component", "session"),
		runs:   make(map[backend.Handle]*run),
	}
}

// Capabilities implements backend.Backend.
func (s *Session) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          "session",
		Description:   "simulated SAS workspace session backed by a dataset catalog",
		RemoteCapture: s.opts.SpoolDir != "" || s.opts.TempFilerefs,
		Metadata:      true,
		Export:        true,
	}
}

// Catalog returns the catalog the session reads datasets from.
func (s *Session) Catalog() *catalog.Catalog {
	return s.opts.Catalog
}

// Submit starts interpreting req.Code in the background.
func (s *Session) Submit(ctx context.Context, req backend.SubmitRequest) (backend.Handle, error) {
	server := req.Server
	if server == "" {
		server = s.opts.Catalog.DefaultServer()
	}

	s.mu.Lock()
	s.seq++
	h := backend.Handle(fmt.Sprintf("sub-%d", s.seq))
	r := &run{handle: h, server: server, submission: s.seq, done: make(chan struct{})}
	s.runs[h] = r
	s.last = r
	s.mu.Unlock()

	s.logger.Debug("submission accepted", "handle", h, "server", server, "job_id", req.JobID)

	go func() {
		defer close(r.done)
		in := newInterpreter(s, r, req)
		err := in.exec(ctx, req.Code)
		r.finish(in, err)
	}()
	return h, nil
}

// Poll implements backend.Backend.
func (s *Session) Poll(_ context.Context, h backend.Handle) (bool, error) {
	r, err := s.run(h)
	if err != nil {
		return true, err
	}
	select {
	case <-r.done:
		return true, r.failure()
	default:
		return false, nil
	}
}

// ReadLog implements backend.Backend.
func (s *Session) ReadLog(_ context.Context, h backend.Handle) (string, error) {
	r, err := s.run(h)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.String(), nil
}

// ReadOutput implements backend.Backend.
func (s *Session) ReadOutput(_ context.Context, h backend.Handle) (string, error) {
	r, err := s.run(h)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output.String(), nil
}

// ResultPaths implements backend.Backend.
func (s *Session) ResultPaths(_ context.Context, h backend.Handle) ([]string, error) {
	r, err := s.run(h)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...), nil
}

// ResolveCapture implements backend.CaptureResolver.
func (s *Session) ResolveCapture(_ context.Context, _ string, local backend.CapturePaths) (backend.CaptureTargets, error) {
	switch {
	case s.opts.TempFilerefs:
		s.mu.Lock()
		n := s.seq + 1
		s.mu.Unlock()
		return backend.CaptureTargets{
			Log:    fmt.Sprintf("#LN%05d", 2*n),
			Output: fmt.Sprintf("#LN%05d", 2*n+1),
			Remote: true,
		}, nil
	case s.opts.SpoolDir != "":
		if err := os.MkdirAll(s.opts.SpoolDir, 0o755); err != nil {
			return backend.CaptureTargets{}, fmt.Errorf("create spool dir: %w", err)
		}
		s.mu.Lock()
		n := s.seq + 1
		s.mu.Unlock()
		base := filepath.Join(s.opts.SpoolDir, fmt.Sprintf("sdv%06d", n))
		return backend.CaptureTargets{Log: base + ".log", Output: base + ".lst", Remote: true}, nil
	default:
		return backend.CaptureTargets{Log: local.Log, Output: local.Output}, nil
	}
}

// DownloadCapture implements backend.CaptureResolver.
func (s *Session) DownloadCapture(_ context.Context, _ string, targets backend.CaptureTargets, local backend.CapturePaths) error {
	if !targets.Remote {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(local.Log), 0o755); err != nil {
		return fmt.Errorf("create capture folder: %w", err)
	}

	if targets.Fileref || strings.HasPrefix(targets.Log, "#") {
		s.mu.Lock()
		r := s.last
		s.mu.Unlock()
		if r == nil {
			return fmt.Errorf("%w: no submission to download capture from", backend.ErrNotFound)
		}
		r.mu.Lock()
		logText, outText := r.captureLog, r.captureOutput
		r.mu.Unlock()
		if err := os.WriteFile(local.Log, []byte(logText), 0o644); err != nil {
			return fmt.Errorf("write log capture: %w", err)
		}
		if err := os.WriteFile(local.Output, []byte(outText), 0o644); err != nil {
			return fmt.Errorf("write output capture: %w", err)
		}
		return nil
	}

	for _, pair := range [][2]string{{targets.Log, local.Log}, {targets.Output, local.Output}} {
		data, err := os.ReadFile(pair[0])
		if err != nil {
			return fmt.Errorf("download %s: %w", pair[0], err)
		}
		if err := os.WriteFile(pair[1], data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", pair[1], err)
		}
	}
	return nil
}

// Release implements backend.Backend.
func (s *Session) Release(_ context.Context, h backend.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[h]; ok && s.last == r {
		s.last = nil
	}
	delete(s.runs, h)
	return nil
}

// Len reports how many submissions the session still tracks.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *Session) run(h backend.Handle) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[h]
	if !ok {
		return nil, fmt.Errorf("%w: submission %s", backend.ErrNotFound, h)
	}
	return r, nil
}

// run is the state of one submission.
type run struct {
	handle     backend.Handle
	server     string
	submission int
	done       chan struct{}

	mu            sync.Mutex
	err           error
	log           strings.Builder
	output        strings.Builder
	results       []string
	captureLog    string
	captureOutput string
}

func (r *run) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *run) finish(in *interpreter, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil && in.firstError != "" {
		err = errors.New(in.firstError)
	}
	r.err = err
	r.captureLog = in.lastLogCapture
	r.captureOutput = in.lastPrintCapture
}
