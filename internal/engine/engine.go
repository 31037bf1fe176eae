package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sashelper/SDVBridge/internal/artifact"
	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/model"
	"github.com/sashelper/SDVBridge/internal/registry"
	"github.com/sashelper/SDVBridge/internal/store"
)

const (
	// DefaultPollInterval is the pause between completion checks.
	DefaultPollInterval = 300 * time.Millisecond
	// DefaultJobTimeout is the ceiling for one job once it holds the gate.
	DefaultJobTimeout = 30 * time.Minute

	finalizeTimeout = 2 * time.Minute
)

// ErrShuttingDown is returned by submissions made after Shutdown.
var ErrShuttingDown = errors.New("bridge shutting down")

// ValidationError reports a submission rejected before a job was created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Config holds the engine settings.
type Config struct {
	WorkDir      string
	PollInterval time.Duration
	JobTimeout   time.Duration

	// ServerLogPath and ServerOutputPath are the capture targets used when a
	// request does not name its own.
	ServerLogPath    string
	ServerOutputPath string
}

// Engine executes program submissions one at a time and tracks them in the
// job registry.
type Engine struct {
	backend   backend.Backend
	registry  *registry.Registry
	history   store.Store
	harvester *artifact.Harvester
	broker    *LogBroker
	gate      *Gate
	logger    *slog.Logger
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEngine creates a new execution engine. history may be nil.
func NewEngine(b backend.Backend, reg *registry.Registry, history store.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "SDVBridge")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		backend:   b,
		registry:  reg,
		history:   history,
		harvester: artifact.NewHarvester(logger),
		broker:    NewLogBroker(),
		gate:      NewGate(),
		logger:    logger.With("component", "engine"),
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Gate returns the execution gate. Callers that talk to the session outside
// a submission must hold it.
func (e *Engine) Gate() *Gate {
	return e.gate
}

// JobDir returns the work folder of a job.
func (e *Engine) JobDir(id string) string {
	return filepath.Join(e.cfg.WorkDir, "jobs", id)
}

// Validate checks a submission request.
func Validate(req model.ProgramRequest) error {
	if strings.TrimSpace(req.Code) == "" {
		return &ValidationError{Field: "code", Message: "code is required"}
	}
	hasLog := strings.TrimSpace(req.ServerLogPath) != ""
	hasOutput := strings.TrimSpace(req.ServerOutputPath) != ""
	if hasLog != hasOutput {
		return &ValidationError{
			Field:   "serverlogpath",
			Message: "serverlogpath and serveroutputpath must be provided together",
		}
	}
	return nil
}

// Submit runs a program synchronously and returns the terminal job.
// Execution failures are reported in the job, not as an error.
func (e *Engine) Submit(ctx context.Context, req model.ProgramRequest) (model.Job, error) {
	if err := Validate(req); err != nil {
		return model.Job{}, err
	}
	if err := e.track(); err != nil {
		return model.Job{}, err
	}
	defer e.wg.Done()

	now := time.Now().UTC()
	job := model.Job{
		ID:          model.NewID(),
		Status:      model.StatusRunning,
		Server:      req.Server,
		SubmittedAt: now,
		StartedAt:   &now,
	}
	e.broker.Open(job.ID)
	if err := e.registry.Create(job); err != nil {
		e.broker.Forget(job.ID)
		return model.Job{}, fmt.Errorf("register job: %w", err)
	}
	e.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "mode", "sync")

	e.execute(job.ID, req)

	snap, err := e.registry.Get(job.ID)
	if err != nil {
		return model.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	return snap, nil
}

// SubmitAsync creates a queued job and runs it in the background.
func (e *Engine) SubmitAsync(ctx context.Context, req model.ProgramRequest) (model.Job, error) {
	if err := Validate(req); err != nil {
		return model.Job{}, err
	}
	if err := e.track(); err != nil {
		return model.Job{}, err
	}

	job := model.Job{
		ID:          model.NewID(),
		Status:      model.StatusQueued,
		Server:      req.Server,
		SubmittedAt: time.Now().UTC(),
	}
	e.broker.Open(job.ID)
	if err := e.registry.Create(job); err != nil {
		e.broker.Forget(job.ID)
		e.wg.Done()
		return model.Job{}, fmt.Errorf("register job: %w", err)
	}
	e.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "mode", "async")

	go func() {
		defer e.wg.Done()
		e.execute(job.ID, req)
	}()
	return job.Clone(), nil
}

// track registers one in-flight job unless the engine is shutting down.
func (e *Engine) track() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShuttingDown
	}
	e.wg.Add(1)
	return nil
}

// Wait blocks until all in-flight jobs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown rejects new submissions, cancels running and queued jobs, and
// waits for their finalization or for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evicted cleans up after a job dropped from the registry. Work folders of
// jobs still executing are removed when they finish.
func (e *Engine) Evicted(j model.Job) {
	e.broker.Forget(j.ID)
	if !model.IsTerminal(j.Status) {
		return
	}
	if err := os.RemoveAll(e.JobDir(j.ID)); err != nil {
		e.logger.Warn("remove evicted job folder", "job_id", j.ID, "error", err)
	}
}

// outcome is the result of the execution phase of a job.
type outcome struct {
	status      string
	err         string
	completedAt time.Time
	channel     *captureChannel
}

// execute runs the full job sequence: execution under the gate, then
// finalization.
func (e *Engine) execute(id string, req model.ProgramRequest) {
	jobsInFlight.Inc()
	defer jobsInFlight.Dec()
	defer e.broker.Close(id)

	logger := e.logger.With("job_id", id, "server", req.Server)

	res := e.run(e.ctx, id, req, logger)

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(e.ctx), finalizeTimeout)
	defer fcancel()
	e.finalize(fctx, id, res, logger)
}

// run performs every step that needs the session. Waiting for the gate is
// bounded only by shutdown; JobTimeout starts once the gate is held. The
// completion time is taken before the gate is released, so the next job
// starts no earlier than this one completed. Panics from the backend fail
// the job.
func (e *Engine) run(ctx context.Context, id string, req model.ProgramRequest, logger *slog.Logger) (res outcome) {
	res.status = model.StatusFailed
	gateHeld := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("execution panicked", "panic", r, "stack", string(debug.Stack()))
			res.status = model.StatusFailed
			res.err = fmt.Sprintf("execution panicked: %v", r)
		}
		res.completedAt = time.Now().UTC()
		if gateHeld {
			e.gate.Release()
		}
	}()

	capture, err := e.resolveCapture(ctx, id, req, logger)
	if err != nil {
		res.err = fmt.Sprintf("prepare capture: %v", err)
		return res
	}
	ch := &captureChannel{
		jobID:    id,
		server:   req.Server,
		capture:  capture,
		backend:  e.backend,
		registry: e.registry,
		broker:   e.broker,
		logger:   logger,
	}
	res.channel = ch
	code := WrapProgram(req.Code, capture.Targets)

	waitStart := time.Now()
	if err := e.gate.Acquire(ctx); err != nil {
		res.err = ErrShuttingDown.Error()
		return res
	}
	gateHeld = true
	gateWait.Observe(time.Since(waitStart).Seconds())

	ctx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout)
	defer cancel()

	started := time.Now().UTC()
	if _, err := e.registry.Mutate(id, func(j *model.Job) {
		j.Status = model.StatusRunning
		j.StartedAt = &started
	}); err != nil {
		res.err = fmt.Sprintf("mark running: %v", err)
		return res
	}
	logger.Info("job started", "capture", capture.Mode, "gate_wait", time.Since(waitStart))

	h, err := e.backend.Submit(ctx, backend.SubmitRequest{
		JobID:   id,
		Server:  req.Server,
		Code:    code,
		Source:  req.Code,
		WorkDir: e.JobDir(id),
		Capture: capture.Targets,
	})
	if err != nil {
		res.err = fmt.Sprintf("submit program: %v", err)
		return res
	}
	ch.setHandle(h)

	res.status, res.err = e.poll(ctx, ch, logger)
	return res
}

// poll waits for the backend to report completion, publishing capture
// progress on every tick.
func (e *Engine) poll(ctx context.Context, ch *captureChannel, logger *slog.Logger) (string, string) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	h := ch.currentHandle()
	for {
		done, err := e.backend.Poll(ctx, h)
		ch.refresh(ctx)
		if done {
			if err != nil {
				if ctx.Err() != nil {
					return e.interrupted(ctx)
				}
				return model.StatusFailed, err.Error()
			}
			return model.StatusCompleted, ""
		}
		if err != nil {
			logger.Debug("poll", "error", err)
		}

		select {
		case <-ctx.Done():
			return e.interrupted(ctx)
		case <-ticker.C:
		}
	}
}

func (e *Engine) interrupted(ctx context.Context) (string, string) {
	if e.ctx.Err() != nil {
		return model.StatusFailed, ErrShuttingDown.Error()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.StatusTimedOut, fmt.Sprintf("program did not finish within %s", e.cfg.JobTimeout)
	}
	return model.StatusFailed, ctx.Err().Error()
}

// finalize performs the last capture read, harvests artifacts, moves the job
// to its terminal status and archives it.
func (e *Engine) finalize(ctx context.Context, id string, res outcome, logger *slog.Logger) {
	var artifacts []model.Artifact
	if ch := res.channel; ch != nil {
		ch.download(ctx)
		snap := ch.refresh(ctx)
		artifacts = e.harvester.Harvest(ctx, artifact.Request{
			JobID:      id,
			Dir:        filepath.Join(e.JobDir(id), "artifacts"),
			Log:        snap.Log,
			Output:     snap.Output,
			Candidates: ch.resultPaths(ctx),
		})
		ch.release(ctx)
	}

	completedAt := res.completedAt
	snap, err := e.registry.Mutate(id, func(j *model.Job) {
		j.Status = res.status
		j.Error = res.err
		j.CompletedAt = &completedAt
		j.Artifacts = artifacts
	})
	if err != nil {
		logger.Warn("finalize job", "error", err)
		if errors.Is(err, registry.ErrNotFound) {
			if err := os.RemoveAll(e.JobDir(id)); err != nil {
				logger.Warn("remove evicted job folder", "error", err)
			}
		}
		return
	}

	jobsTotal.WithLabelValues(snap.Status).Inc()
	if snap.StartedAt != nil {
		jobDuration.Observe(snap.Duration().Seconds())
	}
	if snap.Status == model.StatusCompleted {
		logger.Info("job finished", "status", snap.Status, "duration", snap.Duration(), "artifacts", len(snap.Artifacts))
	} else {
		logger.Warn("job finished", "status", snap.Status, "error", snap.Error, "artifacts", len(snap.Artifacts))
	}

	if e.history != nil {
		if err := e.history.RecordJob(ctx, model.NewJobRecord(snap)); err != nil {
			logger.Warn("archive job", "error", err)
		}
	}
}

// resolveCapture prepares the capture folder and decides where the engine
// writes the log and listing: configured server paths, engine-resolved
// targets, or the local capture files.
func (e *Engine) resolveCapture(ctx context.Context, id string, req model.ProgramRequest, logger *slog.Logger) (Capture, error) {
	dir := filepath.Join(e.JobDir(id), "capture")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Capture{}, fmt.Errorf("create capture folder: %w", err)
	}
	local := backend.CapturePaths{
		Log:    filepath.Join(dir, "submit.log"),
		Output: filepath.Join(dir, "submit.lst"),
	}
	c := Capture{
		Local:   local,
		Targets: backend.CaptureTargets{Log: local.Log, Output: local.Output},
		Mode:    CaptureLocal,
	}

	serverLog := strings.TrimSpace(req.ServerLogPath)
	serverOutput := strings.TrimSpace(req.ServerOutputPath)
	if serverLog == "" && serverOutput == "" {
		serverLog, serverOutput = e.cfg.ServerLogPath, e.cfg.ServerOutputPath
	}
	if serverLog != "" && serverOutput != "" {
		c.Targets = backend.CaptureTargets{Log: serverLog, Output: serverOutput, Remote: true}
		c.Mode = CaptureConfigured
		return c, nil
	}

	resolver, ok := e.backend.(backend.CaptureResolver)
	if !ok {
		return c, nil
	}
	targets, err := resolver.ResolveCapture(ctx, req.Server, local)
	if err != nil {
		logger.Warn("resolve engine capture, using local files", "error", err)
		return c, nil
	}
	switch {
	case isServerFileref(targets.Log) && isServerFileref(targets.Output):
		c.Targets = backend.CaptureTargets{Log: logFileref, Output: outputFileref, Fileref: true, Remote: true}
		c.Mode = CaptureFileref
	case targets.Log != "" && targets.Output != "":
		c.Targets = targets
		if targets.Remote {
			c.Mode = CaptureRemote
		}
	}
	return c, nil
}
