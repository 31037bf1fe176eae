// Package batch runs each submission as a separate operating system process,
// for sites that drive SAS (or a compatible runner) from the command line.
package batch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/sashelper/SDVBridge/internal/backend"
)

// ProgramFile is the name of the program written into each job folder.
const ProgramFile = "program.sas"

// Options configures a Batch backend.
type Options struct {
	// Command is the command line template. {program}, {log} and {output}
	// are replaced with the program file and the capture targets.
	Command string
	Env     []string
	Logger  *slog.Logger
}

// Batch starts one process per submission.
type Batch struct {
	argv   []string
	env    []string
	logger *slog.Logger

	mu    sync.Mutex
	seq   int
	procs map[backend.Handle]*process
}

// New validates the command template and returns a batch backend.
func New(opts Options) (*Batch, error) {
	argv, err := splitCommand(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("batch command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("batch command is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Batch{
		argv:   argv,
		env:    opts.Env,
		logger: logger.With("component", "batch"),
		procs:  make(map[backend.Handle]*process),
	}, nil
}

// process tracks one started command.
type process struct {
	workDir string
	capture backend.CaptureTargets
	done    chan struct{}
	started time.Time

	mu      sync.Mutex
	stdout  bytes.Buffer
	err     error
	stopped time.Time
}

// Write collects combined stdout and stderr.
func (p *process) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.Write(b)
}

// Capabilities implements backend.Backend.
func (b *Batch) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:        "batch",
		Description: fmt.Sprintf("runs %s once per submission", filepath.Base(b.argv[0])),
	}
}

// Submit writes the program into the job folder and starts the command.
func (b *Batch) Submit(ctx context.Context, req backend.SubmitRequest) (backend.Handle, error) {
	workDir := req.WorkDir
	if workDir == "" {
		return "", errors.New("batch submission needs a work directory")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	program := filepath.Join(workDir, ProgramFile)
	if err := os.WriteFile(program, []byte(req.Code), 0o644); err != nil {
		return "", fmt.Errorf("write program: %w", err)
	}

	replacer := strings.NewReplacer(
		"{program}", program,
		"{log}", req.Capture.Log,
		"{output}", req.Capture.Output,
	)
	args := make([]string, len(b.argv))
	for i, a := range b.argv {
		args[i] = replacer.Replace(a)
	}

	p := &process{
		workDir: workDir,
		capture: req.Capture,
		done:    make(chan struct{}),
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = workDir
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}
	cmd.Stdout = p
	cmd.Stderr = p
	cmd.WaitDelay = 5 * time.Second

	p.started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start batch command: %w", err)
	}

	b.mu.Lock()
	b.seq++
	h := backend.Handle(fmt.Sprintf("pid-%d-%d", cmd.Process.Pid, b.seq))
	b.procs[h] = p
	b.mu.Unlock()

	b.logger.Debug("batch command started", "handle", h, "job_id", req.JobID, "path", args[0])
	go b.wait(h, cmd, p)
	return h, nil
}

func (b *Batch) wait(h backend.Handle, cmd *exec.Cmd, p *process) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	p.mu.Lock()
	p.stopped = stopped
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			err = fmt.Errorf("batch command exited with status %d%s", exitErr.ExitCode(), tail(p.stdout.String()))
		} else {
			err = fmt.Errorf("batch command: %w", err)
		}
	}
	p.err = err
	p.mu.Unlock()
	close(p.done)

	b.logger.Debug("batch command finished", "handle", h, "duration", stopped.Sub(p.started), "error", err)
}

// Poll implements backend.Backend.
func (b *Batch) Poll(_ context.Context, h backend.Handle) (bool, error) {
	p, err := b.process(h)
	if err != nil {
		return true, err
	}
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.err
	default:
		return false, nil
	}
}

// ReadLog returns the combined stdout and stderr of the process.
func (b *Batch) ReadLog(_ context.Context, h backend.Handle) (string, error) {
	p, err := b.process(h)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String(), nil
}

// ReadOutput implements backend.Backend. Listing output only reaches the
// bridge through the capture file.
func (b *Batch) ReadOutput(_ context.Context, h backend.Handle) (string, error) {
	_, err := b.process(h)
	return "", err
}

// ResultPaths reports the results folder and the capture folder of the job.
func (b *Batch) ResultPaths(_ context.Context, h backend.Handle) ([]string, error) {
	p, err := b.process(h)
	if err != nil {
		return nil, err
	}
	paths := []string{filepath.Join(p.workDir, "results")}
	if !p.capture.Fileref && p.capture.Log != "" {
		paths = append(paths, filepath.Dir(p.capture.Log))
	}
	return paths, nil
}

// Release implements backend.Backend. A process that is still running keeps
// running until its context ends; only the bridge's record of it is dropped.
func (b *Batch) Release(_ context.Context, h backend.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.procs, h)
	return nil
}

// Len reports how many submissions the backend still tracks.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.procs)
}

func (b *Batch) process(h backend.Handle) (*process, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.procs[h]
	if !ok {
		return nil, fmt.Errorf("%w: process %s", backend.ErrNotFound, h)
	}
	return p, nil
}

// tail returns the last line of process output, formatted for an error message.
func tail(out string) string {
	out = strings.TrimSpace(out)
	if out == "" {
		return ""
	}
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		out = out[i+1:]
	}
	return ": " + out
}

// splitCommand splits a command line into fields with shell quoting and
// escapes. Unquoted shell operators are rejected: the command is started
// directly, not through a shell.
func splitCommand(s string) ([]string, error) {
	p := shellwords.NewParser()
	fields, err := p.Parse(s)
	if err != nil {
		return nil, err
	}
	if p.Position >= 0 {
		return nil, fmt.Errorf("unquoted shell operator at offset %d, wrap the command in sh -c", p.Position)
	}
	return fields, nil
}
