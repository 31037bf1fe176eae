package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/model"
	"github.com/sashelper/SDVBridge/internal/registry"
)

const (
	logFileref    = "_sdvlog"
	outputFileref = "_sdvlst"
)

// Capture modes, reported in logs.
const (
	CaptureLocal      = "local"
	CaptureConfigured = "configured"
	CaptureRemote     = "remote"
	CaptureFileref    = "fileref"
)

// Capture is the per-job pair of capture locations: the bridge-local files
// that are read for progress, and the targets handed to the engine.
type Capture struct {
	Local   backend.CapturePaths
	Targets backend.CaptureTargets
	Mode    string
}

// WrapProgram surrounds code with PROC PRINTTO statements that redirect the
// log and listing output into the capture targets.
func WrapProgram(code string, t backend.CaptureTargets) string {
	if t.Log == "" || t.Output == "" {
		return code
	}

	var b strings.Builder
	if t.Fileref {
		fmt.Fprintf(&b, "filename %s temp;\n", t.Log)
		fmt.Fprintf(&b, "filename %s temp;\n", t.Output)
		fmt.Fprintf(&b, "proc printto log=%s print=%s new;\nrun;\n", t.Log, t.Output)
		b.WriteString(code)
		b.WriteString("\nproc printto;\nrun;\n")
		return b.String()
	}

	fmt.Fprintf(&b, "filename %s %s;\n", logFileref, sasString(t.Log))
	fmt.Fprintf(&b, "filename %s %s;\n", outputFileref, sasString(t.Output))
	fmt.Fprintf(&b, "proc printto log=%s print=%s new;\nrun;\n", logFileref, outputFileref)
	b.WriteString(code)
	b.WriteString("\nproc printto;\nrun;\n")
	fmt.Fprintf(&b, "filename %s clear;\nfilename %s clear;\n", logFileref, outputFileref)
	return b.String()
}

// sasString quotes v as a SAS string literal. Values with macro triggers are
// double-quoted so they resolve; everything else is single-quoted.
func sasString(v string) string {
	if strings.ContainsAny(v, "%&") {
		return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// isServerFileref reports whether v names an engine temporary file such as
// "#LN00012" rather than a path.
func isServerFileref(v string) bool {
	v = strings.TrimSpace(v)
	return strings.HasPrefix(v, "#") && !strings.ContainsAny(v, "\\/: \t\r\n\"")
}

// captureChannel reads capture progress for one job and applies it to the
// registry. Reads never fail: unreadable sources count as empty.
type captureChannel struct {
	jobID    string
	server   string
	capture  Capture
	backend  backend.Backend
	registry *registry.Registry
	broker   *LogBroker
	logger   *slog.Logger

	mu     sync.Mutex
	handle backend.Handle
}

func (c *captureChannel) setHandle(h backend.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

func (c *captureChannel) currentHandle() backend.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// read returns the current log and output text. Local capture files take
// precedence over the backend's view.
func (c *captureChannel) read(ctx context.Context) (string, string) {
	h := c.currentHandle()

	logText := readFile(c.capture.Local.Log)
	if logText == "" && h != "" {
		s, err := c.backend.ReadLog(ctx, h)
		if err != nil {
			c.logger.Debug("read backend log", "error", err)
		}
		logText = s
	}

	outText := readFile(c.capture.Local.Output)
	if outText == "" && h != "" {
		s, err := c.backend.ReadOutput(ctx, h)
		if err != nil {
			c.logger.Debug("read backend output", "error", err)
		}
		outText = s
	}
	return logText, outText
}

// refresh reads the capture and stores non-empty, changed text in the
// registry. New log text is published to the broker. It returns the
// resulting snapshot.
func (c *captureChannel) refresh(ctx context.Context) model.Job {
	logText, outText := c.read(ctx)

	var (
		prevLog    string
		logChanged bool
	)
	snap, err := c.registry.Mutate(c.jobID, func(j *model.Job) {
		prevLog = j.Log
		if logText != "" && logText != j.Log {
			j.Log = logText
			logChanged = true
		}
		if outText != "" && outText != j.Output {
			j.Output = outText
		}
	})
	if err != nil {
		c.logger.Debug("apply capture", "error", err)
		return snap
	}

	if logChanged {
		if strings.HasPrefix(logText, prevLog) {
			c.broker.Publish(c.jobID, LogChunk{Offset: len(prevLog), Text: logText[len(prevLog):]})
		} else {
			c.broker.Publish(c.jobID, LogChunk{Text: logText, Reset: true})
		}
	}
	return snap
}

// download fetches engine-side capture files into the local capture folder.
func (c *captureChannel) download(ctx context.Context) {
	if !c.capture.Targets.Remote {
		return
	}
	resolver, ok := c.backend.(backend.CaptureResolver)
	if !ok {
		return
	}
	if err := resolver.DownloadCapture(ctx, c.server, c.capture.Targets, c.capture.Local); err != nil {
		c.logger.Debug("download capture", "error", err)
	}
}

// resultPaths asks the backend for result file candidates.
func (c *captureChannel) resultPaths(ctx context.Context) []string {
	h := c.currentHandle()
	if h == "" {
		return nil
	}
	paths, err := c.backend.ResultPaths(ctx, h)
	if err != nil {
		c.logger.Debug("list result paths", "error", err)
	}
	return paths
}

// release lets the backend drop its record of the submission.
func (c *captureChannel) release(ctx context.Context) {
	h := c.currentHandle()
	if h == "" {
		return
	}
	if err := c.backend.Release(ctx, h); err != nil {
		c.logger.Debug("release submission", "error", err)
	}
}

func readFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
