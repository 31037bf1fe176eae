package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashelper/SDVBridge/internal/backend"
)

func newTestSession(opts Options) *Session {
	if opts.Step == 0 {
		opts.Step = -1
	}
	return New(opts)
}

// wait polls until the submission finishes and returns its outcome.
func wait(t *testing.T, s *Session, h backend.Handle) error {
	t.Helper()
	var runErr error
	require.Eventually(t, func() bool {
		done, err := s.Poll(context.Background(), h)
		runErr = err
		return done
	}, 5*time.Second, 5*time.Millisecond)
	return runErr
}

func captured(t *testing.T, logPath, outPath, body string) string {
	t.Helper()
	return "filename _sdvlog '" + logPath + "';\n" +
		"filename _sdvlst '" + outPath + "';\n" +
		"proc printto log=_sdvlog print=_sdvlst new;\nrun;\n" +
		body + "\n" +
		"proc printto;\nrun;\n" +
		"filename _sdvlog clear;\nfilename _sdvlst clear;\n"
}

func TestSplitStatements(t *testing.T) {
	sts := splitStatements("data _null_; putlog 'a;b'; /* skip; this */ run;\n%put \"x;y\";")
	require.Len(t, sts, 4)
	assert.Equal(t, "data", sts[0].keyword)
	assert.Equal(t, "putlog 'a;b'", sts[1].text)
	assert.Equal(t, "run", sts[2].keyword)
	assert.Equal(t, `%put "x;y"`, sts[3].text)
}

func TestParseDataset(t *testing.T) {
	ref, ok := parseDataset("proc export data='SASHELP'n.'O''Neil'n(obs=7) outfile=x dbms=csv")
	require.True(t, ok)
	assert.Equal(t, "SASHELP", ref.libref)
	assert.Equal(t, "O'Neil", ref.member)
	assert.Equal(t, 7, ref.obs)

	ref, ok = parseDataset("proc print data=class")
	require.True(t, ok)
	assert.Equal(t, "WORK", ref.libref)
	assert.Equal(t, "class", ref.member)
	assert.Zero(t, ref.obs)

	_, ok = parseDataset("proc print")
	assert.False(t, ok)
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "a'b", unquote("'a''b'"))
	assert.Equal(t, `a"b`, unquote(`"a""b"`))
	assert.Equal(t, "plain", unquote("plain"))
}

func TestSubmitWritesCaptureFiles(t *testing.T) {
	s := newTestSession(Options{})
	dir := t.TempDir()
	logPath := filepath.Join(dir, "submit.log")
	outPath := filepath.Join(dir, "submit.lst")

	code := captured(t, logPath, outPath, "data _null_;\n  putlog 'hello from the session';\nrun;\nproc print data=sashelp.class(obs=2);\nrun;")
	h, err := s.Submit(context.Background(), backend.SubmitRequest{JobID: "j1", Code: code, WorkDir: dir})
	require.NoError(t, err)
	require.NoError(t, wait(t, s, h))

	logData, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "hello from the session")
	assert.Contains(t, string(logData), "There were 2 observations read from the data set SASHELP.CLASS")
	assert.NotContains(t, string(logData), "Submission 1", "session banner precedes the redirect")

	outData, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(outData), "Alfred")
	assert.Contains(t, string(outData), "Alice")
	assert.NotContains(t, string(outData), "Barbara")

	full, err := s.ReadLog(context.Background(), h)
	require.NoError(t, err)
	assert.Contains(t, full, "Submission 1 to server SASApp")

	out, err := s.ReadOutput(context.Background(), h)
	require.NoError(t, err)
	assert.Contains(t, out, "Alfred")
}

func TestPreviewProtocol(t *testing.T) {
	s := newTestSession(Options{})
	code := strings.Join([]string{
		"options nosource;",
		"filename _sdvprvw temp;",
		"proc export data='SASAPPVA_PUBLIC'n.'X'n(obs=1) outfile=_sdvprvw dbms=csv replace;",
		"run;",
	}, "\n")
	h, err := s.Submit(context.Background(), backend.SubmitRequest{Server: "SASAppVA", Code: code})
	require.NoError(t, err)
	err = wait(t, s, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	code = strings.Join([]string{
		"options nosource;",
		"filename _sdvprvw temp;",
		"proc export data='PUBLIC'n.'CUSTOMERS'n(obs=2) outfile=_sdvprvw dbms=csv replace;",
		"run;",
		"data _null_;",
		"  putlog '__SDV_PREVIEW_BEGIN__';",
		"run;",
		"data _null_;",
		"  infile _sdvprvw lrecl=32767 truncover;",
		"  input;",
		"  putlog '__SDV_PREVIEW_ROW__|' _infile_;",
		"run;",
		"data _null_;",
		"  putlog '__SDV_PREVIEW_END__';",
		"run;",
		"filename _sdvprvw clear;",
		"options source;",
	}, "\n")
	h, err = s.Submit(context.Background(), backend.SubmitRequest{Server: "SASAppVA", Code: code})
	require.NoError(t, err)
	require.NoError(t, wait(t, s, h))

	logText, err := s.ReadLog(context.Background(), h)
	require.NoError(t, err)

	var rows []string
	for _, line := range strings.Split(logText, "\n") {
		if strings.HasPrefix(line, "__SDV_PREVIEW_ROW__|") {
			rows = append(rows, strings.TrimPrefix(line, "__SDV_PREVIEW_ROW__|"))
		}
	}
	assert.Equal(t, []string{
		"CustomerID,Name,Country",
		`1001,"Smith, Jane",United States`,
		`1002,"O""Brien Ltd",Ireland`,
	}, rows)
	assert.Equal(t, 1, strings.Count(logText, "__SDV_PREVIEW_BEGIN__"))
	assert.Equal(t, 1, strings.Count(logText, "__SDV_PREVIEW_END__"))
}

func TestAbortFailsSubmission(t *testing.T) {
	s := newTestSession(Options{})
	h, err := s.Submit(context.Background(), backend.SubmitRequest{Code: "data _null_; putlog 'before'; run;\n%abort;\ndata _null_; putlog 'after'; run;"})
	require.NoError(t, err)

	err = wait(t, s, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "%ABORT")

	logText, _ := s.ReadLog(context.Background(), h)
	assert.Contains(t, logText, "before")
	assert.NotContains(t, logText, "\nafter\n")
}

func TestUnknownDatasetFails(t *testing.T) {
	s := newTestSession(Options{})
	h, err := s.Submit(context.Background(), backend.SubmitRequest{Code: "proc print data=sashelp.nope; run;"})
	require.NoError(t, err)
	err = wait(t, s, h)
	require.Error(t, err)
	assert.Equal(t, "ERROR: File SASHELP.NOPE.DATA does not exist.", err.Error())
}

func TestODSHTMLAndExportResults(t *testing.T) {
	s := newTestSession(Options{})
	dir := t.TempDir()
	code := "ods html file='report.html';\nproc print data=sashelp.fish; run;\nods html close;\n" +
		"proc export data=sashelp.cars outfile='cars.csv' dbms=csv replace; run;"
	h, err := s.Submit(context.Background(), backend.SubmitRequest{Code: code, WorkDir: dir})
	require.NoError(t, err)
	require.NoError(t, wait(t, s, h))

	paths, err := s.ResultPaths(context.Background(), h)
	require.NoError(t, err)
	require.Equal(t, []string{
		filepath.Join(dir, "results", "report.html"),
		filepath.Join(dir, "results", "cars.csv"),
	}, paths)

	html, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Contains(t, string(html), "<td>Bream</td>")
	assert.True(t, strings.HasSuffix(string(html), "</html>\n"))

	csvData, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(csvData), "Make,Model,Type,Origin,MSRP\n"))
}

func TestTempFilerefCaptureDownload(t *testing.T) {
	s := newTestSession(Options{TempFilerefs: true})
	assert.True(t, s.Capabilities().RemoteCapture)

	dir := t.TempDir()
	local := backend.CapturePaths{Log: filepath.Join(dir, "submit.log"), Output: filepath.Join(dir, "submit.lst")}
	targets, err := s.ResolveCapture(context.Background(), "", local)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(targets.Log, "#LN"))
	assert.True(t, strings.HasPrefix(targets.Output, "#LN"))
	targets.Fileref = true

	code := "filename _sdvlog temp;\nfilename _sdvlst temp;\nproc printto log=_sdvlog print=_sdvlst new;\nrun;\n" +
		"data _null_; putlog 'captured line'; run;\nproc print data=work.temp_users; run;\nproc printto;\nrun;\n"
	h, err := s.Submit(context.Background(), backend.SubmitRequest{Code: code, Capture: targets})
	require.NoError(t, err)
	require.NoError(t, wait(t, s, h))

	_, err = os.Stat(local.Log)
	require.True(t, os.IsNotExist(err), "nothing is written locally before download")

	require.NoError(t, s.DownloadCapture(context.Background(), "", targets, local))
	logData, err := os.ReadFile(local.Log)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "captured line")
	outData, err := os.ReadFile(local.Output)
	require.NoError(t, err)
	assert.Contains(t, string(outData), "Sample 3")
}

func TestSpoolDirCaptureDownload(t *testing.T) {
	spool := t.TempDir()
	s := newTestSession(Options{SpoolDir: spool})

	dir := t.TempDir()
	local := backend.CapturePaths{Log: filepath.Join(dir, "capture", "submit.log"), Output: filepath.Join(dir, "capture", "submit.lst")}
	targets, err := s.ResolveCapture(context.Background(), "", local)
	require.NoError(t, err)
	assert.True(t, targets.Remote)
	assert.Equal(t, spool, filepath.Dir(targets.Log))

	h, err := s.Submit(context.Background(), backend.SubmitRequest{
		Code:    captured(t, targets.Log, targets.Output, "data _null_; putlog 'spooled'; run;"),
		Capture: targets,
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, s, h))

	require.NoError(t, s.DownloadCapture(context.Background(), "", targets, local))
	logData, err := os.ReadFile(local.Log)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "spooled")
}

func TestLocalCaptureResolvesUnchanged(t *testing.T) {
	s := newTestSession(Options{})
	local := backend.CapturePaths{Log: "/tmp/a.log", Output: "/tmp/a.lst"}
	targets, err := s.ResolveCapture(context.Background(), "", local)
	require.NoError(t, err)
	assert.Equal(t, backend.CaptureTargets{Log: local.Log, Output: local.Output}, targets)
	require.NoError(t, s.DownloadCapture(context.Background(), "", targets, local))
}

func TestSubmitHonorsCancellation(t *testing.T) {
	s := New(Options{Step: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Submit(ctx, backend.SubmitRequest{Code: "data _null_; run;"})
	require.NoError(t, err)

	done, err := s.Poll(context.Background(), h)
	require.NoError(t, err)
	assert.False(t, done)

	cancel()
	err = wait(t, s, h)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnknownHandle(t *testing.T) {
	s := newTestSession(Options{})
	_, err := s.Poll(context.Background(), "sub-99")
	require.ErrorIs(t, err, backend.ErrNotFound)
	_, err = s.ReadLog(context.Background(), "sub-99")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestReleaseDropsRun(t *testing.T) {
	s := newTestSession(Options{})

	for range 500 {
		h, err := s.Submit(context.Background(), backend.SubmitRequest{Code: "data _null_; putlog 'x'; run;"})
		require.NoError(t, err)
		require.NoError(t, wait(t, s, h))
		require.NoError(t, s.Release(context.Background(), h))
	}
	assert.Zero(t, s.Len())

	h, err := s.Submit(context.Background(), backend.SubmitRequest{Code: "data _null_; run;"})
	require.NoError(t, err)
	require.NoError(t, wait(t, s, h))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Release(context.Background(), h))
	_, err = s.ReadLog(context.Background(), h)
	require.ErrorIs(t, err, backend.ErrNotFound)
}
