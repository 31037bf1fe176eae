package preview

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashelper/SDVBridge/internal/backend"
	"github.com/sashelper/SDVBridge/internal/backend/session"
	"github.com/sashelper/SDVBridge/internal/engine"
	"github.com/sashelper/SDVBridge/internal/model"
	"github.com/sashelper/SDVBridge/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// stubRunner returns a canned job and records submitted programs.
type stubRunner struct {
	job   model.Job
	codes []string
}

func (r *stubRunner) Submit(_ context.Context, req model.ProgramRequest) (model.Job, error) {
	r.codes = append(r.codes, req.Code)
	return r.job, nil
}

func newSessionService(t *testing.T) *Service {
	t.Helper()
	s := session.New(session.Options{Step: -1})
	eng := engine.NewEngine(s, registry.New(0), nil, engine.Config{
		WorkDir:      t.TempDir(),
		PollInterval: 5 * time.Millisecond,
	}, discardLogger())
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })
	return NewService(s.Catalog(), eng, discardLogger())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 20, ClampLimit(0))
	assert.Equal(t, 20, ClampLimit(-3))
	assert.Equal(t, 5, ClampLimit(5))
	assert.Equal(t, 500, ClampLimit(500))
	assert.Equal(t, 500, ClampLimit(10000))
}

func TestBuildProgram(t *testing.T) {
	code := BuildProgram("my'lib", "CLASS", 7)
	assert.True(t, strings.HasPrefix(code, "options nosource;\n"))
	assert.True(t, strings.HasSuffix(code, "options source;\n"))
	assert.Contains(t, code, "proc export data='my''lib'n.'CLASS'n(obs=7) outfile=_sdvprvw dbms=csv replace;")
	assert.Contains(t, code, "putlog '__SDV_PREVIEW_ROW__|' _infile_;")
	assert.Contains(t, code, "filename _sdvprvw clear;")
}

func TestParseFields(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{`a,"b,c",d`, []string{"a", "b,c", "d"}},
		{`a,"b""c"`, []string{"a", `b"c`}},
		{`1002,O"Brien Ltd,Ireland`, []string{"1002", `O"Brien Ltd`, "Ireland"}},
		{`a,,c`, []string{"a", "", "c"}},
		{`single`, []string{"single"}},
		{``, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseFields(tt.line), tt.line)
	}
}

func TestSplitFields(t *testing.T) {
	assert.Equal(t, []string{"a", "b,c", "d"}, splitFields(`a,"b,c",d`))
	assert.Equal(t, []string{"a", `b"c`}, splitFields(`a,"b""c"`))
	assert.Equal(t, []string{"x", "open, quote"}, splitFields(`x,"open, quote`))
}

func TestExtractLines(t *testing.T) {
	logText := strings.Join([]string{
		"NOTE: before",
		"__SDV_PREVIEW_ROW__|ignored before begin",
		"__sdv_preview_begin__",
		"__SDV_PREVIEW_ROW__|  Name,Age",
		"NOTE: noise between rows",
		"prefix __sdv_preview_row__|Alfred,14",
		"__SDV_PREVIEW_END__",
		"__SDV_PREVIEW_ROW__|ignored after end",
	}, "\r\n")

	assert.Equal(t, []string{"Name,Age", "Alfred,14"}, ExtractLines(logText))
	assert.Empty(t, ExtractLines("NOTE: nothing here"))
}

func TestBuildKeys(t *testing.T) {
	assert.Equal(t, []string{"x", "x_2"}, BuildKeys(nil, []string{"x", "x"}))
	assert.Equal(t, []string{"Name", "NAME_2", "name_3"}, BuildKeys(nil, []string{"Name", "NAME", "name"}))
	assert.Equal(t, []string{"a", "col2", "c"}, BuildKeys(nil, []string{"a", " ", "c"}))
	assert.Equal(t, []string{"col1"}, BuildKeys(nil, nil))

	cols := []model.Column{{Name: "ID"}, {Name: ""}, {Name: "Value"}}
	assert.Equal(t, []string{"ID", "Value"}, BuildKeys(cols, []string{"ignored", "header", "fields"}))
}

func TestParseRows(t *testing.T) {
	keys := []string{"a", "b"}
	rows := ParseRows([]string{"1,2,3", "", "4", "5,6"}, keys, 2)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"a": "1", "b": "2", "col3": "3"}, rows[0])
	assert.Equal(t, map[string]string{"a": "4", "b": ""}, rows[1])

	rows = ParseRows([]string{"1,2"}, []string{"col2"}, 10)
	assert.Equal(t, []map[string]string{{"col2": "1", "col2_2": "2"}}, rows)

	assert.Empty(t, ParseRows(nil, keys, 10))
}

func TestPreviewThroughSession(t *testing.T) {
	svc := newSessionService(t)

	p, err := svc.Preview(context.Background(), "SASAppVA", "public", "customers", 2)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Limit)
	assert.Equal(t, 2, p.RowCount)
	assert.NotEmpty(t, p.JobID)
	require.Len(t, p.Columns, 3)
	assert.Equal(t, "Name", p.Columns[1].Name)
	assert.Equal(t, "Customer Name", p.Columns[1].Label)
	assert.Equal(t, []map[string]string{
		{"CustomerID": "1001", "Name": "Smith, Jane", "Country": "United States"},
		{"CustomerID": "1002", "Name": `O"Brien Ltd`, "Country": "Ireland"},
	}, p.Rows)
}

func TestPreviewDefaultLimit(t *testing.T) {
	svc := newSessionService(t)

	p, err := svc.Preview(context.Background(), "", "SASHELP", "CLASS", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, p.Limit)
	assert.Equal(t, 10, p.RowCount)
	assert.Equal(t, "Alfred", p.Rows[0]["Name"])
}

func TestPreviewUnknownDataset(t *testing.T) {
	s := session.New(session.Options{Step: -1})
	runner := &stubRunner{}
	svc := NewService(s.Catalog(), runner, discardLogger())

	_, err := svc.Preview(context.Background(), "SASApp", "SASHELP", "NOPE", 5)
	require.ErrorIs(t, err, backend.ErrNotFound)
	assert.Empty(t, runner.codes)
}

func TestPreviewValidation(t *testing.T) {
	svc := NewService(nil, &stubRunner{}, discardLogger())

	_, err := svc.Preview(context.Background(), "", " ", "CLASS", 5)
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "libref", verr.Field)

	_, err = svc.Preview(context.Background(), "", "SASHELP", "", 5)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "member", verr.Field)
}

func TestPreviewExtractionErrors(t *testing.T) {
	tests := []struct {
		name string
		job  model.Job
		want string
	}{
		{
			name: "failed job",
			job:  model.Job{ID: "J1", Status: model.StatusFailed, Error: "ERROR: File SASHELP.X.DATA does not exist."},
			want: "ERROR: File SASHELP.X.DATA does not exist.",
		},
		{
			name: "timed out without message",
			job:  model.Job{ID: "J2", Status: model.StatusTimedOut},
			want: "preview program did not complete",
		},
		{
			name: "missing markers",
			job:  model.Job{ID: "J3", Status: model.StatusCompleted, Log: "NOTE: nothing"},
			want: "unable to parse dataset preview from the log",
		},
		{
			name: "no rows",
			job:  model.Job{ID: "J4", Status: model.StatusCompleted, Log: BeginMarker + "\n" + EndMarker + "\n"},
			want: "no preview data was captured from the log",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{job: tt.job}
			svc := NewService(nil, runner, discardLogger())

			_, err := svc.Preview(context.Background(), "", "SASHELP", "CLASS", 5)
			var xerr *ExtractionError
			require.ErrorAs(t, err, &xerr)
			assert.Equal(t, tt.job.ID, xerr.JobID)
			assert.Equal(t, tt.want, xerr.Error())
			require.Len(t, runner.codes, 1)
		})
	}
}

func TestPreviewHeaderKeysWithoutMetadata(t *testing.T) {
	logText := strings.Join([]string{
		BeginMarker,
		RowMarker + "id,id,",
		RowMarker + "1,2,3,4",
		EndMarker,
	}, "\n")
	svc := NewService(nil, &stubRunner{job: model.Job{ID: "J5", Status: model.StatusCompleted, Log: logText}}, discardLogger())

	p, err := svc.Preview(context.Background(), "", "WORK", "X", 5)
	require.NoError(t, err)
	assert.Equal(t, []model.Column{{Name: "id"}, {Name: "id_2"}, {Name: "col3"}}, p.Columns)
	assert.Equal(t, []map[string]string{{"id": "1", "id_2": "2", "col3": "3", "col4": "4"}}, p.Rows)
}
