package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashelper/SDVBridge/internal/backend/catalog"
	"github.com/sashelper/SDVBridge/internal/export"
	"github.com/sashelper/SDVBridge/internal/model"
	"github.com/sashelper/SDVBridge/internal/preview"
)

func TestListServers(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var servers []model.Server
	resp := call(t, ts, http.MethodGet, "/servers", nil, &servers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, servers, 2)
	assert.Equal(t, model.Server{Name: "SASApp", IsAssigned: true}, servers[0])
	assert.Equal(t, "SASAppVA", servers[1].Name)
}

func TestListLibraries(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var libs []model.Library
	resp := call(t, ts, http.MethodGet, "/servers/sasapp/libraries", nil, &libs)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, libs, 2)
	assert.Equal(t, "SASHELP", libs[0].Libref)
	assert.Equal(t, "WORK", libs[1].Libref)

	resp = call(t, ts, http.MethodGet, "/servers/Nowhere/libraries", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "unknown server 'Nowhere'")
}

func TestListDatasetsAndColumns(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var datasets []model.Dataset
	resp := call(t, ts, http.MethodGet, "/servers/SASApp/libraries/sashelp/datasets", nil, &datasets)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, datasets, 3)
	assert.Equal(t, model.Dataset{Member: "CLASS", Libref: "SASHELP", Server: "SASApp"}, datasets[0])

	var columns []model.Column
	resp = call(t, ts, http.MethodGet, "/servers/SASAppVA/libraries/PUBLIC/datasets/customers/columns", nil, &columns)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, columns, 3)
	assert.Equal(t, "Customer Name", columns[1].Label)

	resp = call(t, ts, http.MethodGet, "/servers/SASApp/libraries/NOPE/datasets", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = call(t, ts, http.MethodGet, "/servers/SASApp/libraries/SASHELP/datasets/NOPE/columns", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetadataUnavailable(t *testing.T) {
	srv := newTestServer(t)
	srv.metadata = nil
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := call(t, ts, http.MethodGet, "/servers", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestPreviewDataset(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var p model.Preview
	resp := call(t, ts, http.MethodGet, "/servers/SASApp/libraries/SASHELP/datasets/CLASS/preview?limit=2", nil, &p)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, p.Limit)
	assert.Equal(t, 2, p.RowCount)
	require.Len(t, p.Rows, 2)
	assert.Equal(t, "Alfred", p.Rows[0]["Name"])
	assert.Equal(t, "13", p.Rows[1]["Age"])
	assert.NotEmpty(t, p.JobID)

	// The preview ran as an ordinary tracked job.
	var job model.Job
	resp = call(t, ts, http.MethodGet, "/jobs/"+p.JobID, nil, &job)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusCompleted, job.Status)
}

func TestPreviewUnknownDataset(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := call(t, ts, http.MethodGet, "/servers/SASApp/libraries/SASHELP/datasets/NOPE/preview", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, srv.jobs.Len())
}

// failedRunner completes every program with a failed job.
type failedRunner struct{}

func (failedRunner) Submit(_ context.Context, _ model.ProgramRequest) (model.Job, error) {
	return model.Job{ID: "01JFAILED", Status: model.StatusFailed, Error: "ERROR: Library PUBLIC is not assigned."}, nil
}

func TestPreviewExtractionFailure(t *testing.T) {
	srv := newTestServer(t)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	srv.preview = preview.NewService(catalog.Default(), failedRunner{}, logger)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var body struct {
		Error string `json:"error"`
		JobID string `json:"jobid"`
	}
	resp := call(t, ts, http.MethodGet, "/servers/SASAppVA/libraries/PUBLIC/datasets/CUSTOMERS/preview", nil, &body)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "ERROR: Library PUBLIC is not assigned.", body.Error)
	assert.Equal(t, "01JFAILED", body.JobID)
}

func TestOpenDataset(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var res export.Result
	resp := call(t, ts, http.MethodPost, "/datasets/open", map[string]any{
		"server": "SASApp", "libref": "sashelp", "member": "class", "rowlimit": 2,
	}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CLASS.csv", res.Filename)
	assert.Equal(t, "text/csv", res.ContentType)

	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.SizeBytes)
	assert.Contains(t, string(data), "Alice")
	assert.NotContains(t, string(data), "Barbara")
}

func TestOpenDatasetErrors(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := call(t, ts, http.MethodPost, "/datasets/open", `{"libref": "SASHELP"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = call(t, ts, http.MethodPost, "/datasets/open", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid JSON body", errorMessage(t, resp))

	resp = call(t, ts, http.MethodPost, "/datasets/open", map[string]any{"libref": "SASHELP", "member": "NOPE"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
