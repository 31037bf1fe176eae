package api

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashelper/SDVBridge/internal/backend/session"
	"github.com/sashelper/SDVBridge/internal/model"
)

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	name string
	data string
}

// readEvents reads events until the stream ends or a "done" event arrives.
func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
		lines  []string
	)
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			cur.data = strings.Join(lines, "\n")
			events = append(events, cur)
			if cur.name == "done" {
				return events
			}
			cur, lines = sseEvent{}, nil
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestStreamLogCompletedJob(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	job := submit(t, ts, "data _null_; putlog 'streamed after the fact'; run;")

	resp := call(t, ts, http.MethodGet, "/jobs/"+job.ID+"/log/stream", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.Len(t, events, 2)
	assert.Empty(t, events[0].name)
	assert.Contains(t, events[0].data, "streamed after the fact")
	assert.Equal(t, sseEvent{name: "done", data: model.StatusCompleted}, events[1])
}

func TestStreamLogLiveJob(t *testing.T) {
	srv := newTestServerWith(t, session.Options{Step: 20 * time.Millisecond})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	code := strings.Join([]string{
		"data _null_; putlog 'step one'; run;",
		"data _null_; putlog 'step two'; run;",
		"data _null_; putlog 'step three'; run;",
	}, "\n")
	var job model.Job
	resp := call(t, ts, http.MethodPost, "/programs/submit/async", model.ProgramRequest{Code: code}, &job)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	stream := call(t, ts, http.MethodGet, "/jobs/"+job.ID+"/log/stream", nil, nil)
	require.Equal(t, http.StatusOK, stream.StatusCode)
	events := readEvents(t, stream)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, sseEvent{name: "done", data: model.StatusCompleted}, last)

	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.name == "reset" {
			text.Reset()
		}
		text.WriteString(ev.data)
		text.WriteString("\n")
	}
	streamed := text.String()
	one := strings.Index(streamed, "step one")
	three := strings.Index(streamed, "step three")
	assert.GreaterOrEqual(t, one, 0)
	assert.Greater(t, three, one)
}

func TestLogStreamEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	st := &logStream{w: rec, flusher: rec}

	require.NoError(t, st.data(""))
	require.NoError(t, st.data("NOTE: one\nNOTE: two\n"))
	require.NoError(t, st.event("done", "completed"))

	assert.Equal(t, "data: NOTE: one\ndata: NOTE: two\n\nevent: done\ndata: completed\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
