package api

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sashelper/SDVBridge/internal/engine"
	"github.com/sashelper/SDVBridge/internal/model"
)

// logResponse is the JSON response for GET /jobs/{id}/log. Offsets count
// bytes of the log text. An offset inside a multi-byte character is moved
// back to the start of that character.
type logResponse struct {
	JobID      string `json:"jobid"`
	Status     string `json:"status"`
	Log        string `json:"log"`
	Offset     int    `json:"offset"`
	NextOffset int    `json:"nextoffset"`
	IsComplete bool   `json:"iscomplete"`
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	job, ok := s.job(w, r)
	if !ok {
		return
	}

	offset := min(max(parseIntQuery(r, "offset", 0), 0), len(job.Log))
	for offset > 0 && offset < len(job.Log) && !utf8.RuneStart(job.Log[offset]) {
		offset--
	}
	s.writeJSON(w, http.StatusOK, logResponse{
		JobID:      job.ID,
		Status:     job.Status,
		Log:        job.Log[offset:],
		Offset:     offset,
		NextOffset: len(job.Log),
		IsComplete: model.IsTerminal(job.Status),
	})
}

// handleStreamLog sends the log collected so far and then live deltas as
// SSE "data" events. A replaced log is sent as a "reset" event carrying the
// full text. The stream ends with a "done" event naming the final status.
func (s *Server) handleStreamLog(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := s.jobs.Get(id); err != nil {
		s.writeServiceError(w, r, "get job for log stream", err)
		return
	}

	// Subscribe before taking the snapshot so no chunk falls in between.
	ch, unsub := s.engine.Broker().Subscribe(id)
	defer unsub()

	job, err := s.jobs.Get(id)
	if err != nil {
		s.writeServiceError(w, r, "get job for log stream", err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	logStreams.Inc()
	defer logStreams.Dec()

	st := &logStream{w: w}
	st.flusher, _ = w.(http.Flusher)

	if err := st.data(job.Log); err != nil {
		return
	}
	sent := len(job.Log)

	if model.IsTerminal(job.Status) {
		_ = st.event("done", job.Status)
		return
	}

	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				s.finishStream(st, id, sent)
				return
			}
			if err := s.forward(st, chunk, &sent, id); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// finishStream sends whatever the final log holds beyond sent, then "done".
func (s *Server) finishStream(st *logStream, id string, sent int) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return
	}
	if len(job.Log) > sent {
		if err := st.data(job.Log[sent:]); err != nil {
			return
		}
	}
	_ = st.event("done", job.Status)
}

// forward writes the part of chunk the client has not seen. When chunks were
// dropped, the gap is filled from the job snapshot.
func (s *Server) forward(st *logStream, chunk engine.LogChunk, sent *int, id string) error {
	switch {
	case chunk.Reset:
		*sent = len(chunk.Text)
		return st.event("reset", chunk.Text)
	case chunk.Offset+len(chunk.Text) <= *sent:
		return nil
	case chunk.Offset <= *sent:
		text := chunk.Text[*sent-chunk.Offset:]
		*sent = chunk.Offset + len(chunk.Text)
		return st.data(text)
	default:
		job, err := s.jobs.Get(id)
		if err != nil || len(job.Log) <= *sent {
			return err
		}
		text := job.Log[*sent:]
		*sent = len(job.Log)
		return st.data(text)
	}
}

// logStream writes SSE events and flushes after each one.
type logStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// data writes text as an SSE data event. Multi-line strings are split so
// that each segment gets its own "data:" prefix. Empty text is skipped.
func (st *logStream) data(text string) error {
	if text == "" {
		return nil
	}
	return st.event("", text)
}

// event writes a named SSE event; an empty name writes a plain data event.
func (st *logStream) event(name, text string) error {
	if name != "" {
		if _, err := fmt.Fprintf(st.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	for seg := range strings.SplitSeq(strings.TrimSuffix(text, "\n"), "\n") {
		if _, err := fmt.Fprintf(st.w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	if _, err := fmt.Fprint(st.w, "\n"); err != nil {
		return err
	}
	if st.flusher != nil {
		st.flusher.Flush()
	}
	return nil
}
