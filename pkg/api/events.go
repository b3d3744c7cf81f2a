package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wobcom/vicky/pkg/apperr"
	"github.com/wobcom/vicky/pkg/types"
)

// sseHeaders sets the headers every SSE endpoint needs before the first
// flush.
func sseHeaders(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// handleGlobalEvents streams every events.Event published by the
// scheduler: it ranges the subscriber channel until the client
// disconnects.
func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := sseHeaders(w)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "streaming unsupported by response writer"))
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeSSE(w, flusher, string(data))
		}
	}
}

// handleStreamLogs streams a task's log lines, branching on its current
// status: NEW yields nothing and closes, RUNNING replays the hot buffer
// then tails new lines, FINISHED reads the archived object then idles
// until the client disconnects.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := sseHeaders(w)
	if !ok {
		writeError(w, apperr.New(apperr.KindInternal, "streaming unsupported by response writer"))
		return
	}

	switch task.Status {
	case types.TaskNew, types.TaskNeedsUserValidation:
		return
	case types.TaskRunning:
		s.streamRunningLogs(w, r, flusher, id)
	case types.TaskFinished:
		s.streamFinishedLogs(w, r, flusher, id)
	}
}

func (s *Server) streamRunningLogs(w http.ResponseWriter, r *http.Request, flusher http.Flusher, id string) {
	for _, line := range s.logs.GetLogs(id) {
		writeSSE(w, flusher, line)
	}

	sub := s.logs.Subscribe()
	defer s.logs.Unsubscribe(sub)

	for {
		select {
		case <-r.Context().Done():
			return
		case line, open := <-sub.Lines():
			if !open {
				return
			}
			if line.TaskID() != id {
				continue
			}
			writeSSE(w, flusher, line.Text())
		}
	}
}

func (s *Server) streamFinishedLogs(w http.ResponseWriter, r *http.Request, flusher http.Flusher, id string) {
	lines, err := s.objects.GetLogs(r.Context(), id)
	if err != nil {
		return
	}
	for _, line := range lines {
		writeSSE(w, flusher, line)
	}
	<-r.Context().Done()
}
