package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opreg/opreg/internal/logger"
)

func (s *ControlServer) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	entries := []logger.LogEntry{}
	if s.logs != nil {
		entries = s.logs.Entries()
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// handleStreamLogs pushes new log entries as server-sent events until the
// client goes away.
func (s *ControlServer) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "Log streaming is not enabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.logs.Subscribe()
	defer s.logs.Unsubscribe(ch)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case entry := <-ch:
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
