package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MimeLyc/yt-subtitle-downloader/internal/jobs"
)

// handleEventStream serves GET /events/{id} as a server-sent event stream.
// Events are named log/error/completed and carry the job's per-event
// sequence number as the SSE id, so Last-Event-ID (or ?after=) resumes a
// dropped stream without gaps or duplicates. The terminal event is always
// the last one before the stream closes.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/events/"), "/")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	afterSeq := resumeOffset(r)
	ch, cancel, err := s.registry.Subscribe(id, afterSeq)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			// Unknown ids surface as a stream-level error event, then close.
			writeEvent(w, 0, jobs.EventError, "unknown reservation id")
			flusher.Flush()
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			writeEvent(w, event.Seq, event.Type, event.Message)
			flusher.Flush()
		}
	}
}

func resumeOffset(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

func writeEvent(w http.ResponseWriter, seq int64, eventType jobs.EventType, message string) {
	payload := []byte("{}")
	if eventType != jobs.EventCompleted {
		payload, _ = json.Marshal(map[string]string{"message": message})
	}
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, payload)
}
