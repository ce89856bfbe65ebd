package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/MimeLyc/yt-subtitle-downloader/internal/jobs"
	"github.com/MimeLyc/yt-subtitle-downloader/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The frontend may be served from a different origin than the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type startCommand struct {
	Action  string `json:"action"`
	WatchID string `json:"watch_id"`
}

type wsFrame struct {
	Type     string        `json:"type"`
	Message  string        `json:"message,omitempty"`
	Text     string        `json:"text,omitempty"`
	Language string        `json:"language,omitempty"`
	Summary  *jobs.Summary `json:"summary,omitempty"`
}

// handleWebSocket serves Binding A: one persistent connection that accepts
// download commands and interleaves log/error/result frames for the job it
// started. One job at a time per connection; a second start while one is
// running is rejected. There is no resume on this binding: a dropped
// connection orphans observation while the job keeps running server-side.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("WebSocket upgrade failed: %v", err)
		return
	}

	session := newWSSession(s.registry, conn)
	session.serve()
}

type wsSession struct {
	registry *jobs.Registry
	conn     *websocket.Conn
	send     chan wsFrame
	closed   chan struct{}

	mu   sync.Mutex
	busy bool
}

func newWSSession(registry *jobs.Registry, conn *websocket.Conn) *wsSession {
	return &wsSession{
		registry: registry,
		conn:     conn,
		send:     make(chan wsFrame, 64),
		closed:   make(chan struct{}),
	}
}

func (s *wsSession) serve() {
	go s.writeLoop()
	defer func() {
		close(s.closed)
		_ = s.conn.Close()
	}()

	s.enqueue(wsFrame{Type: "log", Message: "WebSocket connected. Ready to download subtitles."})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd startCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.enqueue(wsFrame{Type: "error", Message: "invalid JSON payload"})
			continue
		}
		if cmd.Action != "download" {
			s.enqueue(wsFrame{Type: "error", Message: "unknown action"})
			continue
		}
		s.start(cmd.WatchID)
	}
}

// writeLoop is the single writer for the connection; gorilla connections
// do not allow concurrent writes.
func (s *wsSession) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.send:
			if err := s.conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) enqueue(frame wsFrame) {
	select {
	case s.send <- frame:
	case <-s.closed:
	}
}

func (s *wsSession) start(watchID string) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.enqueue(wsFrame{Type: "error", Message: "a download is already in progress on this connection"})
		return
	}
	s.busy = true
	s.mu.Unlock()

	id, err := s.registry.Create(watchID)
	if err != nil {
		s.setBusy(false)
		if errors.Is(err, jobs.ErrInvalidInput) {
			s.enqueue(wsFrame{Type: "error", Message: "Watch ID is required."})
			return
		}
		s.enqueue(wsFrame{Type: "error", Message: err.Error()})
		return
	}

	go s.stream(id)
}

// stream forwards one job's events to the connection until the terminal
// event, then frees the connection for another start command.
func (s *wsSession) stream(jobID string) {
	defer s.setBusy(false)

	ch, cancel, err := s.registry.Subscribe(jobID, 0)
	if err != nil {
		s.enqueue(wsFrame{Type: "error", Message: err.Error()})
		return
	}
	defer cancel()

	for {
		select {
		case <-s.closed:
			return
		case event, open := <-ch:
			if !open {
				return
			}
			switch event.Type {
			case jobs.EventLog:
				s.enqueue(wsFrame{Type: "log", Message: event.Message})
			case jobs.EventError:
				// Free the connection before the client sees the
				// terminal frame, so an immediate retry is not
				// rejected as still busy.
				s.setBusy(false)
				s.enqueue(wsFrame{Type: "error", Message: event.Message})
			case jobs.EventCompleted:
				result, rerr := s.registry.Result(jobID)
				s.setBusy(false)
				if rerr != nil {
					s.enqueue(wsFrame{Type: "error", Message: rerr.Error()})
					continue
				}
				summary := result.Summary
				s.enqueue(wsFrame{
					Type:     "result",
					Text:     result.Text,
					Language: result.Language,
					Summary:  &summary,
				})
			}
		}
	}
}

func (s *wsSession) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}
