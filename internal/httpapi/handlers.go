package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/MimeLyc/yt-subtitle-downloader/internal/jobs"
)

type createReservationRequest struct {
	WatchID string `json:"watch_id"`
}

type createReservationResponse struct {
	ReservationID string `json:"reservation_id"`
}

type resultResponse struct {
	Text     string       `json:"text"`
	Language string       `json:"language"`
	Summary  jobs.Summary `json:"summary"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	id, err := s.registry.Create(req.WatchID)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, createReservationResponse{ReservationID: id})
}

// handleCancelReservation serves POST /reservation/{id}/cancel.
func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/reservation/")
	id := strings.TrimSuffix(rest, "/cancel")
	if id == rest || id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	if err := s.registry.Cancel(id); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/result/"), "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing reservation id")
		return
	}

	result, err := s.registry.Result(id)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, jobs.ErrNotReady):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, jobs.ErrFailed):
			writeError(w, http.StatusBadGateway, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, resultResponse{
		Text:     result.Text,
		Language: result.Language,
		Summary:  result.Summary,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"message": msg,
	})
}
