// Package client drives one subtitle-download request cycle against the
// server, over either transport binding. A Session allows one request in
// flight at a time and guarantees the busy state ends on every exit path:
// success, job error, transport failure, or cancellation.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBusy is returned when a request is started while another is in flight.
var ErrBusy = errors.New("a request is already in flight")

// ErrJobFailed wraps the server-reported failure message of a job.
var ErrJobFailed = errors.New("job failed")

// Summary mirrors the wire summary object.
type Summary struct {
	Beginning string `json:"beginning"`
	Ending    string `json:"ending"`
}

// Result mirrors the wire result object.
type Result struct {
	Text     string   `json:"text"`
	Language string   `json:"language"`
	Summary  *Summary `json:"summary,omitempty"`
}

// Callbacks receive streamed progress and the terminal outcome. Any of
// them may be nil.
type Callbacks struct {
	OnLog    func(message string)
	OnResult func(result Result)
	OnError  func(message string)
}

func (c Callbacks) log(message string) {
	if c.OnLog != nil {
		c.OnLog(message)
	}
}

func (c Callbacks) result(result Result) {
	if c.OnResult != nil {
		c.OnResult(result)
	}
}

func (c Callbacks) fail(message string) {
	if c.OnError != nil {
		c.OnError(message)
	}
}

type Session struct {
	baseURL      string
	httpc        *http.Client
	dialer       *websocket.Dialer
	pollInterval time.Duration

	mu   sync.Mutex
	busy bool
}

type Option func(*Session)

// WithHTTPClient overrides the HTTP client used for Binding B calls.
func WithHTTPClient(httpc *http.Client) Option {
	return func(s *Session) {
		s.httpc = httpc
	}
}

// WithPollInterval tunes the result-polling fallback after a stream drop.
func WithPollInterval(interval time.Duration) Option {
	return func(s *Session) {
		s.pollInterval = interval
	}
}

func NewSession(baseURL string, opts ...Option) *Session {
	s := &Session{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpc:        http.DefaultClient,
		dialer:       websocket.DefaultDialer,
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Busy reports whether a request is currently in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrBusy
	}
	s.busy = true
	return nil
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// DownloadSocket runs one request over Binding A (websocket). It returns
// after the terminal frame; the error mirrors what OnError received.
func (s *Session) DownloadSocket(ctx context.Context, watchID string, cb Callbacks) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	conn, _, err := s.dialer.DialContext(ctx, socketURL(s.baseURL)+"/ws", nil)
	if err != nil {
		cb.fail("could not connect to the server")
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	start := map[string]string{"action": "download", "watch_id": watchID}
	if err := conn.WriteJSON(start); err != nil {
		cb.fail("connection lost")
		return err
	}

	for {
		var frame struct {
			Type     string   `json:"type"`
			Message  string   `json:"message"`
			Text     string   `json:"text"`
			Language string   `json:"language"`
			Summary  *Summary `json:"summary"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				cb.fail("request cancelled")
				return ctx.Err()
			}
			cb.fail("connection lost")
			return err
		}

		switch frame.Type {
		case "log":
			cb.log(frame.Message)
		case "error":
			cb.fail(frame.Message)
			return fmt.Errorf("%w: %s", ErrJobFailed, frame.Message)
		case "result":
			cb.result(Result{Text: frame.Text, Language: frame.Language, Summary: frame.Summary})
			return nil
		}
	}
}

// DownloadStream runs one request over Binding B: create a reservation,
// follow its event stream, and fetch the result once completed. A dropped
// event stream degrades to polling the result endpoint instead of failing
// the whole request.
func (s *Session) DownloadStream(ctx context.Context, watchID string, cb Callbacks) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	id, err := s.createReservation(ctx, watchID)
	if err != nil {
		cb.fail(err.Error())
		return err
	}

	outcome, err := s.followEvents(ctx, id, cb)
	if err != nil {
		// Stream transport failure: the job may still finish, so poll.
		cb.log("event stream lost, polling for the result...")
		outcome, err = s.pollOutcome(ctx, id)
		if err != nil {
			cb.fail(err.Error())
			return err
		}
	}

	if outcome.failed {
		cb.fail(outcome.failure)
		return fmt.Errorf("%w: %s", ErrJobFailed, outcome.failure)
	}

	result, err := s.fetchResult(ctx, id)
	if err != nil {
		cb.fail(err.Error())
		return err
	}
	cb.result(result)
	return nil
}

type outcome struct {
	failed  bool
	failure string
}

func (s *Session) createReservation(ctx context.Context, watchID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"watch_id": watchID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/reservation", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", errors.New(errorMessage(resp))
	}
	var ret struct {
		ReservationID string `json:"reservation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ret); err != nil {
		return "", err
	}
	return ret.ReservationID, nil
}

// followEvents consumes the SSE stream until the terminal event. The
// returned error is non-nil only for transport-level failures.
func (s *Session) followEvents(ctx context.Context, id string, cb Callbacks) (outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/events/"+id, nil)
	if err != nil {
		return outcome{}, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return outcome{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return outcome{}, errors.New(errorMessage(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventName, data string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			switch eventName {
			case "log":
				cb.log(messageOf(data))
			case "error":
				return outcome{failed: true, failure: messageOf(data)}, nil
			case "completed":
				return outcome{}, nil
			}
			eventName, data = "", ""
			continue
		}
		if after, ok := strings.CutPrefix(line, "event: "); ok {
			eventName = after
		} else if after, ok := strings.CutPrefix(line, "data: "); ok {
			data = after
		}
	}
	if err := scanner.Err(); err != nil {
		return outcome{}, err
	}
	return outcome{}, errors.New("event stream ended without a terminal event")
}

// pollOutcome re-derives the job's final state via the result endpoint.
func (s *Session) pollOutcome(ctx context.Context, id string) (outcome, error) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return outcome{}, ctx.Err()
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/result/"+id, nil)
			if err != nil {
				return outcome{}, err
			}
			resp, err := s.httpc.Do(req)
			if err != nil {
				return outcome{}, err
			}
			switch resp.StatusCode {
			case http.StatusConflict:
				resp.Body.Close()
				continue
			case http.StatusOK:
				resp.Body.Close()
				return outcome{}, nil
			case http.StatusBadGateway:
				msg := errorMessage(resp)
				resp.Body.Close()
				return outcome{failed: true, failure: msg}, nil
			default:
				msg := errorMessage(resp)
				resp.Body.Close()
				return outcome{}, errors.New(msg)
			}
		}
	}
}

func (s *Session) fetchResult(ctx context.Context, id string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/result/"+id, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, errors.New(errorMessage(resp))
	}
	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func errorMessage(resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Message != "" {
		return body.Message
	}
	return "unexpected server response: " + resp.Status
}

func messageOf(data string) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(data), &body); err == nil {
		return body.Message
	}
	return data
}

func socketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
