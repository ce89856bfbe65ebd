package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/yt-subtitle-downloader/internal/jobs"
)

type fetchFunc func(ctx context.Context, watchID string, logf func(string)) (jobs.Result, error)

func (f fetchFunc) Fetch(ctx context.Context, watchID string, logf func(string)) (jobs.Result, error) {
	return f(ctx, watchID, logf)
}

func okFetcher(text string) fetchFunc {
	return func(_ context.Context, _ string, logf func(string)) (jobs.Result, error) {
		logf("downloading")
		return jobs.Result{
			Text:     text,
			Language: "en",
			Summary:  jobs.Summary{Beginning: text, Ending: text},
		}, nil
	}
}

func newTestServer(t *testing.T, fetch jobs.Fetcher) (*httptest.Server, *jobs.Registry) {
	t.Helper()
	registry := jobs.NewRegistry(fetch, nil, jobs.Options{})
	t.Cleanup(registry.Stop)

	srv := httptest.NewServer(NewServer(registry).Handler())
	t.Cleanup(srv.Close)
	return srv, registry
}

func createReservation(t *testing.T, srv *httptest.Server, watchID string) string {
	t.Helper()
	body, err := json.Marshal(map[string]string{"watch_id": watchID})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/reservation", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var ret struct {
		ReservationID string `json:"reservation_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ret))
	require.NotEmpty(t, ret.ReservationID)
	return ret.ReservationID
}

func waitForJobState(t *testing.T, registry *jobs.Registry, id string, want jobs.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := registry.Snapshot(id)
		return err == nil && job.State == want
	}, 2*time.Second, 10*time.Millisecond)
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Message
}

func TestServer_CreateReservation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, okFetcher("hello"))

	first := createReservation(t, srv, "abc123")
	second := createReservation(t, srv, "abc123")
	assert.NotEqual(t, first, second)
}

func TestServer_CreateReservation_BlankWatchID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, okFetcher("hello"))

	resp, err := http.Post(srv.URL+"/reservation", "application/json",
		bytes.NewReader([]byte(`{"watch_id": "  "}`)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "watch id is required", errorMessage(t, resp))
}

func TestServer_CreateReservation_InvalidBody(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, okFetcher("hello"))

	resp, err := http.Post(srv.URL+"/reservation", "application/json",
		bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CreateReservation_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, okFetcher("hello"))

	resp, err := http.Get(srv.URL + "/reservation")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Result_UnknownID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, okFetcher("hello"))

	resp, err := http.Get(srv.URL + "/result/nope")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Result_NotReady(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, fetchFunc(func(ctx context.Context, _ string, _ func(string)) (jobs.Result, error) {
		<-ctx.Done()
		return jobs.Result{}, ctx.Err()
	}))

	id := createReservation(t, srv, "abc123")

	resp, err := http.Get(srv.URL + "/result/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_Result_Completed(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t, okFetcher("hello world"))

	id := createReservation(t, srv, "abc123")
	waitForJobState(t, registry, id, jobs.StateCompleted)

	resp, err := http.Get(srv.URL + "/result/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Text     string `json:"text"`
		Language string `json:"language"`
		Summary  struct {
			Beginning string `json:"beginning"`
			Ending    string `json:"ending"`
		} `json:"summary"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "hello world", body.Text)
	assert.Equal(t, "en", body.Language)
	assert.Equal(t, "hello world", body.Summary.Beginning)
	assert.Equal(t, "hello world", body.Summary.Ending)
}

func TestServer_Result_FailedJob(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t, fetchFunc(func(_ context.Context, _ string, _ func(string)) (jobs.Result, error) {
		return jobs.Result{}, errors.New("no subtitles available")
	}))

	id := createReservation(t, srv, "abc123")
	waitForJobState(t, registry, id, jobs.StateFailed)

	resp, err := http.Get(srv.URL + "/result/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, errorMessage(t, resp), "no subtitles available")
}

func TestServer_CancelReservation(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t, fetchFunc(func(ctx context.Context, _ string, _ func(string)) (jobs.Result, error) {
		<-ctx.Done()
		return jobs.Result{}, ctx.Err()
	}))

	id := createReservation(t, srv, "abc123")

	resp, err := http.Post(srv.URL+"/reservation/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	waitForJobState(t, registry, id, jobs.StateFailed)
	job, err := registry.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", job.Failure)
}

func TestServer_CancelReservation_UnknownID(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, okFetcher("hello"))

	resp, err := http.Post(srv.URL+"/reservation/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ListJobs(t *testing.T) {
	t.Parallel()

	srv, registry := newTestServer(t, okFetcher("hello"))

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		ids = append(ids, createReservation(t, srv, fmt.Sprintf("watch-%d", i)))
	}
	for _, id := range ids {
		waitForJobState(t, registry, id, jobs.StateCompleted)
	}

	resp, err := http.Get(srv.URL + "/api/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []jobs.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 3)
	for i, job := range listed {
		assert.Equal(t, ids[i], job.ID)
		assert.Equal(t, jobs.StateCompleted, job.State)
	}
}

func TestServer_Static_DisabledByDefault(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, okFetcher("hello"))

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
