package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fetchFunc func(ctx context.Context, watchID string, logf func(string)) (Result, error)

func (f fetchFunc) Fetch(ctx context.Context, watchID string, logf func(string)) (Result, error) {
	return f(ctx, watchID, logf)
}

func blockingFetcher() fetchFunc {
	return func(ctx context.Context, _ string, _ func(string)) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
}

func waitForState(t *testing.T, r *Registry, id string, want State) *Job {
	t.Helper()
	var got *Job
	require.Eventually(t, func() bool {
		snapshot, err := r.Snapshot(id)
		if err != nil {
			return false
		}
		got = snapshot
		return got.State == want
	}, 2*time.Second, 10*time.Millisecond)
	return got
}

func TestRegistry_Create_RejectsBlankWatchID(t *testing.T) {
	t.Parallel()

	r := NewRegistry(blockingFetcher(), nil, Options{})
	defer r.Stop()

	_, err := r.Create("   ")
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.Empty(t, r.List())
}

func TestRegistry_Create_AssignsUniqueIDsForSameWatchID(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, _ func(string)) (Result, error) {
		calls.Add(1)
		return Result{Text: "ok"}, nil
	}), nil, Options{})
	defer r.Stop()

	first, err := r.Create("dQw4w9WgXcQ")
	require.NoError(t, err)
	second, err := r.Create("dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	waitForState(t, r, first, StateCompleted)
	waitForState(t, r, second, StateCompleted)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRegistry_EventStream_LogsThenSingleTerminal(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, logf func(string)) (Result, error) {
		logf("probing")
		logf("downloading")
		return Result{Text: "hello world", Language: "en"}, nil
	}), nil, Options{})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)

	ch, cancel, err := r.Subscribe(id, 0)
	require.NoError(t, err)
	defer cancel()

	var events []Event
	for event := range ch {
		events = append(events, event)
	}

	require.Len(t, events, 3)
	for i, event := range events {
		assert.EqualValues(t, i+1, event.Seq)
	}
	assert.Equal(t, EventLog, events[0].Type)
	assert.Equal(t, "probing", events[0].Message)
	assert.Equal(t, EventLog, events[1].Type)
	assert.Equal(t, "downloading", events[1].Message)
	assert.Equal(t, EventCompleted, events[2].Type)
}

func TestRegistry_Subscribe_ReplaysFromOffset(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, logf func(string)) (Result, error) {
		logf("one")
		logf("two")
		return Result{Text: "ok"}, nil
	}), nil, Options{})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)
	waitForState(t, r, id, StateCompleted)

	ch, cancel, err := r.Subscribe(id, 1)
	require.NoError(t, err)
	defer cancel()

	var events []Event
	for event := range ch {
		events = append(events, event)
	}

	require.Len(t, events, 2)
	assert.EqualValues(t, 2, events[0].Seq)
	assert.Equal(t, "two", events[0].Message)
	assert.Equal(t, EventCompleted, events[1].Type)
}

func TestRegistry_Subscribe_UnknownJob(t *testing.T) {
	t.Parallel()

	r := NewRegistry(blockingFetcher(), nil, Options{})
	defer r.Stop()

	_, _, err := r.Subscribe("missing", 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_Result_Lifecycle(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	r := NewRegistry(fetchFunc(func(ctx context.Context, _ string, _ func(string)) (Result, error) {
		select {
		case <-release:
			return Result{Text: "body", Language: "en"}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}), nil, Options{})
	defer r.Stop()

	_, err := r.Result("missing")
	require.ErrorIs(t, err, ErrNotFound)

	id, err := r.Create("abc123")
	require.NoError(t, err)

	_, err = r.Result(id)
	require.ErrorIs(t, err, ErrNotReady)

	close(release)
	waitForState(t, r, id, StateCompleted)

	first, err := r.Result(id)
	require.NoError(t, err)
	second, err := r.Result(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "body", first.Text)
	assert.Equal(t, "en", first.Language)
}

func TestRegistry_Result_FailedJobCarriesReason(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, _ func(string)) (Result, error) {
		return Result{}, errors.New("no subtitles available")
	}), nil, Options{})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)
	job := waitForState(t, r, id, StateFailed)
	assert.Equal(t, "no subtitles available", job.Failure)

	_, err = r.Result(id)
	require.ErrorIs(t, err, ErrFailed)
	assert.Contains(t, err.Error(), "no subtitles available")
}

func TestRegistry_Cancel_ResolvesToFailed(t *testing.T) {
	t.Parallel()

	r := NewRegistry(blockingFetcher(), nil, Options{})
	defer r.Stop()

	require.ErrorIs(t, r.Cancel("missing"), ErrNotFound)

	id, err := r.Create("abc123")
	require.NoError(t, err)
	require.NoError(t, r.Cancel(id))

	job := waitForState(t, r, id, StateFailed)
	assert.Equal(t, "cancelled", job.Failure)

	// Cancelling a terminal job is a no-op.
	require.NoError(t, r.Cancel(id))
	again, err := r.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, again.State)
	assert.Equal(t, "cancelled", again.Failure)
}

func TestRegistry_Timeout_FailsWithReason(t *testing.T) {
	t.Parallel()

	r := NewRegistry(blockingFetcher(), nil, Options{Timeout: 50 * time.Millisecond})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)

	job := waitForState(t, r, id, StateFailed)
	assert.Contains(t, job.Failure, "timed out after")
}

func TestRegistry_Timeout_CountsQueuedTime(t *testing.T) {
	t.Parallel()

	r := NewRegistry(blockingFetcher(), nil, Options{
		Timeout:       100 * time.Millisecond,
		MaxConcurrent: 1,
	})
	defer r.Stop()

	first, err := r.Create("abc123")
	require.NoError(t, err)
	// The second job never gets a fetch slot; its deadline still runs.
	second, err := r.Create("def456")
	require.NoError(t, err)

	job := waitForState(t, r, second, StateFailed)
	assert.Contains(t, job.Failure, "timed out after")
	assert.Empty(t, job.Log)

	job = waitForState(t, r, first, StateFailed)
	assert.Contains(t, job.Failure, "timed out after")
}

func TestRegistry_TerminalStateIsSticky(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, _ func(string)) (Result, error) {
		return Result{Text: "ok"}, nil
	}), nil, Options{})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)
	waitForState(t, r, id, StateCompleted)

	require.ErrorIs(t, r.Fail(id, "late failure"), ErrInvalidTransition)
	require.ErrorIs(t, r.Complete(id, Result{Text: "other"}), ErrInvalidTransition)

	job, err := r.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, job.State)
	require.NotNil(t, job.Result)
	assert.Equal(t, "ok", job.Result.Text)
}

func TestRegistry_AppendLog_DropsAfterTerminal(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, _ func(string)) (Result, error) {
		return Result{Text: "ok"}, nil
	}), nil, Options{})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)
	waitForState(t, r, id, StateCompleted)

	r.AppendLog(id, "too late")
	job, err := r.Snapshot(id)
	require.NoError(t, err)
	assert.Empty(t, job.Log)
}

func TestRegistry_SweepExpired(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, _ func(string)) (Result, error) {
		return Result{Text: "ok"}, nil
	}), nil, Options{Retention: 10 * time.Minute, RetrievedGrace: time.Minute})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)
	waitForState(t, r, id, StateCompleted)

	assert.Zero(t, r.SweepExpired(time.Now()))

	_, err = r.Snapshot(id)
	require.NoError(t, err)

	assert.Equal(t, 1, r.SweepExpired(time.Now().Add(11*time.Minute)))
	_, err = r.Snapshot(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SweepExpired_RetrievedGrace(t *testing.T) {
	t.Parallel()

	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, _ func(string)) (Result, error) {
		return Result{Text: "ok"}, nil
	}), nil, Options{Retention: time.Hour, RetrievedGrace: time.Minute})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)
	waitForState(t, r, id, StateCompleted)

	_, err = r.Result(id)
	require.NoError(t, err)

	assert.Zero(t, r.SweepExpired(time.Now()))
	assert.Equal(t, 1, r.SweepExpired(time.Now().Add(2*time.Minute)))
	_, err = r.Result(id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistry_SweepExpired_KeepsRunningJobs(t *testing.T) {
	t.Parallel()

	r := NewRegistry(blockingFetcher(), nil, Options{Retention: time.Nanosecond})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)

	assert.Zero(t, r.SweepExpired(time.Now().Add(time.Hour)))
	_, err = r.Snapshot(id)
	require.NoError(t, err)
}

func TestRegistry_List_SortsByCreation(t *testing.T) {
	t.Parallel()

	r := NewRegistry(blockingFetcher(), nil, Options{})
	defer r.Stop()

	first, err := r.Create("first")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := r.Create("second")
	require.NoError(t, err)

	all := r.List()
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].ID)
	assert.Equal(t, second, all[1].ID)
}

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*Job)}
}

func (s *memoryStore) LoadJobs(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		ret = append(ret, job)
	}
	return ret, nil
}

func (s *memoryStore) UpsertJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *memoryStore) get(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

func TestRegistry_HydratesTerminalJobsFromStore(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	store.jobs["done"] = &Job{
		ID:      "done",
		WatchID: "abc123",
		State:   StateCompleted,
		Log: []LogEntry{
			{Timestamp: time.Now().UTC(), Message: "downloading"},
		},
		Result:    &Result{Text: "body", Language: "en"},
		CreatedAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now(),
	}
	store.jobs["half"] = &Job{ID: "half", WatchID: "abc123", State: StateRunning}

	r := NewRegistry(blockingFetcher(), store, Options{})
	defer r.Stop()

	// Only terminal rows are resumed.
	all := r.List()
	require.Len(t, all, 1)
	assert.Equal(t, "done", all[0].ID)

	result, err := r.Result("done")
	require.NoError(t, err)
	assert.Equal(t, "body", result.Text)

	ch, cancel, err := r.Subscribe("done", 0)
	require.NoError(t, err)
	defer cancel()

	var events []Event
	for event := range ch {
		events = append(events, event)
	}
	require.Len(t, events, 2)
	assert.Equal(t, EventLog, events[0].Type)
	assert.Equal(t, "downloading", events[0].Message)
	assert.Equal(t, EventCompleted, events[1].Type)
}

func TestRegistry_PersistsTerminalJobs(t *testing.T) {
	t.Parallel()

	store := newMemoryStore()
	r := NewRegistry(fetchFunc(func(_ context.Context, _ string, _ func(string)) (Result, error) {
		return Result{Text: "ok"}, nil
	}), store, Options{Retention: time.Minute})
	defer r.Stop()

	id, err := r.Create("abc123")
	require.NoError(t, err)
	waitForState(t, r, id, StateCompleted)

	require.Eventually(t, func() bool {
		_, ok := store.get(id)
		return ok
	}, time.Second, 10*time.Millisecond)

	r.SweepExpired(time.Now().Add(time.Hour))
	_, ok := store.get(id)
	assert.False(t, ok)
}
