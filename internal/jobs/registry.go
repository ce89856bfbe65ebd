package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/MimeLyc/yt-subtitle-downloader/pkg/log"
)

// Fetcher is the external subtitle fetch/normalize collaborator. It reports
// progress through logf and returns the normalized result or an error.
type Fetcher interface {
	Fetch(ctx context.Context, watchID string, logf func(string)) (Result, error)
}

// Options tunes job lifecycle handling.
type Options struct {
	// Timeout bounds how long a job may stay running before it fails.
	// The clock starts at creation, so time spent queued for a fetch
	// slot counts against it.
	Timeout time.Duration
	// Retention is how long terminal jobs stay in the registry.
	Retention time.Duration
	// RetrievedGrace is the shorter retention applied once a result
	// has been fetched.
	RetrievedGrace time.Duration
	// MaxConcurrent bounds how many fetches run at once.
	MaxConcurrent int64
}

func (o *Options) applyDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 15 * time.Minute
	}
	if o.RetrievedGrace <= 0 {
		o.RetrievedGrace = time.Minute
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 2
	}
}

type tracked struct {
	job         *Job
	events      *eventLog
	cancel      context.CancelFunc
	retrieved   bool
	retrievedAt time.Time
}

// Registry owns every job's state machine and multiplexes progress to
// whatever transport is attached. Each job has exactly one background task
// driving its transitions; the registry lock only guards the id lookup.
type Registry struct {
	fetch Fetcher
	store Store
	opts  Options
	sem   *semaphore.Weighted

	mu   sync.Mutex
	jobs map[string]*tracked
	wg   sync.WaitGroup
}

func NewRegistry(fetch Fetcher, store Store, opts Options) *Registry {
	opts.applyDefaults()
	r := &Registry{
		fetch: fetch,
		store: store,
		opts:  opts,
		sem:   semaphore.NewWeighted(opts.MaxConcurrent),
		jobs:  make(map[string]*tracked),
	}
	r.hydrateFromStore(context.Background())
	return r
}

// Create allocates a job for the given watch id and schedules its
// background fetch. It never blocks on the fetch itself.
func (r *Registry) Create(watchID string) (string, error) {
	trimmed := strings.TrimSpace(watchID)
	if trimmed == "" {
		return "", ErrInvalidInput
	}

	now := time.Now()
	id := uuid.NewString()
	job := &Job{
		ID:        id,
		WatchID:   trimmed,
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
	t := &tracked{
		job:    job,
		events: newEventLog(),
		cancel: cancel,
	}

	r.mu.Lock()
	job.State = StateRunning
	r.jobs[id] = t
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx, id, trimmed)

	return id, nil
}

// run is the single writer for one job. All transitions for the job happen
// here, so complete/fail never race each other.
func (r *Registry) run(ctx context.Context, id, watchID string) {
	defer r.wg.Done()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.failFromContext(id, ctx)
		return
	}
	defer r.sem.Release(1)

	result, err := r.fetch.Fetch(ctx, watchID, func(message string) {
		r.AppendLog(id, message)
	})
	if err != nil {
		if ctx.Err() != nil {
			r.failFromContext(id, ctx)
			return
		}
		if ferr := r.Fail(id, err.Error()); ferr != nil && !errors.Is(ferr, ErrInvalidTransition) {
			log.Error("Failed to fail job %s: %v", id, ferr)
		}
		return
	}

	if cerr := r.Complete(id, result); cerr != nil && !errors.Is(cerr, ErrInvalidTransition) {
		log.Error("Failed to complete job %s: %v", id, cerr)
	}
}

func (r *Registry) failFromContext(id string, ctx context.Context) {
	reason := "cancelled"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = fmt.Sprintf("timed out after %s", r.opts.Timeout)
	}
	if err := r.Fail(id, reason); err != nil && !errors.Is(err, ErrInvalidTransition) {
		log.Error("Failed to fail job %s: %v", id, err)
	}
}

// AppendLog records one progress line. Late progress against a terminal or
// unknown job is dropped silently.
func (r *Registry) AppendLog(id, message string) {
	r.mu.Lock()
	t, ok := r.jobs[id]
	if !ok || t.job.State.Terminal() {
		r.mu.Unlock()
		return
	}
	t.job.Log = append(t.job.Log, LogEntry{Timestamp: time.Now().UTC(), Message: message})
	t.job.UpdatedAt = time.Now()
	r.mu.Unlock()

	t.events.publish(EventLog, message)
}

// Complete transitions running -> completed. Repeat calls against a
// terminal job are no-ops reported as ErrInvalidTransition.
func (r *Registry) Complete(id string, result Result) error {
	r.mu.Lock()
	t, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if t.job.State.Terminal() {
		r.mu.Unlock()
		log.Warn("Ignoring complete for terminal job %s", id)
		return ErrInvalidTransition
	}
	t.job.State = StateCompleted
	t.job.Result = &result
	t.job.Failure = ""
	t.job.UpdatedAt = time.Now()
	t.cancel()
	snapshot := cloneJob(t.job)
	r.mu.Unlock()

	t.events.publish(EventCompleted, "")
	r.persistJob(snapshot)
	return nil
}

// Fail transitions running -> failed with a human-readable reason.
func (r *Registry) Fail(id, reason string) error {
	r.mu.Lock()
	t, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if t.job.State.Terminal() {
		r.mu.Unlock()
		log.Warn("Ignoring fail for terminal job %s", id)
		return ErrInvalidTransition
	}
	t.job.State = StateFailed
	t.job.Failure = reason
	t.job.UpdatedAt = time.Now()
	t.cancel()
	snapshot := cloneJob(t.job)
	r.mu.Unlock()

	t.events.publish(EventError, reason)
	r.persistJob(snapshot)
	return nil
}

// Cancel signals a running job's task to stop. The task resolves the job
// to failed("cancelled"). Cancelling a terminal job is a no-op.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	t, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if t.job.State.Terminal() {
		r.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	r.mu.Unlock()

	cancel()
	return nil
}

// Snapshot returns a read-only copy of the job.
func (r *Registry) Snapshot(id string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(t.job), nil
}

// List returns snapshots of all tracked jobs, oldest first.
func (r *Registry) List() []*Job {
	r.mu.Lock()
	ret := make([]*Job, 0, len(r.jobs))
	for _, t := range r.jobs {
		ret = append(ret, cloneJob(t.job))
	}
	r.mu.Unlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// Result returns the completed job's result. The read is idempotent; the
// first successful read marks the job retrieved for faster eviction.
func (r *Registry) Result(id string) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.jobs[id]
	if !ok {
		return Result{}, ErrNotFound
	}
	switch t.job.State {
	case StateCompleted:
		if !t.retrieved {
			t.retrieved = true
			t.retrievedAt = time.Now()
		}
		return *t.job.Result, nil
	case StateFailed:
		return Result{}, fmt.Errorf("%w: %s", ErrFailed, t.job.Failure)
	default:
		return Result{}, ErrNotReady
	}
}

// Subscribe attaches an observer to the job's event stream, replaying
// buffered events with sequence greater than afterSeq first. The channel
// closes after the terminal event; cancel detaches early.
func (r *Registry) Subscribe(id string, afterSeq int64) (<-chan Event, func(), error) {
	r.mu.Lock()
	t, ok := r.jobs[id]
	r.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	ch, cancel := t.events.subscribe(afterSeq)
	return ch, cancel, nil
}

// SweepExpired evicts terminal jobs whose retention has elapsed. Eviction
// holds the registry lock, so it cannot race an in-flight Result read.
func (r *Registry) SweepExpired(now time.Time) int {
	r.mu.Lock()
	expired := make([]string, 0)
	for id, t := range r.jobs {
		if !t.job.State.Terminal() {
			continue
		}
		if t.retrieved && now.Sub(t.retrievedAt) > r.opts.RetrievedGrace {
			expired = append(expired, id)
			continue
		}
		if now.Sub(t.job.UpdatedAt) > r.opts.Retention {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.jobs, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.deleteFromStore(id)
	}
	if len(expired) > 0 {
		log.Info("Swept %d expired job(s)", len(expired))
	}
	return len(expired)
}

// Stop cancels every running job and waits for their tasks to resolve.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.jobs))
	for _, t := range r.jobs {
		cancels = append(cancels, t.cancel)
	}
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	r.wg.Wait()
}

func (r *Registry) hydrateFromStore(ctx context.Context) {
	if r.store == nil {
		return
	}
	loaded, err := r.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	r.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" || !raw.State.Terminal() {
			// Non-terminal rows cannot be resumed; their background
			// task died with the previous process.
			continue
		}
		job := cloneJob(raw)
		r.jobs[job.ID] = &tracked{
			job:    job,
			events: rebuildEventLog(job),
			cancel: func() {},
		}
	}
	r.mu.Unlock()
}

// rebuildEventLog reconstructs a terminal job's event stream from its
// persisted log entries so replay works across restarts.
func rebuildEventLog(job *Job) *eventLog {
	l := newEventLog()
	seq := int64(0)
	for _, entry := range job.Log {
		seq++
		l.events = append(l.events, Event{
			Seq:       seq,
			Type:      EventLog,
			Message:   entry.Message,
			Timestamp: entry.Timestamp,
		})
	}
	seq++
	terminal := Event{Seq: seq, Type: EventCompleted, Timestamp: job.UpdatedAt}
	if job.State == StateFailed {
		terminal.Type = EventError
		terminal.Message = job.Failure
	}
	l.events = append(l.events, terminal)
	l.closed = true
	return l
}

func (r *Registry) persistJob(job *Job) {
	if r.store == nil || job == nil {
		return
	}
	if err := r.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func (r *Registry) deleteFromStore(id string) {
	if r.store == nil {
		return
	}
	if err := r.store.DeleteJob(context.Background(), id); err != nil {
		log.Error("Failed to delete job %s from store: %v", id, err)
	}
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.Log = append([]LogEntry(nil), job.Log...)
	if job.Result != nil {
		res := *job.Result
		tmp.Result = &res
	}
	return &tmp
}
