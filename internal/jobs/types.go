package jobs

import "time"

type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Summary holds the beginning and ending excerpt of the subtitle text.
type Summary struct {
	Beginning string `json:"beginning"`
	Ending    string `json:"ending"`
}

// Result is the normalized output of a completed job.
type Result struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Summary  Summary `json:"summary"`
}

// LogEntry is one timestamped progress line.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// Job is one subtitle-fetch request and its lifecycle state.
type Job struct {
	ID        string     `json:"id"`
	WatchID   string     `json:"watch_id"`
	State     State      `json:"state"`
	Log       []LogEntry `json:"log,omitempty"`
	Result    *Result    `json:"result,omitempty"`
	Failure   string     `json:"failure,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type EventType string

const (
	EventLog       EventType = "log"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// Event is one sequenced entry in a job's observable stream. Seq is
// monotonic per job starting at 1, so observers can resume from an offset.
type Event struct {
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventError
}
