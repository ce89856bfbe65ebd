package jobs

import "errors"

// ErrInvalidInput is returned when the watch id is empty after trimming.
var ErrInvalidInput = errors.New("watch id is required")

// ErrNotFound is returned for an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrNotReady is returned when a result is requested before completion.
var ErrNotReady = errors.New("job is not completed yet")

// ErrFailed is returned when a result is requested for a failed job.
var ErrFailed = errors.New("job failed")

// ErrInvalidTransition is reported internally when a terminal job is
// asked to transition again. Never surfaced to callers.
var ErrInvalidTransition = errors.New("job is already terminal")
