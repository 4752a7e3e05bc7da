// Package dispatch implements the task-distribution engine: a fixed
// pool of workers pulling conversion jobs from a FIFO queue, with
// per-job timeouts, worker fault isolation and exactly-once terminal
// result delivery.
package dispatch

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/imgarr/internal/imaging"
)

// JobID is a unique identifier for a conversion job.
type JobID string

// String implements fmt.Stringer.
func (j JobID) String() string {
	return string(j)
}

// NewJobID returns a fresh sortable job identifier.
func NewJobID() JobID {
	return JobID(ulid.Make().String())
}

// JobState represents the lifecycle state of a job.
type JobState int

const (
	// JobStatePending means the job sits in the queue, not yet taken
	// by a worker. Jobs are never pre-assigned; the next free worker
	// pulls the head of the queue.
	JobStatePending JobState = iota
	// JobStateDispatched means a worker is processing the job.
	JobStateDispatched
	JobStateCompleted
	JobStateFailed
	// JobStateTimedOut means the job exceeded its processing deadline
	// and was abandoned. The worker running it is not killed; its
	// eventual reply is discarded.
	JobStateTimedOut
)

// String returns a human-readable state name.
func (s JobState) String() string {
	switch s {
	case JobStatePending:
		return "pending"
	case JobStateDispatched:
		return "dispatched"
	case JobStateCompleted:
		return "completed"
	case JobStateFailed:
		return "failed"
	case JobStateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the job is in a terminal state.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateTimedOut
}

// IsActive returns true if a worker currently holds the job.
func (s JobState) IsActive() bool {
	return s == JobStateDispatched
}

// Job is one unit of conversion work.
type Job struct {
	ID         JobID                    `json:"id"`
	InputPath  string                   `json:"input_path"`
	OutputPath string                   `json:"output_path"`
	Options    imaging.TransformOptions `json:"options"`
	EnqueuedAt time.Time                `json:"enqueued_at"`
}

// NewJob builds a job with a fresh ID.
func NewJob(inputPath, outputPath string, opts imaging.TransformOptions) *Job {
	return &Job{
		ID:         NewJobID(),
		InputPath:  inputPath,
		OutputPath: outputPath,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}
}

// Outcome is what a processor reports for a successfully converted job.
type Outcome struct {
	OutputPath  string `json:"output_path"`
	InputBytes  int64  `json:"input_bytes"`
	OutputBytes int64  `json:"output_bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	Channels    int    `json:"channels"`
}

// Result is the single terminal report for a job. Every submitted job
// produces exactly one Result on the pool's results channel.
type Result struct {
	JobID    JobID         `json:"job_id"`
	Job      *Job          `json:"-"`
	State    JobState      `json:"state"`
	Err      error         `json:"-"`
	Outcome  *Outcome      `json:"outcome,omitempty"`
	Duration time.Duration `json:"duration"`
	WorkerID int           `json:"worker_id"`
}
