package model

import "time"

// JobStatus is the closed set of job lifecycle states.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobPending:
		return "PENDING"
	case JobRunning:
		return "RUNNING"
	case JobCompleted:
		return "COMPLETED"
	case JobFailed:
		return "FAILED"
	case JobCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition out of s is ever legal.
// A FAILED job with remaining retry budget is not terminal; the coordinator
// checks the budget before re-queueing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// CanTransition encodes the legal edges of the job state machine:
//
//	PENDING -> RUNNING | CANCELLED
//	RUNNING -> COMPLETED | FAILED | CANCELLED
//	FAILED  -> PENDING   (retry, budget enforced by the coordinator)
//
// Everything else is illegal and must be rejected by the caller.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	case JobFailed:
		return to == JobPending
	default:
		return false
	}
}

// Job is a unit of work: a shell command plus the capability tags it needs
// and a retry budget. The record lives in the shared store; the coordinator
// is its only writer after submission.
type Job struct {
	ID             string     `json:"id"`
	Command        string     `json:"command"`
	Dependencies   []string   `json:"dependencies,omitempty"`
	Requirements   []string   `json:"requirements,omitempty"`
	Priority       int        `json:"priority"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Status         JobStatus  `json:"status"`
	RunnerID       string     `json:"runner_id,omitempty"`
	Result         string     `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Timeout is the wall-clock budget for one execution attempt.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// CanRetry reports whether a failed attempt may be re-queued.
func (j *Job) CanRetry() bool {
	return j.RetryCount < j.MaxRetries
}
