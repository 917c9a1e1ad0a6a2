package domain

import (
	"encoding/json"
	"time"
)

// JobType enumerates supported generation job categories.
type JobType string

const (
	JobTypeImage    JobType = "image"
	JobTypeVideo    JobType = "video"
	JobTypeTraining JobType = "training"
)

// JobTypes lists every queue the worker pool serves.
var JobTypes = []JobType{JobTypeImage, JobTypeVideo, JobTypeTraining}

// Valid reports whether t names a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeImage, JobTypeVideo, JobTypeTraining:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Job encapsulates the lifecycle of a single asynchronous generation request.
type Job struct {
	ID              string
	UserID          string
	Type            JobType
	Status          JobStatus
	Payload         json.RawMessage
	CreditsReserved int
	FailureReason   string
	Permanent       bool
	RetryCount      int
	MaxRetries      int
	ResultRef       string
	IdempotencyKey  string
	Refunded        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Terminal reports whether the job can no longer change state. A failed job
// is terminal once its retry budget is exhausted or the failure was
// permanent (upstream moderation reject).
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusCancelled:
		return true
	case JobStatusFailed:
		return j.Permanent || j.RetryCount >= j.MaxRetries
	}
	return false
}

// RetriesLeft reports whether a failed job may still be re-enqueued.
func (j *Job) RetriesLeft() bool {
	return !j.Permanent && j.RetryCount < j.MaxRetries
}

// CanTransition validates a single edge of the job state machine. The
// failed -> pending edge exists only for retries and the cancelled edges
// only for user cancellation; they live in the same table so every mutation
// path shares one validation point.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCancelled
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	case JobStatusFailed:
		return to == JobStatusPending
	}
	return false
}

// DeadLetter is a job that exhausted its retry budget, preserved for
// operator inspection. No automated consumer reads these rows.
type DeadLetter struct {
	JobID      string
	UserID     string
	Type       JobType
	Payload    json.RawMessage
	LastError  string
	RetryCount int
	CreatedAt  time.Time
}

// JobStats aggregates a user's job history for dashboards.
type JobStats struct {
	Active          int `json:"active"`
	Failed          int `json:"failed"`
	PendingRetries  int `json:"pending_retries"`
	CreditsRefunded int `json:"credits_refunded"`
}
