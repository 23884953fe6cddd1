package domain

import (
	"encoding/json"
	"time"
)

// JobStatus is the state of a queued pipeline run.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is one durable run request. Attempts counts claims, including the
// one currently executing.
type Job struct {
	ID             string
	Event          string
	IdempotencyKey string
	Payload        json.RawMessage
	Status         JobStatus
	Attempts       int
	MaxAttempts    int
	LastError      string
	RunAt          time.Time
	LockedUntil    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CanRetry reports whether another attempt is allowed after the current one.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// JobStats counts jobs by status.
type JobStats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Add records n jobs in the given status.
func (s *JobStats) Add(status JobStatus, n int) {
	switch status {
	case JobPending:
		s.Pending += n
	case JobRunning:
		s.Running += n
	case JobCompleted:
		s.Completed += n
	case JobFailed:
		s.Failed += n
	}
}
