// Package models defines the records shared by the medpipe server and client.
package models

import (
	"maps"
	"time"
)

// JobStatus represents the state of a background job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is the tracked state of an asynchronous conversion.
type Job struct {
	ID              string         `json:"job_id"`
	Status          JobStatus      `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	Message         string         `json:"message"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at"`
	Result          map[string]any `json:"result"`
	Error           *string        `json:"error"`
	Metadata        map[string]any `json:"metadata"`
}

// Clone returns a deep enough copy for readers: maps and timestamps are not
// shared with the receiver. Nested values inside the maps are shared.
func (j Job) Clone() Job {
	out := j
	out.Result = maps.Clone(j.Result)
	out.Metadata = maps.Clone(j.Metadata)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		out.Error = &e
	}
	return out
}

// Result payload keys written by the background worker.
const (
	ResultKey            = "result_key"
	ResultArchiveName    = "archive_name"
	ResultProcessedCount = "processed_count"
	ResultSkipped        = "skipped"
)

// JobList is the response of the job listing endpoint.
type JobList struct {
	Total int   `json:"total"`
	Jobs  []Job `json:"jobs"`
}

// AsyncAccepted is returned when an asynchronous conversion is scheduled.
type AsyncAccepted struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"status_url"`
}

// APIError is the JSON error body of every failed request.
type APIError struct {
	Detail    string `json:"detail"`
	ErrorType string `json:"error_type,omitempty"`
}
