// Package store declares interfaces for persisting job run history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// JobRunStatus mirrors the job_runs status column.
type JobRunStatus string

// Job run statuses persisted in job_runs.status.
const (
	RunRunning JobRunStatus = "running"
	RunDone    JobRunStatus = "done"
	RunError   JobRunStatus = "error"
)

// JobRun models the job_runs table for API responses.
type JobRun struct {
	// ID is the job identifier. Jobs submitted over the WebSocket may carry
	// client-chosen IDs, so this is stored as text.
	ID string
	// Mode is the translation mode the job ran under.
	Mode string
	// StartedAt captures when the job was first received.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked done/error.
	FinishedAt *time.Time
	// Status is running/done/error.
	Status JobRunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// HostStats captures per-host transfer aggregation for a job.
type HostStats struct {
	// JobID is the owning job.
	JobID string
	// Host is the normalized remote host label (e.g. lens.google.com).
	Host string
	// LastUpdate captures the timestamp of the most recent aggregate.
	LastUpdate time.Time
	// Requests counts completed transfers against the host.
	Requests int64
	// BytesTotal accumulates transfer bytes.
	BytesTotal int64
	// Fetch2xx-5xx hold per-status counts for diagnostics.
	Fetch2xx int64
	Fetch3xx int64
	Fetch4xx int64
	Fetch5xx int64
}

// RunRepository persists incremental job run progress.
type RunRepository interface {
	// UpsertJobStart inserts (or idempotently updates) the run row.
	UpsertJobStart(ctx context.Context, jobID, mode string, startedAt time.Time) error
	// CompleteJob marks the run finished with the provided status and error.
	CompleteJob(ctx context.Context, jobID string, finishedAt time.Time, status JobRunStatus, errMsg *string) error
	// UpsertHostStats applies request/byte deltas per (job, host, statusClass).
	UpsertHostStats(
		ctx context.Context,
		jobID string,
		host string,
		deltaRequests int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error

	// GetRun loads a single job run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (JobRun, error)
	// ListRuns returns job runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *JobRunStatus, limit, offset int) ([]JobRun, error)
	// ListRunHosts returns aggregated host stats for one job.
	ListRunHosts(ctx context.Context, jobID string, limit, offset int) ([]HostStats, error)
}
