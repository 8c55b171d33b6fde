package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lenslate/internal/store"
)

// runPool is the subset of pgxpool.Pool the RunStore needs; pgxmock
// satisfies it in tests.
type runPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool runPool
}

// NewRunStore creates a new RunStore from a DSN.
func NewRunStore(ctx context.Context, dsn string) (*RunStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &RunStore{pool: pool}, nil
}

// NewRunStoreWithPool constructs a RunStore from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool runPool) *RunStore {
	return &RunStore{pool: pool}
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// UpsertJobStart inserts the run row; replays of the same job ID are ignored.
func (s *RunStore) UpsertJobStart(ctx context.Context, jobID, mode string, startedAt time.Time) error {
	query := `
		INSERT INTO job_runs (id, mode, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query, jobID, mode, startedAt, store.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to upsert job start: %w", err)
	}
	return nil
}

// CompleteJob marks a run as finished with a status and optional error message.
func (s *RunStore) CompleteJob(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.JobRunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE job_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	_, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// UpsertHostStats updates the transfer statistics for a host within a job.
func (s *RunStore) UpsertHostStats(
	ctx context.Context,
	jobID string,
	host string,
	deltaRequests,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	var query string
	switch statusClass {
	case "2xx":
		query = `UPDATE host_stats SET requests = requests + $1,
			bytes_total = bytes_total + $2,
			fetch_2xx = fetch_2xx + $1,
			last_update = $3
			WHERE job_id = $4 AND host = $5;`
	case "3xx":
		query = `UPDATE host_stats SET requests = requests + $1,
			bytes_total = bytes_total + $2,
			fetch_3xx = fetch_3xx + $1,
			last_update = $3
			WHERE job_id = $4 AND host = $5;`
	case "4xx":
		query = `UPDATE host_stats SET requests = requests + $1,
			bytes_total = bytes_total + $2,
			fetch_4xx = fetch_4xx + $1,
			last_update = $3
			WHERE job_id = $4 AND host = $5;`
	case "5xx":
		query = `UPDATE host_stats SET requests = requests + $1,
			bytes_total = bytes_total + $2,
			fetch_5xx = fetch_5xx + $1,
			last_update = $3
			WHERE job_id = $4 AND host = $5;`
	default:
		return fmt.Errorf("unknown status class: %s", statusClass)
	}

	res, err := s.pool.Exec(ctx, query, deltaRequests, deltaBytes, at, jobID, host)
	if err != nil {
		return fmt.Errorf("failed to update host stats: %w", err)
	}
	if res.RowsAffected() == 0 {
		var fetch2xx, fetch3xx, fetch4xx, fetch5xx int64
		switch statusClass {
		case "2xx":
			fetch2xx = deltaRequests
		case "3xx":
			fetch3xx = deltaRequests
		case "4xx":
			fetch4xx = deltaRequests
		case "5xx":
			fetch5xx = deltaRequests
		}

		query = `
			INSERT INTO host_stats (job_id, host, last_update, requests, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (job_id, host) DO NOTHING;
		`
		_, err = s.pool.Exec(
			ctx,
			query,
			jobID,
			host,
			at,
			deltaRequests,
			deltaBytes,
			fetch2xx,
			fetch3xx,
			fetch4xx,
			fetch5xx,
		)
		if err != nil {
			return fmt.Errorf("failed to insert host stats: %w", err)
		}
	}
	return nil
}

// GetRun retrieves a single job run by its ID.
func (s *RunStore) GetRun(ctx context.Context, jobID string) (store.JobRun, error) {
	query := `
		SELECT id, mode, started_at, finished_at, status, error_message
		FROM job_runs
		WHERE id = $1;
	`
	var run store.JobRun
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.ID,
		&run.Mode,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves a list of job runs, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.JobRunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `
		SELECT id, mode, started_at, finished_at, status, error_message
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		var run store.JobRun
		err := rows.Scan(
			&run.ID,
			&run.Mode,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListRunHosts retrieves aggregated host statistics for a given job.
func (s *RunStore) ListRunHosts(
	ctx context.Context,
	jobID string,
	limit,
	offset int,
) ([]store.HostStats, error) {
	query := `
		SELECT job_id, host, last_update, requests, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
		FROM host_stats
		WHERE job_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run hosts: %w", err)
	}
	defer rows.Close()

	var stats []store.HostStats
	for rows.Next() {
		var stat store.HostStats
		err := rows.Scan(
			&stat.JobID,
			&stat.Host,
			&stat.LastUpdate,
			&stat.Requests,
			&stat.BytesTotal,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}
