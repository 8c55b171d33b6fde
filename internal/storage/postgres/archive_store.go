// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"lenslate/internal/lens"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ArchiveStoreConfig controls the Postgres connection pool used for archived
// job results.
type ArchiveStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// ArchiveStore writes terminal job results into Postgres. The in-memory
// result store stays canonical for serving; this is retention for offline
// analysis after TTL eviction.
type ArchiveStore struct {
	pool  execCloser
	table string
}

// NewArchiveStore creates a Postgres-backed ArchiveStore using the provided config.
func NewArchiveStore(ctx context.Context, cfg ArchiveStoreConfig) (*ArchiveStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "job_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ArchiveStore{
		pool:  pool,
		table: table,
	}, nil
}

// NewArchiveStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewArchiveStoreWithPool(pool execCloser, table string) (*ArchiveStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "job_results"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ArchiveStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ArchiveStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// ArchiveResult upserts a terminal result row. Re-archiving the same job ID
// replaces the previous row.
func (s *ArchiveStore) ArchiveResult(ctx context.Context, mode lens.Mode, res lens.Result) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("archive store is not configured")
	}
	if res.ID == "" {
		return fmt.Errorf("result id is required")
	}
	payloadJSON, err := json.Marshal(res.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	mode,
	status,
	payload,
	error_type,
	created_at
) VALUES (
	$1,$2,$3,$4,$5,$6
) ON CONFLICT (id) DO UPDATE SET
	mode = EXCLUDED.mode,
	status = EXCLUDED.status,
	payload = EXCLUDED.payload,
	error_type = EXCLUDED.error_type,
	created_at = EXCLUDED.created_at`, s.table)

	args := []any{
		res.ID,
		string(mode),
		string(res.Status),
		payloadJSON,
		res.ErrorType,
		res.CreatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job result: %w", err)
	}
	return nil
}
