// Package history persists finished bulk jobs to PostgreSQL. The store is
// optional; the service runs without it and keeps results in memory only.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jthorsen/optionset/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	target_name   TEXT NOT NULL,
	entity        TEXT NOT NULL DEFAULT '',
	attribute     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	total_records INT NOT NULL,
	succeeded     INT NOT NULL,
	skipped       INT NOT NULL,
	failed        INT NOT NULL,
	outcomes      JSONB NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS job_history_started_at_idx ON job_history (started_at DESC);
`

// Store writes job results to the job_history table.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("init job history schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// RecordJob persists one finished job with its per-record outcomes.
func (s *Store) RecordJob(ctx context.Context, result core.JobResult) error {
	outcomes, err := json.Marshal(result.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_history (
			id, kind, target_name, entity, attribute, status,
			total_records, succeeded, skipped, failed,
			outcomes, error, started_at, duration_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		result.JobID, string(result.Kind),
		result.Target.Name, result.Target.Entity, result.Target.Attribute,
		string(result.Status),
		result.TotalRecords, result.Succeeded, result.Skipped, result.Failed,
		outcomes, result.Error,
		result.StartedAt, result.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert job history: %w", err)
	}
	return nil
}

// Entry is one row of job history, without the full outcome list.
type Entry struct {
	JobID        string    `json:"jobId"`
	Kind         string    `json:"kind"`
	TargetName   string    `json:"targetName"`
	Entity       string    `json:"entity,omitempty"`
	Attribute    string    `json:"attribute,omitempty"`
	Status       string    `json:"status"`
	TotalRecords int       `json:"totalRecords"`
	Succeeded    int       `json:"succeeded"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
}

// ListJobs returns the most recent jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, target_name, entity, attribute, status,
			total_records, succeeded, skipped, failed,
			error, started_at, duration_ms
		FROM job_history
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query job history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.JobID, &e.Kind, &e.TargetName, &e.Entity, &e.Attribute, &e.Status,
			&e.TotalRecords, &e.Succeeded, &e.Skipped, &e.Failed,
			&e.Error, &e.StartedAt, &e.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scan job history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job history rows: %w", err)
	}
	return entries, nil
}
