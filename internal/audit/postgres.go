// Package audit mirrors pipeline transitions into Postgres so operators can
// query history across jobs. The manifest in the object store remains the
// source of truth.
package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"pdf-ebook-pipeline/internal/models"
	"pdf-ebook-pipeline/internal/pipeline"
)

// Store wraps pgxpool for the step_events table.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Record inserts one transition.
func (s *Store) Record(ctx context.Context, ev pipeline.Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_events (job_id, step, kind, detail, ts)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.JobID, string(ev.Step), ev.Kind, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("insert step event: %w", err)
	}
	return nil
}

// Events returns a job's transitions oldest first, at most limit rows.
func (s *Store) Events(ctx context.Context, jobID string, limit int) ([]pipeline.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, step, kind, detail, ts
		FROM step_events WHERE job_id = $1
		ORDER BY ts, id
		LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query step events: %w", err)
	}
	defer rows.Close()

	events := make([]pipeline.Event, 0)
	for rows.Next() {
		var ev pipeline.Event
		var step string
		if err := rows.Scan(&ev.JobID, &step, &ev.Kind, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan step event: %w", err)
		}
		ev.Step = models.StepName(step)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step events: %w", err)
	}
	return events, nil
}

// FailureCounts returns how many step.failed events each step has.
func (s *Store) FailureCounts(ctx context.Context) (map[models.StepName]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step, COUNT(*) FROM step_events WHERE kind = $1 GROUP BY step
	`, pipeline.EventStepFailed)
	if err != nil {
		return nil, fmt.Errorf("count failures: %w", err)
	}
	defer rows.Close()
	out := make(map[models.StepName]int64)
	for rows.Next() {
		var step string
		var n int64
		if err := rows.Scan(&step, &n); err != nil {
			return nil, fmt.Errorf("scan failure count: %w", err)
		}
		out[models.StepName(step)] = n
	}
	return out, rows.Err()
}

// RemoveJobID deletes a reaped job's history.
func (s *Store) RemoveJobID(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM step_events WHERE job_id = $1`, jobID)
	return err
}
