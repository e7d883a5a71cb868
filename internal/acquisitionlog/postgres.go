package acquisitionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/constelar/constelar/internal/airquality"
)

// Schema creates the acquisition log table.
const Schema = `
CREATE TABLE IF NOT EXISTS acquisition_log (
	id           UUID PRIMARY KEY,
	pollutant    TEXT NOT NULL,
	bbox         TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_end   TIMESTAMPTZ NOT NULL,
	result_limit INTEGER NOT NULL,
	strategy     TEXT NOT NULL,
	source       TEXT NOT NULL,
	result_count INTEGER NOT NULL,
	duration_ms  BIGINT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS acquisition_log_created_at_idx ON acquisition_log (created_at DESC);
`

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL acquisition log.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// EnsureSchema creates the table if it does not exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create acquisition_log: %w", err)
	}
	return nil
}

// Record inserts one record.
func (r *PostgresRepository) Record(ctx context.Context, rec airquality.AcquisitionRecord) error {
	query := `
		INSERT INTO acquisition_log
			(id, pollutant, bbox, window_start, window_end, result_limit,
			 strategy, source, result_count, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, query,
		uuid.New(),
		rec.Pollutant,
		rec.BBox,
		rec.Start,
		rec.End,
		rec.Limit,
		rec.Strategy,
		rec.Source,
		rec.Count,
		rec.Duration.Milliseconds(),
		rec.Error,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert acquisition: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (r *PostgresRepository) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultCapacity
	}

	query := `
		SELECT id, pollutant, bbox, window_start, window_end, result_limit,
		       strategy, source, result_count, duration_ms, error, created_at
		FROM acquisition_log
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query acquisitions: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e          Entry
			id         uuid.UUID
			durationMS int64
		)
		err := row.Scan(
			&id,
			&e.Pollutant,
			&e.BBox,
			&e.Start,
			&e.End,
			&e.Limit,
			&e.Strategy,
			&e.Source,
			&e.Count,
			&durationMS,
			&e.Error,
			&e.CreatedAt,
		)
		e.ID = id.String()
		e.Duration = time.Duration(durationMS) * time.Millisecond
		return e, err
	})
}

var (
	_ Repository = (*PostgresRepository)(nil)
	_ Repository = (*InMemoryRepository)(nil)
)
