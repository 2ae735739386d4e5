// Package postgres archives terminal job records. The Redis status record
// lapses with its TTL; this table is what keeps history past that.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"order-dispatch-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg ping: %w", err)
	}
	return pool, nil
}

type ArchiveRepository struct {
	pool *pgxpool.Pool
}

func NewArchiveRepository(pool *pgxpool.Pool) *ArchiveRepository {
	return &ArchiveRepository{pool: pool}
}

// Insert upserts a terminal record. Re-running a complete call for the same
// job id keeps the first archived row.
func (r *ArchiveRepository) Insert(ctx context.Context, rec entity.StatusRecord) error {
	const q = `
INSERT INTO job_archive (id, kind, sku, minutes, status, message, log_url, queued_at, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING;
`
	_, err := r.pool.Exec(ctx, q,
		rec.ID,
		string(rec.Kind),
		rec.SKU,
		rec.Minutes,
		string(rec.Status),
		rec.Message,
		rec.LogURL,
		nullUnix(rec.QueuedAt),
		nullUnix(rec.StartedAt),
		nullUnix(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert archive row: %w", err)
	}
	return nil
}

// ListRecent returns up to limit terminal records, newest first.
func (r *ArchiveRepository) ListRecent(ctx context.Context, limit int) ([]entity.StatusRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	const q = `
SELECT id, kind, sku, minutes, status, message, log_url, queued_at, started_at, finished_at
FROM job_archive
ORDER BY finished_at DESC NULLS LAST
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []entity.StatusRecord
	for rows.Next() {
		var (
			rec        entity.StatusRecord
			kind       string
			statusText string
			queuedAt   *time.Time
			startedAt  *time.Time
			finishedAt *time.Time
		)
		if err := rows.Scan(
			&rec.ID,
			&kind,
			&rec.SKU,
			&rec.Minutes,
			&statusText,
			&rec.Message,
			&rec.LogURL,
			&queuedAt,
			&startedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		rec.Kind = entity.Family(kind)
		rec.Status = entity.JobStatus(statusText)
		rec.QueuedAt = unixOrZero(queuedAt)
		rec.StartedAt = unixOrZero(startedAt)
		rec.FinishedAt = unixOrZero(finishedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetByID returns one archived record.
func (r *ArchiveRepository) GetByID(ctx context.Context, id string) (*entity.StatusRecord, error) {
	const q = `
SELECT id, kind, sku, minutes, status, message, log_url, queued_at, started_at, finished_at
FROM job_archive
WHERE id = $1;
`
	var (
		rec        entity.StatusRecord
		kind       string
		statusText string
		queuedAt   *time.Time
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID,
		&kind,
		&rec.SKU,
		&rec.Minutes,
		&statusText,
		&rec.Message,
		&rec.LogURL,
		&queuedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.Kind = entity.Family(kind)
	rec.Status = entity.JobStatus(statusText)
	rec.QueuedAt = unixOrZero(queuedAt)
	rec.StartedAt = unixOrZero(startedAt)
	rec.FinishedAt = unixOrZero(finishedAt)
	return &rec, nil
}

func nullUnix(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
