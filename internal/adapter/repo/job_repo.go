package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelkiln/server/internal/domain"
)

const jobColumns = `id, user_id, type, status, payload, credits_reserved, failure_reason,
permanent, retry_count, max_retries, result_ref, idempotency_key, refunded, created_at, updated_at`

// JobRepositoryPG implements domain.JobRepository.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO jobs (id, user_id, type, status, payload, credits_reserved, failure_reason,
                  permanent, retry_count, max_retries, result_ref, idempotency_key, refunded)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13);
`,
		job.ID, job.UserID, job.Type, job.Status, job.Payload, job.CreditsReserved,
		job.FailureReason, job.Permanent, job.RetryCount, job.MaxRetries, job.ResultRef,
		job.IdempotencyKey, job.Refunded,
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepositoryPG) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	return scanJob(row)
}

func (r *JobRepositoryPG) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND idempotency_key = $2;`,
		userID, key)
	return scanJob(row)
}

func (r *JobRepositoryPG) Update(ctx context.Context, job *domain.Job) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET status = $2,
    failure_reason = $3,
    permanent = $4,
    retry_count = $5,
    result_ref = $6,
    refunded = $7,
    updated_at = NOW()
WHERE id = $1;
`, job.ID, job.Status, job.FailureReason, job.Permanent, job.RetryCount, job.ResultRef, job.Refunded)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *JobRepositoryPG) ListByUser(ctx context.Context, userID string) ([]domain.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC;`, userID)
}

func (r *JobRepositoryPG) ListFailedByUser(ctx context.Context, userID string) ([]domain.Job, error) {
	return r.list(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 AND status = 'failed' ORDER BY created_at DESC;`,
		userID)
}

func (r *JobRepositoryPG) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
DELETE FROM jobs
WHERE status = 'failed' AND (permanent OR retry_count >= max_retries) AND updated_at < $1;
`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old failed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *JobRepositoryPG) list(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var idempotencyKey *string
	err := row.Scan(
		&job.ID, &job.UserID, &job.Type, &job.Status, &job.Payload, &job.CreditsReserved,
		&job.FailureReason, &job.Permanent, &job.RetryCount, &job.MaxRetries, &job.ResultRef,
		&idempotencyKey, &job.Refunded, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if idempotencyKey != nil {
		job.IdempotencyKey = *idempotencyKey
	}
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
