package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pixelkiln/server/internal/domain"
)

// DeadLetterRepositoryPG implements domain.DeadLetterRepository. Rows are
// append-only; operators read them through the admin API.
type DeadLetterRepositoryPG struct {
	pool *pgxpool.Pool
}

func NewDeadLetterRepository(pool *pgxpool.Pool) *DeadLetterRepositoryPG {
	return &DeadLetterRepositoryPG{pool: pool}
}

func (r *DeadLetterRepositoryPG) Add(ctx context.Context, entry domain.DeadLetter) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO dead_letter_jobs (job_id, user_id, type, payload, last_error, retry_count)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id) DO NOTHING;
`, entry.JobID, entry.UserID, entry.Type, entry.Payload, entry.LastError, entry.RetryCount)
	if err != nil {
		return fmt.Errorf("add dead letter: %w", err)
	}
	return nil
}

func (r *DeadLetterRepositoryPG) List(ctx context.Context, jobType domain.JobType, limit int) ([]domain.DeadLetter, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
SELECT job_id, user_id, type, payload, last_error, retry_count, created_at
FROM dead_letter_jobs
WHERE type = $1
ORDER BY created_at DESC
LIMIT $2;
`, jobType, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []domain.DeadLetter
	for rows.Next() {
		var e domain.DeadLetter
		if err := rows.Scan(&e.JobID, &e.UserID, &e.Type, &e.Payload, &e.LastError, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ domain.DeadLetterRepository = (*DeadLetterRepositoryPG)(nil)
