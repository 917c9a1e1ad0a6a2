package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/infra"
	"github.com/pixelkiln/server/internal/sqlinline"
)

// Queue is one durable per-type job queue surface. Enqueue is idempotent on
// job id; Claim transitions exactly one pending job to processing and
// returns domain.ErrNoJob when nothing is claimable.
type Queue interface {
	Enqueue(ctx context.Context, job *domain.Job) error
	Claim(ctx context.Context, jobType domain.JobType) (*domain.Job, error)
}

// PGQueue implements Queue on the jobs table itself: a pending row is a
// queued job, and claiming is a SKIP LOCKED update so competing consumers
// never double-claim.
type PGQueue struct {
	runner *infra.SQLRunner
}

func NewPGQueue(runner *infra.SQLRunner) *PGQueue {
	return &PGQueue{runner: runner}
}

func (q *PGQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	// The registry has already inserted the row; this only guarantees
	// worker visibility. Re-enqueueing an id is a no-op for any row that is
	// not pending or failed.
	if _, err := q.runner.Exec(ctx, sqlinline.QMarkPending, job.ID); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.ID, err)
	}
	return nil
}

func (q *PGQueue) Claim(ctx context.Context, jobType domain.JobType) (*domain.Job, error) {
	row := q.runner.QueryRow(ctx, sqlinline.QClaimJob, jobType)
	var job domain.Job
	var idempotencyKey *string
	err := row.Scan(
		&job.ID, &job.UserID, &job.Type, &job.Status, &job.Payload, &job.CreditsReserved,
		&job.FailureReason, &job.Permanent, &job.RetryCount, &job.MaxRetries, &job.ResultRef,
		&idempotencyKey, &job.Refunded, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNoJob
		}
		return nil, fmt.Errorf("queue: claim %s: %w", jobType, err)
	}
	if idempotencyKey != nil {
		job.IdempotencyKey = *idempotencyKey
	}
	// Detach payload bytes from the driver buffer.
	job.Payload = append(json.RawMessage(nil), job.Payload...)
	return &job, nil
}

// RequeueStuck sweeps processing rows whose lease expired back to pending so
// jobs claimed by a dead worker become claimable again.
func (q *PGQueue) RequeueStuck(ctx context.Context, jobType domain.JobType, leaseSeconds int) error {
	if _, err := q.runner.Exec(ctx, sqlinline.QRequeueStuck, jobType, leaseSeconds); err != nil {
		return fmt.Errorf("queue: requeue stuck %s: %w", jobType, err)
	}
	return nil
}

// statusSwapper is the optional guarded-write capability a repository can
// offer so the in-memory claim gets the same pending-only atomicity the SQL
// claim has.
type statusSwapper interface {
	UpdateIfStatus(ctx context.Context, job *domain.Job, from domain.JobStatus) (bool, error)
}

// MemoryQueue implements Queue over a domain.JobRepository for the client
// path and tests. The mutex stands in for the row lock.
type MemoryQueue struct {
	repo domain.JobRepository

	mu     sync.Mutex
	queued map[domain.JobType][]string
	seen   map[string]bool
}

func NewMemoryQueue(repo domain.JobRepository) *MemoryQueue {
	return &MemoryQueue{
		repo:   repo,
		queued: make(map[domain.JobType][]string),
		seen:   make(map[string]bool),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.seen[job.ID] {
		return nil
	}
	q.seen[job.ID] = true
	q.queued[job.Type] = append(q.queued[job.Type], job.ID)
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, jobType domain.JobType) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := q.queued[jobType]
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		q.queued[jobType] = ids
		delete(q.seen, id)

		job, err := q.repo.Get(ctx, id)
		if err != nil {
			continue
		}
		// A claim on anything but a pending job is ignored; cancelled or
		// already-claimed rows simply drop out of the queue.
		if job.Status != domain.JobStatusPending {
			continue
		}
		job.Status = domain.JobStatusProcessing
		if swapper, ok := q.repo.(statusSwapper); ok {
			swapped, err := swapper.UpdateIfStatus(ctx, job, domain.JobStatusPending)
			if err != nil {
				return nil, err
			}
			if !swapped {
				// the row changed under us, e.g. a cancel between the read
				// and the write; never overwrite it
				continue
			}
		} else if err := q.repo.Update(ctx, job); err != nil {
			return nil, err
		}
		return job, nil
	}
	return nil, domain.ErrNoJob
}

var (
	_ Queue = (*PGQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
