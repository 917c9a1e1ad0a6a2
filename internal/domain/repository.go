package domain

import (
	"context"
	"time"
)

// LedgerRepository defines atomic persistence for credit balances. The debit
// guard (balance >= amount) must hold inside the storage transaction; the
// service layer never re-checks it.
type LedgerRepository interface {
	Balance(ctx context.Context, userID string) (int, error)
	// DebitIfSufficient decrements the balance and appends a deduction row
	// only when the guard holds. It returns the resulting balance and
	// whether the debit was applied.
	DebitIfSufficient(ctx context.Context, userID string, amount int, description string) (int, bool, error)
	// Credit appends a positive row and returns the resulting balance.
	Credit(ctx context.Context, userID string, amount int, kind TransactionKind, description string) (int, error)
	Transactions(ctx context.Context, userID string, limit int) ([]Transaction, error)
}

// JobRepository defines persistence for job entities.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*Job, error)
	Update(ctx context.Context, job *Job) error
	ListByUser(ctx context.Context, userID string) ([]Job, error)
	ListFailedByUser(ctx context.Context, userID string) ([]Job, error)
	// DeleteFailedBefore removes terminal failed jobs older than cutoff and
	// returns the number removed.
	DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// DeadLetterRepository persists jobs whose retries are exhausted.
type DeadLetterRepository interface {
	Add(ctx context.Context, entry DeadLetter) error
	List(ctx context.Context, jobType JobType, limit int) ([]DeadLetter, error)
}
