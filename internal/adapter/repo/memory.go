package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pixelkiln/server/internal/domain"
)

// In-memory repository implementations back the client-side packages and the
// test suites. They enforce the same guard semantics as the Postgres
// implementations, with a mutex standing in for the storage transaction.

// MemoryLedgerRepository implements domain.LedgerRepository in process.
type MemoryLedgerRepository struct {
	mu       sync.Mutex
	balances map[string]int
	log      map[string][]domain.Transaction
}

func NewMemoryLedgerRepository() *MemoryLedgerRepository {
	return &MemoryLedgerRepository{
		balances: make(map[string]int),
		log:      make(map[string][]domain.Transaction),
	}
}

func (r *MemoryLedgerRepository) Balance(ctx context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return balance, nil
}

func (r *MemoryLedgerRepository) DebitIfSufficient(ctx context.Context, userID string, amount int, description string) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance, ok := r.balances[userID]
	if !ok {
		return 0, false, domain.ErrNotFound
	}
	if balance < amount {
		return 0, false, nil
	}
	balance -= amount
	r.balances[userID] = balance
	r.append(userID, -amount, domain.TransactionDeduction, description, balance)
	return balance, true, nil
}

func (r *MemoryLedgerRepository) Credit(ctx context.Context, userID string, amount int, kind domain.TransactionKind, description string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	balance := r.balances[userID] + amount
	r.balances[userID] = balance
	r.append(userID, amount, kind, description, balance)
	return balance, nil
}

func (r *MemoryLedgerRepository) Transactions(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log := r.log[userID]
	if limit <= 0 || limit > len(log) {
		limit = len(log)
	}
	// Stored oldest-first; project newest-first.
	out := make([]domain.Transaction, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (r *MemoryLedgerRepository) append(userID string, amount int, kind domain.TransactionKind, description string, balanceAfter int) {
	r.log[userID] = append(r.log[userID], domain.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Amount:       amount,
		Kind:         kind,
		Description:  description,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
	})
}

// MemoryJobRepository implements domain.JobRepository in process.
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
	seq  map[string]int
	next int
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{
		jobs: make(map[string]*domain.Job),
		seq:  make(map[string]int),
	}
}

func (r *MemoryJobRepository) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return domain.ErrDuplicateOperation
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	clone := *job
	r.jobs[job.ID] = &clone
	r.next++
	r.seq[job.ID] = r.next
	return nil
}

func (r *MemoryJobRepository) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *MemoryJobRepository) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.UserID == userID && job.IdempotencyKey != "" && job.IdempotencyKey == key {
			clone := *job
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemoryJobRepository) Update(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; !ok {
		return domain.ErrNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	clone := *job
	clone.CreatedAt = r.jobs[job.ID].CreatedAt
	r.jobs[job.ID] = &clone
	return nil
}

// UpdateIfStatus writes job only when the stored row still carries status
// from, the in-memory analogue of the guarded UPDATE the SQL claim runs. It
// reports whether the swap happened.
func (r *MemoryJobRepository) UpdateIfStatus(ctx context.Context, job *domain.Job, from domain.JobStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.jobs[job.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if stored.Status != from {
		return false, nil
	}
	job.UpdatedAt = time.Now().UTC()
	clone := *job
	clone.CreatedAt = stored.CreatedAt
	r.jobs[job.ID] = &clone
	return true, nil
}

func (r *MemoryJobRepository) ListByUser(ctx context.Context, userID string) ([]domain.Job, error) {
	return r.listWhere(func(j *domain.Job) bool { return j.UserID == userID })
}

func (r *MemoryJobRepository) ListFailedByUser(ctx context.Context, userID string) ([]domain.Job, error) {
	return r.listWhere(func(j *domain.Job) bool {
		return j.UserID == userID && j.Status == domain.JobStatusFailed
	})
}

func (r *MemoryJobRepository) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, job := range r.jobs {
		if job.Status == domain.JobStatusFailed && (job.Permanent || job.RetryCount >= job.MaxRetries) && job.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			delete(r.seq, id)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryJobRepository) listWhere(match func(*domain.Job) bool) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []domain.Job
	for _, job := range r.jobs {
		if match(job) {
			jobs = append(jobs, *job)
		}
	}
	// Newest first, tie-broken by insertion order for deterministic tests.
	sort.Slice(jobs, func(i, k int) bool {
		return r.seq[jobs[i].ID] > r.seq[jobs[k].ID]
	})
	return jobs, nil
}

// MemoryDeadLetterRepository implements domain.DeadLetterRepository in process.
type MemoryDeadLetterRepository struct {
	mu      sync.Mutex
	entries []domain.DeadLetter
}

func NewMemoryDeadLetterRepository() *MemoryDeadLetterRepository {
	return &MemoryDeadLetterRepository{}
}

func (r *MemoryDeadLetterRepository) Add(ctx context.Context, entry domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.JobID == entry.JobID {
			return nil
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *MemoryDeadLetterRepository) List(ctx context.Context, jobType domain.JobType, limit int) ([]domain.DeadLetter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.DeadLetter
	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].Type != jobType {
			continue
		}
		out = append(out, r.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var (
	_ domain.LedgerRepository     = (*MemoryLedgerRepository)(nil)
	_ domain.JobRepository        = (*MemoryJobRepository)(nil)
	_ domain.DeadLetterRepository = (*MemoryDeadLetterRepository)(nil)
)
