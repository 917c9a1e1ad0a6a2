package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/queue"
)

// Canceller lets the registry best-effort abort in-flight provider work.
// The worker pool implements it; cancellation of an external call is
// advisory, never guaranteed.
type Canceller interface {
	Abort(jobID string)
}

// UsageRecorder records per-job usage events for analytics. Optional.
type UsageRecorder interface {
	Record(ctx context.Context, userID, jobID, eventType string, success bool)
}

// Service is the authoritative owner of job lifecycle. Every state
// transition and every credit reconciliation goes through here: workers only
// report outcomes, they never touch the ledger, so a terminal failure cannot
// happen without its refund and no refund can happen without a terminal
// outcome.
type Service struct {
	jobs   domain.JobRepository
	dlq    domain.DeadLetterRepository
	ledger *ledger.Service
	queue  queue.Queue
	events *queue.EventBus
	logger zerolog.Logger

	canceller Canceller
	usage     UsageRecorder

	defaultMaxRetries int

	mu    sync.Mutex
	locks map[string]*jobLock
}

type jobLock struct {
	mu   sync.Mutex
	refs int
}

func NewService(jobs domain.JobRepository, dlq domain.DeadLetterRepository, led *ledger.Service, q queue.Queue, events *queue.EventBus, logger zerolog.Logger, defaultMaxRetries int) *Service {
	if defaultMaxRetries < 0 {
		defaultMaxRetries = 0
	}
	return &Service{
		jobs:              jobs,
		dlq:               dlq,
		ledger:            led,
		queue:             q,
		events:            events,
		logger:            logger,
		defaultMaxRetries: defaultMaxRetries,
		locks:             make(map[string]*jobLock),
	}
}

// SetCanceller wires the worker pool's abort hook after both exist.
func (s *Service) SetCanceller(c Canceller) { s.canceller = c }

// SetUsageRecorder wires optional usage analytics.
func (s *Service) SetUsageRecorder(u UsageRecorder) { s.usage = u }

// RegisterInput describes one submission. CreditsReserved is computed by the
// caller (cost is a pure function of type and parameters, not ledger state).
type RegisterInput struct {
	UserID          string
	Type            domain.JobType
	Payload         json.RawMessage
	CreditsReserved int
	MaxRetries      int
	IdempotencyKey  string
}

// Register validates and reserves credits, creates the job record and makes
// it visible to workers. The debit is the authoritative gate; if anything
// after it fails, a compensating credit restores the reservation. An input
// carrying a known idempotency key returns the existing job unchanged, which
// is what makes offline replay safe.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*domain.Job, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", domain.ErrInvalidPayload, in.Type)
	}
	if in.UserID == "" {
		return nil, fmt.Errorf("%w: owner required", domain.ErrInvalidPayload)
	}
	if in.CreditsReserved <= 0 {
		return nil, fmt.Errorf("%w: reserved cost must be positive", domain.ErrInvalidPayload)
	}
	if in.MaxRetries <= 0 {
		in.MaxRetries = s.defaultMaxRetries
	}

	if in.IdempotencyKey != "" {
		if existing, err := s.jobs.GetByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey); err == nil {
			return existing, nil
		}
	}

	description := fmt.Sprintf("%s generation reserve", in.Type)
	ok, err := s.ledger.Debit(ctx, in.UserID, in.CreditsReserved, description)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrInsufficientCredits
	}

	job := &domain.Job{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		Type:            in.Type,
		Status:          domain.JobStatusPending,
		Payload:         in.Payload,
		CreditsReserved: in.CreditsReserved,
		MaxRetries:      in.MaxRetries,
		IdempotencyKey:  in.IdempotencyKey,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		s.compensate(ctx, job, "registration failed")
		return nil, fmt.Errorf("registry: create job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		s.compensate(ctx, job, "enqueue failed")
		job.Status = domain.JobStatusCancelled
		job.FailureReason = "enqueue failed"
		job.Refunded = true
		if uerr := s.jobs.Update(ctx, job); uerr != nil {
			s.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("registry: mark unenqueued job cancelled failed")
		}
		return nil, fmt.Errorf("registry: enqueue job: %w", err)
	}

	s.record(ctx, job, "job_submitted", true)
	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Str("type", string(job.Type)).
		Int("reserved", job.CreditsReserved).
		Msg("registry: job registered")
	return job, nil
}

// UpdateStatus applies a worker-reported outcome. Transitions are validated
// against the state machine; an illegal transition (late report on a
// cancelled job, duplicate completion) is rejected without side effects.
// Terminal failure is the single refund point.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.JobStatus, resultRef, failureReason string, permanent bool) error {
	unlock := s.lock(id)
	defer unlock()

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(job.Status, status) {
		return fmt.Errorf("%w: %s -> %s for job %s", domain.ErrInvalidTransition, job.Status, status, id)
	}

	switch status {
	case domain.JobStatusProcessing:
		job.Status = domain.JobStatusProcessing
		return s.jobs.Update(ctx, job)

	case domain.JobStatusCompleted:
		job.Status = domain.JobStatusCompleted
		job.ResultRef = resultRef
		job.FailureReason = ""
		if err := s.jobs.Update(ctx, job); err != nil {
			return err
		}
		s.publish(ctx, job, queue.EventCompleted, "")
		s.record(ctx, job, "job_completed", true)
		return nil

	case domain.JobStatusFailed:
		job.Status = domain.JobStatusFailed
		job.FailureReason = failureReason
		if permanent {
			job.Permanent = true
		}
		// Persist the terminal state before touching the ledger: a failed
		// Update here leaves the store untouched and no refund issued, so the
		// caller can safely retry the whole report. Refunding first would let
		// a store outage strand the credit while the job resurfaces.
		if err := s.jobs.Update(ctx, job); err != nil {
			return err
		}
		if job.Terminal() {
			s.deadLetter(ctx, job)
			if s.refundOnce(ctx, job, "generation failed - refund") {
				s.persistRefundFlag(ctx, job)
			}
		}
		s.publish(ctx, job, queue.EventFailed, failureReason)
		s.record(ctx, job, "job_failed", false)
		return nil
	}
	return fmt.Errorf("%w: unsupported target status %s", domain.ErrInvalidTransition, status)
}

// Retry re-enqueues a failed job with budget left. Calling it in any other
// state is a rejected no-op, which closes the double-submission race: two
// concurrent retries serialize on the per-job lock and the second sees
// status pending.
func (s *Service) Retry(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusFailed {
		return fmt.Errorf("%w: retry requires failed status, job %s is %s", domain.ErrInvalidTransition, id, job.Status)
	}
	if !job.RetriesLeft() {
		return fmt.Errorf("%w: job %s", domain.ErrRetryExhausted, id)
	}

	job.RetryCount++
	job.Status = domain.JobStatusPending
	job.FailureReason = ""
	if err := s.jobs.Update(ctx, job); err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("registry: re-enqueue job %s: %w", id, err)
	}
	s.logger.Info().Str("job_id", id).Int("retry", job.RetryCount).Msg("registry: job retried")
	return nil
}

// Cancel aborts a pending or processing job, refunds its reservation and
// advises the worker pool to abandon in-flight work. Cancellation never
// counts against the retry budget.
func (s *Service) Cancel(ctx context.Context, id, reason string) error {
	unlock := s.lock(id)
	defer unlock()

	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !domain.CanTransition(job.Status, domain.JobStatusCancelled) {
		return fmt.Errorf("%w: cannot cancel job %s in status %s", domain.ErrInvalidTransition, id, job.Status)
	}

	job.Status = domain.JobStatusCancelled
	if reason == "" {
		reason = "cancelled by user"
	}
	job.FailureReason = reason
	// Same ordering as the terminal-failure path: state first, credit after.
	if err := s.jobs.Update(ctx, job); err != nil {
		return err
	}
	if s.refundOnce(ctx, job, "generation cancelled - refund") {
		s.persistRefundFlag(ctx, job)
	}
	if s.canceller != nil {
		s.canceller.Abort(id)
	}
	s.logger.Info().Str("job_id", id).Str("reason", reason).Msg("registry: job cancelled")
	return nil
}

// Job returns one job by id.
func (s *Service) Job(ctx context.Context, id string) (*domain.Job, error) {
	return s.jobs.Get(ctx, id)
}

// UserJobs lists all jobs owned by a user, newest first.
func (s *Service) UserJobs(ctx context.Context, ownerID string) ([]domain.Job, error) {
	return s.jobs.ListByUser(ctx, ownerID)
}

// UserFailedJobs lists a user's failed jobs, newest first.
func (s *Service) UserFailedJobs(ctx context.Context, ownerID string) ([]domain.Job, error) {
	return s.jobs.ListFailedByUser(ctx, ownerID)
}

// Stats aggregates a user's job history.
func (s *Service) Stats(ctx context.Context, ownerID string) (domain.JobStats, error) {
	jobs, err := s.jobs.ListByUser(ctx, ownerID)
	if err != nil {
		return domain.JobStats{}, err
	}
	var stats domain.JobStats
	for i := range jobs {
		job := &jobs[i]
		switch job.Status {
		case domain.JobStatusPending, domain.JobStatusProcessing:
			stats.Active++
		case domain.JobStatusFailed:
			stats.Failed++
			if job.RetriesLeft() {
				stats.PendingRetries++
			}
		}
		if job.Refunded {
			stats.CreditsRefunded += job.CreditsReserved
		}
	}
	return stats, nil
}

// ClearOldFailedJobs removes terminal failed records older than the
// retention window and returns how many were removed.
func (s *Service) ClearOldFailedJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	removed, err := s.jobs.DeleteFailedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("registry: swept old failed jobs")
	}
	return removed, nil
}

// refundOnce returns the reservation exactly once per job and reports whether
// a credit was issued. It runs only after the terminal state is in the store,
// so a duplicate report is rejected by transition validation before it can
// reach the ledger again.
func (s *Service) refundOnce(ctx context.Context, job *domain.Job, description string) bool {
	if job.Refunded || job.CreditsReserved <= 0 {
		return false
	}
	if err := s.ledger.Credit(ctx, job.UserID, job.CreditsReserved, domain.TransactionRefund, description); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("registry: refund failed")
		return false
	}
	job.Refunded = true
	return true
}

// persistRefundFlag writes the Refunded marker after a credit lands. A
// failure here is logged, not returned: the job is already terminal, so no
// later transition can re-enter refundOnce for it.
func (s *Service) persistRefundFlag(ctx context.Context, job *domain.Job) {
	if err := s.jobs.Update(ctx, job); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("registry: persist refund flag failed")
	}
}

func (s *Service) compensate(ctx context.Context, job *domain.Job, why string) {
	if err := s.ledger.Credit(ctx, job.UserID, job.CreditsReserved, domain.TransactionRefund, why+" - refund"); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("registry: compensating refund failed")
	}
}

func (s *Service) deadLetter(ctx context.Context, job *domain.Job) {
	if s.dlq == nil {
		return
	}
	err := s.dlq.Add(ctx, domain.DeadLetter{
		JobID:      job.ID,
		UserID:     job.UserID,
		Type:       job.Type,
		Payload:    job.Payload,
		LastError:  job.FailureReason,
		RetryCount: job.RetryCount,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("registry: dead letter insert failed")
	}
}

func (s *Service) publish(ctx context.Context, job *domain.Job, kind queue.EventKind, reason string) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, queue.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		Type:   job.Type,
		Kind:   kind,
		Reason: reason,
	})
}

func (s *Service) record(ctx context.Context, job *domain.Job, eventType string, success bool) {
	if s.usage == nil {
		return
	}
	s.usage.Record(ctx, job.UserID, job.ID, eventType, success)
}

// lock serializes transitions per job id. Entries are reference-counted and
// removed once the last holder releases, so the map stays proportional to
// in-flight transitions rather than job history.
func (s *Service) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &jobLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
