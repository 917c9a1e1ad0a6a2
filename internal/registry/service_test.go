package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/adapter/repo"
	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/ledger"
	"github.com/pixelkiln/server/internal/queue"
)

type testEnv struct {
	svc    *Service
	jobs   *repo.MemoryJobRepository
	dlq    *repo.MemoryDeadLetterRepository
	ledger *ledger.Service
}

func newTestEnv(t *testing.T, startingCredits int) *testEnv {
	t.Helper()
	jobs := repo.NewMemoryJobRepository()
	dlq := repo.NewMemoryDeadLetterRepository()
	led := ledger.NewService(repo.NewMemoryLedgerRepository(), zerolog.Nop())
	q := queue.NewMemoryQueue(jobs)
	svc := NewService(jobs, dlq, led, q, nil, zerolog.Nop(), 3)

	if startingCredits > 0 {
		if err := led.Credit(context.Background(), "user-1", startingCredits, domain.TransactionPurchase, "seed"); err != nil {
			t.Fatalf("seed credits: %v", err)
		}
	}
	return &testEnv{svc: svc, jobs: jobs, dlq: dlq, ledger: led}
}

func (e *testEnv) balance(t *testing.T) int {
	t.Helper()
	bal, err := e.ledger.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func register(t *testing.T, e *testEnv, cost int) *domain.Job {
	t.Helper()
	job, err := e.svc.Register(context.Background(), RegisterInput{
		UserID:          "user-1",
		Type:            domain.JobTypeImage,
		Payload:         []byte(`{"prompt":"a cabin at dusk"}`),
		CreditsReserved: cost,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return job
}

func TestRegisterDebitsAndEnqueues(t *testing.T) {
	env := newTestEnv(t, 10)
	job := register(t, env, 4)

	if job.Status != domain.JobStatusPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if got := env.balance(t); got != 6 {
		t.Fatalf("balance = %d, want 6", got)
	}
	if job.MaxRetries != 3 {
		t.Fatalf("max retries = %d, want default 3", job.MaxRetries)
	}
}

func TestRegisterInsufficientCredits(t *testing.T) {
	env := newTestEnv(t, 3)
	_, err := env.svc.Register(context.Background(), RegisterInput{
		UserID:          "user-1",
		Type:            domain.JobTypeImage,
		Payload:         []byte(`{}`),
		CreditsReserved: 5,
	})
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if got := env.balance(t); got != 3 {
		t.Fatalf("balance = %d, want untouched 3", got)
	}
}

func TestRegisterIdempotencyKeyDedupes(t *testing.T) {
	env := newTestEnv(t, 10)
	in := RegisterInput{
		UserID:          "user-1",
		Type:            domain.JobTypeImage,
		Payload:         []byte(`{}`),
		CreditsReserved: 4,
		IdempotencyKey:  "replay-1",
	}
	first, err := env.svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	second, err := env.svc.Register(context.Background(), in)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("dedupe returned different job: %s != %s", first.ID, second.ID)
	}
	if got := env.balance(t); got != 6 {
		t.Fatalf("balance = %d, want single debit leaving 6", got)
	}
}

func TestCompleteClearsFailureAndKeepsDebit(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	job := register(t, env, 4)

	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, "results/abc.png", "", false); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	got, err := env.svc.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusCompleted || got.ResultRef != "results/abc.png" {
		t.Fatalf("job = %s/%s, want completed with result ref", got.Status, got.ResultRef)
	}
	if bal := env.balance(t); bal != 6 {
		t.Fatalf("balance = %d, completion must not refund", bal)
	}
}

func TestTransientFailureKeepsCreditsUntilExhausted(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	job := register(t, env, 4)

	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "upstream timeout", false); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	got, _ := env.svc.Job(ctx, job.ID)
	if got.Refunded {
		t.Fatal("failed job with retries left must not be refunded")
	}
	if bal := env.balance(t); bal != 6 {
		t.Fatalf("balance = %d, want reservation still held", bal)
	}
	letters, err := env.dlq.List(ctx, domain.JobTypeImage, 10)
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if len(letters) != 0 {
		t.Fatalf("dlq has %d entries, want none before exhaustion", len(letters))
	}
}

func TestRetryBudgetExhaustionRefundsOnceAndDeadLetters(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	job := register(t, env, 4)

	// burn the whole budget: initial attempt plus three retries
	for attempt := 0; attempt < 4; attempt++ {
		if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
			t.Fatalf("attempt %d to processing: %v", attempt, err)
		}
		if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "upstream timeout", false); err != nil {
			t.Fatalf("attempt %d to failed: %v", attempt, err)
		}
		if attempt < 3 {
			if err := env.svc.Retry(ctx, job.ID); err != nil {
				t.Fatalf("retry %d: %v", attempt, err)
			}
		}
	}

	got, _ := env.svc.Job(ctx, job.ID)
	if !got.Terminal() {
		t.Fatalf("job retry_count=%d max=%d not terminal", got.RetryCount, got.MaxRetries)
	}
	if !got.Refunded {
		t.Fatal("exhausted job must be refunded")
	}
	if bal := env.balance(t); bal != 10 {
		t.Fatalf("balance = %d, want full refund to 10", bal)
	}
	if err := env.svc.Retry(ctx, job.ID); !errors.Is(err, domain.ErrRetryExhausted) {
		t.Fatalf("retry after exhaustion = %v, want ErrRetryExhausted", err)
	}
	letters, err := env.dlq.List(ctx, domain.JobTypeImage, 10)
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dlq has %d entries, want exactly 1", len(letters))
	}
}

func TestPermanentFailureSkipsRetryBudget(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	job := register(t, env, 10)

	if bal := env.balance(t); bal != 0 {
		t.Fatalf("balance = %d after reserve, want 0", bal)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "content policy rejection", true); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	got, _ := env.svc.Job(ctx, job.ID)
	if !got.Permanent || !got.Terminal() {
		t.Fatal("moderation failure must be terminal on first report")
	}
	if bal := env.balance(t); bal != 10 {
		t.Fatalf("balance = %d, want refund back to 10", bal)
	}
	if err := env.svc.Retry(ctx, job.ID); !errors.Is(err, domain.ErrRetryExhausted) {
		t.Fatalf("retry of permanent failure = %v, want ErrRetryExhausted", err)
	}
}

func TestCancelPendingRefunds(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	job := register(t, env, 4)

	if err := env.svc.Cancel(ctx, job.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := env.svc.Job(ctx, job.ID)
	if got.Status != domain.JobStatusCancelled || !got.Refunded {
		t.Fatalf("job = %s refunded=%v, want cancelled and refunded", got.Status, got.Refunded)
	}
	if bal := env.balance(t); bal != 10 {
		t.Fatalf("balance = %d, want 10", bal)
	}
	// terminal: no further transitions
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("transition after cancel = %v, want ErrInvalidTransition", err)
	}
}

type abortSpy struct{ aborted []string }

func (a *abortSpy) Abort(jobID string) { a.aborted = append(a.aborted, jobID) }

func TestCancelProcessingAdvisesWorker(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	spy := &abortSpy{}
	env.svc.SetCanceller(spy)

	job := register(t, env, 4)
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.Cancel(ctx, job.ID, "user aborted"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(spy.aborted) != 1 || spy.aborted[0] != job.ID {
		t.Fatalf("aborted = %v, want [%s]", spy.aborted, job.ID)
	}
	// the worker's late failure report must be rejected, not double refunded
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "aborted", false); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("late report = %v, want ErrInvalidTransition", err)
	}
	if bal := env.balance(t); bal != 10 {
		t.Fatalf("balance = %d, want single refund to 10", bal)
	}
}

func TestCancelCompletedRejected(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	job := register(t, env, 4)

	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, "ref", "", false); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if err := env.svc.Cancel(ctx, job.ID, ""); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancel completed = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryResetsForAnotherAttempt(t *testing.T) {
	env := newTestEnv(t, 10)
	ctx := context.Background()
	job := register(t, env, 4)

	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "timeout", false); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if err := env.svc.Retry(ctx, job.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got, _ := env.svc.Job(ctx, job.ID)
	if got.Status != domain.JobStatusPending || got.RetryCount != 1 || got.FailureReason != "" {
		t.Fatalf("after retry: status=%s retry=%d reason=%q", got.Status, got.RetryCount, got.FailureReason)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("second attempt to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, "ref", "", false); err != nil {
		t.Fatalf("second attempt to completed: %v", err)
	}
	if bal := env.balance(t); bal != 6 {
		t.Fatalf("balance = %d, want debit retained on eventual success", bal)
	}
}

func TestRetryOfPendingRejected(t *testing.T) {
	env := newTestEnv(t, 10)
	job := register(t, env, 4)
	if err := env.svc.Retry(context.Background(), job.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("retry pending = %v, want ErrInvalidTransition", err)
	}
}

func TestStatsCountsActiveFailedAndRefunds(t *testing.T) {
	env := newTestEnv(t, 20)
	ctx := context.Background()

	active := register(t, env, 2)
	_ = active
	failed := register(t, env, 3)
	if err := env.svc.UpdateStatus(ctx, failed.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, failed.ID, domain.JobStatusFailed, "", "timeout", false); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	cancelled := register(t, env, 5)
	if err := env.svc.Cancel(ctx, cancelled.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	stats, err := env.svc.Stats(ctx, "user-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Active != 1 || stats.Failed != 1 || stats.PendingRetries != 1 || stats.CreditsRefunded != 5 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestClearOldFailedJobsSparesRetryable(t *testing.T) {
	env := newTestEnv(t, 20)
	ctx := context.Background()

	terminal := register(t, env, 2)
	if err := env.svc.UpdateStatus(ctx, terminal.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, terminal.ID, domain.JobStatusFailed, "", "rejected", true); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	retryable := register(t, env, 2)
	if err := env.svc.UpdateStatus(ctx, retryable.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, retryable.ID, domain.JobStatusFailed, "", "timeout", false); err != nil {
		t.Fatalf("to failed: %v", err)
	}

	// cutoff in the future relative to both updates
	removed, err := env.svc.ClearOldFailedJobs(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want only the terminal failure", removed)
	}
	if _, err := env.svc.Job(ctx, retryable.ID); err != nil {
		t.Fatalf("retryable job should survive sweep: %v", err)
	}
}

// flakyJobRepository fails a configured number of Updates after letting a
// few pass, standing in for a transient storage outage.
type flakyJobRepository struct {
	*repo.MemoryJobRepository
	allow    int
	failures int
}

var errStorageDown = errors.New("storage unavailable")

func (r *flakyJobRepository) Update(ctx context.Context, job *domain.Job) error {
	if r.failures > 0 {
		if r.allow > 0 {
			r.allow--
		} else {
			r.failures--
			return errStorageDown
		}
	}
	return r.MemoryJobRepository.Update(ctx, job)
}

func newFlakyEnv(t *testing.T, startingCredits, allow, failures int) (*testEnv, *flakyJobRepository) {
	t.Helper()
	jobs := &flakyJobRepository{
		MemoryJobRepository: repo.NewMemoryJobRepository(),
		allow:               allow,
		failures:            failures,
	}
	dlq := repo.NewMemoryDeadLetterRepository()
	led := ledger.NewService(repo.NewMemoryLedgerRepository(), zerolog.Nop())
	q := queue.NewMemoryQueue(jobs)
	svc := NewService(jobs, dlq, led, q, nil, zerolog.Nop(), 3)

	if startingCredits > 0 {
		if err := led.Credit(context.Background(), "user-1", startingCredits, domain.TransactionPurchase, "seed"); err != nil {
			t.Fatalf("seed credits: %v", err)
		}
	}
	return &testEnv{svc: svc, jobs: jobs.MemoryJobRepository, dlq: dlq, ledger: led}, jobs
}

func (e *testEnv) refunds(t *testing.T) int {
	t.Helper()
	txs, err := e.ledger.Transactions(context.Background(), "user-1", 50)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	n := 0
	for _, tx := range txs {
		if tx.Kind == domain.TransactionRefund {
			n++
		}
	}
	return n
}

func TestTerminalPersistFailureDefersRefund(t *testing.T) {
	// first Update (to processing) passes, the terminal persist fails once
	env, _ := newFlakyEnv(t, 10, 1, 1)
	ctx := context.Background()
	job := register(t, env, 10)

	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}

	err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "rejected", true)
	if !errors.Is(err, errStorageDown) {
		t.Fatalf("err = %v, want storage failure surfaced", err)
	}
	if got := env.balance(t); got != 0 {
		t.Fatalf("balance = %d, want 0: no refund before the state is persisted", got)
	}
	if got := env.refunds(t); got != 0 {
		t.Fatalf("refund transactions = %d, want 0", got)
	}
	stored, getErr := env.jobs.Get(ctx, job.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != domain.JobStatusProcessing {
		t.Fatalf("stored status = %s, want processing untouched", stored.Status)
	}

	// the retried report lands and refunds exactly once
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "rejected", true); err != nil {
		t.Fatalf("retried report: %v", err)
	}
	if got := env.balance(t); got != 10 {
		t.Fatalf("balance = %d, want 10 after single refund", got)
	}
	if got := env.refunds(t); got != 1 {
		t.Fatalf("refund transactions = %d, want exactly 1", got)
	}
}

func TestRefundFlagPersistFailureCannotDoubleRefund(t *testing.T) {
	// processing and terminal persists pass, the flag write after the credit
	// fails once
	env, _ := newFlakyEnv(t, 10, 2, 1)
	ctx := context.Background()
	job := register(t, env, 10)

	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
		t.Fatalf("to processing: %v", err)
	}
	if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "rejected", true); err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if got := env.balance(t); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}

	// a duplicate terminal report is rejected by the persisted terminal state
	err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusFailed, "", "rejected", true)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("duplicate report err = %v, want ErrInvalidTransition", err)
	}
	if got := env.balance(t); got != 10 {
		t.Fatalf("balance = %d after duplicate report, want 10", got)
	}
	if got := env.refunds(t); got != 1 {
		t.Fatalf("refund transactions = %d, want exactly 1", got)
	}
}

func TestCancelPersistFailureDoesNotRefund(t *testing.T) {
	env, _ := newFlakyEnv(t, 10, 0, 1)
	ctx := context.Background()
	job := register(t, env, 10)

	err := env.svc.Cancel(ctx, job.ID, "")
	if !errors.Is(err, errStorageDown) {
		t.Fatalf("err = %v, want storage failure surfaced", err)
	}
	if got := env.balance(t); got != 0 {
		t.Fatalf("balance = %d, want 0: no refund for an unpersisted cancel", got)
	}
	stored, getErr := env.jobs.Get(ctx, job.ID)
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != domain.JobStatusPending {
		t.Fatalf("stored status = %s, want pending untouched", stored.Status)
	}

	if err := env.svc.Cancel(ctx, job.ID, ""); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if got := env.balance(t); got != 10 {
		t.Fatalf("balance = %d, want 10", got)
	}
	if got := env.refunds(t); got != 1 {
		t.Fatalf("refund transactions = %d, want exactly 1", got)
	}
}

func TestJobLockMapDrainsAfterTransitions(t *testing.T) {
	env := newTestEnv(t, 20)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := register(t, env, 2)
		if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusProcessing, "", "", false); err != nil {
			t.Fatalf("to processing: %v", err)
		}
		if err := env.svc.UpdateStatus(ctx, job.ID, domain.JobStatusCompleted, "ref", "", false); err != nil {
			t.Fatalf("to completed: %v", err)
		}
	}

	env.svc.mu.Lock()
	held := len(env.svc.locks)
	env.svc.mu.Unlock()
	if held != 0 {
		t.Fatalf("lock map holds %d entries after all transitions released, want 0", held)
	}
}
