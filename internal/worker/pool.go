package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/provider"
	"github.com/pixelkiln/server/internal/queue"
	"github.com/pixelkiln/server/internal/registry"
)

// Report is a single worker outcome headed for the registry. Workers never
// touch the ledger or the jobs table; everything flows through this struct
// so the registry stays the only writer of lifecycle state.
type Report struct {
	JobID         string
	Status        domain.JobStatus
	ResultRef     string
	FailureReason string
	Permanent     bool
}

// Sweeper reclaims jobs whose worker died mid-lease. PGQueue implements it;
// the in-memory queue has no leases and tests pass nil.
type Sweeper interface {
	RequeueStuck(ctx context.Context, jobType domain.JobType, leaseSeconds int) error
}

// Options tune one Pool. Zero values fall back to safe defaults.
type Options struct {
	WorkersPerQueue int
	PollInterval    time.Duration
	ProviderTimeout time.Duration
	LeaseSweepEvery time.Duration
	LeaseSeconds    int
	ReportBuffer    int
}

func (o *Options) defaults() {
	if o.WorkersPerQueue <= 0 {
		o.WorkersPerQueue = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 2 * time.Minute
	}
	if o.LeaseSweepEvery <= 0 {
		o.LeaseSweepEvery = 30 * time.Second
	}
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = 300
	}
	if o.ReportBuffer <= 0 {
		o.ReportBuffer = 64
	}
}

// Pool runs the claim/execute loops for every job type and a single
// dispatcher that applies outcomes to the registry in order of arrival.
type Pool struct {
	queue    queue.Queue
	sweeper  Sweeper
	registry *registry.Service
	gen      provider.Generator
	logger   zerolog.Logger
	opts     Options

	reports chan Report

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc

	wg sync.WaitGroup
}

func NewPool(q queue.Queue, sweeper Sweeper, reg *registry.Service, gen provider.Generator, logger zerolog.Logger, opts Options) *Pool {
	opts.defaults()
	return &Pool{
		queue:    q,
		sweeper:  sweeper,
		registry: reg,
		gen:      gen,
		logger:   logger,
		opts:     opts,
		reports:  make(chan Report, opts.ReportBuffer),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Run starts the workers, the dispatcher and the lease sweeper, and blocks
// until ctx is cancelled and all in-flight work has been reported.
func (p *Pool) Run(ctx context.Context) {
	for _, jobType := range domain.JobTypes {
		for i := 0; i < p.opts.WorkersPerQueue; i++ {
			p.wg.Add(1)
			go p.workLoop(ctx, jobType)
		}
	}
	if p.sweeper != nil {
		p.wg.Add(1)
		go p.sweepLoop(ctx)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	for {
		select {
		case report := <-p.reports:
			p.apply(report)
		case <-done:
			// drain whatever the workers managed to send before exiting
			for {
				select {
				case report := <-p.reports:
					p.apply(report)
				default:
					return
				}
			}
		}
	}
}

// Abort cancels the in-flight provider call for a job, if any. Advisory: the
// job may have finished already, in which case the late report is rejected
// by the registry's transition validation.
func (p *Pool) Abort(jobID string) {
	p.mu.Lock()
	cancel, ok := p.inFlight[jobID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) workLoop(ctx context.Context, jobType domain.JobType) {
	defer p.wg.Done()
	for {
		job, err := p.queue.Claim(ctx, jobType)
		if err != nil {
			if !errors.Is(err, domain.ErrNoJob) && ctx.Err() == nil {
				p.logger.Error().Err(err).Str("type", string(jobType)).Msg("worker: claim failed")
			}
			select {
			case <-time.After(p.opts.PollInterval):
				continue
			case <-ctx.Done():
				return
			}
		}
		p.process(ctx, job)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, job *domain.Job) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.ProviderTimeout)
	p.track(job.ID, cancel)
	defer p.untrack(job.ID, cancel)

	started := time.Now()
	result, perr := p.gen.Submit(callCtx, provider.Request{
		JobID:   job.ID,
		UserID:  job.UserID,
		Type:    string(job.Type),
		Payload: job.Payload,
	})

	if perr != nil {
		p.logger.Warn().
			Str("job_id", job.ID).
			Str("code", perr.Code).
			Bool("retryable", perr.Retryable).
			Dur("elapsed", time.Since(started)).
			Msg("worker: provider failure")
		p.report(ctx, Report{
			JobID:         job.ID,
			Status:        domain.JobStatusFailed,
			FailureReason: perr.Message,
			Permanent:     !perr.Retryable,
		})
		return
	}

	p.logger.Info().
		Str("job_id", job.ID).
		Str("type", string(job.Type)).
		Dur("elapsed", time.Since(started)).
		Msg("worker: job done")
	p.report(ctx, Report{
		JobID:     job.ID,
		Status:    domain.JobStatusCompleted,
		ResultRef: result.Ref,
	})
}

// report sends over the bounded channel. A full channel applies backpressure
// to the worker rather than dropping outcomes.
func (p *Pool) report(ctx context.Context, r Report) {
	select {
	case p.reports <- r:
	case <-ctx.Done():
		// shutdown: apply directly so the outcome is never lost
		p.apply(r)
	}
}

// applyAttempts bounds the retries for a report the registry could not
// persist. Reports are the only carrier of terminal outcomes, so a dropped
// one would strand the job until the lease sweep resurrects it.
const (
	applyAttempts   = 3
	applyRetryDelay = 200 * time.Millisecond
)

func (p *Pool) apply(r Report) {
	var err error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(applyRetryDelay)
		}
		err = p.registry.UpdateStatus(context.Background(), r.JobID, r.Status, r.ResultRef, r.FailureReason, r.Permanent)
		if err == nil {
			return
		}
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
			// usually a report racing a user cancellation
			p.logger.Debug().Err(err).Str("job_id", r.JobID).Msg("worker: report rejected")
			return
		}
	}
	p.logger.Error().Err(err).Str("job_id", r.JobID).Msg("worker: report failed")
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.LeaseSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, jobType := range domain.JobTypes {
				if err := p.sweeper.RequeueStuck(ctx, jobType, p.opts.LeaseSeconds); err != nil {
					p.logger.Error().Err(err).Str("type", string(jobType)).Msg("worker: lease sweep failed")
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) track(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	p.inFlight[jobID] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	delete(p.inFlight, jobID)
	p.mu.Unlock()
	cancel()
}

var _ registry.Canceller = (*Pool)(nil)
