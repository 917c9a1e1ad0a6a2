package poll

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
)

// JobSource fetches job snapshots; the registry satisfies it.
type JobSource interface {
	Job(ctx context.Context, id string) (*domain.Job, error)
}

// Status is one observed job snapshot with coarse progress. Progress is not
// provider telemetry, only a lifecycle hint for client UIs.
type Status struct {
	JobID         string           `json:"job_id"`
	Status        domain.JobStatus `json:"status"`
	Progress      int              `json:"progress"`
	ResultRef     string           `json:"result_ref,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
}

// Progress maps a lifecycle state to a coarse completion percentage.
func Progress(job *domain.Job) int {
	switch job.Status {
	case domain.JobStatusPending:
		return 5
	case domain.JobStatusProcessing:
		return 50
	default:
		return 100
	}
}

// statusCacheTTL bounds staleness of the redis snapshot cache.
const statusCacheTTL = time.Hour

func statusCacheKey(jobID string) string { return "job:status:" + jobID }

// Poller watches a set of jobs on a ticker, invokes a callback when a job's
// state changes, stops watching terminal jobs, and mirrors the latest state
// into redis for other readers. One round runs at a time; a tick arriving
// while the previous round is still fetching is skipped rather than stacked.
type Poller struct {
	source   JobSource
	rdb      *redis.Client
	logger   zerolog.Logger
	interval time.Duration
	onChange func(Status)

	mu      sync.Mutex
	tracked map[string]domain.JobStatus

	inFlight atomic.Bool
	stopOnce sync.Once
	stopped  chan struct{}
}

func NewPoller(source JobSource, rdb *redis.Client, logger zerolog.Logger, interval time.Duration, onChange func(Status)) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		source:   source,
		rdb:      rdb,
		logger:   logger,
		interval: interval,
		onChange: onChange,
		tracked:  make(map[string]domain.JobStatus),
		stopped:  make(chan struct{}),
	}
}

// Track starts watching a job. Watching an already-tracked job is a no-op.
func (p *Poller) Track(jobID string) {
	p.mu.Lock()
	if _, ok := p.tracked[jobID]; !ok {
		p.tracked[jobID] = ""
	}
	p.mu.Unlock()
}

// Untrack stops watching a job.
func (p *Poller) Untrack(jobID string) {
	p.mu.Lock()
	delete(p.tracked, jobID)
	p.mu.Unlock()
}

// Tracking reports whether the poller is still watching a job.
func (p *Poller) Tracking(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tracked[jobID]
	return ok
}

// Run polls until Stop is called or ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-p.stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the poller. Safe to call any number of times, before or after
// Run returns.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

// tick runs one polling round unless the previous one is still going.
func (p *Poller) tick(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer p.inFlight.Store(false)

	p.mu.Lock()
	ids := make([]string, 0, len(p.tracked))
	for id := range p.tracked {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		p.observe(ctx, id)
	}
}

func (p *Poller) observe(ctx context.Context, id string) {
	job, err := p.source.Job(ctx, id)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", id).Msg("poll: fetch failed")
		return
	}

	p.mu.Lock()
	prev, tracking := p.tracked[id]
	changed := tracking && prev != job.Status
	if tracking {
		p.tracked[id] = job.Status
	}
	p.mu.Unlock()
	if !tracking {
		return
	}

	p.cache(ctx, job)

	if changed && p.onChange != nil {
		p.onChange(Status{
			JobID:         job.ID,
			Status:        job.Status,
			Progress:      Progress(job),
			ResultRef:     job.ResultRef,
			FailureReason: job.FailureReason,
		})
	}
	if job.Terminal() {
		p.Untrack(id)
	}
}

func (p *Poller) cache(ctx context.Context, job *domain.Job) {
	if p.rdb == nil {
		return
	}
	err := p.rdb.Set(ctx, statusCacheKey(job.ID), string(job.Status), statusCacheTTL).Err()
	if err != nil {
		p.logger.Debug().Err(err).Str("job_id", job.ID).Msg("poll: status cache write failed")
	}
}

// CachedStatus reads the last-known status from redis without touching the
// database. Empty string when nothing is cached.
func (p *Poller) CachedStatus(ctx context.Context, jobID string) string {
	if p.rdb == nil {
		return ""
	}
	val, err := p.rdb.Get(ctx, statusCacheKey(jobID)).Result()
	if err != nil {
		return ""
	}
	return val
}
