package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
)

// EventKind names the queue-level outcomes observable by monitoring
// consumers.
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is emitted once per terminal worker outcome, decoupled from the
// worker that produced it.
type Event struct {
	JobID  string         `json:"job_id"`
	UserID string         `json:"user_id"`
	Type   domain.JobType `json:"type"`
	Kind   EventKind      `json:"kind"`
	Reason string         `json:"reason,omitempty"`
	At     time.Time      `json:"at"`
}

// EventChannel is the redis pub/sub channel for one job type.
func EventChannel(jobType domain.JobType) string {
	return "queue:events:" + string(jobType)
}

// EventBus fans queue events out to in-process subscribers and mirrors them
// to redis pub/sub so external monitors need no coupling to worker
// internals. The redis client is optional.
type EventBus struct {
	rdb    *redis.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[domain.JobType]map[string]chan Event
}

func NewEventBus(rdb *redis.Client, logger zerolog.Logger) *EventBus {
	return &EventBus{
		rdb:    rdb,
		logger: logger,
		subs:   make(map[domain.JobType]map[string]chan Event),
	}
}

// Subscribe registers an in-process consumer for one job type's events.
func (b *EventBus) Subscribe(jobType domain.JobType, buf int) (<-chan Event, func()) {
	if buf < 1 {
		buf = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subID := uuid.NewString()
	if _, ok := b.subs[jobType]; !ok {
		b.subs[jobType] = make(map[string]chan Event)
	}
	ch := make(chan Event, buf)
	b.subs[jobType][subID] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		typeSubs, ok := b.subs[jobType]
		if !ok {
			return
		}
		c, ok := typeSubs[subID]
		if !ok {
			return
		}
		delete(typeSubs, subID)
		close(c)
		if len(typeSubs) == 0 {
			delete(b.subs, jobType)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to subscribers without blocking the producer;
// slow subscribers miss events. Redis mirroring is best-effort.
func (b *EventBus) Publish(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	for _, ch := range b.subs[evt.Type] {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.RUnlock()

	if b.rdb == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, EventChannel(evt.Type), payload).Err(); err != nil {
		b.logger.Warn().Err(err).Str("job_id", evt.JobID).Msg("queue: event publish to redis failed")
	}
}
