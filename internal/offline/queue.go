package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/storage"
)

// SnapshotKey is where the queue persists itself between restarts.
const SnapshotKey = "offline/queue.json"

// Handler replays one deferred operation once connectivity returns. An error
// counts against the item's retry budget.
type Handler func(ctx context.Context, item domain.OfflineItem) error

// QueueOptions tune capacity and drain pacing.
type QueueOptions struct {
	Max         int
	ItemTimeout time.Duration
	ItemDelay   time.Duration
}

func (o *QueueOptions) defaults() {
	if o.Max <= 0 {
		o.Max = 100
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 10 * time.Second
	}
	if o.ItemDelay <= 0 {
		o.ItemDelay = 100 * time.Millisecond
	}
}

// Queue is the bounded, prioritized store of operations deferred while
// offline. Every mutation rewrites the snapshot so a crash loses nothing but
// the mutation in flight.
type Queue struct {
	store  *storage.FileStore
	logger zerolog.Logger
	opts   QueueOptions

	mu       sync.Mutex
	items    []domain.OfflineItem
	handlers map[domain.OperationType]Handler
	draining bool
}

// NewQueue builds a queue and loads any snapshot a previous run left behind.
// A missing or corrupt snapshot starts the queue empty.
func NewQueue(store *storage.FileStore, logger zerolog.Logger, opts QueueOptions) *Queue {
	opts.defaults()
	q := &Queue{
		store:    store,
		logger:   logger,
		opts:     opts,
		handlers: make(map[domain.OperationType]Handler),
	}
	q.load()
	return q
}

// Handle registers the replay function for one operation type. Items with no
// handler are dropped at drain time.
func (q *Queue) Handle(op domain.OperationType, h Handler) {
	q.mu.Lock()
	q.handlers[op] = h
	q.mu.Unlock()
}

// Enqueue defers an operation. A full queue evicts the oldest item of the
// lowest present tier, but only when that tier is no higher than the
// arrival's: a low-priority arrival never displaces medium or high work, it
// is rejected instead.
func (q *Queue) Enqueue(item domain.OfflineItem) error {
	if item.ID == "" {
		return fmt.Errorf("%w: id required", domain.ErrInvalidPayload)
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = 3
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == item.ID {
			return domain.ErrDuplicateOperation
		}
	}

	if len(q.items) >= q.opts.Max {
		victim := q.lowestOldestLocked()
		if victim < 0 || q.items[victim].Priority.Rank() < item.Priority.Rank() {
			return domain.ErrQueueFull
		}
		evicted := q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		q.logger.Warn().
			Str("evicted_id", evicted.ID).
			Str("evicted_op", string(evicted.Op)).
			Str("priority", string(evicted.Priority)).
			Msg("offline: queue full, evicted oldest low-tier item")
	}

	q.items = append(q.items, item)
	q.persistLocked()
	return nil
}

// Len returns the number of deferred operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a snapshot copy in drain order.
func (q *Queue) Items() []domain.OfflineItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.OfflineItem, len(q.items))
	copy(out, q.items)
	sortForDrain(out)
	return out
}

// Drain replays deferred operations one at a time, highest priority first
// and FIFO within a tier. Each item gets a bounded attempt; failures burn
// the item's retry budget and exhausted items are dropped. Re-entrant calls
// are no-ops so a flapping connection cannot start concurrent drains.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		item, handler, ok := q.next()
		if !ok {
			return
		}

		var err error
		if handler == nil {
			err = fmt.Errorf("offline: no handler for %s", item.Op)
		} else {
			itemCtx, cancel := context.WithTimeout(ctx, q.opts.ItemTimeout)
			err = handler(itemCtx, item)
			cancel()
		}

		if err == nil {
			q.remove(item.ID)
			q.logger.Info().Str("id", item.ID).Str("op", string(item.Op)).Msg("offline: replayed")
		} else {
			dropped := q.fail(item.ID)
			evt := q.logger.Warn().Err(err).Str("id", item.ID).Str("op", string(item.Op))
			if dropped {
				evt.Msg("offline: replay retries exhausted, dropped")
			} else {
				evt.Msg("offline: replay failed, will retry")
			}
		}

		select {
		case <-time.After(q.opts.ItemDelay):
		case <-ctx.Done():
			return
		}
	}
}

// next picks the head of the drain order along with its handler.
func (q *Queue) next() (domain.OfflineItem, Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return domain.OfflineItem{}, nil, false
	}
	ordered := make([]domain.OfflineItem, len(q.items))
	copy(ordered, q.items)
	sortForDrain(ordered)
	head := ordered[0]
	return head, q.handlers[head.Op], true
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.persistLocked()
}

// fail bumps the item's retry count and reports whether it was dropped.
func (q *Queue) fail(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.items {
		if q.items[i].ID != id {
			continue
		}
		q.items[i].RetryCount++
		if q.items[i].RetryCount >= q.items[i].MaxRetries {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.persistLocked()
			return true
		}
		q.persistLocked()
		return false
	}
	return false
}

// lowestOldestLocked returns the index of the oldest item in the lowest
// present tier, or -1 when empty.
func (q *Queue) lowestOldestLocked() int {
	idx := -1
	for i := range q.items {
		if idx < 0 {
			idx = i
			continue
		}
		cur, best := q.items[i], q.items[idx]
		if cur.Priority.Rank() > best.Priority.Rank() ||
			(cur.Priority.Rank() == best.Priority.Rank() && cur.EnqueuedAt.Before(best.EnqueuedAt)) {
			idx = i
		}
	}
	return idx
}

func (q *Queue) persistLocked() {
	if q.store == nil {
		return
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		q.logger.Error().Err(err).Msg("offline: snapshot marshal failed")
		return
	}
	if _, err := q.store.Write(context.Background(), SnapshotKey, data); err != nil {
		q.logger.Error().Err(err).Msg("offline: snapshot write failed")
	}
}

func (q *Queue) load() {
	if q.store == nil {
		return
	}
	data, err := q.store.Read(context.Background(), SnapshotKey)
	if err != nil {
		if err != storage.ErrNotFound {
			q.logger.Warn().Err(err).Msg("offline: snapshot read failed, starting empty")
		}
		return
	}
	var items []domain.OfflineItem
	if err := json.Unmarshal(data, &items); err != nil {
		q.logger.Warn().Err(err).Msg("offline: snapshot corrupt, starting empty")
		return
	}
	q.items = items
	if len(items) > 0 {
		q.logger.Info().Int("count", len(items)).Msg("offline: restored deferred operations")
	}
}

func sortForDrain(items []domain.OfflineItem) {
	sort.SliceStable(items, func(i, k int) bool {
		ri, rk := items[i].Priority.Rank(), items[k].Priority.Rank()
		if ri != rk {
			return ri < rk
		}
		return items[i].EnqueuedAt.Before(items[k].EnqueuedAt)
	})
}
