// Package offlinequeue buffers geofence events that could not be delivered and
// replays them later. Entries are deduplicated by idempotency key and survive
// restarts because every mutation is written to the backing store before the
// call returns.
package offlinequeue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/attendance-verifier/internal/attendance"
	"github.com/example/attendance-verifier/internal/metrics"
	"github.com/example/attendance-verifier/internal/persistence"
)

// Poster attempts delivery of one queued event. A nil error confirms delivery.
type Poster func(ctx context.Context, event attendance.GeofenceEvent) error

// FlushResult reports how many items one flush delivered and retained.
type FlushResult struct {
	OK     int `json:"ok"`
	Failed int `json:"failed"`
}

// Queue is the persisted list of pending events. All load-modify-store cycles
// run under one mutex so concurrent Enqueue and FlushOnce calls cannot lose writes.
type Queue struct {
	mu      sync.Mutex
	store   persistence.Store
	key     string
	metrics *metrics.Collectors
	logger  *slog.Logger
}

// Option customises a Queue.
type Option func(*Queue)

// WithKey overrides the storage key.
func WithKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithMetrics records queue depth and flush results.
func WithMetrics(m *metrics.Collectors) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// New returns a Queue persisted in store.
func New(store persistence.Store, opts ...Option) *Queue {
	q := &Queue{store: store, key: persistence.KeyOfflineQueue}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = attendance.DefaultLogger(q.logger)
	return q
}

// Enqueue stores event, replacing any entry with the same idempotency key in
// place and appending otherwise.
func (q *Queue) Enqueue(ctx context.Context, event attendance.GeofenceEvent) error {
	if event.IdempotencyKey == "" {
		return fmt.Errorf("offlinequeue: idempotency key is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.loadLocked(ctx)
	if err != nil {
		return err
	}

	replaced := false
	for i := range items {
		if items[i].IdempotencyKey == event.IdempotencyKey {
			items[i] = event
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, event)
	}

	if err := q.saveLocked(ctx, items); err != nil {
		return err
	}
	attendance.ComponentLogger(ctx, q.logger, "OfflineQueue", "Enqueue",
		"idempotency_key", event.IdempotencyKey,
		"replaced", replaced,
		"length", len(items),
	).InfoContext(ctx, "event queued")
	return nil
}

// FlushOnce offers every item of the current snapshot to poster, in order.
// Delivered items are dropped; failed ones are kept in their relative order.
// A failing item never stops the remaining ones from being attempted.
func (q *Queue) FlushOnce(ctx context.Context, poster Poster) (FlushResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.loadLocked(ctx)
	if err != nil {
		return FlushResult{}, err
	}
	if len(items) == 0 {
		return FlushResult{}, nil
	}

	logger := attendance.ComponentLogger(ctx, q.logger, "OfflineQueue", "FlushOnce", "length", len(items))

	var result FlushResult
	retained := make([]attendance.GeofenceEvent, 0, len(items))
	for _, item := range items {
		if err := post(ctx, poster, item); err != nil {
			result.Failed++
			retained = append(retained, item)
			logger.WarnContext(ctx, "queued event delivery failed",
				"idempotency_key", item.IdempotencyKey,
				"error", err,
				"error_kind", attendance.ErrorKind(err),
			)
			continue
		}
		result.OK++
	}

	if result.OK > 0 {
		if err := q.saveLocked(ctx, retained); err != nil {
			return FlushResult{}, err
		}
	}
	q.metrics.ObserveFlush(result.OK, result.Failed)
	logger.InfoContext(ctx, "offline queue flushed", "ok", result.OK, "failed", result.Failed)
	return result, nil
}

// Len returns the number of pending items.
func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.loadLocked(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Items returns a snapshot of the pending items.
func (q *Queue) Items(ctx context.Context) ([]attendance.GeofenceEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked(ctx)
}

func (q *Queue) loadLocked(ctx context.Context) ([]attendance.GeofenceEvent, error) {
	var items []attendance.GeofenceEvent
	if _, err := persistence.GetJSON(ctx, q.store, q.key, &items); err != nil {
		return nil, fmt.Errorf("offlinequeue: load: %w", err)
	}
	return items, nil
}

func (q *Queue) saveLocked(ctx context.Context, items []attendance.GeofenceEvent) error {
	if items == nil {
		items = []attendance.GeofenceEvent{}
	}
	if err := persistence.PutJSON(ctx, q.store, q.key, items); err != nil {
		return fmt.Errorf("offlinequeue: save: %w", err)
	}
	q.metrics.SetQueueLength(len(items))
	return nil
}

// post shields the queue from panicking posters.
func post(ctx context.Context, poster Poster, item attendance.GeofenceEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("offlinequeue: poster panicked: %v", p)
		}
	}()
	return poster(ctx, item)
}
