// Package queue implements the durable offline queue of record operations.
//
// Each collection has its own Queue guarded by its own mutex, so draining
// steps never blocks enqueueing heart rate. Within a collection items are
// ordered by Seq, and at most one item per local id is ever in flight.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/store"
)

// Op is a request to record one operation for later upload
type Op struct {
	Collection string
	LocalID    string
	Operation  models.Operation
	Payload    datatypes.JSON
}

// Stats summarizes queue contents by status
type Stats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Total counts every item still held by the queue
func (s Stats) Total() int {
	return s.Pending + s.Syncing + s.Failed
}

// Manager hands out one Queue per collection
type Manager struct {
	mu     sync.Mutex
	queues map[string]*Queue
	store  store.QueueStore
	now    func() time.Time
	log    *slog.Logger
}

// NewManager creates a queue manager over the given store
func NewManager(s store.QueueStore, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		queues: make(map[string]*Queue),
		store:  s,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// SetClock overrides the time source for every queue
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	for _, q := range m.queues {
		q.now = now
	}
}

// For returns the queue of a collection, creating it on first use
func (m *Manager) For(collection string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[collection]
	if !ok {
		q = &Queue{
			collection: collection,
			store:      m.store,
			now:        m.now,
			log:        m.log.With("collection", collection),
		}
		m.queues[collection] = q
	}
	return q
}

// Enqueue records op in its collection's queue
func (m *Manager) Enqueue(ctx context.Context, op Op) (*models.QueueItem, error) {
	return m.For(op.Collection).Enqueue(ctx, op)
}

// Recover returns items left in flight by a crash to pending.
// Call it before any drain.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	n, err := m.store.ResetSyncingQueue(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("Recovered in-flight queue items", "count", n)
	}
	return n, nil
}

// Collections lists collections that currently hold items
func (m *Manager) Collections(ctx context.Context) ([]string, error) {
	items, err := m.store.ListQueue(ctx, store.QueueFilter{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, item := range items {
		if !seen[item.Collection] {
			seen[item.Collection] = true
			out = append(out, item.Collection)
		}
	}
	return out, nil
}

// Queue is the ordered operation log of one collection
type Queue struct {
	mu         sync.Mutex
	collection string
	store      store.QueueStore
	now        func() time.Time
	log        *slog.Logger
}

// Collection returns the queue's collection name
func (q *Queue) Collection() string {
	return q.collection
}

// Enqueue appends op, or folds it into the newest item for the same local id
// when both are writes or both are deletes and that item never reached the
// remote: it was never drained, or it was permanently rejected. A folded item gets a
// fresh idempotency key because its payload changed.
//
// An item that was sent and may have been applied keeps its key and op
// queues behind it.
// Failed items of the local id become pending again with a fresh budget.
// Persistence failures surface as ErrQueuePersistFailed.
func (q *Queue) Enqueue(ctx context.Context, op Op) (*models.QueueItem, error) {
	if op.LocalID == "" {
		return nil, apperrors.NewValidationError("local id is required")
	}
	if !op.Operation.Valid() {
		return nil, apperrors.NewValidationError("unknown operation " + string(op.Operation))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	existing, err := q.store.ListQueue(ctx, store.QueueFilter{Collection: q.collection, LocalID: op.LocalID})
	if err != nil {
		return nil, apperrors.NewQueuePersistError(err)
	}

	if n := len(existing); n > 0 {
		tail := existing[n-1]
		unapplied := (tail.Status == models.SyncStatusPending && !tail.Sent) ||
			(tail.Status == models.SyncStatusFailed && tail.Rejected)
		if unapplied && tail.Operation.Class() == op.Operation.Class() {
			// the remote holds nothing from tail, so a create stays a create
			if tail.Operation != models.OperationCreate {
				tail.Operation = op.Operation
			}
			tail.Payload = op.Payload
			tail.IdempotencyKey = uuid.NewString()
			tail.Sent = false
			rearm(tail)

			changed := append(reviveFailed(existing[:n-1]), tail)
			if err := q.store.SaveQueueItems(ctx, changed...); err != nil {
				return nil, apperrors.NewQueuePersistError(err)
			}
			q.log.Debug("Coalesced queue item", "local_id", op.LocalID, "item_id", tail.ID)
			return tail, nil
		}

		// a rejected create never reached the remote; deleting it needs no create
		if tail.Status == models.SyncStatusFailed && tail.Rejected &&
			tail.Operation == models.OperationCreate && op.Operation == models.OperationDelete {
			if err := q.store.RemoveQueueItems(ctx, tail.ID); err != nil {
				return nil, apperrors.NewQueuePersistError(err)
			}
			existing = existing[:n-1]
		}
	}

	if revived := reviveFailed(existing); len(revived) > 0 {
		if err := q.store.SaveQueueItems(ctx, revived...); err != nil {
			return nil, apperrors.NewQueuePersistError(err)
		}
	}

	seq, err := q.store.MaxQueueSeq(ctx, q.collection)
	if err != nil {
		return nil, apperrors.NewQueuePersistError(err)
	}

	item := &models.QueueItem{
		ID:             uuid.NewString(),
		Seq:            seq + 1,
		Collection:     q.collection,
		LocalID:        op.LocalID,
		Operation:      op.Operation,
		Payload:        op.Payload,
		IdempotencyKey: uuid.NewString(),
		Status:         models.SyncStatusPending,
	}
	if err := q.store.SaveQueueItems(ctx, item); err != nil {
		return nil, apperrors.NewQueuePersistError(err)
	}
	return item, nil
}

// rearm makes item eligible again with a fresh attempt budget
func rearm(item *models.QueueItem) {
	item.Status = models.SyncStatusPending
	item.Attempts = 0
	item.LastError = ""
	item.Rejected = false
	item.NextAttemptAt = time.Time{}
}

// reviveFailed rearms the failed items among items and returns them.
// The remote caches its answer per idempotency key, so a rejected item
// needs a new key to be judged again; any other item may have been
// applied and keeps its key.
func reviveFailed(items []*models.QueueItem) []*models.QueueItem {
	var out []*models.QueueItem
	for _, item := range items {
		if item.Status != models.SyncStatusFailed {
			continue
		}
		if item.Rejected {
			item.IdempotencyKey = uuid.NewString()
			item.Sent = false
		}
		rearm(item)
		out = append(out, item)
	}
	return out
}

// Drain claims up to max eligible items in queue order and marks them syncing.
//
// Only the oldest item of each local id is considered. It is eligible when
// pending and past its NextAttemptAt; an in-flight or failed head blocks the
// items behind it.
func (q *Queue) Drain(ctx context.Context, max int) ([]*models.QueueItem, error) {
	return q.DrainExcept(ctx, max, nil)
}

// DrainExcept is Drain, but a local id whose head item is in held is skipped
func (q *Queue) DrainExcept(ctx context.Context, max int, held map[string]bool) ([]*models.QueueItem, error) {
	if max <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.store.ListQueue(ctx, store.QueueFilter{Collection: q.collection})
	if err != nil {
		return nil, err
	}

	now := q.now()
	seen := make(map[string]bool)
	var batch []*models.QueueItem
	for _, item := range items {
		if seen[item.LocalID] {
			continue
		}
		seen[item.LocalID] = true

		if item.Status != models.SyncStatusPending || item.NextAttemptAt.After(now) || held[item.ID] {
			continue
		}
		item.Status = models.SyncStatusSyncing
		item.Sent = true
		batch = append(batch, item)
		if len(batch) == max {
			break
		}
	}

	if len(batch) == 0 {
		return nil, nil
	}
	if err := q.store.SaveQueueItems(ctx, batch...); err != nil {
		return nil, err
	}
	return batch, nil
}

// Requeue returns drained items to the front of the queue after a failed
// attempt. Each item keeps its Seq, gains one attempt and waits backoff(attempt)
// before it is eligible again.
func (q *Queue) Requeue(ctx context.Context, items []*models.QueueItem, reason string, backoff func(attempt int) time.Duration) error {
	if len(items) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, item := range items {
		item.Attempts++
		item.Status = models.SyncStatusPending
		item.LastError = reason
		item.NextAttemptAt = time.Time{}
		if backoff != nil {
			item.NextAttemptAt = now.Add(backoff(item.Attempts))
		}
	}
	return q.store.SaveQueueItems(ctx, items...)
}

// Release puts drained items back untouched, for attempts abandoned before
// the remote answered
func (q *Queue) Release(ctx context.Context, items []*models.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range items {
		item.Status = models.SyncStatusPending
	}
	return q.store.SaveQueueItems(ctx, items...)
}

// Fail parks items until a user retries them. Items behind a failed item
// for the same local id stay blocked.
func (q *Queue) Fail(ctx context.Context, items []*models.QueueItem, reason string) error {
	return q.park(ctx, items, reason, false)
}

// Reject parks items the remote refused outright and did not apply
func (q *Queue) Reject(ctx context.Context, items []*models.QueueItem, reason string) error {
	return q.park(ctx, items, reason, true)
}

func (q *Queue) park(ctx context.Context, items []*models.QueueItem, reason string, rejected bool) error {
	if len(items) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range items {
		item.Attempts++
		item.Status = models.SyncStatusFailed
		item.LastError = reason
		item.Rejected = rejected
	}
	return q.store.SaveQueueItems(ctx, items...)
}

// Acknowledge removes items the remote has durably accepted
func (q *Queue) Acknowledge(ctx context.Context, items []*models.QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return q.store.RemoveQueueItems(ctx, ids...)
}

// Retry makes the failed items of a local id eligible again with a fresh budget
func (q *Queue) Retry(ctx context.Context, localID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	failed, err := q.store.ListQueue(ctx, store.QueueFilter{
		Collection: q.collection,
		LocalID:    localID,
		Statuses:   []models.SyncStatus{models.SyncStatusFailed},
	})
	if err != nil {
		return 0, err
	}
	reviveFailed(failed)
	if err := q.store.SaveQueueItems(ctx, failed...); err != nil {
		return 0, err
	}
	return len(failed), nil
}

// Discard drops unsent writes of a local id, used when a newer remote
// version supersedes them
func (q *Queue) Discard(ctx context.Context, localID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.store.ListQueue(ctx, store.QueueFilter{
		Collection: q.collection,
		LocalID:    localID,
		Statuses:   []models.SyncStatus{models.SyncStatusPending, models.SyncStatusFailed},
	})
	if err != nil {
		return 0, err
	}

	var ids []string
	for _, item := range items {
		if item.Operation.Class() == "write" {
			ids = append(ids, item.ID)
		}
	}
	if err := q.store.RemoveQueueItems(ctx, ids...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Remaining counts items still queued for a local id
func (q *Queue) Remaining(ctx context.Context, localID string) (int, error) {
	items, err := q.store.ListQueue(ctx, store.QueueFilter{Collection: q.collection, LocalID: localID})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// HasPending reports whether anything is still queued for a local id
func (q *Queue) HasPending(ctx context.Context, localID string) (bool, error) {
	n, err := q.Remaining(ctx, localID)
	return n > 0, err
}

// Stats counts the queue's items by status
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.store.ListQueue(ctx, store.QueueFilter{Collection: q.collection})
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	for _, item := range items {
		switch item.Status {
		case models.SyncStatusPending:
			s.Pending++
		case models.SyncStatusSyncing:
			s.Syncing++
		case models.SyncStatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Items lists the queue in order
func (q *Queue) Items(ctx context.Context) ([]*models.QueueItem, error) {
	return q.store.ListQueue(ctx, store.QueueFilter{Collection: q.collection})
}
