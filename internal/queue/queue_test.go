package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/logger"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/store"
)

func newManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewManager(s, logger.Discard()), s
}

func write(id string, value string) Op {
	return Op{Collection: "heart_rate", LocalID: id, Operation: models.OperationCreate, Payload: []byte(`{"value":` + value + `}`)}
}

func TestEnqueueAssignsOrderAndKeys(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	a, err := m.Enqueue(ctx, write("a", "60"))
	require.NoError(t, err)
	b, err := m.Enqueue(ctx, write("b", "61"))
	require.NoError(t, err)

	assert.Less(t, a.Seq, b.Seq)
	assert.NotEmpty(t, a.IdempotencyKey)
	assert.NotEqual(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.Equal(t, models.SyncStatusPending, a.Status)
}

func TestEnqueueValidates(t *testing.T) {
	m, _ := newManager(t)

	_, err := m.Enqueue(context.Background(), Op{Collection: "steps", Operation: models.OperationCreate})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	_, err = m.Enqueue(context.Background(), Op{Collection: "steps", LocalID: "x", Operation: "upsert"})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
}

func TestEnqueueCoalescesUnsentWrites(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	first, err := q.Enqueue(ctx, write("a", "60"))
	require.NoError(t, err)

	second, err := q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationUpdate, Payload: []byte(`{"value":65}`)})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.OperationCreate, second.Operation, "unsent create stays a create")
	assert.NotEqual(t, first.IdempotencyKey, second.IdempotencyKey)

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.JSONEq(t, `{"value":65}`, string(items[0].Payload))
}

func TestEnqueueDoesNotCoalesceIntoInFlightItem(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	_, err := q.Enqueue(ctx, write("a", "60"))
	require.NoError(t, err)
	drained, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, drained, 1)

	next, err := q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationUpdate, Payload: []byte(`{"value":70}`)})
	require.NoError(t, err)
	assert.NotEqual(t, drained[0].ID, next.ID)
	assert.Greater(t, next.Seq, drained[0].Seq)

	// delete after a write is its own item
	del, err := q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationDelete})
	require.NoError(t, err)
	assert.NotEqual(t, next.ID, del.ID)
}

func TestDrainOneItemPerLocalID(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	_, err := q.Enqueue(ctx, write("a", "60"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, write("b", "61"))
	require.NoError(t, err)

	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	// a's second write queues behind the in-flight one and must not be drained
	_, err = q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationUpdate, Payload: []byte(`{"value":62}`)})
	require.NoError(t, err)

	again, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Acknowledge(ctx, batch[:1]))
	again, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "a", again[0].LocalID)
	assert.Equal(t, models.OperationUpdate, again[0].Operation)
}

func TestDrainRespectsMaxAndOrder(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("steps")

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := q.Enqueue(ctx, Op{Collection: "steps", LocalID: id, Operation: models.OperationCreate, Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	batch, err := q.Drain(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].LocalID)
	assert.Equal(t, "b", batch[1].LocalID)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 3, Syncing: 2}, stats)
}

func TestRequeueKeepsPositionAndBacksOff(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })
	q := m.For("steps")

	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, Op{Collection: "steps", LocalID: id, Operation: models.OperationCreate, Payload: []byte(`{}`)})
		require.NoError(t, err)
	}

	batch, err := q.Drain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, q.Requeue(ctx, batch, "network down", func(attempt int) time.Duration {
		return time.Duration(attempt) * time.Minute
	}))

	items, err := q.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", items[0].LocalID, "requeued item stays at the front")
	assert.Equal(t, 1, items[0].Attempts)
	assert.Equal(t, "network down", items[0].LastError)
	assert.True(t, items[0].NextAttemptAt.Equal(now.Add(time.Minute)))

	// a is backing off, so only b is eligible
	batch, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "b", batch[0].LocalID)

	now = now.Add(2 * time.Minute)
	batch, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "a", batch[0].LocalID)
}

func TestFailBlocksUntilRetry(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("profile")

	_, err := q.Enqueue(ctx, Op{Collection: "profile", LocalID: "p", Operation: models.OperationCreate, Payload: []byte(`{}`)})
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	key := batch[0].IdempotencyKey
	require.NoError(t, q.Fail(ctx, batch, "schema mismatch"))

	batch, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch, "failed items are not retried automatically")

	n, err := q.Retry(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, models.OperationCreate, batch[0].Operation)
	assert.Zero(t, batch[0].Attempts)
	assert.Equal(t, key, batch[0].IdempotencyKey, "an item that may have been applied keeps its key")
}

func TestRetryOfRejectedItemGetsNewKey(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("profile")

	_, err := q.Enqueue(ctx, Op{Collection: "profile", LocalID: "p", Operation: models.OperationCreate, Payload: []byte(`{}`)})
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	key := batch[0].IdempotencyKey
	require.NoError(t, q.Reject(ctx, batch, "bad payload"))

	items, err := q.Items(ctx)
	require.NoError(t, err)
	assert.True(t, items[0].Rejected)

	_, err = q.Retry(ctx, "p")
	require.NoError(t, err)

	batch, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.NotEqual(t, key, batch[0].IdempotencyKey)
	assert.False(t, batch[0].Rejected)
}

func TestEnqueueKeepsKeyOfSentItem(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	_, err := q.Enqueue(ctx, write("a", "60"))
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	sent := batch[0]
	// the remote may have applied it even though no answer came back
	require.NoError(t, q.Requeue(ctx, batch, "response lost", nil))

	edit, err := q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationUpdate, Payload: []byte(`{"value":65}`)})
	require.NoError(t, err)
	assert.NotEqual(t, sent.ID, edit.ID)
	assert.Equal(t, models.OperationUpdate, edit.Operation)

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, sent.IdempotencyKey, items[0].IdempotencyKey)
	assert.JSONEq(t, `{"value":60}`, string(items[0].Payload))
	assert.JSONEq(t, `{"value":65}`, string(items[1].Payload))
}

func TestEnqueueKeepsKeyOfReleasedItem(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	_, err := q.Enqueue(ctx, write("a", "60"))
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	// the upload was abandoned after it left, so the remote may hold it
	require.NoError(t, q.Release(ctx, batch))

	edit, err := q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationUpdate, Payload: []byte(`{"value":61}`)})
	require.NoError(t, err)
	assert.NotEqual(t, batch[0].ID, edit.ID)

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, batch[0].IdempotencyKey, items[0].IdempotencyKey)
	assert.Zero(t, items[0].Attempts)
}

func TestEnqueueFoldsIntoRejectedItem(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	_, err := q.Enqueue(ctx, write("a", "-5"))
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	rejected := batch[0]
	require.NoError(t, q.Reject(ctx, batch, "value must not be negative"))

	fixed, err := q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationUpdate, Payload: []byte(`{"value":60}`)})
	require.NoError(t, err)
	assert.Equal(t, rejected.ID, fixed.ID)
	assert.Equal(t, models.OperationCreate, fixed.Operation)
	assert.NotEqual(t, rejected.IdempotencyKey, fixed.IdempotencyKey)
	assert.Equal(t, models.SyncStatusPending, fixed.Status)
	assert.Zero(t, fixed.Attempts)
	assert.Empty(t, fixed.LastError)
	assert.False(t, fixed.Rejected)

	batch, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.JSONEq(t, `{"value":60}`, string(batch[0].Payload))
}

func TestEnqueueRevivesExhaustedItem(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	_, err := q.Enqueue(ctx, write("a", "60"))
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	sent := batch[0]
	require.NoError(t, q.Fail(ctx, batch, "connection reset"))

	_, err = q.Enqueue(ctx, write("a", "61"))
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2}, stats)

	batch, err = q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, sent.ID, batch[0].ID)
	assert.Equal(t, sent.IdempotencyKey, batch[0].IdempotencyKey)
	assert.Zero(t, batch[0].Attempts)
}

func TestDeleteOfRejectedCreateDropsIt(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("heart_rate")

	_, err := q.Enqueue(ctx, write("a", "-5"))
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.Reject(ctx, batch, "value must not be negative"))

	del, err := q.Enqueue(ctx, Op{Collection: "heart_rate", LocalID: "a", Operation: models.OperationDelete})
	require.NoError(t, err)

	items, err := q.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, del.ID, items[0].ID)
	assert.Equal(t, models.OperationDelete, items[0].Operation)
}

func TestDrainExceptSkipsHeldItems(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("steps")

	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, Op{Collection: "steps", LocalID: id, Operation: models.OperationCreate, Payload: []byte(`{}`)})
		require.NoError(t, err)
	}
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	require.NoError(t, q.Requeue(ctx, batch, "timeout", nil))

	held := map[string]bool{batch[0].ID: true}
	again, err := q.DrainExcept(ctx, 10, held)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, "b", again[0].LocalID)
}

func TestReleaseDoesNotCountAttempt(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("steps")

	_, err := q.Enqueue(ctx, Op{Collection: "steps", LocalID: "a", Operation: models.OperationCreate, Payload: []byte(`{}`)})
	require.NoError(t, err)
	batch, err := q.Drain(ctx, 10)
	require.NoError(t, err)
	require.NoError(t, q.Release(ctx, batch))

	items, err := q.Items(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, items[0].Status)
	assert.Zero(t, items[0].Attempts)
}

func TestDiscardDropsUnsentWrites(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	q := m.For("profile")

	_, err := q.Enqueue(ctx, Op{Collection: "profile", LocalID: "p", Operation: models.OperationUpdate, Payload: []byte(`{}`)})
	require.NoError(t, err)

	n, err := q.Discard(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	left, err := q.Remaining(ctx, "p")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestRecoverResetsInFlight(t *testing.T) {
	m, s := newManager(t)
	ctx := context.Background()
	q := m.For("steps")

	_, err := q.Enqueue(ctx, Op{Collection: "steps", LocalID: "a", Operation: models.OperationCreate, Payload: []byte(`{}`)})
	require.NoError(t, err)
	_, err = q.Drain(ctx, 10)
	require.NoError(t, err)

	// a fresh manager over the same store stands in for a restart
	restarted := NewManager(s, logger.Discard())
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batch, err := restarted.For("steps").Drain(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 1)

	cols, err := restarted.Collections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"steps"}, cols)
}

// failingStore rejects every write
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) SaveQueueItems(ctx context.Context, items ...*models.QueueItem) error {
	return errors.New("disk full")
}

func TestEnqueuePersistFailure(t *testing.T) {
	m := NewManager(failingStore{store.NewMemoryStore()}, logger.Discard())

	_, err := m.Enqueue(context.Background(), write("a", "60"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrQueuePersistFailed))
	assert.True(t, apperrors.NeedsUserAction(err))
	assert.EqualError(t, errors.Unwrap(err), "disk full")
}
