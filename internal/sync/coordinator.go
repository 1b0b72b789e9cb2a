package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/queue"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/retry"
	"github.com/xelth-com/healthsync/internal/store"
)

// CoordinatorOptions tunes batching and retries
type CoordinatorOptions struct {
	BatchSize      int
	MaxAttempts    int
	RequestTimeout time.Duration
	Policy         retry.Policy
}

// Coordinator moves queued operations to the remote in batches.
// At most one run per collection is active; later triggers join it.
type Coordinator struct {
	store    store.EntityStore
	queues   *queue.Manager
	client   remote.Client
	feed     remote.ChangeFeed
	resolver *ConflictResolver
	locks    *KeyedMutex
	conn     Connectivity
	opts     CoordinatorOptions

	// runs outlive the trigger that started them
	base context.Context
	runs singleflight.Group

	cursorMu sync.Mutex
	cursors  map[string]int64

	now func() time.Time
	log *slog.Logger
}

func newCoordinator(base context.Context, s store.EntityStore, queues *queue.Manager, client remote.Client,
	resolver *ConflictResolver, locks *KeyedMutex, conn Connectivity, opts CoordinatorOptions,
	now func() time.Time, log *slog.Logger) *Coordinator {

	feed, _ := client.(remote.ChangeFeed)
	return &Coordinator{
		store:    s,
		queues:   queues,
		client:   client,
		feed:     feed,
		resolver: resolver,
		locks:    locks,
		conn:     conn,
		opts:     opts,
		base:     base,
		cursors:  make(map[string]int64),
		now:      now,
		log:      log.With("component", "coordinator"),
	}
}

// Sync runs the collection's queue to completion, or joins the run already
// in progress. ctx only bounds how long the caller waits.
func (c *Coordinator) Sync(ctx context.Context, collection string) (SyncSummary, error) {
	ch := c.runs.DoChan(collection, func() (interface{}, error) {
		return c.run(c.base, collection)
	})

	select {
	case <-ctx.Done():
		return SyncSummary{Collections: []string{collection}}, ctx.Err()
	case res := <-ch:
		sum, _ := res.Val.(SyncSummary)
		sum.Joined = res.Shared
		return sum, res.Err
	}
}

func (c *Coordinator) run(ctx context.Context, collection string) (SyncSummary, error) {
	start := c.now()
	sum := SyncSummary{Collections: []string{collection}, StartedAt: start}
	q := c.queues.For(collection)
	log := c.log.With("collection", collection)

	// items that failed transiently this run wait for the next one
	held := make(map[string]bool)

	var runErr error
	for ctx.Err() == nil {
		if c.conn != nil && !c.conn.IsOnline() {
			sum.Offline = true
			break
		}

		items, err := q.DrainExcept(ctx, c.opts.BatchSize, held)
		if err != nil {
			runErr = err
			break
		}
		if len(items) == 0 {
			break
		}

		if err := c.processBatch(ctx, q, items, held, &sum); err != nil {
			// the remote is unreachable, requeued items wait out their backoff
			sum.Errors = append(sum.Errors, err.Error())
			break
		}
	}

	if runErr == nil && !sum.Offline && ctx.Err() == nil && c.feed != nil {
		n, err := c.pull(ctx, q, collection)
		sum.Pulled = n
		if err != nil {
			sum.Errors = append(sum.Errors, err.Error())
			log.Warn("Pull failed", "error", err)
		}
	}

	if stats, err := q.Stats(context.WithoutCancel(ctx)); err == nil {
		sum.Pending = stats.Pending + stats.Syncing
	}
	sum.Duration = c.now().Sub(start)

	if sum.Attempted > 0 || sum.Pulled > 0 {
		log.Info("Sync run finished",
			"attempted", sum.Attempted,
			"succeeded", sum.Succeeded,
			"retrying", sum.Retrying,
			"failed", sum.Failed,
			"conflicts", sum.Conflicts,
			"pulled", sum.Pulled,
			"duration", sum.Duration)
	}
	return sum, runErr
}

// processBatch uploads one drained batch and applies per-item results.
// Items requeued after a transient failure are added to held.
// It returns an error only when the batch as a whole did not reach the remote.
func (c *Coordinator) processBatch(ctx context.Context, q *queue.Queue, items []*models.QueueItem, held map[string]bool, sum *SyncSummary) error {
	// bookkeeping must finish even if ctx is cancelled mid-batch
	bk := context.WithoutCancel(ctx)
	sum.Attempted += len(items)

	uploads := make([]remote.UploadItem, 0, len(items))
	for _, item := range items {
		uploads = append(uploads, c.prepare(bk, item))
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	res, err := c.client.UploadBatch(callCtx, uploads)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			c.release(bk, q, items)
			sum.Attempted -= len(items)
			return ctx.Err()
		}
		if apperrors.TypeOf(err) == apperrors.ErrorTypeRejected {
			c.fail(bk, q, items, "rejected: "+err.Error(), true)
			sum.Failed += len(items)
			return nil
		}
		c.retryOrFail(bk, q, items, err.Error(), sum)
		return apperrors.NewTransientError(err, "upload batch")
	}

	results := res.ByKey()
	transient := make(map[string][]*models.QueueItem)
	// local-wins resends go out again in this run under their new key
	resend := make(map[string][]*models.QueueItem)
	var done []*models.QueueItem

	for _, item := range items {
		r, ok := results[item.IdempotencyKey]
		if !ok {
			transient["no result returned for item"] = append(transient["no result returned for item"], item)
			continue
		}

		switch r.Status {
		case remote.ItemAccepted:
			c.applyAccepted(bk, q, item, r.RemoteID)
			done = append(done, item)
			sum.Succeeded++

		case remote.ItemConflict:
			sum.Conflicts++
			if r.Remote == nil {
				transient["conflict reported without remote version"] = append(transient["conflict reported without remote version"], item)
				continue
			}
			if requeue := c.applyConflict(bk, q, item, r.Remote, sum); requeue != "" {
				resend[requeue] = append(resend[requeue], item)
				continue
			}
			done = append(done, item)

		case remote.ItemRejected:
			reason := r.Reason
			if reason == "" {
				reason = "rejected by remote"
			}
			if r.Retryable {
				transient[reason] = append(transient[reason], item)
				continue
			}
			c.fail(bk, q, []*models.QueueItem{item}, "rejected: "+reason, true)
			sum.Failed++

		default:
			reason := "unknown item status " + string(r.Status)
			transient[reason] = append(transient[reason], item)
		}
	}

	if err := q.Acknowledge(bk, done); err != nil {
		c.log.Error("Acknowledge failed, items will be resent", "collection", q.Collection(), "error", err)
	}
	for reason, group := range transient {
		for _, item := range group {
			held[item.ID] = true
		}
		c.retryOrFail(bk, q, group, reason, sum)
	}
	for reason, group := range resend {
		c.retryOrFail(bk, q, group, reason, sum)
	}
	return nil
}

// prepare marks the entity syncing and builds its upload item
func (c *Coordinator) prepare(ctx context.Context, item *models.QueueItem) remote.UploadItem {
	up := remote.UploadItem{
		IdempotencyKey: item.IdempotencyKey,
		LocalID:        item.LocalID,
		EntityType:     item.Collection,
		Operation:      item.Operation,
		Payload:        json.RawMessage(item.Payload),
	}

	unlock := c.locks.Lock(item.LocalID)
	defer unlock()

	rec, err := c.store.Update(ctx, item.LocalID, func(r *models.HealthRecord) error {
		r.MarkSyncing()
		r.SyncAttempts = item.Attempts + 1
		return nil
	})
	if err != nil {
		c.logUnexpected(err, "Mark syncing failed", item.LocalID)
		return up
	}

	up.UpdatedAt = rec.UpdatedAt
	if rec.HasRemoteID() {
		up.RemoteID = *rec.RemoteID
	}
	return up
}

func (c *Coordinator) applyAccepted(ctx context.Context, q *queue.Queue, item *models.QueueItem, remoteID string) {
	unlock := c.locks.Lock(item.LocalID)
	defer unlock()

	more := c.queuedBeyond(ctx, q, item.LocalID, 1)
	if item.Operation == models.OperationDelete && !more {
		if err := c.store.Delete(ctx, item.LocalID); err != nil {
			c.logUnexpected(err, "Remove deleted record failed", item.LocalID)
		}
		return
	}

	now := c.now()
	_, err := c.store.Update(ctx, item.LocalID, func(r *models.HealthRecord) error {
		r.MarkSynced(remoteID, now)
		if more {
			r.SyncStatus = models.SyncStatusPending
		}
		return nil
	})
	c.logUnexpected(err, "Mark synced failed", item.LocalID)
}

// applyConflict reconciles an in-flight item with the remote's version.
// A non-empty return means the item must be resent with that reason.
func (c *Coordinator) applyConflict(ctx context.Context, q *queue.Queue, item *models.QueueItem, rr *remote.RemoteRecord, sum *SyncSummary) string {
	unlock := c.locks.Lock(item.LocalID)
	defer unlock()

	rec, err := c.store.Get(ctx, item.LocalID)
	if err != nil {
		c.logUnexpected(err, "Conflict on missing record", item.LocalID)
		return ""
	}

	res := c.resolver.Resolve(rec, rr)
	c.log.Info("Conflict resolved",
		"collection", item.Collection,
		"local_id", item.LocalID,
		"remote_id", rr.RemoteID,
		"outcome", res.Outcome,
		"reason", res.Reason)

	switch res.Outcome {
	case OutcomeIdentical:
		c.adoptRemote(ctx, q, rec, rr, false, 1)
		sum.Succeeded++
		return ""

	case OutcomeRemoteWins:
		c.adoptRemote(ctx, q, rec, rr, true, 1)
		sum.Succeeded++
		return ""

	case OutcomeUnion:
		c.split(ctx, q, rec, rr)
		return ""
	}

	// local wins: resend the current local state under a new key
	if item.Operation != models.OperationDelete {
		item.Operation = models.OperationUpdate
		item.Payload = append(datatypes.JSON(nil), rec.Payload...)
	}
	item.IdempotencyKey = uuid.NewString()
	if !rec.HasRemoteID() && rr.RemoteID != "" {
		_, err := c.store.Update(ctx, rec.LocalID, func(r *models.HealthRecord) error {
			id := rr.RemoteID
			r.RemoteID = &id
			return nil
		})
		c.logUnexpected(err, "Adopt remote id failed", rec.LocalID)
	}
	return "conflict: " + res.Reason
}

// adoptRemote marks rec synced against rr. With overwrite the remote
// content replaces the local one and unsent local writes are dropped.
// held is the number of rec's queue items the caller is settling.
// The caller holds the entity lock.
func (c *Coordinator) adoptRemote(ctx context.Context, q *queue.Queue, rec *models.HealthRecord, rr *remote.RemoteRecord, overwrite bool, held int) {
	if overwrite {
		if _, err := q.Discard(ctx, rec.LocalID); err != nil {
			c.log.Error("Discard superseded writes failed", "local_id", rec.LocalID, "error", err)
		}
	}

	more := c.queuedBeyond(ctx, q, rec.LocalID, held)
	if overwrite && rr.Deleted && !more {
		c.logUnexpected(c.store.Delete(ctx, rec.LocalID), "Remove remotely deleted record failed", rec.LocalID)
		return
	}

	now := c.now()
	_, err := c.store.Update(ctx, rec.LocalID, func(r *models.HealthRecord) error {
		if overwrite {
			r.Payload = append(datatypes.JSON(nil), rr.Payload...)
			r.UpdatedAt = rr.UpdatedAt
			r.Deleted = rr.Deleted
		}
		r.MarkSynced(rr.RemoteID, now)
		if more {
			r.SyncStatus = models.SyncStatusPending
		}
		return nil
	})
	c.logUnexpected(err, "Adopt remote version failed", rec.LocalID)
}

// split keeps both versions of an append-only record: the remote copy
// becomes a new synced local record and the local one is uploaded as new.
// The caller holds the entity lock.
func (c *Coordinator) split(ctx context.Context, q *queue.Queue, rec *models.HealthRecord, rr *remote.RemoteRecord) {
	now := c.now()

	copyRec := &models.HealthRecord{
		LocalID:    uuid.NewString(),
		EntityType: rec.EntityType,
		Payload:    append(datatypes.JSON(nil), rr.Payload...),
		UpdatedAt:  rr.UpdatedAt,
		CreatedAt:  now,
	}
	copyRec.MarkSynced(rr.RemoteID, now)
	if err := c.store.Upsert(ctx, copyRec); err != nil {
		c.log.Error("Store remote copy failed", "local_id", rec.LocalID, "remote_id", rr.RemoteID, "error", err)
		return
	}

	if _, err := q.Discard(ctx, rec.LocalID); err != nil {
		c.log.Error("Discard superseded writes failed", "local_id", rec.LocalID, "error", err)
	}
	_, err := q.Enqueue(ctx, queue.Op{
		Collection: rec.EntityType,
		LocalID:    rec.LocalID,
		Operation:  models.OperationCreate,
		Payload:    rec.Payload,
	})

	_, uerr := c.store.Update(ctx, rec.LocalID, func(r *models.HealthRecord) error {
		if r.HasRemoteID() && *r.RemoteID == rr.RemoteID {
			r.RemoteID = nil
		}
		if err != nil {
			r.MarkFailed(err.Error())
			return nil
		}
		r.MarkPending("")
		r.SyncError = nil
		return nil
	})
	c.logUnexpected(uerr, "Split record failed", rec.LocalID)

	c.log.Info("Kept both versions of append-only record",
		"local_id", rec.LocalID,
		"copy_local_id", copyRec.LocalID,
		"remote_id", rr.RemoteID)
}

// retryOrFail sends items back for another attempt, or parks them as failed
// once they have used up MaxAttempts
func (c *Coordinator) retryOrFail(ctx context.Context, q *queue.Queue, items []*models.QueueItem, reason string, sum *SyncSummary) {
	var again, exhausted []*models.QueueItem
	for _, item := range items {
		if item.Attempts+1 >= c.opts.MaxAttempts {
			exhausted = append(exhausted, item)
		} else {
			again = append(again, item)
		}
	}

	if len(again) > 0 {
		if err := q.Requeue(ctx, again, reason, c.opts.Policy.Delay); err != nil {
			c.log.Error("Requeue failed", "collection", q.Collection(), "error", err)
		}
		for _, item := range again {
			c.updateEntity(ctx, item.LocalID, func(r *models.HealthRecord) {
				r.MarkPending(reason)
				r.SyncAttempts = item.Attempts
			})
		}
		sum.Retrying += len(again)
	}

	if len(exhausted) > 0 {
		c.fail(ctx, q, exhausted, reason, false)
		sum.Failed += len(exhausted)
	}
}

// fail parks items; rejected marks them as refused by the remote rather
// than out of attempts
func (c *Coordinator) fail(ctx context.Context, q *queue.Queue, items []*models.QueueItem, reason string, rejected bool) {
	park := q.Fail
	if rejected {
		park = q.Reject
	}
	if err := park(ctx, items, reason); err != nil {
		c.log.Error("Mark queue items failed", "collection", q.Collection(), "error", err)
	}
	for _, item := range items {
		c.log.Warn("Sync failed, user action needed",
			"collection", item.Collection,
			"local_id", item.LocalID,
			"attempts", item.Attempts,
			"reason", reason)
		c.updateEntity(ctx, item.LocalID, func(r *models.HealthRecord) {
			r.MarkFailed(reason)
			r.SyncAttempts = item.Attempts
		})
	}
}

func (c *Coordinator) release(ctx context.Context, q *queue.Queue, items []*models.QueueItem) {
	if err := q.Release(ctx, items); err != nil {
		c.log.Error("Release queue items failed", "collection", q.Collection(), "error", err)
	}
	for _, item := range items {
		c.updateEntity(ctx, item.LocalID, func(r *models.HealthRecord) {
			r.SyncStatus = models.SyncStatusPending
		})
	}
}

func (c *Coordinator) updateEntity(ctx context.Context, localID string, fn func(*models.HealthRecord)) {
	unlock := c.locks.Lock(localID)
	defer unlock()

	_, err := c.store.Update(ctx, localID, func(r *models.HealthRecord) error {
		fn(r)
		return nil
	})
	c.logUnexpected(err, "Entity update failed", localID)
}

// queuedBeyond reports whether more than held items remain queued for localID
func (c *Coordinator) queuedBeyond(ctx context.Context, q *queue.Queue, localID string, held int) bool {
	n, err := q.Remaining(ctx, localID)
	if err != nil {
		c.log.Error("Count queued items failed", "local_id", localID, "error", err)
		return false
	}
	return n > held
}

func (c *Coordinator) logUnexpected(err error, msg, localID string) {
	if err == nil || apperrors.TypeOf(err) == apperrors.ErrorTypeNotFound {
		return
	}
	c.log.Error(msg, "local_id", localID, "error", err)
}
