package sync

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/queue"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/store"
)

// pull applies remote edits made since the collection's last cursor
func (c *Coordinator) pull(ctx context.Context, q *queue.Queue, collection string) (int, error) {
	c.cursorMu.Lock()
	since := c.cursors[collection]
	c.cursorMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	changes, err := c.feed.FetchChanges(callCtx, collection, since)
	cancel()
	if err != nil {
		return 0, apperrors.NewTransientError(err, "fetch changes")
	}

	bk := context.WithoutCancel(ctx)
	applied := 0
	for i := range changes {
		rr := &changes[i]
		if rr.EntityType == "" {
			rr.EntityType = collection
		}
		if err := c.applyRemote(bk, q, rr); err != nil {
			c.setCursor(collection, since)
			return applied, err
		}
		applied++
		if rr.Revision > since {
			since = rr.Revision
		}
	}

	c.setCursor(collection, since)
	return applied, nil
}

func (c *Coordinator) setCursor(collection string, rev int64) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if rev > c.cursors[collection] {
		c.cursors[collection] = rev
	}
}

// applyRemote folds one remote record into the local store.
// Records with nothing unsent locally simply take the remote version;
// the resolver only runs when local edits are still queued.
func (c *Coordinator) applyRemote(ctx context.Context, q *queue.Queue, rr *remote.RemoteRecord) error {
	rec, err := c.findLocal(ctx, rr)
	if err != nil {
		return err
	}
	if rec == nil {
		return c.insertRemote(ctx, rr)
	}

	unlock := c.locks.Lock(rec.LocalID)
	defer unlock()

	rec, err = c.store.Get(ctx, rec.LocalID)
	if err != nil {
		if apperrors.TypeOf(err) == apperrors.ErrorTypeNotFound {
			return nil
		}
		return err
	}

	pending, err := q.HasPending(ctx, rec.LocalID)
	if err != nil {
		return err
	}
	if !pending {
		if rec.SyncStatus == models.SyncStatusSynced && rec.HasRemoteID() && *rec.RemoteID == rr.RemoteID &&
			rec.Deleted == rr.Deleted && samePayload(rec.Payload, rr.Payload) {
			return nil
		}
		c.adoptRemote(ctx, q, rec, rr, true, 0)
		return nil
	}

	res := c.resolver.Resolve(rec, rr)
	c.log.Info("Pulled change conflicts with queued edits",
		"collection", rec.EntityType,
		"local_id", rec.LocalID,
		"remote_id", rr.RemoteID,
		"outcome", res.Outcome)

	switch res.Outcome {
	case OutcomeRemoteWins:
		c.adoptRemote(ctx, q, rec, rr, true, 0)
	case OutcomeUnion:
		c.split(ctx, q, rec, rr)
	default:
		// queued edits will be sent as they are; remember where they go
		if !rec.HasRemoteID() && rr.RemoteID != "" {
			_, err := c.store.Update(ctx, rec.LocalID, func(r *models.HealthRecord) error {
				id := rr.RemoteID
				r.RemoteID = &id
				return nil
			})
			return err
		}
	}
	return nil
}

// findLocal locates the local copy of rr by remote id, then by the local id
// the remote recorded at upload
func (c *Coordinator) findLocal(ctx context.Context, rr *remote.RemoteRecord) (*models.HealthRecord, error) {
	if rr.RemoteID != "" {
		recs, err := c.store.Query(ctx, store.Filter{
			RemoteIDs:      []string{rr.RemoteID},
			IncludeDeleted: true,
			Limit:          1,
		}, store.Sort{})
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			return recs[0], nil
		}
	}

	if rr.LocalID == "" {
		return nil, nil
	}
	rec, err := c.store.Get(ctx, rr.LocalID)
	if err != nil {
		if apperrors.TypeOf(err) == apperrors.ErrorTypeNotFound {
			return nil, nil
		}
		return nil, err
	}
	if rec.EntityType != rr.EntityType || rec.HasRemoteID() {
		return nil, nil
	}
	return rec, nil
}

func (c *Coordinator) insertRemote(ctx context.Context, rr *remote.RemoteRecord) error {
	if rr.Deleted {
		return nil
	}

	id := rr.LocalID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := c.store.Get(ctx, id); err == nil {
		id = uuid.NewString()
	}

	now := c.now()
	rec := &models.HealthRecord{
		LocalID:    id,
		EntityType: rr.EntityType,
		Payload:    append(datatypes.JSON(nil), rr.Payload...),
		UpdatedAt:  rr.UpdatedAt,
		CreatedAt:  now,
	}
	rec.MarkSynced(rr.RemoteID, now)
	return c.store.Upsert(ctx, rec)
}
