package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
)

// MemoryStore implements Store in process memory.
// Every read and write copies, so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.HealthRecord
	queue   map[string]*models.QueueItem
	jobs    map[string]*models.AnalysisJob
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*models.HealthRecord),
		queue:   make(map[string]*models.QueueItem),
		jobs:    make(map[string]*models.AnalysisJob),
	}
}

func (s *MemoryStore) Get(ctx context.Context, localID string) (*models.HealthRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[localID]
	if !ok {
		return nil, apperrors.NewNotFoundError("record", localID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter, srt Sort) ([]*models.HealthRecord, error) {
	s.mu.RLock()
	var out []*models.HealthRecord
	for _, rec := range s.records {
		if f.EntityType != "" && rec.EntityType != f.EntityType {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, rec.SyncStatus) {
			continue
		}
		if len(f.LocalIDs) > 0 && !slices.Contains(f.LocalIDs, rec.LocalID) {
			continue
		}
		if len(f.RemoteIDs) > 0 && (!rec.HasRemoteID() || !slices.Contains(f.RemoteIDs, *rec.RemoteID)) {
			continue
		}
		if rec.Deleted && !f.IncludeDeleted {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	srt = validSort(srt)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		var c int
		switch srt.Field {
		case SortByUpdatedAt:
			c = a.UpdatedAt.Compare(b.UpdatedAt)
		case SortByCreatedAt:
			c = a.CreatedAt.Compare(b.CreatedAt)
		case SortByLocalID:
			c = strings.Compare(a.LocalID, b.LocalID)
		}
		if srt.Desc {
			c = -c
		}
		if c == 0 {
			return a.LocalID < b.LocalID
		}
		return c < 0
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, rec *models.HealthRecord) error {
	if err := rec.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.LocalID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, localID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, localID string, fn func(*models.HealthRecord) error) (*models.HealthRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[localID]
	if !ok {
		return nil, apperrors.NewNotFoundError("record", localID)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.LocalID != localID {
		return nil, apperrors.NewValidationError("update must not change local id")
	}
	if err := next.Validate(); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	s.records[localID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ResetSyncing(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.records {
		if rec.SyncStatus == models.SyncStatusSyncing {
			rec.SyncStatus = models.SyncStatusPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, entityType string) (map[models.SyncStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[models.SyncStatus]int)
	for _, rec := range s.records {
		if rec.Deleted || (entityType != "" && rec.EntityType != entityType) {
			continue
		}
		out[rec.SyncStatus]++
	}
	return out, nil
}

func (s *MemoryStore) ListQueue(ctx context.Context, f QueueFilter) ([]*models.QueueItem, error) {
	s.mu.RLock()
	var out []*models.QueueItem
	for _, item := range s.queue {
		if f.Collection != "" && item.Collection != f.Collection {
			continue
		}
		if f.LocalID != "" && item.LocalID != f.LocalID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, item.Status) {
			continue
		}
		out = append(out, item.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func (s *MemoryStore) SaveQueueItems(ctx context.Context, items ...*models.QueueItem) error {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if item.CreatedAt.IsZero() {
			item.CreatedAt = now
		}
		item.UpdatedAt = now
		s.queue[item.ID] = item.Clone()
	}
	return nil
}

func (s *MemoryStore) RemoveQueueItems(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.queue, id)
	}
	return nil
}

func (s *MemoryStore) MaxQueueSeq(ctx context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for _, item := range s.queue {
		if item.Collection == collection && item.Seq > max {
			max = item.Seq
		}
	}
	return max, nil
}

func (s *MemoryStore) ResetSyncingQueue(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, item := range s.queue {
		if item.Status == models.SyncStatusSyncing {
			item.Status = models.SyncStatusPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, job *models.AnalysisJob) error {
	job.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, apperrors.NewNotFoundError("analysis job", jobID)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, activeOnly bool) ([]*models.AnalysisJob, error) {
	s.mu.RLock()
	var out []*models.AnalysisJob
	for _, job := range s.jobs {
		if activeOnly && job.Status.Terminal() {
			continue
		}
		out = append(out, job.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}
