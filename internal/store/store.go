// Package store persists records, the offline queue and analysis jobs.
// The gorm implementation backs real runs on SQLite or PostgreSQL; the
// memory implementation backs tests and throwaway sessions.
package store

import (
	"context"

	"github.com/xelth-com/healthsync/internal/models"
)

// Filter selects health records. Zero fields match everything.
type Filter struct {
	EntityType     string
	Statuses       []models.SyncStatus
	LocalIDs       []string
	RemoteIDs      []string
	IncludeDeleted bool
	Limit          int
}

// SortField names a sortable column
type SortField string

const (
	SortByUpdatedAt SortField = "updated_at"
	SortByCreatedAt SortField = "created_at"
	SortByLocalID   SortField = "local_id"
)

// Sort orders query results
type Sort struct {
	Field SortField
	Desc  bool
}

// EntityStore is the single source of truth for record state
type EntityStore interface {
	Get(ctx context.Context, localID string) (*models.HealthRecord, error)
	Query(ctx context.Context, f Filter, s Sort) ([]*models.HealthRecord, error)
	Upsert(ctx context.Context, rec *models.HealthRecord) error
	Delete(ctx context.Context, localID string) error
	// Update applies fn to the stored record atomically and persists the result.
	// An error from fn aborts the write.
	Update(ctx context.Context, localID string, fn func(*models.HealthRecord) error) (*models.HealthRecord, error)
	// ResetSyncing moves every record left in syncing back to pending
	ResetSyncing(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, entityType string) (map[models.SyncStatus]int, error)
}

// QueueFilter selects queue items. Results are always ordered by Seq.
type QueueFilter struct {
	Collection string
	LocalID    string
	Statuses   []models.SyncStatus
}

// QueueStore persists the offline queue
type QueueStore interface {
	ListQueue(ctx context.Context, f QueueFilter) ([]*models.QueueItem, error)
	// SaveQueueItems writes all items in one transaction
	SaveQueueItems(ctx context.Context, items ...*models.QueueItem) error
	RemoveQueueItems(ctx context.Context, ids ...string) error
	MaxQueueSeq(ctx context.Context, collection string) (int64, error)
	ResetSyncingQueue(ctx context.Context) (int, error)
}

// JobStore persists analysis jobs
type JobStore interface {
	SaveJob(ctx context.Context, job *models.AnalysisJob) error
	GetJob(ctx context.Context, jobID string) (*models.AnalysisJob, error)
	ListJobs(ctx context.Context, activeOnly bool) ([]*models.AnalysisJob, error)
}

// Store bundles every persistence concern of the engine
type Store interface {
	EntityStore
	QueueStore
	JobStore
}

func statusStrings(statuses []models.SyncStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func validSort(s Sort) Sort {
	switch s.Field {
	case SortByUpdatedAt, SortByCreatedAt, SortByLocalID:
	default:
		s.Field = SortByCreatedAt
	}
	return s
}
