package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
)

// GormStore implements Store on top of gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open gorm connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the engine tables
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(models.Tables()...)
}

// forUpdate adds row locking where the dialect supports it
func (s *GormStore) forUpdate(tx *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (s *GormStore) Get(ctx context.Context, localID string) (*models.HealthRecord, error) {
	var rec models.HealthRecord
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("record", localID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return &rec, nil
}

func (s *GormStore) Query(ctx context.Context, f Filter, srt Sort) ([]*models.HealthRecord, error) {
	q := s.db.WithContext(ctx).Model(&models.HealthRecord{})
	if f.EntityType != "" {
		q = q.Where("entity_type = ?", f.EntityType)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("sync_status IN ?", statusStrings(f.Statuses))
	}
	if len(f.LocalIDs) > 0 {
		q = q.Where("local_id IN ?", f.LocalIDs)
	}
	if len(f.RemoteIDs) > 0 {
		q = q.Where("remote_id IN ?", f.RemoteIDs)
	}
	if !f.IncludeDeleted {
		q = q.Where("deleted = ?", false)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	srt = validSort(srt)
	q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: string(srt.Field)}, Desc: srt.Desc}).
		Order("local_id")

	var out []*models.HealthRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return out, nil
}

func (s *GormStore) Upsert(ctx context.Context, rec *models.HealthRecord) error {
	if err := rec.Validate(); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(rec).Error
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, localID string) error {
	err := s.db.WithContext(ctx).Where("local_id = ?", localID).Delete(&models.HealthRecord{}).Error
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}
	return nil
}

func (s *GormStore) Update(ctx context.Context, localID string, fn func(*models.HealthRecord) error) (*models.HealthRecord, error) {
	var rec models.HealthRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := s.forUpdate(tx).Where("local_id = ?", localID).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.NewNotFoundError("record", localID)
		}
		if err != nil {
			return apperrors.NewDatabaseError(err)
		}

		if err := fn(&rec); err != nil {
			return err
		}
		if rec.LocalID != localID {
			return apperrors.NewValidationError("update must not change local id")
		}
		if err := rec.Validate(); err != nil {
			return apperrors.NewValidationError(err.Error())
		}
		if err := tx.Save(&rec).Error; err != nil {
			return apperrors.NewDatabaseError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormStore) ResetSyncing(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.HealthRecord{}).
		Where("sync_status = ?", models.SyncStatusSyncing).
		Update("sync_status", models.SyncStatusPending)
	if res.Error != nil {
		return 0, apperrors.NewDatabaseError(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) CountByStatus(ctx context.Context, entityType string) (map[models.SyncStatus]int, error) {
	var rows []struct {
		SyncStatus models.SyncStatus
		N          int
	}
	q := s.db.WithContext(ctx).Model(&models.HealthRecord{}).
		Select("sync_status, count(*) AS n").
		Where("deleted = ?", false)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if err := q.Group("sync_status").Scan(&rows).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	out := make(map[models.SyncStatus]int, len(rows))
	for _, r := range rows {
		out[r.SyncStatus] = r.N
	}
	return out, nil
}

func (s *GormStore) ListQueue(ctx context.Context, f QueueFilter) ([]*models.QueueItem, error) {
	q := s.db.WithContext(ctx).Model(&models.QueueItem{})
	if f.Collection != "" {
		q = q.Where("collection = ?", f.Collection)
	}
	if f.LocalID != "" {
		q = q.Where("local_id = ?", f.LocalID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(f.Statuses))
	}

	var out []*models.QueueItem
	if err := q.Order("seq").Order("id").Find(&out).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return out, nil
}

func (s *GormStore) SaveQueueItems(ctx context.Context, items ...*models.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, item := range items {
			if err := tx.Save(item).Error; err != nil {
				return fmt.Errorf("save queue item %s: %w", item.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return apperrors.NewDatabaseError(err)
	}
	return nil
}

func (s *GormStore) RemoveQueueItems(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.QueueItem{}).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}
	return nil
}

func (s *GormStore) MaxQueueSeq(ctx context.Context, collection string) (int64, error) {
	var max int64
	err := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("collection = ?", collection).
		Select("COALESCE(MAX(seq), 0)").
		Row().Scan(&max)
	if err != nil {
		return 0, apperrors.NewDatabaseError(err)
	}
	return max, nil
}

func (s *GormStore) ResetSyncingQueue(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("status = ?", models.SyncStatusSyncing).
		Update("status", models.SyncStatusPending)
	if res.Error != nil {
		return 0, apperrors.NewDatabaseError(res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) SaveJob(ctx context.Context, job *models.AnalysisJob) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return apperrors.NewDatabaseError(err)
	}
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	var job models.AnalysisJob
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("analysis job", jobID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return &job, nil
}

func (s *GormStore) ListJobs(ctx context.Context, activeOnly bool) ([]*models.AnalysisJob, error) {
	q := s.db.WithContext(ctx).Model(&models.AnalysisJob{})
	if activeOnly {
		q = q.Where("status IN ?", []string{string(models.AnalysisQueued), string(models.AnalysisProcessing)})
	}

	var out []*models.AnalysisJob
	if err := q.Order("submitted_at").Find(&out).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return out, nil
}
