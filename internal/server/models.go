package server

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/xelth-com/healthsync/internal/remote"
)

// StoredRecord is the service's copy of a device record.
// Deletes leave a tombstone so the change feed can report them.
type StoredRecord struct {
	RemoteID   string         `gorm:"primaryKey;column:remote_id"`
	Owner      string         `gorm:"column:owner;not null;index:idx_remote_owner_type"`
	EntityType string         `gorm:"column:entity_type;not null;index:idx_remote_owner_type"`
	LocalID    string         `gorm:"column:local_id;index"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	Deleted    bool           `gorm:"column:deleted;default:false"`
	Revision   int64          `gorm:"column:revision;not null;index"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime:false"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

// TableName specifies the table name
func (StoredRecord) TableName() string {
	return "remote_records"
}

func (r *StoredRecord) toRemote() remote.RemoteRecord {
	return remote.RemoteRecord{
		RemoteID:   r.RemoteID,
		LocalID:    r.LocalID,
		EntityType: r.EntityType,
		Payload:    json.RawMessage(append([]byte(nil), r.Payload...)),
		UpdatedAt:  r.UpdatedAt,
		Deleted:    r.Deleted,
		Revision:   r.Revision,
	}
}

// IdempotencyEntry remembers the result returned for an idempotency key
type IdempotencyEntry struct {
	Key       string         `gorm:"primaryKey;column:idempotency_key"`
	Owner     string         `gorm:"primaryKey;column:owner"`
	Result    datatypes.JSON `gorm:"column:result"`
	CreatedAt time.Time      `gorm:"column:created_at"`
}

// TableName specifies the table name
func (IdempotencyEntry) TableName() string {
	return "idempotency_keys"
}

// StoredJob is an analysis job as the service tracks it
type StoredJob struct {
	JobID     string         `gorm:"primaryKey;column:job_id"`
	Owner     string         `gorm:"column:owner;index"`
	Kind      string         `gorm:"column:kind"`
	Request   datatypes.JSON `gorm:"column:request"`
	Status    string         `gorm:"column:status;not null;index"`
	Result    datatypes.JSON `gorm:"column:result"`
	Error     string         `gorm:"column:error;type:text"`
	CreatedAt time.Time      `gorm:"column:created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

// TableName specifies the table name
func (StoredJob) TableName() string {
	return "remote_jobs"
}

// Job statuses reported by the service
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

func (j *StoredJob) toStatus() *remote.AnalysisStatus {
	st := &remote.AnalysisStatus{JobID: j.JobID, Status: j.Status, Error: j.Error}
	if len(j.Result) > 0 {
		st.Result = json.RawMessage(append([]byte(nil), j.Result...))
	}
	return st
}

// Tables lists the service's gorm models for migration
func Tables() []interface{} {
	return []interface{}{
		&StoredRecord{},
		&IdempotencyEntry{},
		&StoredJob{},
	}
}
