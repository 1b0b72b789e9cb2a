package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncStatus is the lifecycle tag carried by every syncable record
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is one of the four known states
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// Operation is the intent recorded in the offline queue
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Class groups operations that may be coalesced with each other.
// Creates and updates both carry a full payload; deletes carry none.
func (o Operation) Class() string {
	if o == OperationDelete {
		return "delete"
	}
	return "write"
}

// Valid reports whether o is a known operation
func (o Operation) Valid() bool {
	return o == OperationCreate || o == OperationUpdate || o == OperationDelete
}

// QueueItem is one pending operation in the offline queue.
// Seq orders items within a collection; a requeued item keeps its Seq.
type QueueItem struct {
	ID             string         `gorm:"primaryKey;column:id" json:"id"`
	Seq            int64          `gorm:"column:seq;not null;index:idx_queue_order" json:"seq"`
	Collection     string         `gorm:"column:collection;not null;index:idx_queue_order" json:"collection"`
	LocalID        string         `gorm:"column:local_id;not null;index" json:"localId"`
	Operation      Operation      `gorm:"column:operation;not null" json:"operation"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload"`
	IdempotencyKey string         `gorm:"column:idempotency_key;not null;uniqueIndex" json:"idempotencyKey"`
	Status         SyncStatus     `gorm:"column:status;not null;index" json:"status"`
	Attempts       int            `gorm:"column:attempts;default:0" json:"attempts"`
	LastError      string         `gorm:"column:last_error;type:text" json:"lastError,omitempty"`
	Sent           bool           `gorm:"column:sent;default:false" json:"sent,omitempty"`
	Rejected       bool           `gorm:"column:rejected;default:false" json:"rejected,omitempty"`
	NextAttemptAt  time.Time      `gorm:"column:next_attempt_at" json:"nextAttemptAt"`
	CreatedAt      time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt      time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName specifies the table name
func (QueueItem) TableName() string {
	return "sync_queue"
}

// Clone returns a deep copy of q
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	if q.Payload != nil {
		c.Payload = append(datatypes.JSON(nil), q.Payload...)
	}
	return &c
}
