package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// HealthRecord is a locally created record that must eventually reach the
// remote service: a measurement sample or a user-editable profile field.
//
// UpdatedAt is the domain modification time used for conflict resolution.
// Sync bookkeeping never bumps it.
type HealthRecord struct {
	LocalID      string         `gorm:"primaryKey;column:local_id" json:"localId"`
	RemoteID     *string        `gorm:"column:remote_id;index" json:"remoteId,omitempty"`
	EntityType   string         `gorm:"column:entity_type;not null;index" json:"entityType"`
	Payload      datatypes.JSON `gorm:"column:payload" json:"payload"`
	SyncStatus   SyncStatus     `gorm:"column:sync_status;not null;index" json:"syncStatus"`
	LastSyncedAt *time.Time     `gorm:"column:last_synced_at" json:"lastSyncedAt,omitempty"`
	SyncError    *string        `gorm:"column:sync_error;type:text" json:"syncError,omitempty"`
	SyncAttempts int            `gorm:"column:sync_attempts;default:0" json:"syncAttempts"`
	Deleted      bool           `gorm:"column:deleted;default:false" json:"deleted,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime:false" json:"updatedAt"`
}

// TableName specifies the table name
func (HealthRecord) TableName() string {
	return "health_records"
}

// GetEntityID implements SyncableEntity interface
func (r HealthRecord) GetEntityID() string {
	return r.LocalID
}

// GetEntityType implements SyncableEntity interface
func (r HealthRecord) GetEntityType() string {
	return r.EntityType
}

// HasRemoteID reports whether the remote service has acknowledged the record
func (r *HealthRecord) HasRemoteID() bool {
	return r.RemoteID != nil && *r.RemoteID != ""
}

// MarkSyncing starts an attempt; any previous error is cleared
func (r *HealthRecord) MarkSyncing() {
	r.SyncStatus = SyncStatusSyncing
	r.SyncError = nil
}

// MarkSynced records a successful upload
func (r *HealthRecord) MarkSynced(remoteID string, at time.Time) {
	if remoteID != "" {
		r.RemoteID = &remoteID
	}
	r.SyncStatus = SyncStatusSynced
	r.SyncError = nil
	r.SyncAttempts = 0
	r.LastSyncedAt = &at
}

// MarkPending returns the record to the retry window with a reason
func (r *HealthRecord) MarkPending(reason string) {
	r.SyncStatus = SyncStatusPending
	if reason != "" {
		r.SyncError = &reason
	}
}

// MarkFailed excludes the record from automatic retries
func (r *HealthRecord) MarkFailed(reason string) {
	r.SyncStatus = SyncStatusFailed
	r.SyncError = &reason
}

// Validate checks the invariants a record must hold at rest
func (r *HealthRecord) Validate() error {
	if r.LocalID == "" {
		return fmt.Errorf("local id is required")
	}
	if r.EntityType == "" {
		return fmt.Errorf("entity type is required")
	}
	if !r.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", r.SyncStatus)
	}
	if r.SyncStatus == SyncStatusSynced && (r.SyncError != nil || r.LastSyncedAt == nil) {
		return fmt.Errorf("synced record %s must have lastSyncedAt and no error", r.LocalID)
	}
	return nil
}

// Measurement is the payload of an append-only sample
type Measurement struct {
	Metric  string    `json:"metric"`
	Value   float64   `json:"value"`
	Unit    string    `json:"unit"`
	StartAt time.Time `json:"startAt"`
	EndAt   time.Time `json:"endAt,omitempty"`
	Source  string    `json:"source,omitempty"`
}

// JSON encodes the measurement as a record payload
func (m Measurement) JSON() datatypes.JSON {
	b, _ := json.Marshal(m)
	return datatypes.JSON(b)
}

// DecodeMeasurement reads a measurement payload
func DecodeMeasurement(payload datatypes.JSON) (Measurement, error) {
	var m Measurement
	if err := json.Unmarshal(payload, &m); err != nil {
		return m, fmt.Errorf("decode measurement: %w", err)
	}
	return m, nil
}

// Clone returns a deep copy of r
func (r *HealthRecord) Clone() *HealthRecord {
	c := *r
	if r.RemoteID != nil {
		id := *r.RemoteID
		c.RemoteID = &id
	}
	if r.LastSyncedAt != nil {
		t := *r.LastSyncedAt
		c.LastSyncedAt = &t
	}
	if r.SyncError != nil {
		e := *r.SyncError
		c.SyncError = &e
	}
	if r.Payload != nil {
		c.Payload = append(datatypes.JSON(nil), r.Payload...)
	}
	return &c
}
