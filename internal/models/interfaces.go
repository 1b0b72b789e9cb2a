package models

// SyncableEntity is an interface for models that move through the sync lifecycle
type SyncableEntity interface {
	GetEntityID() string
	GetEntityType() string
}

// Tables lists the models owned by the on-device engine, in migration order
func Tables() []interface{} {
	return []interface{}{
		&HealthRecord{},
		&QueueItem{},
		&AnalysisJob{},
	}
}
