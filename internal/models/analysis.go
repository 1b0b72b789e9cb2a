package models

import (
	"time"

	"gorm.io/datatypes"
)

// AnalysisStatus tracks a server-side computation
type AnalysisStatus string

const (
	AnalysisQueued     AnalysisStatus = "queued"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
	// AnalysisTimedOut is set locally when polling runs out of attempts.
	// The remote service never reports it.
	AnalysisTimedOut AnalysisStatus = "timedOut"
)

// Terminal reports whether no further polling is needed
func (s AnalysisStatus) Terminal() bool {
	return s == AnalysisCompleted || s == AnalysisFailed || s == AnalysisTimedOut
}

// AnalysisJob is the persisted state of an analysis poll loop.
// Result is set only when completed, Error only when failed or timed out.
type AnalysisJob struct {
	JobID        string         `gorm:"primaryKey;column:job_id" json:"jobId"`
	Kind         string         `gorm:"column:kind;index" json:"kind"`
	Request      datatypes.JSON `gorm:"column:request" json:"request,omitempty"`
	Status       AnalysisStatus `gorm:"column:status;not null;index" json:"status"`
	SubmittedAt  time.Time      `gorm:"column:submitted_at;not null" json:"submittedAt"`
	LastPolledAt *time.Time     `gorm:"column:last_polled_at" json:"lastPolledAt,omitempty"`
	Attempt      int            `gorm:"column:attempt;default:0" json:"attempt"`
	Result       datatypes.JSON `gorm:"column:result" json:"result,omitempty"`
	Error        *string        `gorm:"column:error;type:text" json:"error,omitempty"`
	CompletedAt  *time.Time     `gorm:"column:completed_at" json:"completedAt,omitempty"`
	UpdatedAt    time.Time      `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName specifies the table name
func (AnalysisJob) TableName() string {
	return "analysis_jobs"
}

// Clone returns a copy that shares no mutable state with j
func (j *AnalysisJob) Clone() *AnalysisJob {
	c := *j
	if j.Request != nil {
		c.Request = append(datatypes.JSON(nil), j.Request...)
	}
	if j.Result != nil {
		c.Result = append(datatypes.JSON(nil), j.Result...)
	}
	if j.LastPolledAt != nil {
		t := *j.LastPolledAt
		c.LastPolledAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}
