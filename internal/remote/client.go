// Package remote defines the contract between the sync engine and the
// remote health service, plus an HTTP implementation of it.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xelth-com/healthsync/internal/models"
)

// UploadItem is one operation in a batch upload.
// The service deduplicates by IdempotencyKey, so a batch may be resent safely.
type UploadItem struct {
	IdempotencyKey string           `json:"idempotencyKey"`
	LocalID        string           `json:"localId"`
	RemoteID       string           `json:"remoteId,omitempty"`
	EntityType     string           `json:"entityType"`
	Operation      models.Operation `json:"operation"`
	Payload        json.RawMessage  `json:"payload,omitempty"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// ItemStatus is the per-item outcome of a batch upload
type ItemStatus string

const (
	ItemAccepted ItemStatus = "accepted"
	ItemRejected ItemStatus = "rejected"
	// ItemConflict means the service holds a divergent version, returned in Remote
	ItemConflict ItemStatus = "conflict"
)

// ItemResult reports what happened to one UploadItem
type ItemResult struct {
	IdempotencyKey string        `json:"idempotencyKey"`
	LocalID        string        `json:"localId"`
	Status         ItemStatus    `json:"status"`
	RemoteID       string        `json:"remoteId,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	Retryable      bool          `json:"retryable,omitempty"`
	Remote         *RemoteRecord `json:"remote,omitempty"`
}

// BatchResult carries per-item outcomes; items may be missing from it
type BatchResult struct {
	Results []ItemResult `json:"results"`
}

// ByKey indexes results by idempotency key
func (b *BatchResult) ByKey() map[string]ItemResult {
	out := make(map[string]ItemResult, len(b.Results))
	for _, r := range b.Results {
		out[r.IdempotencyKey] = r
	}
	return out
}

// RemoteRecord is the service's representation of a record
type RemoteRecord struct {
	RemoteID   string          `json:"remoteId"`
	LocalID    string          `json:"localId,omitempty"`
	EntityType string          `json:"entityType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Deleted    bool            `json:"deleted,omitempty"`
	Revision   int64           `json:"revision"`
}

// AnalysisRequest asks the service to compute something over stored samples
type AnalysisRequest struct {
	Kind       string         `json:"kind"`
	EntityType string         `json:"entityType,omitempty"`
	From       time.Time      `json:"from,omitempty"`
	To         time.Time      `json:"to,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// AnalysisStatus is the service's view of a job.
// Status is a free-form string that the poller maps onto models.AnalysisStatus.
type AnalysisStatus struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client is the remote API consumed by the engine
type Client interface {
	UploadBatch(ctx context.Context, items []UploadItem) (*BatchResult, error)
	SubmitAnalysis(ctx context.Context, req AnalysisRequest) (string, error)
	GetAnalysisStatus(ctx context.Context, jobID string) (*AnalysisStatus, error)
}

// ChangeFeed is implemented by clients that can pull remote edits
type ChangeFeed interface {
	FetchChanges(ctx context.Context, entityType string, since int64) ([]RemoteRecord, error)
}
