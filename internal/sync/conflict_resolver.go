package sync

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
)

// ConflictResolutionStrategy defines how a conflict was decided
type ConflictResolutionStrategy string

const (
	ConflictLastWriteWins ConflictResolutionStrategy = "last_write_wins"
	ConflictUnion         ConflictResolutionStrategy = "union"
)

// Outcome says which side survives a conflict
type Outcome string

const (
	OutcomeLocalWins  Outcome = "local_wins"
	OutcomeRemoteWins Outcome = "remote_wins"
	// OutcomeUnion keeps both versions as separate records
	OutcomeUnion Outcome = "union"
	// OutcomeIdentical means both sides already hold the same content
	OutcomeIdentical Outcome = "identical"
)

// ConflictResolution represents the resolution of a conflict
type ConflictResolution struct {
	Strategy ConflictResolutionStrategy `json:"strategy"`
	Outcome  Outcome                    `json:"outcome"`
	Reason   string                     `json:"reason"`
}

// ConflictResolver decides between a local record and its remote version.
// Resolve is a pure function of its inputs.
type ConflictResolver struct {
	types *models.Registry
}

// NewConflictResolver creates a resolver that consults types for append-only collections
func NewConflictResolver(types *models.Registry) *ConflictResolver {
	return &ConflictResolver{types: types}
}

// Resolve automatically resolves a conflict based on rules:
//  1. same content on both sides is identical
//  2. append-only types keep both versions
//  3. otherwise the later UpdatedAt wins; on a tie the version the remote has
//     acknowledged, the one carrying a remote id, wins
func (cr *ConflictResolver) Resolve(local *models.HealthRecord, rr *remote.RemoteRecord) ConflictResolution {
	if local.Deleted == rr.Deleted && (local.Deleted || samePayload(local.Payload, rr.Payload)) {
		return ConflictResolution{
			Strategy: ConflictLastWriteWins,
			Outcome:  OutcomeIdentical,
			Reason:   "Local and remote content match",
		}
	}

	if !local.Deleted && !rr.Deleted && cr.types.AppendOnly(local.EntityType) {
		return ConflictResolution{
			Strategy: ConflictUnion,
			Outcome:  OutcomeUnion,
			Reason:   "Append-only samples are merged, both versions kept",
		}
	}

	if !local.UpdatedAt.IsZero() && !rr.UpdatedAt.IsZero() && !local.UpdatedAt.Equal(rr.UpdatedAt) {
		if local.UpdatedAt.After(rr.UpdatedAt) {
			return ConflictResolution{
				Strategy: ConflictLastWriteWins,
				Outcome:  OutcomeLocalWins,
				Reason:   "Local version is more recent",
			}
		}
		return ConflictResolution{
			Strategy: ConflictLastWriteWins,
			Outcome:  OutcomeRemoteWins,
			Reason:   "Remote version is more recent",
		}
	}

	if rr.RemoteID != "" || !local.HasRemoteID() {
		return ConflictResolution{
			Strategy: ConflictLastWriteWins,
			Outcome:  OutcomeRemoteWins,
			Reason:   "Timestamps tie, remote version is already acknowledged",
		}
	}
	return ConflictResolution{
		Strategy: ConflictLastWriteWins,
		Outcome:  OutcomeLocalWins,
		Reason:   "Timestamps tie, only the local version is acknowledged",
	}
}

// samePayload compares JSON documents semantically
func samePayload(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
