package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
)

// MaxBatchItems bounds one upload request
const MaxBatchItems = 500

const maxChanges = 500

// Service holds the business rules of the reference remote service
type Service struct {
	db     *gorm.DB
	types  *models.Registry
	sealer *remote.Sealer

	// serializes writers so revisions stay gapless and ordered
	mu sync.Mutex

	now func() time.Time
	log *slog.Logger
}

// NewService creates the service over an open database
func NewService(db *gorm.DB, types *models.Registry, sealer *remote.Sealer, log *slog.Logger) *Service {
	if types == nil {
		types = models.NewRegistry(models.DefaultEntityTypes()...)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		db:     db,
		types:  types,
		sealer: sealer,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log.With("component", "remote-service"),
	}
}

// Migrate creates or updates the service tables
func (s *Service) Migrate() error {
	return s.db.AutoMigrate(Tables()...)
}

// ApplyBatch applies uploaded operations in order and returns one result per item.
// A result already produced for an idempotency key is returned again unchanged.
func (s *Service) ApplyBatch(ctx context.Context, owner string, items []remote.UploadItem) ([]remote.ItemResult, error) {
	if len(items) > MaxBatchItems {
		return nil, apperrors.NewValidationError(fmt.Sprintf("batch of %d items exceeds the limit of %d", len(items), MaxBatchItems))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]remote.ItemResult, 0, len(items))
	for _, it := range items {
		if it.IdempotencyKey == "" {
			results = append(results, remote.ItemResult{
				LocalID: it.LocalID,
				Status:  remote.ItemRejected,
				Reason:  "idempotency key is required",
			})
			continue
		}

		var res remote.ItemResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			res, err = s.applyOne(tx, owner, it)
			return err
		})
		if err != nil {
			return nil, apperrors.NewDatabaseError(err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) applyOne(tx *gorm.DB, owner string, it remote.UploadItem) (remote.ItemResult, error) {
	var seen IdempotencyEntry
	err := tx.Where("idempotency_key = ? AND owner = ?", it.IdempotencyKey, owner).First(&seen).Error
	if err == nil {
		var cached remote.ItemResult
		if err := json.Unmarshal(seen.Result, &cached); err != nil {
			return cached, fmt.Errorf("decode cached result: %w", err)
		}
		return cached, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return remote.ItemResult{}, err
	}

	res, err := s.decide(tx, owner, it)
	if err != nil {
		return res, err
	}
	res.IdempotencyKey = it.IdempotencyKey
	res.LocalID = it.LocalID

	if res.Remote != nil {
		sealed, err := s.sealer.Seal(res.Remote.Payload)
		if err != nil {
			return res, err
		}
		res.Remote.Payload = sealed
	}

	encoded, err := json.Marshal(res)
	if err != nil {
		return res, err
	}
	entry := IdempotencyEntry{Key: it.IdempotencyKey, Owner: owner, Result: datatypes.JSON(encoded), CreatedAt: s.now()}
	if err := tx.Create(&entry).Error; err != nil {
		return res, err
	}
	return res, nil
}

// decide applies one operation:
//   - a delete leaves a tombstone
//   - a create of an append-only type always adds a sample
//   - otherwise the item updates the record it targets, or creates it
//   - a stored version strictly newer than the upload is a conflict; append-only
//     samples conflict on any content change
func (s *Service) decide(tx *gorm.DB, owner string, it remote.UploadItem) (remote.ItemResult, error) {
	if _, ok := s.types.Lookup(it.EntityType); !ok {
		return rejected("unknown entity type " + it.EntityType), nil
	}
	if !it.Operation.Valid() {
		return rejected("unknown operation " + string(it.Operation)), nil
	}

	var payload json.RawMessage
	if it.Operation != models.OperationDelete {
		plain, err := s.sealer.Open(it.Payload)
		if err != nil {
			return rejected("unreadable payload: " + err.Error()), nil
		}
		if reason := validatePayload(plain); reason != "" {
			return rejected(reason), nil
		}
		payload = plain
	}

	updatedAt := it.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	existing, err := s.target(tx, owner, it)
	if err != nil {
		return remote.ItemResult{}, err
	}
	appendOnly := s.types.AppendOnly(it.EntityType)

	switch {
	case it.Operation == models.OperationDelete:
		if existing == nil {
			return remote.ItemResult{Status: remote.ItemAccepted}, nil
		}
		if !existing.Deleted {
			existing.Deleted = true
			existing.UpdatedAt = updatedAt
			if err := s.save(tx, existing); err != nil {
				return remote.ItemResult{}, err
			}
		}
		return accepted(existing.RemoteID), nil

	case existing == nil || (it.Operation == models.OperationCreate && appendOnly):
		rec := &StoredRecord{
			RemoteID:   uuid.NewString(),
			Owner:      owner,
			EntityType: it.EntityType,
			LocalID:    it.LocalID,
			Payload:    datatypes.JSON(payload),
			UpdatedAt:  updatedAt,
			CreatedAt:  s.now(),
		}
		if err := s.save(tx, rec); err != nil {
			return remote.ItemResult{}, err
		}
		return accepted(rec.RemoteID), nil

	case appendOnly:
		if samePayload(existing.Payload, payload) && !existing.Deleted {
			return accepted(existing.RemoteID), nil
		}
		return conflict(existing), nil

	case existing.UpdatedAt.After(updatedAt):
		return conflict(existing), nil

	default:
		existing.Payload = datatypes.JSON(payload)
		existing.UpdatedAt = updatedAt
		existing.Deleted = false
		if err := s.save(tx, existing); err != nil {
			return remote.ItemResult{}, err
		}
		return accepted(existing.RemoteID), nil
	}
}

// target finds the record an item refers to: by remote id, or else the
// newest record the same device created under that local id
func (s *Service) target(tx *gorm.DB, owner string, it remote.UploadItem) (*StoredRecord, error) {
	var rec StoredRecord
	q := tx.Where("owner = ? AND entity_type = ?", owner, it.EntityType)
	if it.RemoteID != "" {
		q = q.Where("remote_id = ?", it.RemoteID)
	} else if it.LocalID != "" {
		q = q.Where("local_id = ?", it.LocalID).Order("created_at DESC")
	} else {
		return nil, nil
	}

	err := q.First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// save stamps the next revision and writes rec
func (s *Service) save(tx *gorm.DB, rec *StoredRecord) error {
	var max int64
	if err := tx.Model(&StoredRecord{}).Select("COALESCE(MAX(revision), 0)").Scan(&max).Error; err != nil {
		return err
	}
	rec.Revision = max + 1
	return tx.Save(rec).Error
}

// Changes lists records of entityType with a revision above since, oldest first
func (s *Service) Changes(ctx context.Context, owner, entityType string, since int64) ([]remote.RemoteRecord, error) {
	if entityType == "" {
		return nil, apperrors.NewValidationError("entityType is required")
	}

	var recs []StoredRecord
	err := s.db.WithContext(ctx).
		Where("owner = ? AND entity_type = ? AND revision > ?", owner, entityType, since).
		Order("revision ASC").
		Limit(maxChanges).
		Find(&recs).Error
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}

	out := make([]remote.RemoteRecord, 0, len(recs))
	for i := range recs {
		rr := recs[i].toRemote()
		sealed, err := s.sealer.Seal(rr.Payload)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		rr.Payload = sealed
		out = append(out, rr)
	}
	return out, nil
}

// Samples returns live records of entityType updated within [from, to].
// Zero bounds are open.
func (s *Service) Samples(ctx context.Context, owner, entityType string, from, to time.Time) ([]StoredRecord, error) {
	q := s.db.WithContext(ctx).Where("owner = ? AND deleted = ?", owner, false)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if !from.IsZero() {
		q = q.Where("updated_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("updated_at <= ?", to)
	}

	var recs []StoredRecord
	if err := q.Order("updated_at ASC").Find(&recs).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return recs, nil
}

// validatePayload returns a rejection reason, or "" when the payload is acceptable
func validatePayload(payload json.RawMessage) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "payload must be a JSON object"
	}
	if v, ok := doc["value"]; ok {
		n, isNum := v.(float64)
		if !isNum {
			return "value must be a number"
		}
		if n < 0 {
			return "value must not be negative"
		}
	}
	return ""
}

func samePayload(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ae, _ := json.Marshal(av)
	be, _ := json.Marshal(bv)
	return bytes.Equal(ae, be)
}

func accepted(remoteID string) remote.ItemResult {
	return remote.ItemResult{Status: remote.ItemAccepted, RemoteID: remoteID}
}

func rejected(reason string) remote.ItemResult {
	return remote.ItemResult{Status: remote.ItemRejected, Reason: reason}
}

func conflict(existing *StoredRecord) remote.ItemResult {
	rr := existing.toRemote()
	return remote.ItemResult{Status: remote.ItemConflict, RemoteID: existing.RemoteID, Reason: "remote version differs", Remote: &rr}
}
