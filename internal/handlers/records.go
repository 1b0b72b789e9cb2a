package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/datatypes"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/store"
)

type recordRequest struct {
	LocalID    string           `json:"localId"`
	EntityType string           `json:"entityType"`
	Operation  models.Operation `json:"operation"`
	Payload    json.RawMessage  `json:"payload"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// writeRecord saves a local change and queues it for upload.
// The operation defaults to create.
func (r *Router) writeRecord(w http.ResponseWriter, req *http.Request) {
	var body recordRequest
	if err := decodeBody(w, req, &body); err != nil {
		r.fail(w, err)
		return
	}
	if body.Operation == "" {
		body.Operation = models.OperationCreate
	}
	if body.Operation != models.OperationDelete && !json.Valid(body.Payload) {
		r.fail(w, apperrors.NewValidationError("payload must be valid JSON"))
		return
	}

	rec := &models.HealthRecord{
		LocalID:    body.LocalID,
		EntityType: body.EntityType,
		Payload:    datatypes.JSON(body.Payload),
		UpdatedAt:  body.UpdatedAt,
	}
	saved, err := r.engine.EnqueueForSync(req.Context(), rec, body.Operation)
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, saved)
}

func (r *Router) deleteRecord(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	existing, err := r.engine.Record(req.Context(), id)
	if err != nil {
		r.fail(w, err)
		return
	}

	saved, err := r.engine.EnqueueForSync(req.Context(), &models.HealthRecord{
		LocalID:    id,
		EntityType: existing.EntityType,
	}, models.OperationDelete)
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, saved)
}

func (r *Router) getRecord(w http.ResponseWriter, req *http.Request) {
	rec, err := r.engine.Record(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// listRecords filters by entityType, status (comma separated), deleted and limit
func (r *Router) listRecords(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	f := store.Filter{
		EntityType:     q.Get("entityType"),
		IncludeDeleted: q.Get("deleted") == "true",
	}
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := models.SyncStatus(strings.TrimSpace(part))
			if !st.Valid() {
				r.fail(w, apperrors.NewValidationError("unknown status "+part))
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			r.fail(w, apperrors.NewValidationError("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	recs, err := r.engine.Records(req.Context(), f)
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"records": recs, "count": len(recs)})
}

func (r *Router) retryRecord(w http.ResponseWriter, req *http.Request) {
	n, err := r.engine.RetryFailed(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"requeued": n})
}
