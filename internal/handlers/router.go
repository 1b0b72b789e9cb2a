// Package handlers serves the local HTTP API that apps on the device use to
// write records, trigger sync and follow analysis jobs.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/xelth-com/healthsync/internal/buildinfo"
	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/store"
	hsync "github.com/xelth-com/healthsync/internal/sync"
	"github.com/xelth-com/healthsync/internal/websocket"
)

const maxBodyBytes = 4 << 20

// Engine is the part of the sync engine the API exposes
type Engine interface {
	EnqueueForSync(ctx context.Context, rec *models.HealthRecord, op models.Operation) (*models.HealthRecord, error)
	Record(ctx context.Context, localID string) (*models.HealthRecord, error)
	Records(ctx context.Context, f store.Filter) ([]*models.HealthRecord, error)
	TriggerSync(ctx context.Context) (hsync.SyncSummary, error)
	TriggerCollectionSync(ctx context.Context, collection string) (hsync.SyncSummary, error)
	RetryFailed(ctx context.Context, localID string) (int, error)
	Status(ctx context.Context) (hsync.Status, error)

	StartAnalysis(ctx context.Context, req remote.AnalysisRequest) (hsync.AnalysisHandle, error)
	Observe(ctx context.Context, h hsync.AnalysisHandle) (<-chan models.AnalysisJob, error)
	Analysis(ctx context.Context, jobID string) (*models.AnalysisJob, error)
	Analyses(ctx context.Context, activeOnly bool) ([]*models.AnalysisJob, error)
	CancelAnalysis(jobID string) bool
}

// Router wraps the mux router and the engine
type Router struct {
	*mux.Router
	engine Engine
	hub    *websocket.Hub
	log    *slog.Logger
	errs   *apperrors.Handler
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(engine Engine, hub *websocket.Hub, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		Router: mux.NewRouter(),
		engine: engine,
		hub:    hub,
		log:    log.With("component", "api"),
	}
	r.errs = apperrors.NewHandler(r.log)

	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/records", r.listRecords).Methods("GET")
	api.HandleFunc("/records", r.writeRecord).Methods("POST")
	api.HandleFunc("/records/{id}", r.getRecord).Methods("GET")
	api.HandleFunc("/records/{id}", r.deleteRecord).Methods("DELETE")
	api.HandleFunc("/records/{id}/retry", r.retryRecord).Methods("POST")

	api.HandleFunc("/sync", r.triggerSync).Methods("POST")
	api.HandleFunc("/sync/status", r.syncStatus).Methods("GET")

	api.HandleFunc("/analysis", r.listAnalyses).Methods("GET")
	api.HandleFunc("/analysis", r.startAnalysis).Methods("POST")
	api.HandleFunc("/analysis/{id}", r.getAnalysis).Methods("GET")
	api.HandleFunc("/analysis/{id}", r.cancelAnalysis).Methods("DELETE")
	api.HandleFunc("/analysis/{id}/report.pdf", r.analysisReport).Methods("GET")

	r.HandleFunc("/ws/analysis/{id}", r.observeAnalysis).Methods("GET")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"server":  "local",
		"version": buildinfo.Version(),
		"started": buildinfo.StartTime,
	})
}

// fail maps an engine error to an HTTP status
func (r *Router) fail(w http.ResponseWriter, err error) {
	var status int
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrorTypeRejected:
		status = http.StatusUnprocessableEntity
	case apperrors.ErrorTypeAnalysisSubmit:
		status = http.StatusBadGateway
	case apperrors.ErrorTypeTransient, apperrors.ErrorTypeQueuePersist:
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	r.errs.Handle(context.Background(), err)

	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
	}
	respondError(w, status, msg)
}

func decodeBody(w http.ResponseWriter, req *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return apperrors.NewValidationError("invalid request body: " + err.Error())
	}
	return nil
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
