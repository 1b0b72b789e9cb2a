package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/xelth-com/healthsync/internal/buildinfo"
	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/remote"
)

type contextKey string

const ownerContextKey contextKey = "owner"

// AnonymousOwner owns all data when the service runs without a JWT secret
const AnonymousOwner = "anonymous"

const maxBodyBytes = 16 << 20

// Router wraps the mux router and the service
type Router struct {
	*mux.Router
	svc    *Service
	worker *Worker
	secret []byte
	log    *slog.Logger
}

// NewRouter creates the HTTP routes of the remote service
func NewRouter(svc *Service, worker *Worker, jwtSecret string, log *slog.Logger) *Router {
	r := &Router{
		Router: mux.NewRouter(),
		svc:    svc,
		worker: worker,
		secret: []byte(jwtSecret),
		log:    log,
	}

	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(r.authMiddleware)
	api.HandleFunc("/batches", r.uploadBatch).Methods("POST")
	api.HandleFunc("/changes", r.changes).Methods("GET")
	api.HandleFunc("/analyses", r.submitAnalysis).Methods("POST")
	api.HandleFunc("/analyses/{id}", r.getAnalysis).Methods("GET")

	return r
}

// authMiddleware verifies the bearer token and stores its subject as the owner
func (r *Router) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if len(r.secret) == 0 {
			ctx := context.WithValue(req.Context(), ownerContextKey, AnonymousOwner)
			next.ServeHTTP(w, req.WithContext(ctx))
			return
		}

		authHeader := req.Header.Get("Authorization")
		if authHeader == "" {
			respondError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			respondError(w, http.StatusUnauthorized, "Invalid authorization header format")
			return
		}

		subject, err := validateToken(parts[1], r.secret)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(req.Context(), ownerContextKey, subject)
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// validateToken parses an HS256 token and returns its subject
func validateToken(tokenString string, secret []byte) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func owner(req *http.Request) string {
	if o, ok := req.Context().Value(ownerContextKey).(string); ok {
		return o
	}
	return AnonymousOwner
}

func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"server":  "remote",
		"version": buildinfo.Version(),
	})
}

func (r *Router) uploadBatch(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Items []remote.UploadItem `json:"items"`
	}
	if err := decodeBody(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := r.svc.ApplyBatch(req.Context(), owner(req), body.Items)
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, remote.BatchResult{Results: results})
}

func (r *Router) changes(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	var since int64
	if s := q.Get("since"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			respondError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}

	changes, err := r.svc.Changes(req.Context(), owner(req), q.Get("entityType"), since)
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"changes": changes})
}

func (r *Router) submitAnalysis(w http.ResponseWriter, req *http.Request) {
	var body remote.AnalysisRequest
	if err := decodeBody(w, req, &body); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := r.svc.SubmitJob(req.Context(), owner(req), body)
	if err != nil {
		r.fail(w, err)
		return
	}
	if r.worker != nil {
		r.worker.Enqueue(job.JobID)
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": job.JobID, "status": job.Status})
}

func (r *Router) getAnalysis(w http.ResponseWriter, req *http.Request) {
	job, err := r.svc.GetJob(req.Context(), owner(req), mux.Vars(req)["id"])
	if err != nil {
		r.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job.toStatus())
}

// fail maps an application error to an HTTP status
func (r *Router) fail(w http.ResponseWriter, err error) {
	var status int
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrorTypeRejected:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
		r.log.Error("Request failed", "error", err)
	}

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
		return fmt.Errorf("invalid request body: %w", err)
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
