// Package server is a reference implementation of the remote health service:
// idempotent batch uploads, a change feed, and asynchronous analysis jobs.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
)

// Options configures a Server
type Options struct {
	// JWTSecret verifies bearer tokens; empty accepts anonymous requests
	JWTSecret string
	Sealer    *remote.Sealer
	Types     *models.Registry
	Analyzer  Analyzer
	Workers   int
	// Delay holds each analysis job in processing before it runs
	Delay  time.Duration
	Logger *slog.Logger
}

// Server bundles the service, its job worker and HTTP routes
type Server struct {
	svc    *Service
	worker *Worker
	router *Router
	log    *slog.Logger

	cancel context.CancelFunc
}

// New migrates the service tables in db and builds the server
func New(db *gorm.DB, opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	svc := NewService(db, opts.Types, opts.Sealer, log)
	if err := svc.Migrate(); err != nil {
		return nil, fmt.Errorf("migrate remote service tables: %w", err)
	}
	worker := NewWorker(svc, opts.Analyzer, opts.Workers, opts.Delay, log)

	return &Server{
		svc:    svc,
		worker: worker,
		router: NewRouter(svc, worker, opts.JWTSecret, log),
		log:    log,
	}, nil
}

// Service exposes the business layer
func (s *Server) Service() *Service {
	return s.svc
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the job worker until ctx is cancelled or Close is called
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	return s.worker.Start(ctx)
}

// Close stops the worker and waits for running jobs to return
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.worker.Wait()
}
