package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
)

// SubmitJob stores a queued job and hands it to the worker
func (s *Service) SubmitJob(ctx context.Context, owner string, req remote.AnalysisRequest) (*StoredJob, error) {
	if req.Kind == "" {
		return nil, apperrors.NewValidationError("kind is required")
	}
	if req.EntityType != "" {
		if _, ok := s.types.Lookup(req.EntityType); !ok {
			return nil, apperrors.NewValidationError("unknown entity type " + req.EntityType)
		}
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	now := s.now()
	job := &StoredJob{
		JobID:     uuid.NewString(),
		Owner:     owner,
		Kind:      req.Kind,
		Request:   datatypes.JSON(raw),
		Status:    JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return job, nil
}

// GetJob loads a job visible to owner
func (s *Service) GetJob(ctx context.Context, owner, jobID string) (*StoredJob, error) {
	var job StoredJob
	err := s.db.WithContext(ctx).Where("job_id = ? AND owner = ?", jobID, owner).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NewNotFoundError("analysis job", jobID)
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError(err)
	}
	return &job, nil
}

func (s *Service) pendingJobs(ctx context.Context) ([]StoredJob, error) {
	var jobs []StoredJob
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{JobQueued, JobProcessing}).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

func (s *Service) setJobState(ctx context.Context, job *StoredJob) error {
	job.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Model(&StoredJob{}).
		Where("job_id = ?", job.JobID).
		Updates(map[string]interface{}{
			"status":     job.Status,
			"result":     job.Result,
			"error":      job.Error,
			"updated_at": job.UpdatedAt,
		}).Error
}

// Worker runs analysis jobs in the background
type Worker struct {
	svc      *Service
	analyzer Analyzer
	delay    time.Duration
	workers  int

	jobs chan string
	wg   sync.WaitGroup
	log  *slog.Logger
}

// NewWorker creates a worker pool. delay holds each job in processing for a
// while before it runs, like a real batch backend would.
func NewWorker(svc *Service, analyzer Analyzer, workers int, delay time.Duration, log *slog.Logger) *Worker {
	if analyzer == nil {
		analyzer = StatsAnalyzer{}
	}
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		svc:      svc,
		analyzer: analyzer,
		delay:    delay,
		workers:  workers,
		jobs:     make(chan string, 256),
		log:      log.With("component", "analysis-worker", "analyzer", analyzer.Name()),
	}
}

// Start launches the workers and re-enqueues jobs left unfinished by a restart
func (w *Worker) Start(ctx context.Context) error {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}

	pending, err := w.svc.pendingJobs(ctx)
	if err != nil {
		return err
	}
	for _, j := range pending {
		w.Enqueue(j.JobID)
	}
	if len(pending) > 0 {
		w.log.Info("Resumed analysis jobs", "count", len(pending))
	}
	return nil
}

// Enqueue schedules a job. When the buffer is full the job stays queued
// and runs after the next restart.
func (w *Worker) Enqueue(jobID string) {
	select {
	case w.jobs <- jobID:
	default:
		w.log.Warn("Analysis queue full, job left queued", "job_id", jobID)
	}
}

// Wait blocks until all workers have exited
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.jobs:
			w.run(ctx, id)
		}
	}
}

func (w *Worker) run(ctx context.Context, jobID string) {
	var job StoredJob
	if err := w.svc.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		w.log.Error("Failed to load analysis job", "job_id", jobID, "error", err)
		return
	}
	if job.Status != JobQueued && job.Status != JobProcessing {
		return
	}

	job.Status = JobProcessing
	if err := w.svc.setJobState(ctx, &job); err != nil {
		w.log.Error("Failed to mark job processing", "job_id", jobID, "error", err)
		return
	}

	if w.delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.delay):
		}
	}

	result, err := w.analyze(ctx, &job)
	if ctx.Err() != nil {
		// left in processing; Start picks it up again
		return
	}
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
		w.log.Warn("Analysis job failed", "job_id", jobID, "kind", job.Kind, "error", err)
	} else {
		job.Status = JobCompleted
		job.Result = datatypes.JSON(result)
		w.log.Info("Analysis job completed", "job_id", jobID, "kind", job.Kind)
	}
	if err := w.svc.setJobState(ctx, &job); err != nil {
		w.log.Error("Failed to store job result", "job_id", jobID, "error", err)
	}
}

func (w *Worker) analyze(ctx context.Context, job *StoredJob) (json.RawMessage, error) {
	var req remote.AnalysisRequest
	if err := json.Unmarshal(job.Request, &req); err != nil {
		return nil, err
	}

	recs, err := w.svc.Samples(ctx, job.Owner, req.EntityType, req.From, req.To)
	if err != nil {
		return nil, err
	}
	samples := make([]Sample, 0, len(recs))
	for _, r := range recs {
		m, err := models.DecodeMeasurement(r.Payload)
		if err != nil {
			continue
		}
		at := m.StartAt
		if at.IsZero() {
			at = r.UpdatedAt
		}
		samples = append(samples, Sample{At: at, Value: m.Value, Unit: m.Unit})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].At.Before(samples[j].At) })
	return w.analyzer.Analyze(ctx, req, samples)
}
