// Package analysis submits long-running remote analyses and polls them to a
// terminal state. Poll state is persisted after every completed poll so a
// restarted process resumes where it stopped.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/retry"
	"github.com/xelth-com/healthsync/internal/store"
)

// Options tunes the poll loop
type Options struct {
	Interval       time.Duration
	MaxAttempts    int
	RequestTimeout time.Duration
	// Jitter feeds the backoff used after failed poll calls
	Jitter func() float64
}

// Poller tracks analysis jobs until they complete, fail or time out
type Poller struct {
	client   remote.Client
	jobs     store.JobStore
	opts     Options
	failures retry.Policy

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	latest   map[string]*models.AnalysisJob
	watchers map[string][]*watcher

	now func() time.Time
	log *slog.Logger
}

// NewPoller creates a poller. Zero options fall back to a 10s interval and 30 attempts.
func NewPoller(client remote.Client, jobs store.JobStore, opts Options, log *slog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 30
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	base, stop := context.WithCancel(context.Background())
	return &Poller{
		client: client,
		jobs:   jobs,
		opts:   opts,
		failures: retry.Policy{
			BaseDelay: opts.Interval / 4,
			MaxDelay:  opts.Interval,
			Jitter:    opts.Jitter,
		},
		base:     base,
		stop:     stop,
		active:   make(map[string]context.CancelFunc),
		latest:   make(map[string]*models.AnalysisJob),
		watchers: make(map[string][]*watcher),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log.With("component", "analysis"),
	}
}

// Submit starts a job on the remote and persists it as queued.
// Nothing is persisted when the remote refuses.
func (p *Poller) Submit(ctx context.Context, req remote.AnalysisRequest) (*models.AnalysisJob, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	jobID, err := p.client.SubmitAnalysis(callCtx, req)
	cancel()
	if err != nil {
		return nil, apperrors.NewAnalysisSubmitError(err).WithContext("kind", req.Kind)
	}
	if jobID == "" {
		return nil, apperrors.NewAnalysisSubmitError(fmt.Errorf("remote returned an empty job id"))
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}

	job := &models.AnalysisJob{
		JobID:       jobID,
		Kind:        req.Kind,
		Request:     datatypes.JSON(reqJSON),
		Status:      models.AnalysisQueued,
		SubmittedAt: p.now(),
	}
	if err := p.jobs.SaveJob(ctx, job); err != nil {
		return nil, err
	}

	p.log.Info("Analysis submitted", "job_id", jobID, "kind", req.Kind)
	return job.Clone(), nil
}

// Poll asks the remote for the job's status once and persists the result.
// A cancelled ctx returns the job untouched.
func (p *Poller) Poll(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisJob, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	st, err := p.client.GetAnalysisStatus(callCtx, job.JobID)
	cancel()
	if ctx.Err() != nil {
		return job, ctx.Err()
	}

	now := p.now()
	next := job.Clone()
	next.Attempt++
	next.LastPolledAt = &now

	var pollErr error
	if err != nil {
		switch apperrors.TypeOf(err) {
		case apperrors.ErrorTypeRejected, apperrors.ErrorTypeNotFound:
			// the remote no longer knows the job; polling cannot recover it
			settle(next, models.AnalysisFailed, nil, err.Error(), now)
		default:
			pollErr = apperrors.NewTransientError(err, "poll analysis")
		}
	} else {
		apply(next, st, now)
	}

	if err := p.jobs.SaveJob(ctx, next); err != nil {
		return next, err
	}
	p.publish(next)
	return next, pollErr
}

// PollUntilTerminal polls at a fixed interval until the job reaches a
// terminal state or runs out of attempts, which marks it timedOut.
// Failed poll calls back off, never waiting longer than the interval.
// A job loaded from storage resumes from its Attempt and LastPolledAt.
func (p *Poller) PollUntilTerminal(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisJob, error) {
	cur := job.Clone()
	failures := 0

	for !cur.Status.Terminal() {
		if cur.Attempt >= p.opts.MaxAttempts {
			return p.expire(ctx, cur)
		}

		wait := p.opts.Interval
		if failures > 0 {
			wait = p.failures.Delay(failures)
		}
		last := cur.SubmittedAt
		if cur.LastPolledAt != nil {
			last = *cur.LastPolledAt
		}
		if elapsed := p.now().Sub(last); elapsed > 0 {
			wait -= elapsed
		}
		if err := retry.Sleep(ctx, wait); err != nil {
			return cur, err
		}

		next, err := p.Poll(ctx, cur)
		if err != nil {
			if ctx.Err() != nil {
				return cur, ctx.Err()
			}
			failures++
			p.log.Warn("Analysis poll failed",
				"job_id", cur.JobID,
				"attempt", next.Attempt,
				"error", err)
			cur = next
			continue
		}

		failures = 0
		cur = next
	}
	return cur, nil
}

func (p *Poller) expire(ctx context.Context, job *models.AnalysisJob) (*models.AnalysisJob, error) {
	next := job.Clone()
	settle(next, models.AnalysisTimedOut, nil, fmt.Sprintf("no terminal status after %d polls", job.Attempt), p.now())
	if err := p.jobs.SaveJob(ctx, next); err != nil {
		return next, err
	}
	p.publish(next)
	p.log.Warn("Analysis timed out", "job_id", job.JobID, "attempts", job.Attempt)
	return next, nil
}

// Start submits req and polls it in the background
func (p *Poller) Start(ctx context.Context, req remote.AnalysisRequest) (*models.AnalysisJob, error) {
	job, err := p.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	p.launch(job)
	return job, nil
}

// Resume restarts background polling for every non-terminal job
func (p *Poller) Resume(ctx context.Context) (int, error) {
	jobs, err := p.jobs.ListJobs(ctx, true)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, job := range jobs {
		if p.launch(job) {
			n++
		}
	}
	if n > 0 {
		p.log.Info("Resumed analysis polling", "jobs", n)
	}
	return n, nil
}

// Cancel stops background polling of a job. The job keeps the state of its
// last completed poll and can be resumed later.
func (p *Poller) Cancel(jobID string) bool {
	p.mu.Lock()
	cancel, ok := p.active[jobID]
	p.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Get returns the latest known state of a job
func (p *Poller) Get(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	p.mu.Lock()
	job, ok := p.latest[jobID]
	p.mu.Unlock()
	if ok {
		return job.Clone(), nil
	}
	return p.jobs.GetJob(ctx, jobID)
}

// Active lists jobs with a running poll loop
func (p *Poller) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.active))
	for id := range p.active {
		out = append(out, id)
	}
	return out
}

// Close stops every poll loop and waits for them to exit
func (p *Poller) Close() {
	p.stop()
	p.wg.Wait()
}

func (p *Poller) launch(job *models.AnalysisJob) bool {
	p.mu.Lock()
	if _, ok := p.active[job.JobID]; ok || job.Status.Terminal() {
		p.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(p.base)
	p.active[job.JobID] = cancel
	p.latest[job.JobID] = job.Clone()
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer p.finish(job.JobID)

		final, err := p.PollUntilTerminal(ctx, job)
		if err != nil {
			p.log.Info("Analysis polling stopped", "job_id", job.JobID, "attempt", final.Attempt, "error", err)
			return
		}
		p.log.Info("Analysis finished", "job_id", job.JobID, "status", final.Status, "attempts", final.Attempt)
	}()
	return true
}

func (p *Poller) finish(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cancel, ok := p.active[jobID]; ok {
		cancel()
		delete(p.active, jobID)
	}
	for _, w := range p.watchers[jobID] {
		w.close()
	}
	delete(p.watchers, jobID)
	delete(p.latest, jobID)
}

// settle stamps a terminal status onto job
func settle(job *models.AnalysisJob, status models.AnalysisStatus, result json.RawMessage, errMsg string, at time.Time) {
	job.Status = status
	job.CompletedAt = &at
	job.Result = nil
	job.Error = nil
	if result != nil {
		job.Result = append(datatypes.JSON(nil), result...)
	}
	if errMsg != "" {
		job.Error = &errMsg
	}
}

// apply maps a remote status onto job
func apply(job *models.AnalysisJob, st *remote.AnalysisStatus, at time.Time) {
	switch status := MapStatus(st.Status); status {
	case models.AnalysisCompleted:
		result := st.Result
		if result == nil {
			result = json.RawMessage("null")
		}
		settle(job, status, result, "", at)
	case models.AnalysisFailed:
		msg := st.Error
		if msg == "" {
			msg = "analysis failed"
		}
		settle(job, status, nil, msg, at)
	default:
		job.Status = status
	}
}

// MapStatus translates a remote status string. Unknown values are treated as
// still processing so the attempt budget decides when to stop.
func MapStatus(s string) models.AnalysisStatus {
	switch strings.ToLower(s) {
	case "queued", "pending", "submitted":
		return models.AnalysisQueued
	case "completed", "succeeded", "done":
		return models.AnalysisCompleted
	case "failed", "error", "cancelled", "canceled", "timed_out":
		return models.AnalysisFailed
	default:
		return models.AnalysisProcessing
	}
}

// JobError describes why a terminal job produced no result
func JobError(job *models.AnalysisJob) error {
	msg := ""
	if job.Error != nil {
		msg = *job.Error
	}
	switch job.Status {
	case models.AnalysisFailed:
		return apperrors.New(apperrors.ErrorTypeAnalysisFailed, "ANALYSIS_FAILED", msg).WithContext("job_id", job.JobID)
	case models.AnalysisTimedOut:
		return apperrors.New(apperrors.ErrorTypeAnalysisTimeout, "ANALYSIS_TIMEOUT", msg).WithContext("job_id", job.JobID)
	}
	return nil
}
