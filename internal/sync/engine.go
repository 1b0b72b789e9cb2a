package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/xelth-com/healthsync/internal/analysis"
	"github.com/xelth-com/healthsync/internal/config"
	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/queue"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/retry"
	"github.com/xelth-com/healthsync/internal/store"
)

// Options wires a SyncEngine
type Options struct {
	Config *config.SyncConfig
	Store  store.Store
	Client remote.Client
	// Connectivity is optional; without it the remote is assumed reachable
	Connectivity *ConnectionManager
	Logger       *slog.Logger
	Clock        func() time.Time
	Jitter       func() float64
}

// AnalysisHandle identifies a started analysis
type AnalysisHandle struct {
	JobID       string    `json:"jobId"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RecoveryReport counts what startup recovery touched
type RecoveryReport struct {
	Records    int `json:"records"`
	QueueItems int `json:"queueItems"`
	Requeued   int `json:"requeued"`
	Jobs       int `json:"jobs"`
}

// SyncEngine orchestrates all synchronization operations
type SyncEngine struct {
	mu sync.RWMutex

	// Core components
	cfg         *config.SyncConfig
	store       store.Store
	client      remote.Client
	types       *models.Registry
	queues      *queue.Manager
	locks       *KeyedMutex
	coordinator *Coordinator
	poller      *analysis.Poller
	conn        *ConnectionManager

	// State
	isRunning bool
	lastSync  time.Time
	lastError string

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
	log *slog.Logger
}

// NewSyncEngine creates a new sync engine
func NewSyncEngine(opts Options) (*SyncEngine, error) {
	if opts.Store == nil || opts.Client == nil {
		return nil, fmt.Errorf("sync engine needs a store and a remote client")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultSyncConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	types := models.NewRegistry()
	for _, t := range cfg.EntityTypes {
		types.Register(models.EntityTypeSpec{Name: t.Name, AppendOnly: t.AppendOnly})
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		cfg:    cfg,
		store:  opts.Store,
		client: opts.Client,
		types:  types,
		queues: queue.NewManager(opts.Store, log),
		locks:  NewKeyedMutex(),
		ctx:    ctx,
		cancel: cancel,
		now:    now,
		log:    log.With("component", "sync"),
	}
	e.queues.SetClock(now)

	var conn Connectivity
	if opts.Connectivity != nil {
		e.conn = opts.Connectivity
		conn = opts.Connectivity
	}

	e.coordinator = newCoordinator(ctx, opts.Store, e.queues, opts.Client,
		NewConflictResolver(types), e.locks, conn,
		CoordinatorOptions{
			BatchSize:      cfg.BatchSize,
			MaxAttempts:    cfg.MaxAttempts,
			RequestTimeout: cfg.RequestTimeout,
			Policy: retry.Policy{
				BaseDelay: cfg.RetryBaseDelay,
				MaxDelay:  cfg.RetryMaxDelay,
				Jitter:    opts.Jitter,
			},
		}, now, log)

	e.poller = analysis.NewPoller(opts.Client, opts.Store, analysis.Options{
		Interval:       cfg.Poll.Interval,
		MaxAttempts:    cfg.Poll.MaxAttempts,
		RequestTimeout: cfg.RequestTimeout,
		Jitter:         opts.Jitter,
	}, log)

	return e, nil
}

// Types exposes the entity type registry
func (e *SyncEngine) Types() *models.Registry {
	return e.types
}

// EnqueueForSync records a local create, update or delete and queues it for
// upload. The record is written first; if the queue cannot persist the
// operation the write is rolled back and ErrQueuePersistFailed returned.
func (e *SyncEngine) EnqueueForSync(ctx context.Context, rec *models.HealthRecord, op models.Operation) (*models.HealthRecord, error) {
	if !op.Valid() {
		return nil, apperrors.NewValidationError("unknown operation " + string(op))
	}
	if _, ok := e.types.Lookup(rec.EntityType); !ok {
		return nil, apperrors.NewValidationError("unknown entity type " + rec.EntityType)
	}
	if rec.LocalID == "" {
		if op != models.OperationCreate {
			return nil, apperrors.NewValidationError("local id is required for " + string(op))
		}
		rec.LocalID = uuid.NewString()
	}

	unlock := e.locks.Lock(rec.LocalID)
	defer unlock()

	prev, err := e.store.Get(ctx, rec.LocalID)
	if err != nil && apperrors.TypeOf(err) != apperrors.ErrorTypeNotFound {
		return nil, err
	}
	if prev != nil && prev.EntityType != rec.EntityType {
		return nil, apperrors.NewValidationError("entity type of an existing record cannot change")
	}
	// the record exists, so a second create can only change it
	if op == models.OperationCreate && prev != nil {
		op = models.OperationUpdate
	}

	now := e.now()
	var next *models.HealthRecord
	switch {
	case op == models.OperationDelete:
		if prev == nil {
			return nil, apperrors.NewNotFoundError("record", rec.LocalID)
		}
		next = prev.Clone()
		next.Deleted = true
		next.UpdatedAt = now
	case prev != nil:
		next = prev.Clone()
		next.Payload = append(datatypes.JSON(nil), rec.Payload...)
		next.Deleted = false
		next.UpdatedAt = rec.UpdatedAt
	default:
		next = rec.Clone()
		next.RemoteID = nil
		next.LastSyncedAt = nil
		next.SyncAttempts = 0
		next.CreatedAt = now
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = now
	}
	// an in-flight attempt keeps its status; the new item waits behind it
	if next.SyncStatus != models.SyncStatusSyncing {
		next.SyncStatus = models.SyncStatusPending
	}
	next.SyncError = nil

	if err := e.store.Upsert(ctx, next); err != nil {
		return nil, err
	}

	var payload datatypes.JSON
	if op != models.OperationDelete {
		payload = next.Payload
	}
	if _, err := e.queues.Enqueue(ctx, queue.Op{
		Collection: next.EntityType,
		LocalID:    next.LocalID,
		Operation:  op,
		Payload:    payload,
	}); err != nil {
		e.rollback(ctx, prev, next.LocalID)
		e.log.Error("Enqueue failed, local write rolled back", "local_id", next.LocalID, "error", err)
		return nil, err
	}

	return next.Clone(), nil
}

func (e *SyncEngine) rollback(ctx context.Context, prev *models.HealthRecord, localID string) {
	bk := context.WithoutCancel(ctx)
	var err error
	if prev == nil {
		err = e.store.Delete(bk, localID)
	} else {
		err = e.store.Upsert(bk, prev)
	}
	if err != nil {
		e.log.Error("Rollback failed", "local_id", localID, "error", err)
	}
}

// Record returns one record by local id
func (e *SyncEngine) Record(ctx context.Context, localID string) (*models.HealthRecord, error) {
	return e.store.Get(ctx, localID)
}

// Records queries the local store, which is the only source of sync state
func (e *SyncEngine) Records(ctx context.Context, f store.Filter) ([]*models.HealthRecord, error) {
	return e.store.Query(ctx, f, store.Sort{Field: store.SortByUpdatedAt, Desc: true})
}

// TriggerSync runs every collection that has queued work, plus every
// registered collection when the remote offers a change feed.
// Collections run concurrently; each returns independently.
func (e *SyncEngine) TriggerSync(ctx context.Context) (SyncSummary, error) {
	collections, err := e.collections(ctx)
	if err != nil {
		return SyncSummary{}, err
	}

	var (
		mu    sync.Mutex
		total = SyncSummary{StartedAt: e.now()}
	)
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, col := range collections {
		g.Go(func() error {
			sum, err := e.coordinator.Sync(ctx, col)
			mu.Lock()
			total.merge(sum)
			mu.Unlock()
			if err != nil {
				return fmt.Errorf("sync %s: %w", col, err)
			}
			return nil
		})
	}
	err = g.Wait()
	total.Collections = sortedUnique(total.Collections)

	e.recordRun(err)
	return total, err
}

// TriggerCollectionSync runs a single collection
func (e *SyncEngine) TriggerCollectionSync(ctx context.Context, collection string) (SyncSummary, error) {
	if _, ok := e.types.Lookup(collection); !ok {
		return SyncSummary{}, apperrors.NewValidationError("unknown entity type " + collection)
	}
	sum, err := e.coordinator.Sync(ctx, collection)
	e.recordRun(err)
	return sum, err
}

func (e *SyncEngine) recordRun(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastSync = e.now()
	e.lastError = ""
	if err != nil {
		e.lastError = err.Error()
	}
}

func (e *SyncEngine) collections(ctx context.Context) ([]string, error) {
	cols, err := e.queues.Collections(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := e.client.(remote.ChangeFeed); ok {
		cols = append(cols, e.types.Names()...)
	}
	return sortedUnique(cols), nil
}

// RetryFailed makes a failed record eligible for upload again with a fresh attempt budget
func (e *SyncEngine) RetryFailed(ctx context.Context, localID string) (int, error) {
	unlock := e.locks.Lock(localID)
	defer unlock()

	rec, err := e.store.Get(ctx, localID)
	if err != nil {
		return 0, err
	}
	n, err := e.queues.For(rec.EntityType).Retry(ctx, localID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	_, err = e.store.Update(ctx, localID, func(r *models.HealthRecord) error {
		r.SyncStatus = models.SyncStatusPending
		r.SyncError = nil
		r.SyncAttempts = 0
		return nil
	})
	return n, err
}

// StartAnalysis submits an analysis and polls it in the background
func (e *SyncEngine) StartAnalysis(ctx context.Context, req remote.AnalysisRequest) (AnalysisHandle, error) {
	job, err := e.poller.Start(ctx, req)
	if err != nil {
		return AnalysisHandle{}, err
	}
	return AnalysisHandle{JobID: job.JobID, SubmittedAt: job.SubmittedAt}, nil
}

// Observe streams the job's states until it is terminal
func (e *SyncEngine) Observe(ctx context.Context, h AnalysisHandle) (<-chan models.AnalysisJob, error) {
	return e.poller.Observe(ctx, h.JobID)
}

// Analysis returns the latest state of a job
func (e *SyncEngine) Analysis(ctx context.Context, jobID string) (*models.AnalysisJob, error) {
	return e.poller.Get(ctx, jobID)
}

// Analyses lists persisted jobs
func (e *SyncEngine) Analyses(ctx context.Context, activeOnly bool) ([]*models.AnalysisJob, error) {
	return e.store.ListJobs(ctx, activeOnly)
}

// CancelAnalysis stops polling a job locally; the remote job is unaffected
func (e *SyncEngine) CancelAnalysis(jobID string) bool {
	return e.poller.Cancel(jobID)
}

// Recover restores invariants after an unclean shutdown. Records and queue
// items left syncing go back to pending, pending records whose queue item
// was lost are queued again, and unfinished analyses resume polling.
func (e *SyncEngine) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport
	var err error

	if rep.Records, err = e.store.ResetSyncing(ctx); err != nil {
		return rep, err
	}
	if rep.QueueItems, err = e.queues.Recover(ctx); err != nil {
		return rep, err
	}
	if rep.Requeued, err = e.requeueOrphans(ctx); err != nil {
		return rep, err
	}
	if rep.Jobs, err = e.poller.Resume(ctx); err != nil {
		return rep, err
	}

	e.log.Info("Recovery complete",
		"records", rep.Records,
		"queue_items", rep.QueueItems,
		"requeued", rep.Requeued,
		"jobs", rep.Jobs)
	return rep, nil
}

func (e *SyncEngine) requeueOrphans(ctx context.Context) (int, error) {
	pending, err := e.store.Query(ctx, store.Filter{
		Statuses:       []models.SyncStatus{models.SyncStatusPending},
		IncludeDeleted: true,
	}, store.Sort{Field: store.SortByCreatedAt})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range pending {
		q := e.queues.For(rec.EntityType)
		has, err := q.HasPending(ctx, rec.LocalID)
		if err != nil {
			return n, err
		}
		if has {
			continue
		}

		op := models.OperationCreate
		payload := rec.Payload
		switch {
		case rec.Deleted:
			op, payload = models.OperationDelete, nil
		case rec.HasRemoteID():
			op = models.OperationUpdate
		}
		if _, err := q.Enqueue(ctx, queue.Op{Collection: rec.EntityType, LocalID: rec.LocalID, Operation: op, Payload: payload}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Start recovers, then keeps syncing on a timer and whenever connectivity returns
func (e *SyncEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("sync engine already running")
	}
	e.isRunning = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	if _, err := e.Recover(ctx); err != nil {
		return err
	}

	if e.conn != nil {
		e.conn.OnReconnect(func() { e.runBackground("reconnect") })
		e.conn.Start(e.ctx)
	}

	if e.cfg.SyncOnStartup {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runBackground("startup")
		}()
	}

	if e.cfg.AutoSyncEnabled {
		e.wg.Add(1)
		go e.autoSyncLoop()
	}

	e.log.Info("Sync engine started",
		"auto_sync", e.cfg.AutoSyncEnabled,
		"interval", e.cfg.AutoSyncInterval,
		"batch_size", e.cfg.BatchSize)
	return nil
}

// Stop halts background work and in-flight runs
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	if e.isRunning {
		e.isRunning = false
		close(e.stopChan)
	}
	e.mu.Unlock()

	if e.conn != nil {
		e.conn.Stop()
	}
	e.cancel()
	e.poller.Close()
	e.wg.Wait()
	e.log.Info("Sync engine stopped")
}

func (e *SyncEngine) autoSyncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.AutoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runBackground("interval")
		case <-e.stopChan:
			return
		}
	}
}

func (e *SyncEngine) runBackground(reason string) {
	if e.conn != nil && !e.conn.IsOnline() {
		return
	}
	sum, err := e.TriggerSync(e.ctx)
	if err != nil {
		if e.ctx.Err() == nil {
			e.log.Warn("Background sync failed", "reason", reason, "error", err)
		}
		return
	}
	if sum.Attempted > 0 || sum.Pulled > 0 {
		e.log.Info("Background sync", "reason", reason, "succeeded", sum.Succeeded, "failed", sum.Failed, "pending", sum.Pending)
	}
}

// Status reports sync state computed from the store
func (e *SyncEngine) Status(ctx context.Context) (Status, error) {
	counts, err := e.store.CountByStatus(ctx, "")
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Online:  e.conn == nil || e.conn.IsOnline(),
		Records: make(map[string]int, len(counts)),
		Queue:   make(map[string]QueueSnapshot),
	}
	for status, n := range counts {
		st.Records[string(status)] = n
	}

	cols, err := e.queues.Collections(ctx)
	if err != nil {
		return Status{}, err
	}
	for _, col := range cols {
		qs, err := e.queues.For(col).Stats(ctx)
		if err != nil {
			return Status{}, err
		}
		st.Queue[col] = QueueSnapshot{Pending: qs.Pending, Syncing: qs.Syncing, Failed: qs.Failed}
	}

	e.mu.RLock()
	st.Running = e.isRunning
	if !e.lastSync.IsZero() {
		t := e.lastSync
		st.LastSync = &t
	}
	st.LastError = e.lastError
	e.mu.RUnlock()
	return st, nil
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
