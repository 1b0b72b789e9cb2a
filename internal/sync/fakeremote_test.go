package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"time"

	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
)

// fakeRemote is an in-memory remote service. It deduplicates by idempotency
// key the way the real service does and lets tests inject failures.
type fakeRemote struct {
	mu gosync.Mutex

	appendOnly func(entityType string) bool

	rev     int64
	nextID  int
	records map[string]*remote.RemoteRecord
	byLocal map[string]string
	byKey   map[string]remote.ItemResult

	// per local id, results returned once instead of applying the item
	forced map[string]remote.ItemResult
	// per local id, permanent rejection reasons
	reject map[string]string
	// per local id, items silently left out of the batch result
	omit map[string]bool

	failCalls     int
	batchErr      error
	loseResponses int
	delay         time.Duration
	gate          chan struct{}
	onUpload      func([]remote.UploadItem)

	calls      int
	uploads    [][]remote.UploadItem
	applied    map[string][]models.Operation
	inflight   map[string]int
	doubleSync int

	// analysis
	script    []string
	jobs      map[string][]string
	polls     map[string]int
	submitErr error
	pollErr   error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		appendOnly: models.NewRegistry(models.DefaultEntityTypes()...).AppendOnly,
		records:    make(map[string]*remote.RemoteRecord),
		byLocal:    make(map[string]string),
		byKey:      make(map[string]remote.ItemResult),
		forced:     make(map[string]remote.ItemResult),
		reject:     make(map[string]string),
		omit:       make(map[string]bool),
		applied:    make(map[string][]models.Operation),
		inflight:   make(map[string]int),
		script:     []string{"processing", "completed"},
		jobs:       make(map[string][]string),
		polls:      make(map[string]int),
	}
}

func (f *fakeRemote) UploadBatch(ctx context.Context, items []remote.UploadItem) (*remote.BatchResult, error) {
	f.mu.Lock()
	f.calls++
	f.uploads = append(f.uploads, append([]remote.UploadItem(nil), items...))
	if f.failCalls > 0 {
		f.failCalls--
		f.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	if f.batchErr != nil {
		err := f.batchErr
		f.mu.Unlock()
		return nil, err
	}
	for _, it := range items {
		if f.inflight[it.LocalID] > 0 {
			f.doubleSync++
		}
		f.inflight[it.LocalID]++
	}
	hook, gate, delay := f.onUpload, f.gate, f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		for _, it := range items {
			f.inflight[it.LocalID]--
		}
		f.mu.Unlock()
	}()

	if hook != nil {
		hook(items)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	res := &remote.BatchResult{}
	for _, it := range items {
		r := f.apply(it)
		if f.omit[it.LocalID] {
			continue
		}
		res.Results = append(res.Results, r)
	}
	if f.loseResponses > 0 {
		f.loseResponses--
		return nil, errors.New("response lost")
	}
	return res, nil
}

// apply runs one item; callers hold f.mu
func (f *fakeRemote) apply(it remote.UploadItem) remote.ItemResult {
	if r, ok := f.byKey[it.IdempotencyKey]; ok {
		return r
	}
	r := remote.ItemResult{IdempotencyKey: it.IdempotencyKey, LocalID: it.LocalID}

	if forced, ok := f.forced[it.LocalID]; ok {
		delete(f.forced, it.LocalID)
		forced.IdempotencyKey = it.IdempotencyKey
		forced.LocalID = it.LocalID
		return forced
	}
	if reason, ok := f.reject[it.LocalID]; ok {
		r.Status = remote.ItemRejected
		r.Reason = reason
		f.byKey[it.IdempotencyKey] = r
		return r
	}

	target := it.RemoteID
	if target == "" {
		target = f.byLocal[it.LocalID]
	}
	existing := f.records[target]

	switch {
	case it.Operation == models.OperationDelete:
		if existing != nil {
			existing.Deleted = true
			existing.UpdatedAt = it.UpdatedAt
			f.bump(existing)
			r.RemoteID = existing.RemoteID
		}
		r.Status = remote.ItemAccepted

	case existing == nil || (it.Operation == models.OperationCreate && f.appendOnly(it.EntityType)):
		rr := f.insert(it)
		r.Status = remote.ItemAccepted
		r.RemoteID = rr.RemoteID

	case existing.UpdatedAt.After(it.UpdatedAt):
		cp := *existing
		r.Status = remote.ItemConflict
		r.RemoteID = existing.RemoteID
		r.Remote = &cp

	default:
		existing.Payload = append(json.RawMessage(nil), it.Payload...)
		existing.UpdatedAt = it.UpdatedAt
		existing.Deleted = false
		f.bump(existing)
		r.Status = remote.ItemAccepted
		r.RemoteID = existing.RemoteID
	}

	if r.Status == remote.ItemAccepted {
		f.applied[it.LocalID] = append(f.applied[it.LocalID], it.Operation)
	}
	f.byKey[it.IdempotencyKey] = r
	return r
}

func (f *fakeRemote) insert(it remote.UploadItem) *remote.RemoteRecord {
	f.nextID++
	rr := &remote.RemoteRecord{
		RemoteID:   fmt.Sprintf("r-%d", f.nextID),
		LocalID:    it.LocalID,
		EntityType: it.EntityType,
		Payload:    append(json.RawMessage(nil), it.Payload...),
		UpdatedAt:  it.UpdatedAt,
	}
	f.records[rr.RemoteID] = rr
	f.byLocal[it.LocalID] = rr.RemoteID
	f.bump(rr)
	return rr
}

func (f *fakeRemote) bump(rr *remote.RemoteRecord) {
	f.rev++
	rr.Revision = f.rev
}

// put stores rr as if another device had written it
func (f *fakeRemote) put(rr remote.RemoteRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := rr
	f.records[cp.RemoteID] = &cp
	if cp.LocalID != "" {
		f.byLocal[cp.LocalID] = cp.RemoteID
	}
	f.bump(&cp)
}

func (f *fakeRemote) record(remoteID string) (remote.RemoteRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rr, ok := f.records[remoteID]
	if !ok {
		return remote.RemoteRecord{}, false
	}
	return *rr, true
}

func (f *fakeRemote) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rr := range f.records {
		if !rr.Deleted {
			n++
		}
	}
	return n
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeRemote) operations(localID string) []models.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Operation(nil), f.applied[localID]...)
}

func (f *fakeRemote) set(fn func(f *fakeRemote)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRemote) SubmitAnalysis(ctx context.Context, req remote.AnalysisRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.jobs[id] = append([]string(nil), f.script...)
	return id, nil
}

func (f *fakeRemote) GetAnalysisStatus(ctx context.Context, jobID string) (*remote.AnalysisStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	seq, ok := f.jobs[jobID]
	if !ok || len(seq) == 0 {
		return nil, errors.New("unknown job " + jobID)
	}
	f.polls[jobID]++
	i := f.polls[jobID] - 1
	if i >= len(seq) {
		i = len(seq) - 1
	}

	st := &remote.AnalysisStatus{JobID: jobID, Status: seq[i]}
	switch seq[i] {
	case "completed":
		st.Result = json.RawMessage(`{"mean":72}`)
	case "failed":
		st.Error = "model crashed"
	}
	return st, nil
}

// feedRemote adds a change feed to fakeRemote
type feedRemote struct {
	*fakeRemote
}

func (f feedRemote) FetchChanges(ctx context.Context, entityType string, since int64) ([]remote.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []remote.RemoteRecord
	for _, rr := range f.records {
		if rr.EntityType == entityType && rr.Revision > since {
			out = append(out, *rr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}
