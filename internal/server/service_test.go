package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xelth-com/healthsync/internal/database"
	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/logger"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
)

func newTestService(t *testing.T, sealer *remote.Sealer) *Service {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc := NewService(db.DB, nil, sealer, logger.Discard())
	require.NoError(t, svc.Migrate())
	return svc
}

func item(key, localID, entityType string, op models.Operation, payload string, at time.Time) remote.UploadItem {
	it := remote.UploadItem{
		IdempotencyKey: key,
		LocalID:        localID,
		EntityType:     entityType,
		Operation:      op,
		UpdatedAt:      at,
	}
	if payload != "" {
		it.Payload = json.RawMessage(payload)
	}
	return it
}

func applyOne(t *testing.T, svc *Service, owner string, it remote.UploadItem) remote.ItemResult {
	t.Helper()
	res, err := svc.ApplyBatch(context.Background(), owner, []remote.UploadItem{it})
	require.NoError(t, err)
	require.Len(t, res, 1)
	return res[0]
}

func TestApplyBatchIsIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	at := time.Now().UTC()
	it := item("k1", "l1", "heart_rate", models.OperationCreate, `{"value":62}`, at)

	first := applyOne(t, svc, "alice", it)
	require.Equal(t, remote.ItemAccepted, first.Status)
	require.NotEmpty(t, first.RemoteID)
	assert.Equal(t, "k1", first.IdempotencyKey)
	assert.Equal(t, "l1", first.LocalID)

	again := applyOne(t, svc, "alice", it)
	assert.Equal(t, first, again)

	changes, err := svc.Changes(context.Background(), "alice", "heart_rate", 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestAppendOnlyCreatesAlwaysInsert(t *testing.T) {
	svc := newTestService(t, nil)
	at := time.Now().UTC()

	a := applyOne(t, svc, "alice", item("k1", "l1", "steps", models.OperationCreate, `{"value":100}`, at))
	b := applyOne(t, svc, "alice", item("k2", "l1", "steps", models.OperationCreate, `{"value":200}`, at))
	assert.Equal(t, remote.ItemAccepted, b.Status)
	assert.NotEqual(t, a.RemoteID, b.RemoteID)

	changes, err := svc.Changes(context.Background(), "alice", "steps", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Less(t, changes[0].Revision, changes[1].Revision)
}

func TestMutableUpdateRules(t *testing.T) {
	svc := newTestService(t, nil)
	base := time.Now().UTC().Truncate(time.Millisecond)

	created := applyOne(t, svc, "alice", item("k1", "p1", "profile", models.OperationCreate, `{"name":"a"}`, base))
	require.Equal(t, remote.ItemAccepted, created.Status)

	newer := item("k2", "p1", "profile", models.OperationUpdate, `{"name":"b"}`, base.Add(time.Minute))
	newer.RemoteID = created.RemoteID
	res := applyOne(t, svc, "alice", newer)
	assert.Equal(t, remote.ItemAccepted, res.Status)
	assert.Equal(t, created.RemoteID, res.RemoteID)

	stale := item("k3", "p1", "profile", models.OperationUpdate, `{"name":"c"}`, base)
	stale.RemoteID = created.RemoteID
	res = applyOne(t, svc, "alice", stale)
	require.Equal(t, remote.ItemConflict, res.Status)
	require.NotNil(t, res.Remote)
	assert.JSONEq(t, `{"name":"b"}`, string(res.Remote.Payload))
	assert.True(t, res.Remote.UpdatedAt.Equal(base.Add(time.Minute)))

	// a create for a local id the service already knows updates it
	res = applyOne(t, svc, "alice", item("k4", "p1", "profile", models.OperationCreate, `{"name":"d"}`, base.Add(2*time.Minute)))
	assert.Equal(t, remote.ItemAccepted, res.Status)
	assert.Equal(t, created.RemoteID, res.RemoteID)
}

func TestAppendOnlyEditConflicts(t *testing.T) {
	svc := newTestService(t, nil)
	at := time.Now().UTC()

	created := applyOne(t, svc, "alice", item("k1", "s1", "weight", models.OperationCreate, `{"value":70}`, at))

	same := item("k2", "s1", "weight", models.OperationUpdate, `{ "value": 70 }`, at)
	same.RemoteID = created.RemoteID
	assert.Equal(t, remote.ItemAccepted, applyOne(t, svc, "alice", same).Status)

	edit := item("k3", "s1", "weight", models.OperationUpdate, `{"value":71}`, at.Add(time.Hour))
	edit.RemoteID = created.RemoteID
	assert.Equal(t, remote.ItemConflict, applyOne(t, svc, "alice", edit).Status)
}

func TestDeleteLeavesTombstone(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	at := time.Now().UTC()

	created := applyOne(t, svc, "alice", item("k1", "p1", "profile", models.OperationCreate, `{"name":"a"}`, at))

	del := item("k2", "p1", "profile", models.OperationDelete, "", at.Add(time.Second))
	del.RemoteID = created.RemoteID
	res := applyOne(t, svc, "alice", del)
	assert.Equal(t, remote.ItemAccepted, res.Status)
	assert.Equal(t, created.RemoteID, res.RemoteID)

	changes, err := svc.Changes(ctx, "alice", "profile", 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Deleted)

	// deleting something the service never saw is accepted
	res = applyOne(t, svc, "alice", item("k3", "ghost", "profile", models.OperationDelete, "", at))
	assert.Equal(t, remote.ItemAccepted, res.Status)
	assert.Empty(t, res.RemoteID)
}

func TestRejections(t *testing.T) {
	svc := newTestService(t, nil)
	at := time.Now().UTC()

	tests := []struct {
		name string
		item remote.UploadItem
	}{
		{"unknown type", item("k1", "l1", "blood_type", models.OperationCreate, `{"value":1}`, at)},
		{"unknown operation", item("k2", "l2", "steps", models.Operation("merge"), `{"value":1}`, at)},
		{"not an object", item("k3", "l3", "steps", models.OperationCreate, `[1,2]`, at)},
		{"negative value", item("k4", "l4", "steps", models.OperationCreate, `{"value":-5}`, at)},
		{"missing key", item("", "l5", "steps", models.OperationCreate, `{"value":5}`, at)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := applyOne(t, svc, "alice", tt.item)
			assert.Equal(t, remote.ItemRejected, res.Status)
			assert.NotEmpty(t, res.Reason)
			assert.False(t, res.Retryable)
		})
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)
	at := time.Now().UTC()

	applyOne(t, svc, "alice", item("k1", "p1", "profile", models.OperationCreate, `{"name":"a"}`, at))
	res := applyOne(t, svc, "bob", item("k1", "p1", "profile", models.OperationCreate, `{"name":"b"}`, at))
	assert.Equal(t, remote.ItemAccepted, res.Status)

	changes, err := svc.Changes(ctx, "bob", "profile", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.JSONEq(t, `{"name":"b"}`, string(changes[0].Payload))
}

func TestSealedPayloads(t *testing.T) {
	ctx := context.Background()
	sealer, err := remote.NewSealer(make([]byte, 32), "v1")
	require.NoError(t, err)
	svc := newTestService(t, sealer)

	sealed, err := sealer.Seal(json.RawMessage(`{"value":80}`))
	require.NoError(t, err)
	res := applyOne(t, svc, "alice", item("k1", "l1", "heart_rate", models.OperationCreate, string(sealed), time.Now().UTC()))
	require.Equal(t, remote.ItemAccepted, res.Status)

	recs, err := svc.Samples(ctx, "alice", "heart_rate", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"value":80}`, string(recs[0].Payload), "stored in the clear")

	changes, err := svc.Changes(ctx, "alice", "heart_rate", 0)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.True(t, remote.IsSealed(changes[0].Payload))

	other, err := remote.NewSealer(append(make([]byte, 31), 1), "v1")
	require.NoError(t, err)
	foreign, err := other.Seal(json.RawMessage(`{"value":81}`))
	require.NoError(t, err)
	res = applyOne(t, svc, "alice", item("k2", "l2", "heart_rate", models.OperationCreate, string(foreign), time.Now().UTC()))
	assert.Equal(t, remote.ItemRejected, res.Status)
}

func TestBatchLimit(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.ApplyBatch(context.Background(), "alice", make([]remote.UploadItem, MaxBatchItems+1))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
}

func TestJobLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService(t, nil)

	start := time.Now().UTC().Add(-72 * time.Hour)
	for i, v := range []float64{60, 62, 64, 66} {
		m := models.Measurement{Metric: "heart_rate", Value: v, Unit: "bpm", StartAt: start.Add(time.Duration(i) * 24 * time.Hour)}
		applyOne(t, svc, "alice", item("k"+string(rune('a'+i)), "", "heart_rate", models.OperationCreate, string(m.JSON()), m.StartAt))
	}

	worker := NewWorker(svc, StatsAnalyzer{}, 1, 0, logger.Discard())
	require.NoError(t, worker.Start(ctx))

	job, err := svc.SubmitJob(ctx, "alice", remote.AnalysisRequest{Kind: "trend", EntityType: "heart_rate"})
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)
	worker.Enqueue(job.JobID)

	require.Eventually(t, func() bool {
		j, err := svc.GetJob(ctx, "alice", job.JobID)
		return err == nil && j.Status == JobCompleted
	}, 2*time.Second, 5*time.Millisecond)

	done, err := svc.GetJob(ctx, "alice", job.JobID)
	require.NoError(t, err)
	var st Stats
	require.NoError(t, json.Unmarshal(done.Result, &st))
	assert.Equal(t, 4, st.Count)
	assert.InDelta(t, 63, st.Mean, 0.001)
	assert.InDelta(t, 2, st.SlopePerDay, 0.001)
	assert.Equal(t, TrendRising, st.Trend)

	_, err = svc.GetJob(ctx, "bob", job.JobID)
	assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.TypeOf(err))

	empty, err := svc.SubmitJob(ctx, "bob", remote.AnalysisRequest{Kind: "trend", EntityType: "steps"})
	require.NoError(t, err)
	worker.Enqueue(empty.JobID)
	require.Eventually(t, func() bool {
		j, err := svc.GetJob(ctx, "bob", empty.JobID)
		return err == nil && j.Status == JobFailed && j.Error == ErrNoSamples.Error()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	worker.Wait()
}

func TestWorkerResumesPendingJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newTestService(t, nil)

	job, err := svc.SubmitJob(ctx, "alice", remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)

	worker := NewWorker(svc, StatsAnalyzer{}, 2, 0, logger.Discard())
	require.NoError(t, worker.Start(ctx))

	require.Eventually(t, func() bool {
		j, err := svc.GetJob(ctx, "alice", job.JobID)
		return err == nil && j.Status == JobFailed
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	worker.Wait()
}

func TestSubmitJobValidation(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.SubmitJob(context.Background(), "alice", remote.AnalysisRequest{})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))

	_, err = svc.SubmitJob(context.Background(), "alice", remote.AnalysisRequest{Kind: "trend", EntityType: "mood"})
	assert.Equal(t, apperrors.ErrorTypeValidation, apperrors.TypeOf(err))
}
