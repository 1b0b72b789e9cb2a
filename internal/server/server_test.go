package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/xelth-com/healthsync/internal/config"
	"github.com/xelth-com/healthsync/internal/database"
	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/logger"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/retry"
	"github.com/xelth-com/healthsync/internal/server"
	"github.com/xelth-com/healthsync/internal/store"
	hsync "github.com/xelth-com/healthsync/internal/sync"
)

const (
	testSecret  = "integration-secret"
	testSubject = "device-1"
)

func startServer(t *testing.T, sealer *remote.Sealer) (*server.Server, *httptest.Server) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:", true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv, err := server.New(db.DB, server.Options{
		JWTSecret: testSecret,
		Sealer:    sealer,
		Workers:   1,
		Logger:    logger.Discard(),
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func newClient(t *testing.T, baseURL, secret string, sealer *remote.Sealer) *remote.HTTPClient {
	t.Helper()
	c, err := remote.NewHTTPClient(remote.HTTPOptions{
		BaseURL:   baseURL,
		JWTSecret: secret,
		Subject:   testSubject,
		Sealer:    sealer,
		Timeout:   5 * time.Second,
		Logger:    logger.Discard(),
	})
	require.NoError(t, err)
	return c
}

func newEngine(t *testing.T, client remote.Client) *hsync.SyncEngine {
	t.Helper()
	cfg := config.DefaultSyncConfig()
	cfg.RetryBaseDelay = 0
	cfg.RetryMaxDelay = 0
	cfg.RequestTimeout = 5 * time.Second
	cfg.AutoSyncEnabled = false
	cfg.SyncOnStartup = false
	cfg.Poll.Interval = 10 * time.Millisecond
	cfg.Poll.MaxAttempts = 100

	e, err := hsync.NewSyncEngine(hsync.Options{
		Config: cfg,
		Store:  store.NewMemoryStore(),
		Client: client,
		Logger: logger.Discard(),
		Jitter: retry.NoJitter,
	})
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

func sample(v float64, at time.Time) *models.HealthRecord {
	return &models.HealthRecord{
		EntityType: "heart_rate",
		Payload:    models.Measurement{Metric: "heart_rate", Value: v, Unit: "bpm", StartAt: at}.JSON(),
		UpdatedAt:  at,
	}
}

func TestEngineSyncsAndAnalyzesThroughHTTP(t *testing.T) {
	ctx := context.Background()
	sealer, err := remote.NewSealer([]byte("0123456789abcdef0123456789abcdef"), "v1")
	require.NoError(t, err)
	srv, ts := startServer(t, sealer)
	e := newEngine(t, newClient(t, ts.URL, testSecret, sealer))

	start := time.Now().UTC().Add(-48 * time.Hour)
	var ids []string
	for i, v := range []float64{58, 60, 62} {
		rec, err := e.EnqueueForSync(ctx, sample(v, start.Add(time.Duration(i)*24*time.Hour)), models.OperationCreate)
		require.NoError(t, err)
		ids = append(ids, rec.LocalID)
	}

	sum, err := e.TriggerSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Succeeded)
	assert.Zero(t, sum.Failed)

	for _, id := range ids {
		rec, err := e.Record(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.SyncStatusSynced, rec.SyncStatus)
		assert.True(t, rec.HasRemoteID())
	}

	stored, err := srv.Service().Samples(ctx, testSubject, "heart_rate", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, stored, 3)
	m, err := models.DecodeMeasurement(stored[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "bpm", m.Unit)

	h, err := e.StartAnalysis(ctx, remote.AnalysisRequest{Kind: "trend", EntityType: "heart_rate"})
	require.NoError(t, err)
	ch, err := e.Observe(ctx, h)
	require.NoError(t, err)

	var last models.AnalysisJob
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case job, ok := <-ch:
			if !ok {
				done = true
				break
			}
			last = job
		case <-timeout:
			t.Fatal("analysis did not finish")
		}
	}
	require.Equal(t, models.AnalysisCompleted, last.Status)

	var st server.Stats
	require.NoError(t, json.Unmarshal(last.Result, &st))
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, server.TrendRising, st.Trend)
}

func TestEnginePullsEditsFromAnotherDevice(t *testing.T) {
	ctx := context.Background()
	srv, ts := startServer(t, nil)
	e := newEngine(t, newClient(t, ts.URL, testSecret, nil))

	b, _ := json.Marshal(map[string]string{"name": "Sam"})
	res, err := srv.Service().ApplyBatch(ctx, testSubject, []remote.UploadItem{{
		IdempotencyKey: "other-device-1",
		LocalID:        "tablet-profile",
		EntityType:     "profile",
		Operation:      models.OperationCreate,
		Payload:        json.RawMessage(b),
		UpdatedAt:      time.Now().UTC(),
	}})
	require.NoError(t, err)
	require.Equal(t, remote.ItemAccepted, res[0].Status)

	sum, err := e.TriggerCollectionSync(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Pulled)

	recs, err := e.Records(ctx, store.Filter{EntityType: "profile"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, models.SyncStatusSynced, recs[0].SyncStatus)
	assert.Equal(t, res[0].RemoteID, *recs[0].RemoteID)
	assert.JSONEq(t, string(b), string(recs[0].Payload))

	// the next pull starts after the cursor
	sum, err = e.TriggerCollectionSync(ctx, "profile")
	require.NoError(t, err)
	assert.Zero(t, sum.Pulled)

	recs[0].Payload = datatypes.JSON(`{"name":"Sam K."}`)
	recs[0].UpdatedAt = time.Now().UTC()
	_, err = e.EnqueueForSync(ctx, recs[0], models.OperationUpdate)
	require.NoError(t, err)
	sum, err = e.TriggerCollectionSync(ctx, "profile")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Succeeded)
}

func TestAuthentication(t *testing.T) {
	ctx := context.Background()
	_, ts := startServer(t, nil)

	resp, err := http.Post(ts.URL+"/v1/batches", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bad := newClient(t, ts.URL, "wrong-secret", nil)
	_, err = bad.SubmitAnalysis(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeTransient, apperrors.TypeOf(err))

	good := newClient(t, ts.URL, testSecret, nil)
	_, err = good.GetAnalysisStatus(ctx, "no-such-job")
	assert.Equal(t, apperrors.ErrorTypeNotFound, apperrors.TypeOf(err))

	_, err = good.SubmitAnalysis(ctx, remote.AnalysisRequest{})
	assert.Equal(t, apperrors.ErrorTypeRejected, apperrors.TypeOf(err))

	assert.NoError(t, good.Health(ctx))
}
