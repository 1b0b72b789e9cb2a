package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/xelth-com/healthsync/internal/errors"
	"github.com/xelth-com/healthsync/internal/logger"
	"github.com/xelth-com/healthsync/internal/models"
	"github.com/xelth-com/healthsync/internal/remote"
	"github.com/xelth-com/healthsync/internal/retry"
	"github.com/xelth-com/healthsync/internal/store"
)

// scriptedClient answers status polls from a fixed script; the last entry repeats
type scriptedClient struct {
	mu        sync.Mutex
	script    []string
	pollErrs  []error
	submitErr error
	polls     int
	submitted int
}

func (c *scriptedClient) UploadBatch(ctx context.Context, items []remote.UploadItem) (*remote.BatchResult, error) {
	return &remote.BatchResult{}, nil
}

func (c *scriptedClient) SubmitAnalysis(ctx context.Context, req remote.AnalysisRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.submitted++
	return "job-" + req.Kind, nil
}

func (c *scriptedClient) GetAnalysisStatus(ctx context.Context, jobID string) (*remote.AnalysisStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls++
	if len(c.pollErrs) > 0 {
		err := c.pollErrs[0]
		c.pollErrs = c.pollErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	i := c.polls - 1
	if i >= len(c.script) {
		i = len(c.script) - 1
	}
	st := &remote.AnalysisStatus{JobID: jobID, Status: c.script[i]}
	switch st.Status {
	case "completed":
		st.Result = json.RawMessage(`{"trend":"rising"}`)
	case "failed":
		st.Error = "not enough samples"
	}
	return st, nil
}

func (c *scriptedClient) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

func newTestPoller(t *testing.T, client remote.Client, interval time.Duration, maxAttempts int) (*Poller, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	p := NewPoller(client, s, Options{
		Interval:       interval,
		MaxAttempts:    maxAttempts,
		RequestTimeout: time.Second,
		Jitter:         retry.NoJitter,
	}, logger.Discard())
	t.Cleanup(p.Close)
	return p, s
}

func collect(t *testing.T, ch <-chan models.AnalysisJob) []models.AnalysisJob {
	t.Helper()
	var out []models.AnalysisJob
	timeout := time.After(2 * time.Second)
	for {
		select {
		case job, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, job)
		case <-timeout:
			t.Fatal("observe stream did not close")
			return out
		}
	}
}

func TestJobFailedOnFirstPoll(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: []string{"failed"}}
	p, s := newTestPoller(t, client, 5*time.Millisecond, 10)

	job, err := p.Submit(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisQueued, job.Status)

	final, err := p.PollUntilTerminal(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisFailed, final.Status)
	assert.Nil(t, final.Result)
	require.NotNil(t, final.Error)
	assert.Equal(t, "not enough samples", *final.Error)
	assert.Equal(t, 1, final.Attempt)
	assert.NotNil(t, final.CompletedAt)

	stored, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisFailed, stored.Status)
	assert.Equal(t, apperrors.ErrorTypeAnalysisFailed, apperrors.TypeOf(JobError(stored)))
}

func TestJobCompletes(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: []string{"queued", "processing", "completed"}}
	p, _ := newTestPoller(t, client, 5*time.Millisecond, 10)

	job, err := p.Submit(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)

	final, err := p.PollUntilTerminal(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisCompleted, final.Status)
	assert.JSONEq(t, `{"trend":"rising"}`, string(final.Result))
	assert.Nil(t, final.Error)
	assert.Equal(t, 3, final.Attempt)
	assert.NoError(t, JobError(final))
}

func TestPollingStopsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: []string{"processing"}}
	interval, maxAttempts := 10*time.Millisecond, 5
	p, _ := newTestPoller(t, client, interval, maxAttempts)

	job, err := p.Submit(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)

	start := time.Now()
	final, err := p.PollUntilTerminal(ctx, job)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, models.AnalysisTimedOut, final.Status)
	assert.Equal(t, maxAttempts, final.Attempt)
	assert.Equal(t, maxAttempts, client.pollCount())
	assert.Nil(t, final.Result)
	assert.Less(t, elapsed, time.Duration(maxAttempts)*interval+500*time.Millisecond)
	assert.Equal(t, apperrors.ErrorTypeAnalysisTimeout, apperrors.TypeOf(JobError(final)))
}

func TestTransientPollErrorsBackOffAndCount(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{
		script:   []string{"completed"},
		pollErrs: []error{errors.New("gateway timeout"), errors.New("gateway timeout")},
	}
	p, _ := newTestPoller(t, client, 5*time.Millisecond, 10)

	job, err := p.Submit(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)

	final, err := p.PollUntilTerminal(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisCompleted, final.Status)
	assert.Equal(t, 3, final.Attempt)
}

func TestUnknownJobFailsImmediately(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{
		script:   []string{"processing"},
		pollErrs: []error{apperrors.NewNotFoundError("analysis job", "job-trend")},
	}
	p, _ := newTestPoller(t, client, 5*time.Millisecond, 10)

	job, err := p.Submit(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)

	final, err := p.PollUntilTerminal(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisFailed, final.Status)
	assert.Equal(t, 1, client.pollCount())
}

func TestResumeContinuesAttemptBudget(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: []string{"processing"}}
	p, s := newTestPoller(t, client, 5*time.Millisecond, 5)

	polled := time.Now().UTC().Add(-time.Second)
	require.NoError(t, s.SaveJob(ctx, &models.AnalysisJob{
		JobID:        "job-old",
		Kind:         "trend",
		Status:       models.AnalysisProcessing,
		SubmittedAt:  polled.Add(-time.Minute),
		LastPolledAt: &polled,
		Attempt:      3,
	}))
	require.NoError(t, s.SaveJob(ctx, &models.AnalysisJob{
		JobID:       "job-done",
		Kind:        "trend",
		Status:      models.AnalysisCompleted,
		SubmittedAt: polled,
	}))

	n, err := p.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ch, err := p.Observe(ctx, "job-old")
	require.NoError(t, err)
	states := collect(t, ch)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Equal(t, models.AnalysisTimedOut, last.Status)
	assert.Equal(t, 5, last.Attempt)
	assert.Equal(t, 2, client.pollCount())
}

func TestObserveStreamsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: []string{"processing", "processing", "completed"}}
	p, _ := newTestPoller(t, client, 5*time.Millisecond, 10)

	job, err := p.Start(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)

	ch, err := p.Observe(ctx, job.JobID)
	require.NoError(t, err)
	states := collect(t, ch)
	require.NotEmpty(t, states)
	assert.Equal(t, models.AnalysisCompleted, states[len(states)-1].Status)
	for i := 1; i < len(states); i++ {
		assert.GreaterOrEqual(t, states[i].Attempt, states[i-1].Attempt)
	}

	// a finished job yields its final state and closes
	ch, err = p.Observe(ctx, job.JobID)
	require.NoError(t, err)
	states = collect(t, ch)
	require.Len(t, states, 1)
	assert.Equal(t, models.AnalysisCompleted, states[0].Status)
	assert.Empty(t, p.Active())
}

func TestCancelStopsPolling(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{script: []string{"processing"}}
	p, s := newTestPoller(t, client, time.Hour, 10)

	job, err := p.Start(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.NoError(t, err)
	assert.Equal(t, []string{job.JobID}, p.Active())

	ch, err := p.Observe(ctx, job.JobID)
	require.NoError(t, err)

	assert.True(t, p.Cancel(job.JobID))
	collect(t, ch)
	require.Eventually(t, func() bool { return len(p.Active()) == 0 }, time.Second, time.Millisecond)

	stored, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.AnalysisQueued, stored.Status, "cancelled jobs stay resumable")
	assert.Zero(t, client.pollCount())
	assert.False(t, p.Cancel(job.JobID))
}

func TestSubmitFailureCreatesNoJob(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{submitErr: errors.New("service unavailable")}
	p, s := newTestPoller(t, client, time.Second, 10)

	_, err := p.Start(ctx, remote.AnalysisRequest{Kind: "trend"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeAnalysisSubmit, apperrors.TypeOf(err))

	jobs, err := s.ListJobs(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, p.Active())
}

func TestMapStatus(t *testing.T) {
	tests := map[string]models.AnalysisStatus{
		"queued":     models.AnalysisQueued,
		"PENDING":    models.AnalysisQueued,
		"processing": models.AnalysisProcessing,
		"running":    models.AnalysisProcessing,
		"":           models.AnalysisProcessing,
		"completed":  models.AnalysisCompleted,
		"done":       models.AnalysisCompleted,
		"failed":     models.AnalysisFailed,
		"cancelled":  models.AnalysisFailed,
		"timed_out":  models.AnalysisFailed,
	}
	for in, want := range tests {
		assert.Equal(t, want, MapStatus(in), in)
	}
}
