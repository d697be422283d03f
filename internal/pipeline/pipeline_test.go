package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

// --- mocks ---

type mockJob struct {
	calls   atomic.Int32
	err     error
	degrade bool
	workDir string
	onRun   func(n int32)
}

func (m *mockJob) Name() string { return "mock" }

func (m *mockJob) Run(_ context.Context, run *pipeline.Run) error {
	n := m.calls.Add(1)
	m.workDir = run.WorkDir
	if m.onRun != nil {
		m.onRun(n)
	}
	if m.err != nil {
		return m.err
	}
	run.Discovered(2)
	run.Fetched()
	run.Unavailable("20240102")
	run.Published(domain.KindAsset, "coll", "coll/a_20240101", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if m.degrade {
		run.Fail("transform", "20240103", errors.New("bad file"))
	}
	return nil
}

type mockSink struct {
	events []domain.IngestEvent
	err    error
}

func (m *mockSink) Publish(_ context.Context, events []domain.IngestEvent) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, events...)
	return nil
}

func newTestRunner(t *testing.T, job pipeline.Job, sink pipeline.EventSink) (*pipeline.Runner, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetricsForTesting()
	return pipeline.NewRunner(job, t.TempDir(), sink, slog.Default(), metrics), metrics
}

// --- tests ---

func TestRunner_RunOnce_HappyPath(t *testing.T) {
	job := &mockJob{}
	sink := &mockSink{}
	r, metrics := newTestRunner(t, job, sink)

	require.Error(t, r.CheckReadiness(context.Background()))

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Discovered)
	assert.Equal(t, 1, report.Fetched)
	assert.Equal(t, 1, report.Unavailable)
	assert.Equal(t, 1, report.Published)
	assert.False(t, report.Degraded)
	assert.NotEmpty(t, report.RunID)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "mock", sink.events[0].Job)
	assert.Equal(t, report.RunID, sink.events[0].RunID)
	assert.Equal(t, "coll/a_20240101", sink.events[0].ID)

	require.NoError(t, r.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("mock", "success")), 0)

	_, statErr := os.Stat(job.workDir)
	assert.True(t, os.IsNotExist(statErr), "work dir should be removed")

	last, ok := r.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.RunID, last.RunID)
}

func TestRunner_RunOnce_Error(t *testing.T) {
	job := &mockJob{err: errors.New("sink unreachable")}
	r, metrics := newTestRunner(t, job, nil)

	_, err := r.RunOnce(context.Background())
	require.Error(t, err)
	require.Error(t, r.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("mock", "error")), 0)
}

func TestRunner_RunOnce_Degraded(t *testing.T) {
	job := &mockJob{degrade: true}
	r, metrics := newTestRunner(t, job, nil)

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Degraded)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Reasons, 1)
	assert.Contains(t, report.Reasons[0], "bad file")

	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Degraded.WithLabelValues("mock")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.Runs.WithLabelValues("mock", "degraded")), 0)
	require.NoError(t, r.CheckReadiness(context.Background()))
}

func TestRunner_RunOnce_EventFailureIsNotFatal(t *testing.T) {
	r, _ := newTestRunner(t, &mockJob{}, &mockSink{err: errors.New("broker down")})

	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
}

func TestRunner_Run_LoopsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := &mockJob{onRun: func(n int32) {
		if n == 2 {
			cancel()
		}
	}}
	r, _ := newTestRunner(t, job, nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, int32(2), job.calls.Load())
}

func TestRunner_Run_ZeroIntervalRunsOnce(t *testing.T) {
	job := &mockJob{err: errors.New("boom")}
	r, _ := newTestRunner(t, job, nil)

	err := r.Run(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, int32(1), job.calls.Load())
}
