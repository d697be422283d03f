package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
)

// Job is one ingestion job. Run executes the inventory, discovery, fetch,
// transform, publish, prune and notify stages for a single pass.
type Job interface {
	Name() string
	Run(ctx context.Context, run *Run) error
}

// EventSink receives an ingest event for every item published during a run.
type EventSink interface {
	Publish(ctx context.Context, events []domain.IngestEvent) error
}

// Runner executes a job once or on an interval.
type Runner struct {
	job     Job
	dataDir string
	events  EventSink
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a Runner. events may be nil.
func NewRunner(job Job, dataDir string, events EventSink, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		job:     job,
		dataDir: dataDir,
		events:  events,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once a run has completed without error.
func (r *Runner) CheckReadiness(_ context.Context) error {
	if !r.ready.Load() {
		return errors.New("no run has completed yet")
	}
	return nil
}

// LastReport returns a copy of the most recent run's report.
func (r *Runner) LastReport() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Report{}, false
	}
	return r.last.clone(), true
}

// Run executes the job immediately and then every interval until ctx is
// cancelled. Failed runs are logged and retried on the next tick. A
// non-positive interval runs once and returns the run's error.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		_, err := r.RunOnce(ctx)
		return err
	}
	r.logger.Info("runner started", "job", r.job.Name(), "interval", interval)
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("run failed", "job", r.job.Name(), "error", err)
		}
		if !sleepWithContext(ctx, interval) {
			r.logger.Info("runner stopping", "job", r.job.Name(), "reason", ctx.Err())
			return nil
		}
	}
}

// RunOnce executes a single pass of the job inside a fresh working
// directory, which is removed afterwards.
func (r *Runner) RunOnce(ctx context.Context) (*Report, error) {
	name := r.job.Name()
	id := uuid.NewString()
	logger := r.logger.With("job", name, "run_id", id)

	workDir := filepath.Join(r.dataDir, name, id)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Warn("remove work dir failed", "dir", workDir, "error", err)
		}
	}()

	run := &Run{
		ID:      id,
		Job:     name,
		WorkDir: workDir,
		Logger:  logger,
		Report:  &Report{Job: name, RunID: id, Started: domain.Now()},
		metrics: r.metrics,
	}

	r.metrics.JobRunning.Set(1)
	defer r.metrics.JobRunning.Set(0)

	logger.Info("run started")
	start := time.Now()
	err := r.job.Run(ctx, run)
	run.Report.Finished = domain.Now()
	r.metrics.RunDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	r.publishEvents(ctx, run)

	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case run.Report.Degraded:
		outcome = "degraded"
	}
	r.metrics.Runs.WithLabelValues(name, outcome).Inc()
	r.metrics.Degraded.WithLabelValues(name).Set(boolGauge(run.Report.Degraded))

	r.mu.Lock()
	r.last = run.Report
	r.mu.Unlock()

	if err != nil {
		logger.Error("run failed", "error", err, "duration", time.Since(start))
		return run.Report, err
	}

	r.metrics.LastSuccess.WithLabelValues(name).Set(float64(run.Report.Finished.Unix()))
	r.ready.Store(true)

	attrs := run.Report.logAttrs()
	attrs = append(attrs, "duration", time.Since(start))
	if run.Report.Degraded {
		logger.Warn("run completed degraded", append(attrs, "reasons", run.Report.Reasons)...)
	} else {
		logger.Info("run completed", attrs...)
	}
	return run.Report, nil
}

func (r *Runner) publishEvents(ctx context.Context, run *Run) {
	if r.events == nil || len(run.events) == 0 {
		return
	}
	if err := r.events.Publish(ctx, run.events); err != nil {
		run.Logger.Warn("publish ingest events failed", "count", len(run.events), "error", err)
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
