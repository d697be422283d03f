// Package pipeline runs ingestion jobs and holds the publish and prune
// helpers they share.
package pipeline

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
)

// Run is the per-run context handed to a job.
type Run struct {
	ID      string
	Job     string
	WorkDir string
	Logger  *slog.Logger
	Report  *Report

	metrics *observability.Metrics
	events  []domain.IngestEvent
}

// NewTestRun returns a Run for exercising jobs without a Runner.
func NewTestRun(job, workDir string, logger *slog.Logger, metrics *observability.Metrics) *Run {
	return &Run{
		ID:      "test-run",
		Job:     job,
		WorkDir: workDir,
		Logger:  logger,
		Report:  &Report{Job: job, RunID: "test-run"},
		metrics: metrics,
	}
}

// Path returns a path inside the run's working directory.
func (r *Run) Path(name string) string {
	return filepath.Join(r.WorkDir, name)
}

// Events returns the ingest events recorded so far.
func (r *Run) Events() []domain.IngestEvent {
	return slices.Clone(r.events)
}

// Discovered records n candidate items.
func (r *Run) Discovered(n int) {
	r.Report.Discovered += n
	r.metrics.ItemsDiscovered.WithLabelValues(r.Job).Add(float64(n))
}

// Fetched records a successful download.
func (r *Run) Fetched() {
	r.Report.Fetched++
	r.metrics.ItemsFetched.WithLabelValues(r.Job, "fetched").Inc()
}

// Unavailable records a source file that is not published yet. It does not
// degrade the run.
func (r *Run) Unavailable(item string) {
	r.Report.Unavailable++
	r.metrics.ItemsFetched.WithLabelValues(r.Job, "unavailable").Inc()
	r.Logger.Info("source file not available yet", "item", item)
}

// Published records an item written to a sink.
func (r *Run) Published(kind, sink, id string, ts time.Time) {
	r.Report.Published++
	r.metrics.ItemsPublished.WithLabelValues(r.Job, kind).Inc()
	r.events = append(r.events, domain.IngestEvent{
		Job:         r.Job,
		RunID:       r.ID,
		Kind:        kind,
		Sink:        sink,
		ID:          id,
		Timestamp:   ts,
		PublishedAt: domain.Now(),
	})
}

// PublishedRows records n rows inserted into table.
func (r *Run) PublishedRows(table string, n int, latest time.Time) {
	if n <= 0 {
		return
	}
	r.Report.Published += n
	r.metrics.ItemsPublished.WithLabelValues(r.Job, domain.KindRow).Add(float64(n))
	r.events = append(r.events, domain.IngestEvent{
		Job:         r.Job,
		RunID:       r.ID,
		Kind:        domain.KindRow,
		Sink:        table,
		ID:          fmt.Sprintf("%s:%d", table, n),
		Timestamp:   latest,
		PublishedAt: domain.Now(),
	})
}

// Pruned records n items evicted for reason ("age" or "count").
func (r *Run) Pruned(reason string, n int) {
	if n <= 0 {
		return
	}
	r.Report.Pruned += n
	r.metrics.ItemsPruned.WithLabelValues(r.Job, reason).Add(float64(n))
}

// Fail records a skipped item and marks the run degraded. The job keeps going.
func (r *Run) Fail(stage, item string, err error) {
	r.Report.Failed++
	r.Report.Degraded = true
	r.Report.Reasons = append(r.Report.Reasons, fmt.Sprintf("%s %s: %v", stage, item, err))
	r.metrics.ItemsFailed.WithLabelValues(r.Job, stage).Inc()
	r.Logger.Warn("item skipped", "stage", stage, "item", item, "error", err)
}

// Report summarizes one run.
type Report struct {
	Job      string    `json:"job"`
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`

	Discovered  int `json:"discovered"`
	Fetched     int `json:"fetched"`
	Unavailable int `json:"unavailable"`
	Published   int `json:"published"`
	Pruned      int `json:"pruned"`
	Failed      int `json:"failed"`

	// Latest is the most recent item date in the sink after the run.
	Latest         string   `json:"latest,omitempty"`
	CatalogUpdated bool     `json:"catalog_updated"`
	Degraded       bool     `json:"degraded"`
	Reasons        []string `json:"reasons,omitempty"`
}

func (r *Report) clone() Report {
	c := *r
	c.Reasons = slices.Clone(r.Reasons)
	return c
}

func (r *Report) logAttrs() []any {
	return []any{
		"discovered", r.Discovered,
		"fetched", r.Fetched,
		"unavailable", r.Unavailable,
		"published", r.Published,
		"pruned", r.Pruned,
		"failed", r.Failed,
		"latest", r.Latest,
		"catalog_updated", r.CatalogUpdated,
	}
}
