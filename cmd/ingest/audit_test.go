package main

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

func TestReport_AllPass(t *testing.T) {
	var buf bytes.Buffer
	code := report(&buf, "greenland", []pipeline.Finding{
		{Limit: pipeline.Limit{Kind: domain.KindRow, Sink: "cli_042_greenland_ice", Max: 10}, Count: 4},
	})

	assert.Equal(t, 0, code)
	assert.Contains(t, buf.String(), "=== greenland sink audit ===")
	assert.Contains(t, buf.String(), "max 10")
	assert.Contains(t, buf.String(), "All sinks within limits.")
}

func TestReport_Failures(t *testing.T) {
	var buf bytes.Buffer
	code := report(&buf, "waccm", []pipeline.Finding{
		{Limit: pipeline.Limit{Kind: domain.KindAsset, Sink: "coll/NO2", Max: 2}, Count: 3},
		{Limit: pipeline.Limit{Kind: domain.KindAsset, Sink: "coll/CO"}, Err: errors.New("boom")},
		{Limit: pipeline.Limit{Kind: domain.KindAsset, Sink: "coll/O3"}, Count: 1, Newest: time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)},
	})

	out := buf.String()
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "--- coll/NO2 ---")
	assert.Contains(t, out, "[1] holds 3 items, cap is 2")
	assert.Contains(t, out, "--- coll/CO ---")
	assert.Contains(t, out, "[1] boom")
	assert.NotContains(t, out, "--- coll/O3 ---")
	assert.Contains(t, out, "uncapped")
	assert.Contains(t, out, "2024-01-05 18:00:00")
	assert.Contains(t, out, "Audit FAILED.")
}

func TestAudit_UnknownJob(t *testing.T) {
	var buf bytes.Buffer
	code := audit(context.Background(), &buf, "nope", &deps{})

	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), `unknown job "nope"`)
}

func TestJobNames(t *testing.T) {
	assert.Equal(t, []string{"greenland", "hms-smoke", "sea-ice", "waccm"}, jobNames())
	for _, name := range jobNames() {
		assert.NotEmpty(t, registry[name].limits(), name)
	}
}
