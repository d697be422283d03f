package main

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

// audit checks the job's sinks against its retention limits and prints a
// PASS/FAIL report to w. It returns the process exit code.
func audit(ctx context.Context, w io.Writer, name string, d *deps) int {
	entry, err := lookup(name)
	if err != nil {
		fmt.Fprintf(w, "FATAL: %v\n", err)
		return 1
	}
	limits := entry.limits()

	var (
		assets pipeline.AssetStore
		tables pipeline.TableStore
	)
	if slices.ContainsFunc(limits, func(l pipeline.Limit) bool { return l.Kind == domain.KindAsset }) {
		if assets, err = d.assetStore(ctx); err != nil {
			fmt.Fprintf(w, "FATAL: open asset store: %v\n", err)
			return 1
		}
	}
	if slices.ContainsFunc(limits, func(l pipeline.Limit) bool { return l.Kind == domain.KindRow }) {
		if tables, err = d.tableStore(ctx); err != nil {
			fmt.Fprintf(w, "FATAL: open table store: %v\n", err)
			return 1
		}
	}

	return report(w, name, pipeline.Audit(ctx, assets, tables, limits))
}

func report(w io.Writer, name string, findings []pipeline.Finding) int {
	fmt.Fprintf(w, "=== %s sink audit ===\n\n", name)

	passed := true
	for _, f := range findings {
		status := "\033[32mPASS\033[0m"
		if problems := f.Problems(); len(problems) > 0 {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(problems))
			passed = false
		}
		limit := "uncapped"
		if f.Limit.Max > 0 {
			limit = fmt.Sprintf("max %d", f.Limit.Max)
		}
		newest := "-"
		if !f.Newest.IsZero() {
			newest = f.Newest.UTC().Format(domain.TimestampLayout)
		}
		fmt.Fprintf(w, "  %-80s %6d  %-12s %-19s  %s\n", f.Limit.Sink, f.Count, limit, newest, status)
	}

	for _, f := range findings {
		problems := f.Problems()
		if len(problems) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n--- %s ---\n", f.Limit.Sink)
		for i, p := range problems {
			fmt.Fprintf(w, "  [%d] %s\n", i+1, p)
		}
	}

	if passed {
		fmt.Fprintln(w, "\nAll sinks within limits.")
		return 0
	}
	fmt.Fprintln(w, "\nAudit FAILED.")
	return 1
}
