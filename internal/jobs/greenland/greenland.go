// Package greenland ingests the GRACE/GRACE-FO Greenland ice mass time series
// into a table keyed by observation date.
package greenland

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

// Name is the job name used on the command line and in metrics.
const Name = "greenland"

// Table is the destination table.
var Table = domain.Table{
	Name: "cli_042_greenland_ice",
	Schema: domain.Schema{
		{Name: "date", Type: domain.Timestamp},
		{Name: "mass", Type: domain.Numeric},
		{Name: "uncertainty", Type: domain.Text},
	},
	UIDField:  "date",
	TimeField: "date",
}

// Config holds the job's constants.
type Config struct {
	// SourceURL is the directory listing that holds the data file.
	SourceURL  string
	Table      domain.Table
	MaxRows    int
	MaxAge     time.Duration
	DatasetID  string
	ClearFirst bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		SourceURL: "https://podaac-tools.jpl.nasa.gov/drive/files/allData/tellus/L4/ice_mass/RL06/v02/mascon_CRI",
		Table:     Table,
		MaxRows:   1_000_000,
		MaxAge:    150 * 365 * 24 * time.Hour,
		DatasetID: "095eee4a-ff4e-4c58-9110-85a9e42ed6f5",
	}
}

// Record is one line of the mass file.
type Record struct {
	Date        time.Time
	Mass        float64
	Uncertainty string
}

// UID is the record's key in the table.
func (r Record) UID() string {
	return r.Date.Format(domain.TimestampLayout)
}

func (r Record) row() domain.Row {
	return domain.Row{r.Date, r.Mass, r.Uncertainty}
}

// Parse reads the whitespace separated mass file. Header lines start with
// "HDR"; data lines hold a decimal year, the mass and its uncertainty.
// Lines with another field count are skipped and counted.
func Parse(r io.Reader) ([]Record, int, error) {
	var (
		records []Record
		skipped int
	)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "HDR") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			skipped++
			continue
		}
		date, err := domain.ParseDecimalYear(fields[0])
		if err != nil {
			skipped++
			continue
		}
		mass, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, Record{
			Date:        date.Truncate(time.Second),
			Mass:        mass,
			Uncertainty: fields[2],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read mass file: %w", err)
	}
	return records, skipped, nil
}

// Limits returns the row cap of the destination table.
func (c Config) Limits() []pipeline.Limit {
	return []pipeline.Limit{{Kind: domain.KindRow, Sink: c.Table.Name, Field: c.Table.UIDField, Max: c.MaxRows}}
}

// Job implements pipeline.Job.
type Job struct {
	cfg     Config
	source  pipeline.Fetcher
	store   pipeline.TableStore
	catalog pipeline.Catalog
}

// New creates the job. catalog may be nil.
func New(cfg Config, source pipeline.Fetcher, store pipeline.TableStore, catalog pipeline.Catalog) *Job {
	return &Job{cfg: cfg, source: source, store: store, catalog: catalog}
}

func (j *Job) Name() string { return Name }

func (j *Job) Run(ctx context.Context, run *pipeline.Run) error {
	t := j.cfg.Table
	if err := pipeline.EnsureTable(ctx, j.store, run, t, false); err != nil {
		return err
	}
	if j.cfg.ClearFirst {
		run.Logger.Info("clearing table", "table", t.Name)
		if err := j.store.DeleteAll(ctx, t.Name); err != nil {
			return fmt.Errorf("clear table %s: %w", t.Name, err)
		}
	}

	if j.cfg.MaxAge > 0 {
		if err := pipeline.PruneRows(ctx, j.store, run, t, domain.Now().Add(-j.cfg.MaxAge), 0); err != nil {
			return err
		}
	}

	ids, err := pipeline.ExistingIDs(ctx, j.store, t)
	if err != nil {
		return err
	}
	existing := domain.NewDateSet(ids...)

	file, ok := j.findFile(ctx, run)
	if !ok {
		return nil
	}
	run.Discovered(1)

	dest := run.Path(file)
	if !pipeline.Fetch(ctx, j.source, run, file, strings.TrimSuffix(j.cfg.SourceURL, "/")+"/"+file, dest) {
		return nil
	}
	defer pipeline.RemoveFiles(run, dest)

	records, err := read(run, dest)
	if err != nil {
		run.Fail("transform", file, err)
		return nil
	}

	var (
		rows   []domain.Row
		latest time.Time
	)
	for _, rec := range records {
		uid := rec.UID()
		if existing.Has(uid) {
			continue
		}
		existing.Add(uid)
		rows = append(rows, rec.row())
		if rec.Date.After(latest) {
			latest = rec.Date
		}
	}
	run.Logger.Info("parsed mass file", "file", file, "records", len(records), "new", len(rows))

	inserted := 0
	if len(rows) > 0 {
		inserted, err = j.store.InsertRows(ctx, t, rows)
		if err != nil {
			run.Fail("publish", t.Name, err)
		}
		run.PublishedRows(t.Name, inserted, latest)
		if inserted > 0 {
			run.Report.Latest = latest.Format(domain.TimestampLayout)
		}
	}

	if err := pipeline.PruneRows(ctx, j.store, run, t, time.Time{}, j.cfg.MaxRows); err != nil {
		return err
	}

	// The series has no publication date of its own; report the ingest time.
	if inserted > 0 {
		pipeline.UpdateCatalog(ctx, j.catalog, run, j.cfg.DatasetID, domain.Now(), false)
	}
	return nil
}

// findFile lists the source directory and returns the mass file name. When
// several match the last one listed wins.
func (j *Job) findFile(ctx context.Context, run *pipeline.Run) (string, bool) {
	names, err := j.source.List(ctx, j.cfg.SourceURL)
	switch {
	case errors.Is(err, domain.ErrSourceUnavailable):
		run.Unavailable(j.cfg.SourceURL)
		return "", false
	case err != nil:
		if ctx.Err() == nil {
			run.Fail("fetch", j.cfg.SourceURL, err)
		}
		return "", false
	}

	var matches []string
	for _, n := range names {
		if strings.HasSuffix(n, ".txt") && strings.Contains(n, "greenland_mass") {
			matches = append(matches, n)
		}
	}
	if len(matches) == 0 {
		run.Unavailable("greenland_mass*.txt")
		return "", false
	}
	if len(matches) > 1 {
		run.Logger.Warn("several mass files listed, using the last", "files", matches)
	}
	return matches[len(matches)-1], true
}

func read(run *pipeline.Run, file string) ([]Record, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, skipped, err := Parse(f)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		run.Logger.Warn("skipped malformed lines", "file", file, "lines", skipped)
	}
	return records, nil
}
