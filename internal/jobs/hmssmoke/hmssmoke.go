// Package hmssmoke ingests the NOAA Hazard Mapping System daily smoke plume
// polygons into a geometry table. Rows are keyed by source date and position
// in the file.
package hmssmoke

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/shapefile"
	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

// Name is the job name used on the command line and in metrics.
const Name = "hms-smoke"

const (
	// dateLayout is the date in source file names and UIDs.
	dateLayout = "20060102"
	// observedLayout is the HMS "Start"/"End" attribute: year, day of year, HHMM.
	observedLayout = "2006002 1504"
)

// Table is the destination table.
var Table = domain.Table{
	Name: "hms_smoke",
	Schema: domain.Schema{
		{Name: "the_geom", Type: domain.Geometry},
		{Name: "_UID", Type: domain.Text},
		{Name: "date", Type: domain.Timestamp},
		{Name: "Satellite", Type: domain.Text},
		{Name: "_start", Type: domain.Timestamp},
		{Name: "_end", Type: domain.Timestamp},
		{Name: "duration", Type: domain.Text},
		{Name: "Density", Type: domain.Numeric},
	},
	UIDField:  "_UID",
	TimeField: "date",
}

// Config holds the job's constants.
type Config struct {
	SourceURL string // fmt template taking the YYYYMMDD date
	Table     domain.Table
	// Days is how far back from today the source is checked.
	Days       int
	MaxRows    int
	MaxAge     time.Duration
	ClearFirst bool
	// DatasetID is optional; the dataset has no catalog entry by default.
	DatasetID string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		SourceURL: "ftp://satepsanone.nesdis.noaa.gov/FIRE/HMS/GIS/hms_smoke%s.zip",
		Table:     Table,
		Days:      10,
		MaxRows:   10_000,
		MaxAge:    10 * 365 * 24 * time.Hour,
	}
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
	if err := pipeline.EnsureTable(ctx, j.store, run, t, j.cfg.ClearFirst); err != nil {
		return err
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
	existing := domain.NewDateSet()
	for _, id := range ids {
		existing.Add(domain.DateFromUID(id))
	}

	window := domain.Window{
		Anchor: domain.Today(),
		Step:   domain.DayBack,
		Max:    j.cfg.Days,
		Layout: dateLayout,
	}
	dates := window.NewDates(existing)
	run.Discovered(len(dates))
	run.Logger.Info("checking days", "existing", len(existing), "new", len(dates))

	var latest time.Time
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := j.ingest(ctx, run, date)
		if n > 0 && date.After(latest) {
			latest = date
		}
	}
	if !latest.IsZero() {
		run.Report.Latest = latest.Format(domain.TimestampLayout)
	}

	if err := pipeline.PruneRows(ctx, j.store, run, t, time.Time{}, j.cfg.MaxRows); err != nil {
		return err
	}
	pipeline.UpdateCatalog(ctx, j.catalog, run, j.cfg.DatasetID, latest, false)
	return nil
}

// ingest loads one day's file and returns the number of rows inserted.
func (j *Job) ingest(ctx context.Context, run *pipeline.Run, date time.Time) int {
	key := date.Format(dateLayout)
	zipPath := run.Path(fmt.Sprintf("hms_smoke%s.zip", key))
	if !pipeline.Fetch(ctx, j.source, run, key, fmt.Sprintf(j.cfg.SourceURL, key), zipPath) {
		return 0
	}
	defer pipeline.RemoveFiles(run, zipPath)

	features, err := shapefile.ReadZip(zipPath)
	if err != nil {
		run.Fail("transform", key, err)
		return 0
	}

	rows := make([]domain.Row, 0, len(features))
	uids := make([]string, 0, len(features))
	for i, f := range features {
		rows = append(rows, toRow(key, date, i, f))
		uids = append(uids, domain.GenUID(key, i))
	}
	if len(rows) == 0 {
		run.Logger.Info("no smoke polygons", "date", key)
		return 0
	}

	n, err := j.store.InsertRows(ctx, j.cfg.Table, rows)
	if err != nil {
		run.Fail("publish", key, err)
		j.rollback(ctx, run, key, uids)
		return 0
	}
	run.PublishedRows(j.cfg.Table.Name, n, date)
	run.Logger.Info("inserted smoke polygons", "date", key, "rows", n)
	return n
}

// rollback removes the rows of a partly inserted day. Existing days are
// keyed by UID date, so a partial day left in place would never be retried.
func (j *Job) rollback(ctx context.Context, run *pipeline.Run, key string, uids []string) {
	n, err := j.store.DeleteByIDs(ctx, j.cfg.Table.Name, j.cfg.Table.UIDField, uids)
	if err != nil {
		run.Fail("rollback", key, err)
		return
	}
	if n > 0 {
		run.Logger.Warn("rolled back partial day", "date", key, "rows", n)
	}
}

// toRow maps a feature onto Table's schema.
func toRow(key string, date time.Time, pos int, f shapefile.Feature) domain.Row {
	start, startOK := observed(attr(f, "Start"))
	end, endOK := observed(attr(f, "End"))

	duration := attr(f, "Duration")
	if duration == "" && startOK && endOK {
		d := end.Sub(start)
		duration = fmt.Sprintf("%d:%02d", int(d.Hours()), int(d.Minutes())%60)
	}

	var density any
	if v, err := strconv.ParseFloat(attr(f, "Density"), 64); err == nil {
		density = v
	}

	return domain.Row{
		f.Geometry,
		domain.GenUID(key, pos),
		date,
		attr(f, "Satellite"),
		timeOrNil(start, startOK),
		timeOrNil(end, endOK),
		duration,
		density,
	}
}

// attr looks an attribute up by name, ignoring case.
func attr(f shapefile.Feature, name string) string {
	if v, ok := f.Attributes[name]; ok {
		return v
	}
	for k, v := range f.Attributes {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func observed(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(observedLayout, s)
	return t, err == nil
}

func timeOrNil(t time.Time, ok bool) any {
	if !ok {
		return nil
	}
	return t
}
