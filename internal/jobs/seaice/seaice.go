// Package seaice ingests the NSIDC monthly polar sea ice extent rasters.
// Every month is stored twice per pole: the original polar stereographic
// GeoTIFF and a copy reprojected to EPSG:4326. Selected months are also kept
// for every year since the start of the record in per-month collections.
package seaice

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/assetstore"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/gdal"
	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

// Name is the job name used on the command line and in metrics.
const Name = "sea-ice"

// dateLayout is the YYYYMM suffix of source files and asset names.
const dateLayout = "200601"

// Region is one pole.
type Region struct {
	Name   string // "arctic" or "antarctic"
	Pole   string // source directory: "north" or "south"
	SRS    string
	Extent gdal.Extent
}

// Config holds the job's constants.
type Config struct {
	SourceURL string // fmt template taking pole, "MM_Mon" and file name
	Regions   []Region
	MaxAssets int
	// HistoricalMonths are kept for every year back to FirstYear.
	HistoricalMonths []time.Month
	FirstYear        int
	HistoricalFolder string
	ClearFirst       bool
	// DatasetIDs maps a reprojected collection to its catalog dataset.
	DatasetIDs map[string]string
	// HistoricalDatasetIDs does the same for historical collections. Their
	// tile caches are not flushed.
	HistoricalDatasetIDs map[string]string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		SourceURL: "ftp://sidads.colorado.edu/DATASETS/NOAA/G02135/%s/monthly/geotiff/%s/%s",
		Regions: []Region{
			{Name: "arctic", Pole: "north", SRS: "EPSG:3411", Extent: gdal.Extent{MinX: -180, MinY: 50, MaxX: 180, MaxY: 89.75}},
			{Name: "antarctic", Pole: "south", SRS: "EPSG:3412", Extent: gdal.Extent{MinX: -180, MinY: -89.75, MaxX: 180, MaxY: -50}},
		},
		MaxAssets:        12,
		HistoricalMonths: []time.Month{time.February, time.March, time.September},
		FirstYear:        1979,
		HistoricalFolder: "cli_005_historical_sea_ice_extent",
		DatasetIDs: map[string]string{
			"cli_005_arctic_sea_ice_extent_reproj":    "484fbba1-ac34-402f-8623-7b1cc9c34f17",
			"cli_005_antarctic_sea_ice_extent_reproj": "e740efec-c673-431a-be2c-b214613f641a",
		},
		HistoricalDatasetIDs: map[string]string{
			"cli_005_historical_sea_ice_extent/cli_005_antarctic_sea_ice_extent_reproj_month02_hist": "05fd2614-325b-460a-8b52-3155fa9dd98f",
			"cli_005_historical_sea_ice_extent/cli_005_antarctic_sea_ice_extent_reproj_month09_hist": "7667bdd8-9adb-44de-b51c-d2d26e461af1",
			"cli_005_historical_sea_ice_extent/cli_005_arctic_sea_ice_extent_reproj_month09_hist":    "a99c5cf5-f141-4bed-a36d-b04c8e171dfa",
			"cli_005_historical_sea_ice_extent/cli_005_arctic_sea_ice_extent_reproj_month03_hist":    "15a0b176-8313-4859-af90-5c198e50a605",
		},
	}
}

// Limits returns the monthly collections, capped at MaxAssets, and the
// uncapped historical ones.
func (c Config) Limits() []pipeline.Limit {
	var limits []pipeline.Limit
	for _, r := range c.Regions {
		for _, kind := range []string{"orig", "reproj"} {
			limits = append(limits, pipeline.Limit{Kind: domain.KindAsset, Sink: collection(r.Name, kind), Max: c.MaxAssets})
		}
	}
	for _, m := range c.HistoricalMonths {
		for _, r := range c.Regions {
			for _, kind := range []string{"orig", "reproj"} {
				limits = append(limits, pipeline.Limit{Kind: domain.KindAsset, Sink: c.historicalCollection(r.Name, kind, m)})
			}
		}
	}
	return limits
}

func (c Config) url(r Region, date time.Time) string {
	file := fmt.Sprintf("%s_%s_extent_v3.0.tif", strings.ToUpper(r.Pole[:1]), date.Format(dateLayout))
	return fmt.Sprintf(c.SourceURL, r.Pole, date.Format("01_Jan"), file)
}

func collection(region, kind string) string {
	return fmt.Sprintf("cli_005_%s_sea_ice_extent_%s", region, kind)
}

func (c Config) historicalCollection(region, kind string, month time.Month) string {
	return assetstore.Join(c.HistoricalFolder, fmt.Sprintf("cli_005_%s_sea_ice_extent_%s_month%02d_hist", region, kind, int(month)))
}

func assetName(region string, date time.Time) string {
	return fmt.Sprintf("cli_005_%s_sea_ice_%s", region, date.Format(dateLayout))
}

// dateKey returns the YYYYMM suffix of an asset name.
func dateKey(name string) string {
	if len(name) < len(dateLayout) {
		return name
	}
	return name[len(name)-len(dateLayout):]
}

// target is one pair of original and reprojected collections and the window
// of months that belong in it.
type target struct {
	region Region
	orig   string
	reproj string
	window domain.Window
	// prune applies the MaxAssets cap; historical collections grow.
	prune     bool
	datasetID string
	// flush the tile cache after a catalog update.
	flush bool
	clear bool
}

// Job implements pipeline.Job.
type Job struct {
	cfg     Config
	source  pipeline.Fetcher
	store   pipeline.AssetStore
	conv    pipeline.Converter
	catalog pipeline.Catalog
}

// New creates the job. catalog may be nil.
func New(cfg Config, source pipeline.Fetcher, store pipeline.AssetStore, conv pipeline.Converter, catalog pipeline.Catalog) *Job {
	return &Job{cfg: cfg, source: source, store: store, conv: conv, catalog: catalog}
}

func (j *Job) Name() string { return Name }

func (j *Job) Run(ctx context.Context, run *pipeline.Run) error {
	mid := domain.Today()
	mid = time.Date(mid.Year(), mid.Month(), 15, 0, 0, 0, 0, time.UTC)

	var latest time.Time
	for _, r := range j.cfg.Regions {
		reproj := collection(r.Name, "reproj")
		ts, err := j.process(ctx, run, target{
			region: r,
			orig:   collection(r.Name, "orig"),
			reproj: reproj,
			window: domain.Window{
				Anchor: mid,
				Step:   domain.MonthBack,
				Max:    j.cfg.MaxAssets,
				Layout: dateLayout,
			},
			prune:     true,
			datasetID: j.cfg.DatasetIDs[reproj],
			flush:     true,
			clear:     j.cfg.ClearFirst,
		})
		if err != nil {
			return err
		}
		if ts.After(latest) {
			latest = ts
		}
	}

	if len(j.cfg.HistoricalMonths) > 0 {
		if _, err := pipeline.EnsureCollection(ctx, j.store, run, j.cfg.HistoricalFolder, false); err != nil {
			return err
		}
	}
	// The current month is never published yet, so history ends last month.
	ref := mid.AddDate(0, -1, 0)
	for _, month := range j.cfg.HistoricalMonths {
		for _, r := range j.cfg.Regions {
			reproj := j.cfg.historicalCollection(r.Name, "reproj", month)
			_, err := j.process(ctx, run, target{
				region: r,
				orig:   j.cfg.historicalCollection(r.Name, "orig", month),
				reproj: reproj,
				window: domain.Window{
					Anchor: domain.LatestMonth(ref, month).AddDate(1, 0, 0),
					Step:   domain.YearBack,
					Max:    ref.Year() - j.cfg.FirstYear,
					Layout: dateLayout,
				},
				datasetID: j.cfg.HistoricalDatasetIDs[reproj],
			})
			if err != nil {
				return err
			}
		}
	}

	if !latest.IsZero() {
		run.Report.Latest = latest.Format(domain.TimestampLayout)
	}
	return nil
}

// process ingests the missing months of one target and returns the newest
// month it holds afterwards.
func (j *Job) process(ctx context.Context, run *pipeline.Run, t target) (time.Time, error) {
	if _, err := pipeline.EnsureCollection(ctx, j.store, run, t.orig, t.clear); err != nil {
		return time.Time{}, err
	}
	names, err := pipeline.EnsureCollection(ctx, j.store, run, t.reproj, t.clear)
	if err != nil {
		return time.Time{}, err
	}

	existing := domain.NewDateSet()
	for _, n := range names {
		existing.Add(dateKey(n))
	}
	dates := t.window.NewDates(existing)
	run.Discovered(len(dates))
	run.Logger.Info("fetching months", "region", t.region.Name, "collection", t.reproj, "existing", len(existing), "new", len(dates))

	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		j.ingest(ctx, run, t, date)
	}

	if t.prune {
		if _, err := pipeline.DeleteExcessAssets(ctx, j.store, run, t.orig, j.cfg.MaxAssets); err != nil {
			return time.Time{}, err
		}
		names, err = pipeline.DeleteExcessAssets(ctx, j.store, run, t.reproj, j.cfg.MaxAssets)
	} else {
		names, err = j.store.List(ctx, t.reproj)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("list collection %s: %w", t.reproj, err)
	}
	run.Logger.Info("collection state", "collection", t.reproj, "assets", len(names))

	name, ok := domain.Latest(names)
	if !ok {
		return time.Time{}, nil
	}
	latest, err := time.Parse(dateLayout, dateKey(name))
	if err != nil {
		run.Logger.Warn("asset name without date", "asset", name)
		return time.Time{}, nil
	}
	pipeline.UpdateCatalog(ctx, j.catalog, run, t.datasetID, latest, t.flush)
	return latest, nil
}

// ingest downloads one month, reprojects it and uploads both rasters.
func (j *Job) ingest(ctx context.Context, run *pipeline.Run, t target, date time.Time) {
	name := assetName(t.region.Name, date)
	orig := run.Path(name + ".tif")
	if !pipeline.Fetch(ctx, j.source, run, name, j.cfg.url(t.region, date), orig) {
		return
	}
	defer pipeline.RemoveFiles(run, orig)

	reproj, err := j.reproject(ctx, run, t.region, orig)
	if err != nil {
		run.Fail("transform", name, err)
		return
	}
	defer pipeline.RemoveFiles(run, reproj)

	ts := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC)
	for _, up := range []struct{ file, coll string }{{orig, t.orig}, {reproj, t.reproj}} {
		id := assetstore.Join(up.coll, name)
		if err := j.store.Upload(ctx, up.file, id, ts); err != nil {
			run.Fail("publish", id, err)
			continue
		}
		run.Published(domain.KindAsset, up.coll, id, ts)
	}
}

// reproject warps file to EPSG:4326 within the region's extent and writes an
// LZW compressed copy with statistics. It returns the compressed path.
func (j *Job) reproject(ctx context.Context, run *pipeline.Run, r Region, file string) (string, error) {
	base := filepath.Base(file)
	tmp := run.Path("reprojected_" + base)
	out := run.Path("compressed_reprojected_" + base)
	defer pipeline.RemoveFiles(run, tmp, tmp+".aux.xml")

	extent := r.Extent
	err := j.conv.Warp(ctx, file, tmp, gdal.WarpOptions{
		Overwrite:   true,
		SourceSRS:   r.SRS,
		TargetSRS:   "EPSG:4326",
		Extent:      &extent,
		Multi:       true,
		WarpOptions: []string{"NUM_THREADS=ALL_CPUS"},
	})
	if err != nil {
		return "", err
	}
	err = j.conv.Translate(ctx, tmp, out, gdal.TranslateOptions{
		CreationOptions: []string{"COMPRESS=LZW"},
		Stats:           true,
	})
	if err != nil {
		pipeline.RemoveFiles(run, out)
		return "", err
	}
	return out, nil
}
