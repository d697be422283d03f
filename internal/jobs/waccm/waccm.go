// Package waccm ingests the WACCM atmospheric chemistry forecast. Each
// forecast day is one NetCDF file holding every variable; one band per
// time step is extracted at the surface level and regridded to EPSG:4326.
package waccm

import (
	"context"
	"fmt"
	"path"
	"slices"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/assetstore"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/gdal"
	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
)

// Name is the job name used on the command line and in metrics.
const Name = "waccm"

const (
	// urlDateLayout is the date format in source file names.
	urlDateLayout = "2006-01-02"
	// dayLayout is the date part of asset names, used as the discovery key.
	dayLayout = "06-01-02"
	// stampLayout is the date and time suffix of asset names.
	stampLayout = "06-01-02_1504"
)

// Variable is one NetCDF variable and the level extracted from it.
type Variable struct {
	Name string
	// Levels is the number of vertical levels in the file.
	Levels int
	// Level is the 1-based level kept (the surface is the last one).
	Level int
}

// Config holds the job's constants.
type Config struct {
	// Version selects the output stream: "h0" is 3-hourly, "h3" 6-hourly.
	Version    string
	SourceURL  string // fmt template taking the version and the date
	Collection string
	Prefix     string
	Variables  []Variable
	// MaxDays bounds retention: each variable keeps steps*MaxDays assets.
	MaxDays int
	// Lookback bounds the discovery walk when the store already has data.
	Lookback  int
	GroupSize int
	// NoData is passed to gdal_translate -a_nodata. "None" unsets the fill
	// value so every model cell is kept.
	NoData     string
	ClearFirst bool
	// DatasetIDs maps a variable to its catalog dataset. Variables without
	// an entry are not reported.
	DatasetIDs map[string]string
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Version:    "h0",
		SourceURL:  "https://www.acom.ucar.edu/waccm/DATA/f.e21.FWSD.f09_f09_mg17.forecast.001.cam.%s.%s-00000.nc",
		Collection: "cit_038_WACCM_atmospheric_chemistry_model",
		Prefix:     "cit_038_WACCM_atmospheric_chemistry_model",
		Variables: []Variable{
			{Name: "NO2", Levels: 88, Level: 88},
			{Name: "CO", Levels: 88, Level: 88},
			{Name: "O3", Levels: 88, Level: 88},
			{Name: "SO2", Levels: 88, Level: 88},
			{Name: "PM25_SRF", Levels: 1, Level: 1},
			{Name: "bc_a1", Levels: 88, Level: 88},
			{Name: "bc_a4", Levels: 88, Level: 88},
		},
		MaxDays:   10,
		Lookback:  45,
		GroupSize: 3,
		NoData:    "None",
	}
}

// Hours returns the forecast hours stored per day for the version.
func (c Config) Hours() []int {
	stride := 3
	if c.Version == "h3" {
		stride = 6
	}
	var hours []int
	for h := 0; h < 24; h += stride {
		hours = append(hours, h)
	}
	return hours
}

// Bands returns the band numbers of v, one per time step.
func (c Config) Bands(v Variable) []int {
	steps := len(c.Hours())
	bands := make([]int, steps)
	for t := range steps {
		bands[t] = t*v.Levels + v.Level
	}
	return bands
}

// MaxAssets is the per-variable retention cap.
func (c Config) MaxAssets() int {
	return len(c.Hours()) * c.MaxDays
}

// Limits returns the retention cap of every variable collection.
func (c Config) Limits() []pipeline.Limit {
	limits := make([]pipeline.Limit, 0, len(c.Variables))
	for _, v := range c.Variables {
		limits = append(limits, pipeline.Limit{Kind: domain.KindAsset, Sink: c.collection(v.Name), Max: c.MaxAssets()})
	}
	return limits
}

func (c Config) url(date time.Time) string {
	return fmt.Sprintf(c.SourceURL, c.Version, date.Format(urlDateLayout))
}

func (c Config) collection(variable string) string {
	return assetstore.Join(c.Collection, variable)
}

func (c Config) assetName(variable string, ts time.Time) string {
	return fmt.Sprintf("%s_%s_%s", c.Prefix, variable, ts.Format(stampLayout))
}

// stamp extracts the date and time suffix of an asset name.
func stamp(name string) (time.Time, bool) {
	if len(name) < len(stampLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(stampLayout, name[len(name)-len(stampLayout):])
	return t, err == nil
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
	if _, err := pipeline.EnsureCollection(ctx, j.store, run, j.cfg.Collection, false); err != nil {
		return err
	}

	byVar := make(map[string][]string, len(j.cfg.Variables))
	for _, v := range j.cfg.Variables {
		names, err := pipeline.EnsureCollection(ctx, j.store, run, j.cfg.collection(v.Name), j.cfg.ClearFirst)
		if err != nil {
			return err
		}
		byVar[v.Name] = names
	}

	existing := j.completeDays(byVar)
	window := domain.Window{
		Anchor:         domain.Today().AddDate(0, 0, 2),
		Step:           domain.DayBack,
		Max:            j.cfg.Lookback,
		Probe:          domain.DefaultProbe,
		StopAtExisting: true,
		Layout:         dayLayout,
	}
	dates := window.NewDates(existing)
	run.Discovered(len(dates))
	if len(existing) == 0 {
		run.Logger.Info("collection empty, probing most recent days", "days", len(dates))
	}

	for _, group := range domain.Chunk(dates, j.cfg.GroupSize) {
		if err := ctx.Err(); err != nil {
			return err
		}
		j.processGroup(ctx, run, group)
	}

	var latest time.Time
	for _, v := range j.cfg.Variables {
		coll := j.cfg.collection(v.Name)
		kept, err := pipeline.DeleteExcessAssets(ctx, j.store, run, coll, j.cfg.MaxAssets())
		if err != nil {
			return err
		}
		run.Logger.Info("collection state", "variable", v.Name, "assets", len(kept), "max", j.cfg.MaxAssets())

		name, ok := domain.Latest(kept)
		if !ok {
			continue
		}
		ts, ok := stamp(name)
		if !ok {
			continue
		}
		if ts.After(latest) {
			latest = ts
		}
		pipeline.UpdateCatalog(ctx, j.catalog, run, j.cfg.DatasetIDs[v.Name], ts, true)
	}
	if !latest.IsZero() {
		run.Report.Latest = latest.Format(domain.TimestampLayout)
	}
	return nil
}

// completeDays returns the days for which every variable holds every time step.
func (j *Job) completeDays(byVar map[string][]string) domain.DateSet {
	steps := len(j.cfg.Hours())
	counts := make(map[string]map[string]int)
	for v, names := range byVar {
		for _, n := range names {
			ts, ok := stamp(n)
			if !ok {
				continue
			}
			day := ts.Format(dayLayout)
			if counts[day] == nil {
				counts[day] = make(map[string]int)
			}
			counts[day][v]++
		}
	}

	out := domain.NewDateSet()
	for day, perVar := range counts {
		complete := true
		for _, v := range j.cfg.Variables {
			if perVar[v.Name] < steps {
				complete = false
				break
			}
		}
		if complete {
			out.Add(day)
		}
	}
	return out
}

// processGroup downloads a group of forecast days and converts and uploads
// every variable from them. Local NetCDF files are removed afterwards.
func (j *Job) processGroup(ctx context.Context, run *pipeline.Run, dates []time.Time) {
	files := j.fetch(ctx, run, dates)
	defer func() {
		paths := make([]string, 0, len(files))
		for _, f := range files {
			paths = append(paths, f.path)
		}
		pipeline.RemoveFiles(run, paths...)
	}()

	for _, v := range j.cfg.Variables {
		for _, f := range files {
			if ctx.Err() != nil {
				return
			}
			j.processVariable(ctx, run, v, f)
		}
	}
}

type netcdf struct {
	date time.Time
	path string
}

func (j *Job) fetch(ctx context.Context, run *pipeline.Run, dates []time.Time) []netcdf {
	var files []netcdf
	listings := map[string][]string{}
	for _, date := range dates {
		url := j.cfg.url(date)
		dir, file := path.Split(url)

		available, ok := listings[dir]
		if !ok {
			links, err := j.source.List(ctx, dir)
			if err != nil {
				run.Fail("fetch", dir, err)
				continue
			}
			available = links
			listings[dir] = links
		}
		if !slices.Contains(available, file) {
			run.Unavailable(file)
			continue
		}

		dest := run.Path(fmt.Sprintf("%s_all_vars_%s.nc", j.cfg.Prefix, date.Format(urlDateLayout)))
		if pipeline.Fetch(ctx, j.source, run, file, url, dest) {
			files = append(files, netcdf{date: date, path: dest})
		}
	}
	return files
}

// processVariable extracts every time step of v from one file. A failed
// conversion aborts the remaining steps of that file for v.
func (j *Job) processVariable(ctx context.Context, run *pipeline.Run, v Variable, f netcdf) {
	hours := j.cfg.Hours()
	src := gdal.SubdatasetPath(f.path, v.Name)
	coll := j.cfg.collection(v.Name)

	for t, band := range j.cfg.Bands(v) {
		ts := f.date.Add(time.Duration(hours[t]) * time.Hour)
		name := j.cfg.assetName(v.Name, ts)
		raw := run.Path(name + "_0_360.tif")
		tif := run.Path(name + ".tif")

		err := j.conv.Translate(ctx, src, raw, gdal.TranslateOptions{
			Band:   band,
			Quiet:  true,
			NoData: j.cfg.NoData,
			SRS:    "EPSG:4326",
		})
		if err == nil {
			err = j.conv.Warp(ctx, raw, tif, gdal.WarpOptions{
				TargetSRS:   "EPSG:4326",
				ResX:        1.25,
				ResY:        -0.942408376963351,
				WarpOptions: []string{"SOURCE_EXTRA=1000"},
				Config:      map[string]string{"CENTER_LONG": "0"},
			})
		}
		pipeline.RemoveFiles(run, raw)
		if err != nil {
			pipeline.RemoveFiles(run, tif)
			run.Fail("transform", name, err)
			return
		}

		id := assetstore.Join(coll, name)
		if err := j.store.Upload(ctx, tif, id, ts); err != nil {
			run.Fail("publish", id, err)
		} else {
			run.Published(domain.KindAsset, coll, id, ts)
		}
		pipeline.RemoveFiles(run, tif)
	}
}
