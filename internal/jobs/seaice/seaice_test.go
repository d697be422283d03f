package seaice

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/gdal"
	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline/pipelinetest"
)

const (
	arcticOrig    = "cli_005_arctic_sea_ice_extent_orig"
	arcticReproj  = "cli_005_arctic_sea_ice_extent_reproj"
	arcticDataset = "484fbba1-ac34-402f-8623-7b1cc9c34f17"
)

func month(year int, m time.Month) time.Time {
	return time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SourceURL = "ftp://ftp.test/%s/monthly/geotiff/%s/%s"
	cfg.HistoricalMonths = nil
	return cfg
}

type fixture struct {
	cfg     Config
	source  *pipelinetest.Fetcher
	store   *pipelinetest.AssetStore
	conv    *pipelinetest.Converter
	catalog *pipelinetest.Catalog
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.March, 20, 8, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })
	return &fixture{
		cfg:     cfg,
		source:  pipelinetest.NewFetcher(),
		store:   pipelinetest.NewAssetStore(),
		conv:    &pipelinetest.Converter{},
		catalog: pipelinetest.NewCatalog(),
	}
}

// publish makes the source file for one arctic month available.
func (f *fixture) publish(date time.Time) {
	f.source.Files[f.cfg.url(f.cfg.Regions[0], date)] = []byte("geotiff")
}

func (f *fixture) seed(t *testing.T, coll string, dates ...time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateCollection(ctx, coll))
	file := filepath.Join(t.TempDir(), "seed.tif")
	require.NoError(t, os.WriteFile(file, []byte("tif"), 0o644))
	for _, d := range dates {
		require.NoError(t, f.store.Upload(ctx, file, coll+"/"+assetName("arctic", d), d))
	}
}

func (f *fixture) run(t *testing.T) *pipeline.Run {
	t.Helper()
	run := pipeline.NewTestRun(Name, t.TempDir(), slog.Default(), observability.NewMetricsForTesting())
	job := New(f.cfg, f.source, f.store, f.conv, f.catalog)
	require.NoError(t, job.Run(context.Background(), run))
	return run
}

func TestConfig_Naming(t *testing.T) {
	cfg := DefaultConfig()
	feb := month(2019, time.February)

	assert.Equal(t,
		"ftp://sidads.colorado.edu/DATASETS/NOAA/G02135/north/monthly/geotiff/02_Feb/N_201902_extent_v3.0.tif",
		cfg.url(cfg.Regions[0], feb))
	assert.Equal(t,
		"ftp://sidads.colorado.edu/DATASETS/NOAA/G02135/south/monthly/geotiff/02_Feb/S_201902_extent_v3.0.tif",
		cfg.url(cfg.Regions[1], feb))
	assert.Equal(t, "cli_005_antarctic_sea_ice_201902", assetName("antarctic", feb))
	assert.Equal(t, "201902", dateKey("cli_005_antarctic_sea_ice_201902"))
	assert.Equal(t,
		"cli_005_historical_sea_ice_extent/cli_005_arctic_sea_ice_extent_orig_month09_hist",
		cfg.historicalCollection("arctic", "orig", time.September))
}

func TestJob_IngestsRecentMonths(t *testing.T) {
	f := newFixture(t, testConfig())
	f.publish(month(2024, time.February))
	f.publish(month(2024, time.January))
	f.catalog.Layers[arcticDataset] = []string{"layer-a"}

	run := f.run(t)

	assert.Equal(t, 24, run.Report.Discovered, "12 months per pole")
	assert.Equal(t, 2, run.Report.Fetched)
	assert.Equal(t, 22, run.Report.Unavailable)
	assert.Equal(t, 4, run.Report.Published)
	assert.False(t, run.Report.Degraded)
	assert.Equal(t, "2024-02-01 00:00:00", run.Report.Latest)

	want := []string{"cli_005_arctic_sea_ice_202401", "cli_005_arctic_sea_ice_202402"}
	assert.Equal(t, want, f.store.Names(arcticOrig))
	assert.Equal(t, want, f.store.Names(arcticReproj))
	assert.Empty(t, f.store.Names("cli_005_antarctic_sea_ice_extent_reproj"))

	asset := f.store.Collections[arcticReproj]["cli_005_arctic_sea_ice_202402"]
	assert.Equal(t, month(2024, time.February), asset.Timestamp)

	assert.Equal(t, month(2024, time.February), f.catalog.Updated[arcticDataset])
	assert.Equal(t, []string{"layer-a"}, f.catalog.Flushed)

	entries, err := os.ReadDir(run.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJob_Reprojection(t *testing.T) {
	f := newFixture(t, testConfig())
	f.publish(month(2024, time.February))

	run := f.run(t)

	warps := f.conv.CallsTo("gdalwarp")
	require.Len(t, warps, 1)
	assert.Equal(t, run.Path("cli_005_arctic_sea_ice_202402.tif"), warps[0].Src)
	assert.Equal(t, run.Path("reprojected_cli_005_arctic_sea_ice_202402.tif"), warps[0].Dst)
	wantWarp := gdal.WarpOptions{
		Overwrite:   true,
		SourceSRS:   "EPSG:3411",
		TargetSRS:   "EPSG:4326",
		Extent:      &gdal.Extent{MinX: -180, MinY: 50, MaxX: 180, MaxY: 89.75},
		Multi:       true,
		WarpOptions: []string{"NUM_THREADS=ALL_CPUS"},
	}
	if diff := cmp.Diff(wantWarp, warps[0].Warp); diff != "" {
		t.Errorf("warp options mismatch (-want +got):\n%s", diff)
	}

	translates := f.conv.CallsTo("gdal_translate")
	require.Len(t, translates, 1)
	assert.Equal(t, run.Path("compressed_reprojected_cli_005_arctic_sea_ice_202402.tif"), translates[0].Dst)
	assert.Equal(t, []string{"COMPRESS=LZW"}, translates[0].Translate.CreationOptions)
	assert.True(t, translates[0].Translate.Stats)
}

func TestJob_PrunesToMaxAssets(t *testing.T) {
	f := newFixture(t, testConfig())
	var old []time.Time
	for m := time.January; m <= time.December; m++ {
		old = append(old, month(2022, m))
	}
	f.seed(t, arcticOrig, old...)
	f.seed(t, arcticReproj, old...)
	f.publish(month(2024, time.February))

	run := f.run(t)

	assert.Equal(t, 2, run.Report.Pruned)
	names := f.store.Names(arcticReproj)
	require.Len(t, names, 12)
	assert.Equal(t, "cli_005_arctic_sea_ice_202202", names[0])
	assert.Equal(t, "cli_005_arctic_sea_ice_202402", names[11])
	assert.Len(t, f.store.Names(arcticOrig), 12)
}

func TestJob_RerunSkipsExistingMonths(t *testing.T) {
	f := newFixture(t, testConfig())
	f.publish(month(2024, time.February))
	f.publish(month(2024, time.January))
	f.run(t)

	run := f.run(t)

	assert.Equal(t, 22, run.Report.Discovered)
	assert.Zero(t, run.Report.Fetched)
	assert.Zero(t, run.Report.Published)
	assert.Equal(t, 1, f.catalog.SetCalls, "catalog already holds the latest month")
}

func TestJob_Historical(t *testing.T) {
	cfg := testConfig()
	cfg.Regions = cfg.Regions[:1]
	cfg.HistoricalMonths = []time.Month{time.September}
	cfg.FirstYear = 2021
	f := newFixture(t, cfg)
	f.publish(month(2023, time.September))
	f.publish(month(2021, time.September))
	histReproj := cfg.historicalCollection("arctic", "reproj", time.September)
	histDataset := cfg.HistoricalDatasetIDs[histReproj]
	require.NotEmpty(t, histDataset)
	f.catalog.Layers[histDataset] = []string{"hist-layer"}

	run := f.run(t)

	assert.Equal(t, 15, run.Report.Discovered, "12 recent months plus 3 Septembers")
	want := []string{"cli_005_arctic_sea_ice_202109", "cli_005_arctic_sea_ice_202309"}
	assert.Equal(t, want, f.store.Names(histReproj))
	assert.Equal(t, want, f.store.Names(cfg.historicalCollection("arctic", "orig", time.September)))
	assert.Equal(t, []string{"cli_005_arctic_sea_ice_202309"}, f.store.Names(arcticReproj))

	assert.Equal(t, month(2023, time.September), f.catalog.Updated[histDataset])
	assert.NotContains(t, f.catalog.Flushed, "hist-layer")
}

func TestJob_TransformFailureDegrades(t *testing.T) {
	f := newFixture(t, testConfig())
	f.publish(month(2024, time.February))
	f.conv.Fail = func(string) error { return errors.New("gdalwarp: exit status 1") }

	run := f.run(t)

	assert.True(t, run.Report.Degraded)
	assert.Equal(t, 1, run.Report.Failed)
	assert.Empty(t, f.store.Names(arcticOrig))
	assert.Empty(t, f.store.Names(arcticReproj))

	entries, err := os.ReadDir(run.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConfig_Limits(t *testing.T) {
	cfg := testConfig()
	cfg.Regions = cfg.Regions[:1]
	cfg.HistoricalMonths = []time.Month{time.September}

	want := []pipeline.Limit{
		{Kind: domain.KindAsset, Sink: "cli_005_arctic_sea_ice_extent_orig", Max: 12},
		{Kind: domain.KindAsset, Sink: "cli_005_arctic_sea_ice_extent_reproj", Max: 12},
		{Kind: domain.KindAsset, Sink: "cli_005_historical_sea_ice_extent/cli_005_arctic_sea_ice_extent_orig_month09_hist"},
		{Kind: domain.KindAsset, Sink: "cli_005_historical_sea_ice_extent/cli_005_arctic_sea_ice_extent_reproj_month09_hist"},
	}
	if diff := cmp.Diff(want, cfg.Limits()); diff != "" {
		t.Errorf("Limits() mismatch (-want +got):\n%s", diff)
	}
}
