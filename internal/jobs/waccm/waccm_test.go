package waccm

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
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

const listingURL = "https://waccm.test/DATA/"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Version = "h3"
	cfg.SourceURL = listingURL + "f.cam.%s.%s-00000.nc"
	cfg.Variables = []Variable{
		{Name: "NO2", Levels: 88, Level: 88},
		{Name: "PM25_SRF", Levels: 1, Level: 1},
	}
	return cfg
}

func freezeClock(t *testing.T) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(time.Date(2024, time.January, 5, 10, 0, 0, 0, time.UTC)))
	t.Cleanup(func() { domain.SetClock(nil) })
}

type fixture struct {
	cfg     Config
	source  *pipelinetest.Fetcher
	store   *pipelinetest.AssetStore
	conv    *pipelinetest.Converter
	catalog *pipelinetest.Catalog
}

func newFixture(cfg Config, days ...string) *fixture {
	f := &fixture{
		cfg:     cfg,
		source:  pipelinetest.NewFetcher(),
		store:   pipelinetest.NewAssetStore(),
		conv:    &pipelinetest.Converter{},
		catalog: pipelinetest.NewCatalog(),
	}
	var listing []string
	for _, d := range days {
		name := "f.cam.h3." + d + "-00000.nc"
		listing = append(listing, name)
		f.source.Files[listingURL+name] = []byte("netcdf")
	}
	f.source.Listings[listingURL] = listing
	return f
}

func (f *fixture) run(t *testing.T) *pipeline.Run {
	t.Helper()
	run := pipeline.NewTestRun(Name, t.TempDir(), slog.Default(), observability.NewMetricsForTesting())
	job := New(f.cfg, f.source, f.store, f.conv, f.catalog)
	require.NoError(t, job.Run(context.Background(), run))
	return run
}

func (f *fixture) seed(t *testing.T, variable string, day time.Time) {
	t.Helper()
	ctx := context.Background()
	coll := f.cfg.collection(variable)
	require.NoError(t, f.store.CreateCollection(ctx, f.cfg.Collection))
	require.NoError(t, f.store.CreateCollection(ctx, coll))
	file := filepath.Join(t.TempDir(), "seed.tif")
	require.NoError(t, os.WriteFile(file, []byte("tif"), 0o644))
	for _, h := range f.cfg.Hours() {
		ts := day.Add(time.Duration(h) * time.Hour)
		require.NoError(t, f.store.Upload(ctx, file, coll+"/"+f.cfg.assetName(variable, ts), ts))
	}
}

func TestConfig_Bands(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, []int{0, 3, 6, 9, 12, 15, 18, 21}, cfg.Hours())
	assert.Equal(t, []int{88, 176, 264, 352, 440, 528, 616, 704}, cfg.Bands(Variable{Name: "NO2", Levels: 88, Level: 88}))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, cfg.Bands(Variable{Name: "PM25_SRF", Levels: 1, Level: 1}))
	assert.Equal(t, 80, cfg.MaxAssets())

	cfg.Version = "h3"
	assert.Equal(t, []int{0, 6, 12, 18}, cfg.Hours())
	assert.Equal(t, 40, cfg.MaxAssets())
}

func TestConfig_Naming(t *testing.T) {
	cfg := DefaultConfig()
	ts := time.Date(2024, 1, 5, 3, 0, 0, 0, time.UTC)

	assert.Equal(t,
		"https://www.acom.ucar.edu/waccm/DATA/f.e21.FWSD.f09_f09_mg17.forecast.001.cam.h0.2024-01-05-00000.nc",
		cfg.url(ts))
	name := cfg.assetName("NO2", ts)
	assert.Equal(t, "cit_038_WACCM_atmospheric_chemistry_model_NO2_24-01-05_0300", name)

	got, ok := stamp(name)
	require.True(t, ok)
	assert.Equal(t, ts, got)

	_, ok = stamp("short")
	assert.False(t, ok)
}

func TestJob_EmptyStoreProbesRecentDays(t *testing.T) {
	freezeClock(t)
	f := newFixture(testConfig(), "2024-01-05", "2024-01-04")

	run := f.run(t)

	assert.Equal(t, 3, run.Report.Discovered)
	assert.Equal(t, 2, run.Report.Fetched)
	assert.Equal(t, 1, run.Report.Unavailable)
	assert.Equal(t, 16, run.Report.Published)
	assert.False(t, run.Report.Degraded)
	assert.Equal(t, "2024-01-05 18:00:00", run.Report.Latest)

	no2 := f.store.Names(f.cfg.collection("NO2"))
	require.Len(t, no2, 8)
	assert.Equal(t, "cit_038_WACCM_atmospheric_chemistry_model_NO2_24-01-04_0000", no2[0])
	assert.Equal(t, "cit_038_WACCM_atmospheric_chemistry_model_NO2_24-01-05_1800", no2[7])

	asset := f.store.Collections[f.cfg.collection("NO2")]["cit_038_WACCM_atmospheric_chemistry_model_NO2_24-01-05_0600"]
	assert.Equal(t, time.Date(2024, 1, 5, 6, 0, 0, 0, time.UTC), asset.Timestamp)

	entries, err := os.ReadDir(run.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "local files should be removed")
}

func TestJob_ConversionArguments(t *testing.T) {
	freezeClock(t)
	f := newFixture(testConfig(), "2024-01-05")

	f.run(t)

	translates := f.conv.CallsTo("gdal_translate")
	require.Len(t, translates, 8)
	first := translates[0]
	assert.True(t, strings.HasPrefix(first.Src, `NETCDF:"`))
	assert.True(t, strings.HasSuffix(first.Src, `":NO2`))
	want := gdal.TranslateOptions{Band: 88, Quiet: true, NoData: "None", SRS: "EPSG:4326"}
	if diff := cmp.Diff(want, first.Translate); diff != "" {
		t.Errorf("translate options mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 176, translates[1].Translate.Band)
	assert.Equal(t, 1, translates[4].Translate.Band)

	warps := f.conv.CallsTo("gdalwarp")
	require.Len(t, warps, 8)
	assert.Equal(t, "EPSG:4326", warps[0].Warp.TargetSRS)
	assert.InDelta(t, 1.25, warps[0].Warp.ResX, 0)
	assert.InDelta(t, -0.942408376963351, warps[0].Warp.ResY, 0)
	assert.Equal(t, map[string]string{"CENTER_LONG": "0"}, warps[0].Warp.Config)
	assert.True(t, strings.HasSuffix(warps[0].Dst, "_NO2_24-01-05_0000.tif"))
}

func TestJob_RerunIsNoop(t *testing.T) {
	freezeClock(t)
	f := newFixture(testConfig(), "2024-01-05", "2024-01-04")
	f.run(t)
	before := f.store.Names(f.cfg.collection("NO2"))

	run := f.run(t)

	assert.Equal(t, 1, run.Report.Discovered, "only tomorrow is a candidate")
	assert.Zero(t, run.Report.Published)
	assert.Equal(t, before, f.store.Names(f.cfg.collection("NO2")))
}

func TestJob_PartialDayIsNotExisting(t *testing.T) {
	freezeClock(t)
	f := newFixture(testConfig())
	f.seed(t, "NO2", time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC))

	run := f.run(t)

	assert.Equal(t, 3, run.Report.Discovered, "PM25_SRF is missing so the day is incomplete")
}

func TestJob_WalksBackToExistingAndPrunes(t *testing.T) {
	freezeClock(t)
	cfg := testConfig()
	cfg.MaxDays = 2
	f := newFixture(cfg, "2024-01-05", "2024-01-04")
	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.seed(t, "NO2", jan1)
	f.seed(t, "PM25_SRF", jan1)

	run := f.run(t)

	assert.Equal(t, 5, run.Report.Discovered, "Jan 6 back to Jan 2")
	assert.Equal(t, 16, run.Report.Published)
	assert.Equal(t, 8, run.Report.Pruned)

	no2 := f.store.Names(cfg.collection("NO2"))
	require.Len(t, no2, 8)
	for _, n := range no2 {
		assert.NotContains(t, n, "24-01-01")
	}
}

func TestJob_ConversionFailureDegrades(t *testing.T) {
	freezeClock(t)
	f := newFixture(testConfig(), "2024-01-05")
	f.conv.Fail = func(src string) error {
		if strings.HasSuffix(src, ":PM25_SRF") {
			return errors.New("gdal_translate: exit status 1")
		}
		return nil
	}

	run := f.run(t)

	assert.True(t, run.Report.Degraded)
	assert.Equal(t, 1, run.Report.Failed)
	assert.Len(t, f.store.Names(f.cfg.collection("NO2")), 4)
	assert.Empty(t, f.store.Names(f.cfg.collection("PM25_SRF")))
}

func TestJob_ReportsCatalog(t *testing.T) {
	freezeClock(t)
	cfg := testConfig()
	cfg.DatasetIDs = map[string]string{"NO2": "ds-no2"}
	f := newFixture(cfg, "2024-01-05")
	f.catalog.Layers["ds-no2"] = []string{"layer-1"}

	run := f.run(t)

	assert.True(t, run.Report.CatalogUpdated)
	assert.Equal(t, time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC), f.catalog.Updated["ds-no2"])
	assert.Equal(t, []string{"layer-1"}, f.catalog.Flushed)
}

func TestJob_ClearFirst(t *testing.T) {
	freezeClock(t)
	cfg := testConfig()
	cfg.ClearFirst = true
	f := newFixture(cfg)
	f.seed(t, "NO2", time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC))

	f.run(t)

	assert.Empty(t, f.store.Names(cfg.collection("NO2")))
}

func TestConfig_Limits(t *testing.T) {
	want := []pipeline.Limit{
		{Kind: domain.KindAsset, Sink: "cit_038_WACCM_atmospheric_chemistry_model/NO2", Max: 40},
		{Kind: domain.KindAsset, Sink: "cit_038_WACCM_atmospheric_chemistry_model/PM25_SRF", Max: 40},
	}
	if diff := cmp.Diff(want, testConfig().Limits()); diff != "" {
		t.Errorf("Limits() mismatch (-want +got):\n%s", diff)
	}
}
