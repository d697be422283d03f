package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/assetstore"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/catalog"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/gdal"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/source"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/tablestore"
	"github.com/couchcryptid/nrt-data-ingest/internal/config"
	"github.com/couchcryptid/nrt-data-ingest/internal/jobs/greenland"
	"github.com/couchcryptid/nrt-data-ingest/internal/jobs/hmssmoke"
	"github.com/couchcryptid/nrt-data-ingest/internal/jobs/seaice"
	"github.com/couchcryptid/nrt-data-ingest/internal/jobs/waccm"
	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
	"github.com/couchcryptid/nrt-data-ingest/internal/pipeline"
	"github.com/couchcryptid/nrt-data-ingest/internal/retry"
)

// Earthdata downloads are retried for up to five minutes.
const (
	earthdataTimeout = 300 * time.Second
	earthdataDelay   = 5 * time.Second
)

// jobEntry builds a job and reports the retention limits it keeps.
type jobEntry struct {
	build  func(ctx context.Context, d *deps) (pipeline.Job, error)
	limits func() []pipeline.Limit
}

var registry = map[string]jobEntry{
	waccm.Name: {
		build: func(ctx context.Context, d *deps) (pipeline.Job, error) {
			store, err := d.assetStore(ctx)
			if err != nil {
				return nil, err
			}
			cfg := waccm.DefaultConfig()
			cfg.ClearFirst = d.cfg.ClearFirst
			return waccm.New(cfg, d.fetcher(), store, gdal.New(nil), d.catalog()), nil
		},
		limits: waccm.DefaultConfig().Limits,
	},
	seaice.Name: {
		build: func(ctx context.Context, d *deps) (pipeline.Job, error) {
			store, err := d.assetStore(ctx)
			if err != nil {
				return nil, err
			}
			cfg := seaice.DefaultConfig()
			cfg.ClearFirst = d.cfg.ClearFirst
			return seaice.New(cfg, d.fetcher(), store, gdal.New(nil), d.catalog()), nil
		},
		limits: seaice.DefaultConfig().Limits,
	},
	greenland.Name: {
		build: func(ctx context.Context, d *deps) (pipeline.Job, error) {
			cfg := greenland.DefaultConfig()
			cfg.ClearFirst = d.cfg.ClearFirst
			if err := cfg.Table.Validate(); err != nil {
				return nil, err
			}
			store, err := d.tableStore(ctx)
			if err != nil {
				return nil, err
			}
			fetcher := d.fetcher(
				source.WithBasicAuth(d.cfg.EarthdataUser, d.cfg.EarthdataKey),
				source.WithHTTPRetry(retry.UntilElapsed(earthdataTimeout, earthdataDelay)),
			)
			return greenland.New(cfg, fetcher, store, d.catalog()), nil
		},
		limits: greenland.DefaultConfig().Limits,
	},
	hmssmoke.Name: {
		build: func(ctx context.Context, d *deps) (pipeline.Job, error) {
			cfg := hmssmoke.DefaultConfig()
			cfg.ClearFirst = d.cfg.ClearFirst
			if err := cfg.Table.Validate(); err != nil {
				return nil, err
			}
			store, err := d.tableStore(ctx)
			if err != nil {
				return nil, err
			}
			return hmssmoke.New(cfg, d.fetcher(), store, d.catalog()), nil
		},
		limits: hmssmoke.DefaultConfig().Limits,
	},
}

func jobNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func lookup(name string) (jobEntry, error) {
	entry, ok := registry[name]
	if !ok {
		return jobEntry{}, fmt.Errorf("unknown job %q, want one of %v", name, jobNames())
	}
	return entry, nil
}

func buildJob(ctx context.Context, name string, d *deps) (pipeline.Job, error) {
	entry, err := lookup(name)
	if err != nil {
		return nil, err
	}
	return entry.build(ctx, d)
}

// deps builds the adapters a job needs from the process configuration.
type deps struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	closers []func()
}

func (d *deps) close() {
	for _, c := range slices.Backward(d.closers) {
		c()
	}
}

func (d *deps) fetcher(opts ...source.HTTPOption) source.Router {
	policy := retry.Fixed(d.cfg.RetryMaxAttempts, d.cfg.RetryDelay)
	opts = append([]source.HTTPOption{source.WithHTTPRetry(policy)}, opts...)
	return source.Router{
		HTTP: source.NewHTTPFetcher(d.cfg.FetchTimeout, d.logger, opts...),
		FTP:  source.NewFTPFetcher(d.cfg.FetchTimeout, policy, d.logger),
	}
}

func (d *deps) assetStore(ctx context.Context) (pipeline.AssetStore, error) {
	switch d.cfg.AssetStore {
	case "s3":
		d.logger.Info("asset store", "kind", "s3", "bucket", d.cfg.S3Bucket)
		return assetstore.NewS3Store(ctx, assetstore.S3Config{
			Bucket:          d.cfg.S3Bucket,
			Region:          d.cfg.S3Region,
			Endpoint:        d.cfg.S3Endpoint,
			AccessKeyID:     d.cfg.S3AccessKeyID,
			SecretAccessKey: d.cfg.S3SecretAccessKey,
		})
	default:
		d.logger.Info("asset store", "kind", "disk", "root", d.cfg.AssetRoot)
		return assetstore.NewDiskStore(d.cfg.AssetRoot)
	}
}

func (d *deps) tableStore(ctx context.Context) (pipeline.TableStore, error) {
	switch d.cfg.TableStore {
	case "clickhouse":
		d.logger.Info("table store", "kind", "clickhouse", "addr", d.cfg.ClickHouseAddr)
		store, err := tablestore.NewClickHouse(ctx, tablestore.ClickHouseConfig{
			Addr:     d.cfg.ClickHouseAddr,
			Database: d.cfg.ClickHouseDatabase,
			Username: d.cfg.ClickHouseUser,
			Password: d.cfg.ClickHousePassword,
		})
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, store.Close)
		return store, nil
	default:
		d.logger.Info("table store", "kind", "postgres")
		store, err := tablestore.NewPostgres(ctx, d.cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, store.Close)
		return store, nil
	}
}

// catalog returns nil when catalog updates are disabled.
func (d *deps) catalog() pipeline.Catalog {
	if !d.cfg.CatalogEnabled {
		d.logger.Info("catalog updates disabled")
		return nil
	}
	flush := retry.Fixed(d.cfg.CatalogFlushAttempts, d.cfg.CatalogFlushDelay)
	client := catalog.NewClient(d.cfg.CatalogURL, d.cfg.CatalogToken, d.cfg.FetchTimeout, flush, d.metrics, d.logger)
	d.logger.Info("catalog updates enabled", "url", d.cfg.CatalogURL, "cache_ttl", d.cfg.CatalogCacheTTL)
	return catalog.NewCachedClient(client, d.cfg.CatalogCacheTTL, d.metrics)
}
