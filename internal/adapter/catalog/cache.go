package catalog

import (
	"context"
	"slices"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
)

// API is the set of catalog operations the cache decorates.
type API interface {
	LastUpdate(ctx context.Context, datasetID string) (time.Time, error)
	SetLastUpdate(ctx context.Context, datasetID string, t time.Time) error
	LayerIDs(ctx context.Context, datasetID string) ([]string, error)
	FlushTileCache(ctx context.Context, layerID string) error
}

// CachedClient wraps an API and memoizes layer lookups for ttl.
// Timestamps are never cached; they change on every successful run.
type CachedClient struct {
	inner   API
	layers  *cache.Cache
	metrics *observability.Metrics
}

// NewCachedClient creates a cache decorator around a catalog client.
func NewCachedClient(inner API, ttl time.Duration, metrics *observability.Metrics) *CachedClient {
	return &CachedClient{
		inner:   inner,
		layers:  cache.New(ttl, 2*ttl),
		metrics: metrics,
	}
}

func (c *CachedClient) LastUpdate(ctx context.Context, datasetID string) (time.Time, error) {
	return c.inner.LastUpdate(ctx, datasetID)
}

func (c *CachedClient) SetLastUpdate(ctx context.Context, datasetID string, t time.Time) error {
	return c.inner.SetLastUpdate(ctx, datasetID, t)
}

func (c *CachedClient) LayerIDs(ctx context.Context, datasetID string) ([]string, error) {
	if v, ok := c.layers.Get(datasetID); ok {
		c.metrics.CatalogCache.WithLabelValues("hit").Inc()
		return slices.Clone(v.([]string)), nil
	}
	c.metrics.CatalogCache.WithLabelValues("miss").Inc()

	ids, err := c.inner.LayerIDs(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	c.layers.SetDefault(datasetID, slices.Clone(ids))
	return ids, nil
}

func (c *CachedClient) FlushTileCache(ctx context.Context, layerID string) error {
	return c.inner.FlushTileCache(ctx, layerID)
}
