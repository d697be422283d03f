// Package catalog talks to the dataset catalog API: last-update timestamps,
// layer lookups and tile cache flushes.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/observability"
	"github.com/couchcryptid/nrt-data-ingest/internal/retry"
)

// lastUpdatedLayout is the timestamp format the catalog accepts on PATCH.
const lastUpdatedLayout = "2006-01-02T15:04:05"

// layerApplication selects the layers whose tile caches are flushed.
const layerApplication = "rw"

// Client implements the catalog operations over HTTP.
type Client struct {
	token       string
	httpClient  *http.Client
	baseURL     string
	flushPolicy retry.Policy
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewClient creates a catalog client. flush bounds the tile cache flush retries.
func NewClient(baseURL, token string, timeout time.Duration, flush retry.Policy, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		token:       token,
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		flushPolicy: flush,
		metrics:     metrics,
		logger:      logger,
	}
}

// StatusError is an unexpected catalog response.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog %s: status %d: %s", e.Op, e.Code, e.Body)
}

// LastUpdate returns the dataset's current last-update timestamp.
// A dataset that was never stamped yields the zero time.
func (c *Client) LastUpdate(ctx context.Context, datasetID string) (time.Time, error) {
	var resp datasetResponse
	if err := c.do(ctx, "last_update", http.MethodGet, c.datasetURL(datasetID, nil), nil, &resp); err != nil {
		return time.Time{}, err
	}
	raw := resp.Data.Attributes.DataLastUpdated
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse dataLastUpdated %q: %w", raw, err)
	}
	return t, nil
}

// SetLastUpdate stamps the dataset with t.
func (c *Client) SetLastUpdate(ctx context.Context, datasetID string, t time.Time) error {
	body := map[string]string{"dataLastUpdated": t.UTC().Format(lastUpdatedLayout)}
	return c.do(ctx, "set_last_update", http.MethodPatch, c.datasetURL(datasetID, nil), body, nil)
}

// LayerIDs returns the ids of the dataset's layers that belong to the rw application.
func (c *Client) LayerIDs(ctx context.Context, datasetID string) ([]string, error) {
	var resp datasetResponse
	u := c.datasetURL(datasetID, url.Values{"includes": {"layer"}})
	if err := c.do(ctx, "layers", http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}

	var ids []string
	for _, l := range resp.Data.Attributes.Layer {
		if len(l.Attributes.Application) == 1 && l.Attributes.Application[0] == layerApplication {
			ids = append(ids, l.ID)
		}
	}
	return ids, nil
}

// FlushTileCache expires a layer's tile cache. A 504 means the flush is
// still running server side and counts as success.
func (c *Client) FlushTileCache(ctx context.Context, layerID string) error {
	u := fmt.Sprintf("%s/layer/%s/expire-cache", c.baseURL, url.PathEscape(layerID))
	return retry.Do(ctx, c.flushPolicy, func(ctx context.Context) error {
		err := c.do(ctx, "flush", http.MethodDelete, u, nil, nil)
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusGatewayTimeout {
			return nil
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Info("tile cache flush failed, retrying", "layer", layerID, "attempt", attempt, "wait", wait, "error", err)
	})
}

func (c *Client) datasetURL(id string, q url.Values) string {
	u := fmt.Sprintf("%s/dataset/%s", c.baseURL, url.PathEscape(id))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method, fullURL string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", op, err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" && method != http.MethodGet {
		req.Header.Set("Authorization", c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.CatalogAPIDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.CatalogRequests.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("catalog %s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.CatalogRequests.WithLabelValues(op, "error").Inc()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	c.metrics.CatalogRequests.WithLabelValues(op, "success").Inc()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(lastUpdatedLayout, s)
}

// Catalog API response types.

type datasetResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			DataLastUpdated string  `json:"dataLastUpdated"`
			Layer           []layer `json:"layer"`
		} `json:"attributes"`
	} `json:"data"`
}

type layer struct {
	ID         string `json:"id"`
	Attributes struct {
		Application []string `json:"application"`
	} `json:"attributes"`
}
