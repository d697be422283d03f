package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/assetstore"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/gdal"
	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
)

// Fetcher downloads remote files and lists remote directories.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
	List(ctx context.Context, dirURL string) ([]string, error)
}

// Converter runs raster conversions.
type Converter interface {
	Translate(ctx context.Context, src, dst string, opts gdal.TranslateOptions) error
	Warp(ctx context.Context, src, dst string, opts gdal.WarpOptions) error
}

// AssetStore is a raster asset store with image-collection semantics.
type AssetStore interface {
	Exists(ctx context.Context, id string) (bool, error)
	CreateCollection(ctx context.Context, id string) error
	List(ctx context.Context, collection string) ([]string, error)
	Upload(ctx context.Context, file, id string, ts time.Time) error
	Remove(ctx context.Context, id string, recursive bool) error
}

// TableStore is a tabular sink with a fixed typed schema per table.
type TableStore interface {
	TableExists(ctx context.Context, table string) (bool, error)
	CreateTable(ctx context.Context, t domain.Table) error
	CreateIndex(ctx context.Context, table, field string, unique bool) error
	Columns(ctx context.Context, table string) ([]domain.Column, error)
	InsertRows(ctx context.Context, t domain.Table, rows []domain.Row) (int, error)
	FieldValues(ctx context.Context, table, field, orderBy string, desc bool) ([]string, error)
	DeleteOlderThan(ctx context.Context, table, field string, cutoff time.Time) (int64, error)
	DeleteByIDs(ctx context.Context, table, field string, ids []string) (int64, error)
	DeleteAll(ctx context.Context, table string) error
	DropTable(ctx context.Context, table string) error
}

// Catalog is the dataset catalog API.
type Catalog interface {
	LastUpdate(ctx context.Context, datasetID string) (time.Time, error)
	SetLastUpdate(ctx context.Context, datasetID string, t time.Time) error
	LayerIDs(ctx context.Context, datasetID string) ([]string, error)
	FlushTileCache(ctx context.Context, layerID string) error
}

// EnsureCollection creates the collection when missing and returns the
// asset names it already holds. With clearFirst an existing collection is
// removed and recreated empty.
func EnsureCollection(ctx context.Context, store AssetStore, run *Run, id string, clearFirst bool) ([]string, error) {
	exists, err := store.Exists(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("check collection %s: %w", id, err)
	}
	if exists && clearFirst {
		run.Logger.Info("clearing collection", "collection", id)
		if err := store.Remove(ctx, id, true); err != nil {
			return nil, fmt.Errorf("clear collection %s: %w", id, err)
		}
		exists = false
	}
	if !exists {
		run.Logger.Info("creating collection", "collection", id)
		if err := store.CreateCollection(ctx, id); err != nil {
			return nil, fmt.Errorf("create collection %s: %w", id, err)
		}
		return nil, nil
	}

	names, err := store.List(ctx, id)
	if errors.Is(err, assetstore.ErrDoesNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list collection %s: %w", id, err)
	}
	return names, nil
}

// DeleteExcessAssets removes the oldest assets of a collection beyond max and
// returns the names that remain, including any whose removal failed. Names
// must sort chronologically.
func DeleteExcessAssets(ctx context.Context, store AssetStore, run *Run, collection string, max int) ([]string, error) {
	names, err := store.List(ctx, collection)
	if err != nil && !errors.Is(err, assetstore.ErrDoesNotExist) {
		return nil, fmt.Errorf("list collection %s: %w", collection, err)
	}

	var failed []string
	removed := 0
	for _, name := range domain.Excess(names, max) {
		id := assetstore.Join(collection, name)
		if err := store.Remove(ctx, id, false); err != nil {
			run.Fail("prune", id, err)
			failed = append(failed, name)
			continue
		}
		run.Logger.Info("deleted excess asset", "asset", id)
		removed++
	}
	run.Pruned("count", removed)
	return domain.SortedUnique(append(failed, domain.Retained(names, max)...)), nil
}

// EnsureTable checks the table definition, then creates the table and its
// indexes when missing, or validates the live schema when present. With clearFirst an existing table is dropped
// and recreated.
func EnsureTable(ctx context.Context, store TableStore, run *Run, t domain.Table, clearFirst bool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	exists, err := store.TableExists(ctx, t.Name)
	if err != nil {
		return fmt.Errorf("check table %s: %w", t.Name, err)
	}
	if exists && clearFirst {
		run.Logger.Info("dropping table", "table", t.Name)
		if err := store.DropTable(ctx, t.Name); err != nil {
			return fmt.Errorf("drop table %s: %w", t.Name, err)
		}
		exists = false
	}

	if exists {
		cols, err := store.Columns(ctx, t.Name)
		if err != nil {
			return fmt.Errorf("read columns of %s: %w", t.Name, err)
		}
		if err := t.Schema.Validate(cols); err != nil {
			return fmt.Errorf("table %s schema mismatch: %w", t.Name, err)
		}
		return nil
	}

	run.Logger.Info("creating table", "table", t.Name)
	if err := store.CreateTable(ctx, t); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	if t.UIDField != "" {
		if err := store.CreateIndex(ctx, t.Name, t.UIDField, true); err != nil {
			return fmt.Errorf("index %s.%s: %w", t.Name, t.UIDField, err)
		}
	}
	if t.TimeField != "" && t.TimeField != t.UIDField {
		if err := store.CreateIndex(ctx, t.Name, t.TimeField, false); err != nil {
			return fmt.Errorf("index %s.%s: %w", t.Name, t.TimeField, err)
		}
	}
	return nil
}

// ExistingIDs returns the UIDs already stored in the table.
func ExistingIDs(ctx context.Context, store TableStore, t domain.Table) ([]string, error) {
	ids, err := store.FieldValues(ctx, t.Name, t.UIDField, t.UIDField, false)
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", t.Name, t.UIDField, err)
	}
	return ids, nil
}

// PruneRows deletes rows whose time field is before cutoff (when cutoff is
// set) and then the oldest rows beyond maxRows (when maxRows > 0).
func PruneRows(ctx context.Context, store TableStore, run *Run, t domain.Table, cutoff time.Time, maxRows int) error {
	if !cutoff.IsZero() {
		n, err := store.DeleteOlderThan(ctx, t.Name, t.TimeField, cutoff)
		if err != nil {
			return fmt.Errorf("delete rows older than %s: %w", cutoff.Format(time.DateOnly), err)
		}
		if n > 0 {
			run.Logger.Info("deleted old rows", "table", t.Name, "count", n, "cutoff", cutoff)
		}
		run.Pruned("age", int(n))
	}

	if maxRows <= 0 {
		return nil
	}
	ids, err := store.FieldValues(ctx, t.Name, t.UIDField, t.TimeField, true)
	if err != nil {
		return fmt.Errorf("read %s.%s: %w", t.Name, t.UIDField, err)
	}
	if len(ids) <= maxRows {
		return nil
	}
	n, err := store.DeleteByIDs(ctx, t.Name, t.UIDField, ids[maxRows:])
	if err != nil {
		return fmt.Errorf("delete excess rows: %w", err)
	}
	run.Logger.Info("deleted excess rows", "table", t.Name, "count", n, "max", maxRows)
	run.Pruned("count", int(n))
	return nil
}

// UpdateCatalog pushes latest as the dataset's last-update time when it
// differs from the catalog's value, then optionally flushes the tile caches
// of its layers. Failures degrade the run but are never fatal.
func UpdateCatalog(ctx context.Context, cat Catalog, run *Run, datasetID string, latest time.Time, flush bool) {
	if cat == nil || datasetID == "" || latest.IsZero() {
		return
	}
	latest = latest.UTC().Truncate(time.Second)

	current, err := cat.LastUpdate(ctx, datasetID)
	if err != nil {
		run.Fail("catalog", datasetID, err)
		return
	}
	if current.UTC().Truncate(time.Second).Equal(latest) {
		run.Logger.Info("catalog already up to date", "dataset", datasetID, "last_update", latest)
		return
	}

	if err := cat.SetLastUpdate(ctx, datasetID, latest); err != nil {
		run.Fail("catalog", datasetID, err)
		return
	}
	run.Report.CatalogUpdated = true
	run.Logger.Info("catalog last update set", "dataset", datasetID, "previous", current, "last_update", latest)

	if !flush {
		return
	}
	layers, err := cat.LayerIDs(ctx, datasetID)
	if err != nil {
		run.Fail("catalog", datasetID, err)
		return
	}
	for _, layer := range layers {
		if err := cat.FlushTileCache(ctx, layer); err != nil {
			run.Fail("catalog", "layer "+layer, err)
			continue
		}
		run.Logger.Info("tile cache flushed", "layer", layer)
	}
}

// Fetch downloads url to dest and records the outcome. It reports whether
// dest is ready for transform. A missing source file is not a failure.
func Fetch(ctx context.Context, src Fetcher, run *Run, item, url, dest string) bool {
	err := src.Fetch(ctx, url, dest)
	switch {
	case err == nil:
		run.Fetched()
		run.Logger.Info("fetched", "item", item, "url", url)
		return true
	case errors.Is(err, domain.ErrSourceUnavailable):
		run.Unavailable(item)
	case ctx.Err() != nil:
	default:
		run.Fail("fetch", item, err)
	}
	return false
}

// RemoveFiles deletes local files, ignoring ones that are already gone.
func RemoveFiles(run *Run, files ...string) {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			run.Logger.Warn("remove local file failed", "file", f, "error", err)
		}
	}
}
