// Package pipelinetest provides in-memory sinks, sources and catalogs for
// exercising jobs without external services.
package pipelinetest

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/assetstore"
	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/gdal"
	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
)

// Fetcher serves files from memory. Unknown URLs report
// domain.ErrSourceUnavailable.
type Fetcher struct {
	mu       sync.Mutex
	Files    map[string][]byte
	Listings map[string][]string
	Errors   map[string]error
	Fetched  []string
}

// NewFetcher returns an empty Fetcher.
func NewFetcher() *Fetcher {
	return &Fetcher{
		Files:    map[string][]byte{},
		Listings: map[string][]string{},
		Errors:   map[string]error{},
	}
}

func (f *Fetcher) Fetch(ctx context.Context, url, dest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Errors[url]; ok {
		return err
	}
	data, ok := f.Files[url]
	if !ok {
		return fmt.Errorf("fetch %s: %w", url, domain.ErrSourceUnavailable)
	}
	f.Fetched = append(f.Fetched, url)
	return os.WriteFile(dest, data, 0o644)
}

func (f *Fetcher) List(ctx context.Context, dirURL string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Errors[dirURL]; ok {
		return nil, err
	}
	names, ok := f.Listings[dirURL]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", dirURL, domain.ErrSourceUnavailable)
	}
	return slices.Clone(names), nil
}

// Asset is one stored raster.
type Asset struct {
	Timestamp time.Time
	Size      int64
}

// AssetStore keeps collections in memory.
type AssetStore struct {
	mu          sync.Mutex
	Collections map[string]map[string]Asset
	UploadErr   error
	RemoveErr   error
}

// NewAssetStore returns an empty AssetStore.
func NewAssetStore() *AssetStore {
	return &AssetStore{Collections: map[string]map[string]Asset{}}
}

func (s *AssetStore) Exists(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Collections[id]; ok {
		return true, nil
	}
	coll, name := path.Split(id)
	assets, ok := s.Collections[strings.TrimSuffix(coll, "/")]
	if !ok {
		return false, nil
	}
	_, ok = assets[name]
	return ok, nil
}

func (s *AssetStore) CreateCollection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Collections[id]; !ok {
		s.Collections[id] = map[string]Asset{}
	}
	return nil
}

func (s *AssetStore) List(_ context.Context, collection string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, ok := s.Collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", collection, assetstore.ErrDoesNotExist)
	}
	names := make([]string, 0, len(assets))
	for name := range assets {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *AssetStore) Upload(_ context.Context, file, id string, ts time.Time) error {
	if s.UploadErr != nil {
		return s.UploadErr
	}
	info, err := os.Stat(file)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, name := path.Split(id)
	assets, ok := s.Collections[strings.TrimSuffix(coll, "/")]
	if !ok {
		return fmt.Errorf("upload %s: %w", id, assetstore.ErrDoesNotExist)
	}
	assets[name] = Asset{Timestamp: ts, Size: info.Size()}
	return nil
}

func (s *AssetStore) Remove(_ context.Context, id string, recursive bool) error {
	if s.RemoveErr != nil {
		return s.RemoveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if assets, ok := s.Collections[id]; ok {
		if len(assets) > 0 && !recursive {
			return fmt.Errorf("collection %s is not empty", id)
		}
		delete(s.Collections, id)
		return nil
	}
	coll, name := path.Split(id)
	assets, ok := s.Collections[strings.TrimSuffix(coll, "/")]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, assetstore.ErrDoesNotExist)
	}
	if _, ok := assets[name]; !ok {
		return fmt.Errorf("remove %s: %w", id, assetstore.ErrDoesNotExist)
	}
	delete(assets, name)
	return nil
}

// Timestamp returns the time an asset was uploaded with.
func (s *AssetStore) Timestamp(_ context.Context, id string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, name := path.Split(id)
	a, ok := s.Collections[strings.TrimSuffix(coll, "/")][name]
	if !ok {
		return time.Time{}, fmt.Errorf("timestamp %s: %w", id, assetstore.ErrDoesNotExist)
	}
	return a.Timestamp, nil
}

// Names returns the sorted asset names of a collection, or nil.
func (s *AssetStore) Names(collection string) []string {
	names, _ := s.List(context.Background(), collection)
	return names
}

// TableStore keeps tables in memory. Inserts skip rows whose UID is present.
type TableStore struct {
	mu     sync.Mutex
	Tables map[string]*MemTable
	// InsertErr makes InsertRows commit only the first new row of a batch
	// and then fail with this error.
	InsertErr error
}

// MemTable is one in-memory table.
type MemTable struct {
	Def     domain.Table
	Rows    []domain.Row
	Indexes map[string]bool
}

// NewTableStore returns an empty TableStore.
func NewTableStore() *TableStore {
	return &TableStore{Tables: map[string]*MemTable{}}
}

func (s *TableStore) TableExists(_ context.Context, table string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Tables[table]
	return ok, nil
}

func (s *TableStore) CreateTable(_ context.Context, t domain.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Tables[t.Name]; ok {
		return fmt.Errorf("table %s exists", t.Name)
	}
	s.Tables[t.Name] = &MemTable{Def: t, Indexes: map[string]bool{}}
	return nil
}

func (s *TableStore) CreateIndex(_ context.Context, table, field string, unique bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	t.Indexes[field] = unique
	return nil
}

func (s *TableStore) Columns(_ context.Context, table string) ([]domain.Column, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.Def.Schema), nil
}

func (s *TableStore) InsertRows(_ context.Context, def domain.Table, rows []domain.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(def.Name)
	if err != nil {
		return 0, err
	}
	uid := def.Schema.Index(def.UIDField)
	seen := make(map[string]bool, len(t.Rows))
	for _, r := range t.Rows {
		seen[text(r[uid])] = true
	}
	n := 0
	for _, r := range rows {
		if len(r) != len(def.Schema) {
			return n, fmt.Errorf("row has %d values, want %d", len(r), len(def.Schema))
		}
		key := text(r[uid])
		if seen[key] {
			continue
		}
		seen[key] = true
		t.Rows = append(t.Rows, slices.Clone(r))
		n++
		if s.InsertErr != nil {
			return n, s.InsertErr
		}
	}
	return n, nil
}

func (s *TableStore) FieldValues(_ context.Context, table, field, orderBy string, desc bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	fi, oi := t.Def.Schema.Index(field), t.Def.Schema.Index(orderBy)
	if fi < 0 || oi < 0 {
		return nil, fmt.Errorf("unknown field %q or %q", field, orderBy)
	}
	rows := slices.Clone(t.Rows)
	slices.SortStableFunc(rows, func(a, b domain.Row) int {
		c := compare(a[oi], b[oi])
		if desc {
			return -c
		}
		return c
	})
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = text(r[fi])
	}
	return out, nil
}

func (s *TableStore) DeleteOlderThan(_ context.Context, table, field string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	i := t.Def.Schema.Index(field)
	before := len(t.Rows)
	t.Rows = slices.DeleteFunc(t.Rows, func(r domain.Row) bool {
		ts, ok := r[i].(time.Time)
		return ok && ts.Before(cutoff)
	})
	return int64(before - len(t.Rows)), nil
}

func (s *TableStore) DeleteByIDs(_ context.Context, table, field string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	i := t.Def.Schema.Index(field)
	before := len(t.Rows)
	t.Rows = slices.DeleteFunc(t.Rows, func(r domain.Row) bool {
		return slices.Contains(ids, text(r[i]))
	})
	return int64(before - len(t.Rows)), nil
}

func (s *TableStore) DeleteAll(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	t.Rows = nil
	return nil
}

func (s *TableStore) DropTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Tables, table)
	return nil
}

// Values returns the text form of a column for every row, in insert order.
func (s *TableStore) Values(table, field string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Tables[table]
	if !ok {
		return nil
	}
	i := t.Def.Schema.Index(field)
	out := make([]string, len(t.Rows))
	for j, r := range t.Rows {
		out[j] = text(r[i])
	}
	return out
}

func (s *TableStore) table(name string) (*MemTable, error) {
	t, ok := s.Tables[name]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", name)
	}
	return t, nil
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.UTC().Format(domain.TimestampLayout)
	default:
		return fmt.Sprint(x)
	}
}

func compare(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp.Compare(x, y)
		}
	}
	return strings.Compare(text(a), text(b))
}

// Catalog records catalog calls in memory.
type Catalog struct {
	mu        sync.Mutex
	Updated   map[string]time.Time
	Layers    map[string][]string
	Flushed   []string
	SetCalls  int
	LastErr   error
	SetErr    error
	LayersErr error
	FlushErr  error
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{Updated: map[string]time.Time{}, Layers: map[string][]string{}}
}

func (c *Catalog) LastUpdate(_ context.Context, datasetID string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LastErr != nil {
		return time.Time{}, c.LastErr
	}
	return c.Updated[datasetID], nil
}

func (c *Catalog) SetLastUpdate(_ context.Context, datasetID string, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SetCalls++
	if c.SetErr != nil {
		return c.SetErr
	}
	c.Updated[datasetID] = t
	return nil
}

func (c *Catalog) LayerIDs(_ context.Context, datasetID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LayersErr != nil {
		return nil, c.LayersErr
	}
	return slices.Clone(c.Layers[datasetID]), nil
}

func (c *Catalog) FlushTileCache(_ context.Context, layerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FlushErr != nil {
		return c.FlushErr
	}
	c.Flushed = append(c.Flushed, layerID)
	return nil
}

// ConvertCall is one recorded conversion.
type ConvertCall struct {
	Tool      string
	Src, Dst  string
	Translate gdal.TranslateOptions
	Warp      gdal.WarpOptions
}

// Converter writes a placeholder raster to every destination and records
// the calls. Fail, when set, can reject a conversion by source path.
type Converter struct {
	mu    sync.Mutex
	Calls []ConvertCall
	Fail  func(src string) error
}

func (c *Converter) Translate(_ context.Context, src, dst string, opts gdal.TranslateOptions) error {
	return c.convert(ConvertCall{Tool: "gdal_translate", Src: src, Dst: dst, Translate: opts})
}

func (c *Converter) Warp(_ context.Context, src, dst string, opts gdal.WarpOptions) error {
	return c.convert(ConvertCall{Tool: "gdalwarp", Src: src, Dst: dst, Warp: opts})
}

func (c *Converter) convert(call ConvertCall) error {
	c.mu.Lock()
	c.Calls = append(c.Calls, call)
	c.mu.Unlock()
	if c.Fail != nil {
		if err := c.Fail(call.Src); err != nil {
			return err
		}
	}
	return os.WriteFile(call.Dst, []byte("tif"), 0o644)
}

// CallsTo returns the recorded calls of one tool.
func (c *Converter) CallsTo(tool string) []ConvertCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ConvertCall
	for _, call := range c.Calls {
		if call.Tool == tool {
			out = append(out, call)
		}
	}
	return out
}
