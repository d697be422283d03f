package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/couchcryptid/nrt-data-ingest/internal/adapter/assetstore"
	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
)

// Limit is a retention rule a job keeps on one of its sinks.
type Limit struct {
	Kind string // domain.KindAsset or domain.KindRow
	Sink string // collection or table name
	// Field holds the row UID; unused for assets.
	Field string
	// Max is the most items the sink may hold. Zero means uncapped.
	Max int
}

// Finding is the audit result for one Limit.
type Finding struct {
	Limit      Limit
	Count      int
	Duplicates []string
	// Newest is the upload timestamp of the latest asset, when the store
	// records one.
	Newest time.Time
	Err    error
}

// Stamper is implemented by asset stores that keep upload timestamps.
type Stamper interface {
	Timestamp(ctx context.Context, id string) (time.Time, error)
}

// Problems describes every violation found, empty when the sink is healthy.
func (f Finding) Problems() []string {
	var out []string
	if f.Err != nil {
		out = append(out, f.Err.Error())
	}
	if f.Limit.Max > 0 && f.Count > f.Limit.Max {
		out = append(out, fmt.Sprintf("holds %d items, cap is %d", f.Count, f.Limit.Max))
	}
	for _, id := range f.Duplicates {
		out = append(out, fmt.Sprintf("duplicate id %q", id))
	}
	return out
}

// OK reports whether the sink passed.
func (f Finding) OK() bool { return len(f.Problems()) == 0 }

var errNoStore = errors.New("no store configured for this sink kind")

// Audit checks every limit against the stores: item counts must be within
// the cap and IDs must be unique. Asset findings carry the newest upload
// time when the store implements Stamper. A missing sink counts as empty. Either
// store may be nil when no limit uses it.
func Audit(ctx context.Context, assets AssetStore, tables TableStore, limits []Limit) []Finding {
	findings := make([]Finding, 0, len(limits))
	for _, l := range limits {
		ids, err := auditIDs(ctx, assets, tables, l)
		f := Finding{Limit: l, Err: err}
		if err == nil {
			f.Count = len(ids)
			f.Duplicates = domain.Duplicates(ids)
		}
		if stamper, ok := assets.(Stamper); ok && err == nil && l.Kind == domain.KindAsset {
			if latest, found := domain.Latest(ids); found {
				f.Newest, f.Err = stamper.Timestamp(ctx, assetstore.Join(l.Sink, latest))
			}
		}
		findings = append(findings, f)
	}
	return findings
}

func auditIDs(ctx context.Context, assets AssetStore, tables TableStore, l Limit) ([]string, error) {
	switch l.Kind {
	case domain.KindAsset:
		if assets == nil {
			return nil, errNoStore
		}
		ids, err := assets.List(ctx, l.Sink)
		if errors.Is(err, assetstore.ErrDoesNotExist) {
			return nil, nil
		}
		return ids, err
	case domain.KindRow:
		if tables == nil {
			return nil, errNoStore
		}
		ok, err := tables.TableExists(ctx, l.Sink)
		if err != nil || !ok {
			return nil, err
		}
		return tables.FieldValues(ctx, l.Sink, l.Field, l.Field, false)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", l.Kind)
	}
}
