// Package tablestore persists tabular rows in PostGIS or ClickHouse.
package tablestore

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
)

// insertChunk bounds the number of rows per INSERT statement.
const insertChunk = 500

// dbValue converts a row value to what the driver binds for a column type.
// Geometries travel as WKT.
func dbValue(c domain.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch c.Type {
	case domain.Geometry:
		g, ok := v.(orb.Geometry)
		if !ok {
			return nil, fmt.Errorf("column %s: want geometry, got %T", c.Name, v)
		}
		return wkt.MarshalString(g), nil
	case domain.Numeric:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		}
	case domain.Timestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case domain.Text:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("column %s: unexpected %T for %s", c.Name, v, c.Type)
}

// rowValues converts a row positionally against schema.
func rowValues(schema domain.Schema, row domain.Row) ([]any, error) {
	if len(row) != len(schema) {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(row), len(schema))
	}
	out := make([]any, len(row))
	for i, c := range schema {
		v, err := dbValue(c, row[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func chunks(rows []domain.Row, size int) [][]domain.Row {
	var out [][]domain.Row
	for start := 0; start < len(rows); start += size {
		out = append(out, rows[start:min(start+size, len(rows))])
	}
	return out
}
