package domain

import (
	"errors"
	"fmt"
	"slices"
)

// ColumnType is the semantic type of a table column. Each table store maps it
// to a concrete database type.
type ColumnType string

const (
	Geometry  ColumnType = "geometry"
	Text      ColumnType = "text"
	Numeric   ColumnType = "numeric"
	Timestamp ColumnType = "timestamp"
)

// Column is one (name, type) pair of a table schema.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is an ordered list of columns. Rows are positional against it.
type Schema []Column

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	return slices.IndexFunc(s, func(c Column) bool { return c.Name == name })
}

// Validate checks that every expected column exists in actual with the same type.
// Extra columns in actual (e.g. a surrogate row id) are allowed.
func (s Schema) Validate(actual []Column) error {
	byName := make(map[string]ColumnType, len(actual))
	for _, c := range actual {
		byName[c.Name] = c.Type
	}

	var errs []error
	for _, want := range s {
		got, ok := byName[want.Name]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("column %q missing", want.Name))
		case got != want.Type:
			errs = append(errs, fmt.Errorf("column %q has type %s, want %s", want.Name, got, want.Type))
		}
	}
	return errors.Join(errs...)
}

// Table describes a tabular sink.
type Table struct {
	Name      string
	Schema    Schema
	UIDField  string
	TimeField string
}

// Validate checks that the UID and time fields are part of the schema.
func (t Table) Validate() error {
	if t.Name == "" {
		return errors.New("table name is required")
	}
	if len(t.Schema) == 0 {
		return fmt.Errorf("table %s: schema is empty", t.Name)
	}
	if t.UIDField != "" && t.Schema.Index(t.UIDField) < 0 {
		return fmt.Errorf("table %s: uid field %q not in schema", t.Name, t.UIDField)
	}
	if t.TimeField != "" && t.Schema.Index(t.TimeField) < 0 {
		return fmt.Errorf("table %s: time field %q not in schema", t.Name, t.TimeField)
	}
	return nil
}

// Row is one record, positional against a Schema. Values are string,
// float64, time.Time, orb.Geometry or nil.
type Row []any
