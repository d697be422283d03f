package tablestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
)

// geometryComment tags String columns that hold WKT geometries, so the
// column type survives introspection.
const geometryComment = "geometry"

// ClickHouseConfig holds connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// ClickHouse stores tables as ReplacingMergeTree tables ordered by UID.
type ClickHouse struct {
	conn driver.Conn
	db   string
}

// NewClickHouse opens and pings a ClickHouse connection.
func NewClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouse, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 300,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouse{conn: conn, db: cfg.Database}, nil
}

// Close closes the connection.
func (c *ClickHouse) Close() {
	_ = c.conn.Close()
}

// TableExists reports whether the table exists.
func (c *ClickHouse) TableExists(ctx context.Context, table string) (bool, error) {
	var n uint8
	if err := c.conn.QueryRow(ctx, "EXISTS TABLE "+chIdent(table)).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n == 1, nil
}

// CreateTable creates the table ordered by its UID field.
func (c *ClickHouse) CreateTable(ctx context.Context, t domain.Table) error {
	if err := c.conn.Exec(ctx, chCreateTableSQL(t)); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// CreateIndex adds a minmax skip index. Uniqueness is enforced by the
// table's ORDER BY key and insert-time filtering, so unique is advisory.
func (c *ClickHouse) CreateIndex(ctx context.Context, table, field string, _ bool) error {
	if err := c.conn.Exec(ctx, chCreateIndexSQL(table, field)); err != nil {
		return fmt.Errorf("create index on %s.%s: %w", table, field, err)
	}
	return nil
}

// Columns returns the live column list of a table.
func (c *ClickHouse) Columns(ctx context.Context, table string) ([]domain.Column, error) {
	rows, err := c.conn.Query(ctx,
		`SELECT name, type, comment FROM system.columns WHERE database = currentDatabase() AND table = ? ORDER BY position`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []domain.Column
	for rows.Next() {
		var name, typ, comment string
		if err := rows.Scan(&name, &typ, &comment); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, domain.Column{Name: name, Type: chColumnType(typ, comment)})
	}
	return cols, rows.Err()
}

// InsertRows inserts rows whose UID is not already stored.
func (c *ClickHouse) InsertRows(ctx context.Context, t domain.Table, rows []domain.Row) (int, error) {
	rows, err := c.newRows(ctx, t, rows)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	inserted := 0
	for _, chunk := range chunks(rows, insertChunk) {
		batch, err := c.conn.PrepareBatch(ctx, chInsertSQL(t))
		if err != nil {
			return inserted, fmt.Errorf("prepare insert into %s: %w", t.Name, err)
		}
		for _, r := range chunk {
			vals, err := rowValues(t.Schema, r)
			if err != nil {
				_ = batch.Abort()
				return inserted, fmt.Errorf("insert into %s: %w", t.Name, err)
			}
			if err := batch.Append(vals...); err != nil {
				_ = batch.Abort()
				return inserted, fmt.Errorf("append to %s: %w", t.Name, err)
			}
		}
		if err := batch.Send(); err != nil {
			return inserted, fmt.Errorf("send batch to %s: %w", t.Name, err)
		}
		inserted += len(chunk)
	}
	return inserted, nil
}

// newRows drops rows whose UID already exists in the table.
func (c *ClickHouse) newRows(ctx context.Context, t domain.Table, rows []domain.Row) ([]domain.Row, error) {
	idx := t.Schema.Index(t.UIDField)
	if idx < 0 || len(rows) == 0 {
		return rows, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, uidText(r[idx]))
	}
	q := fmt.Sprintf("SELECT toString(%s) FROM %s WHERE has(?, toString(%s))", chIdent(t.UIDField), chIdent(t.Name), chIdent(t.UIDField))
	res, err := c.conn.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("existing uids in %s: %w", t.Name, err)
	}
	defer res.Close()

	existing := make(map[string]struct{})
	for res.Next() {
		var id string
		if err := res.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan uid of %s: %w", t.Name, err)
		}
		existing[id] = struct{}{}
	}
	if err := res.Err(); err != nil {
		return nil, err
	}

	out := rows[:0:0]
	for _, r := range rows {
		id := uidText(r[idx])
		if _, ok := existing[id]; ok {
			continue
		}
		existing[id] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// FieldValues returns field rendered as text, ordered by orderBy.
func (c *ClickHouse) FieldValues(ctx context.Context, table, field, orderBy string, desc bool) ([]string, error) {
	rows, err := c.conn.Query(ctx, chFieldValuesSQL(table, field, orderBy, desc))
	if err != nil {
		return nil, fmt.Errorf("select %s from %s: %w", field, table, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s from %s: %w", field, table, err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// DeleteOlderThan removes rows whose field is before cutoff.
func (c *ClickHouse) DeleteOlderThan(ctx context.Context, table, field string, cutoff time.Time) (int64, error) {
	where := fmt.Sprintf("%s < ?", chIdent(field))
	return c.deleteWhere(ctx, table, where, cutoff.UTC())
}

// DeleteByIDs removes rows whose field, as text, is in ids.
func (c *ClickHouse) DeleteByIDs(ctx context.Context, table, field string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	where := fmt.Sprintf("has(?, toString(%s))", chIdent(field))
	return c.deleteWhere(ctx, table, where, ids)
}

// deleteWhere counts then lightweight-deletes matching rows.
func (c *ClickHouse) deleteWhere(ctx context.Context, table, where string, arg any) (int64, error) {
	var n uint64
	if err := c.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s FINAL WHERE %s", chIdent(table), where), arg).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", table, err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := c.conn.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", chIdent(table), where), arg); err != nil {
		return 0, fmt.Errorf("delete rows from %s: %w", table, err)
	}
	return int64(n), nil
}

// DeleteAll empties the table.
func (c *ClickHouse) DeleteAll(ctx context.Context, table string) error {
	if err := c.conn.Exec(ctx, "TRUNCATE TABLE IF EXISTS "+chIdent(table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

// DropTable drops the table if it exists.
func (c *ClickHouse) DropTable(ctx context.Context, table string) error {
	if err := c.conn.Exec(ctx, "DROP TABLE IF EXISTS "+chIdent(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

func chIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

func chType(c domain.Column, key bool) string {
	switch c.Type {
	case domain.Geometry:
		return "Nullable(String) COMMENT '" + geometryComment + "'"
	case domain.Numeric:
		if key {
			return "Float64"
		}
		return "Nullable(Float64)"
	case domain.Timestamp:
		if key {
			return "DateTime('UTC')"
		}
		return "Nullable(DateTime('UTC'))"
	default:
		return "String"
	}
}

func chColumnType(typ, comment string) domain.ColumnType {
	typ = strings.TrimSuffix(strings.TrimPrefix(typ, "Nullable("), ")")
	switch {
	case comment == geometryComment:
		return domain.Geometry
	case strings.HasPrefix(typ, "DateTime"), strings.HasPrefix(typ, "Date"):
		return domain.Timestamp
	case strings.HasPrefix(typ, "Float"), strings.HasPrefix(typ, "Int"),
		strings.HasPrefix(typ, "UInt"), strings.HasPrefix(typ, "Decimal"):
		return domain.Numeric
	default:
		return domain.Text
	}
}

func chCreateTableSQL(t domain.Table) string {
	defs := make([]string, len(t.Schema))
	for i, c := range t.Schema {
		defs[i] = chIdent(c.Name) + " " + chType(c, c.Name == t.UIDField)
	}
	order := "tuple()"
	if t.UIDField != "" {
		order = chIdent(t.UIDField)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = ReplacingMergeTree ORDER BY %s",
		chIdent(t.Name), strings.Join(defs, ", "), order)
}

func chCreateIndexSQL(table, field string) string {
	name := chIdent(strings.ToLower(strings.TrimLeft(field, "_")) + "_idx")
	return fmt.Sprintf("ALTER TABLE %s ADD INDEX IF NOT EXISTS %s %s TYPE minmax GRANULARITY 1",
		chIdent(table), name, chIdent(field))
}

func chInsertSQL(t domain.Table) string {
	cols := t.Schema.Names()
	for i, name := range cols {
		cols[i] = chIdent(name)
	}
	return fmt.Sprintf("INSERT INTO %s (%s)", chIdent(t.Name), strings.Join(cols, ", "))
}

func chFieldValuesSQL(table, field, orderBy string, desc bool) string {
	if orderBy == "" {
		orderBy = field
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return fmt.Sprintf("SELECT toString(%s) FROM %s FINAL WHERE %s IS NOT NULL ORDER BY %s %s",
		chIdent(field), chIdent(table), chIdent(field), chIdent(orderBy), dir)
}

// uidText renders a UID value the way toString does for the column type.
func uidText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case time.Time:
		return x.UTC().Format(domain.TimestampLayout)
	default:
		return fmt.Sprint(x)
	}
}
