package tablestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/nrt-data-ingest/internal/domain"
)

// Postgres stores tables in a PostGIS database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to dsn and verifies the connection.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// TableExists reports whether the table exists in the current schema.
func (p *Postgres) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1)`,
		table,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

// CreateTable creates the table with a surrogate row id.
func (p *Postgres) CreateTable(ctx context.Context, t domain.Table) error {
	if _, err := p.pool.Exec(ctx, pgCreateTableSQL(t)); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

// CreateIndex indexes field, optionally enforcing uniqueness.
func (p *Postgres) CreateIndex(ctx context.Context, table, field string, unique bool) error {
	if _, err := p.pool.Exec(ctx, pgCreateIndexSQL(table, field, unique)); err != nil {
		return fmt.Errorf("create index on %s.%s: %w", table, field, err)
	}
	return nil
}

// Columns returns the live column list of a table.
func (p *Postgres) Columns(ctx context.Context, table string) ([]domain.Column, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT column_name, data_type, udt_name FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []domain.Column
	for rows.Next() {
		var name, dataType, udt string
		if err := rows.Scan(&name, &dataType, &udt); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		cols = append(cols, domain.Column{Name: name, Type: pgColumnType(dataType, udt)})
	}
	return cols, rows.Err()
}

// InsertRows inserts rows, silently skipping UIDs that already exist.
// It returns the number of rows actually written.
func (p *Postgres) InsertRows(ctx context.Context, t domain.Table, rows []domain.Row) (int, error) {
	inserted := 0
	for _, chunk := range chunks(rows, insertChunk) {
		args := make([]any, 0, len(chunk)*len(t.Schema))
		for _, r := range chunk {
			vals, err := rowValues(t.Schema, r)
			if err != nil {
				return inserted, fmt.Errorf("insert into %s: %w", t.Name, err)
			}
			args = append(args, vals...)
		}
		tag, err := p.pool.Exec(ctx, pgInsertSQL(t, len(chunk)), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert into %s: %w", t.Name, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// FieldValues returns field rendered as text, ordered by orderBy.
func (p *Postgres) FieldValues(ctx context.Context, table, field, orderBy string, desc bool) ([]string, error) {
	rows, err := p.pool.Query(ctx, pgFieldValuesSQL(table, field, orderBy, desc))
	if err != nil {
		return nil, fmt.Errorf("select %s from %s: %w", field, table, err)
	}
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect %s from %s: %w", field, table, err)
	}
	return values, nil
}

// DeleteOlderThan removes rows whose field is before cutoff or null.
func (p *Postgres) DeleteOlderThan(ctx context.Context, table, field string, cutoff time.Time) (int64, error) {
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s < $1 OR %s IS NULL`, ident(table), ident(field), ident(field))
	tag, err := p.pool.Exec(ctx, sql, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old rows from %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByIDs removes rows whose field, as text, is in ids.
func (p *Postgres) DeleteByIDs(ctx context.Context, table, field string, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	sql := fmt.Sprintf(`DELETE FROM %s WHERE %s::text = ANY($1)`, ident(table), ident(field))
	tag, err := p.pool.Exec(ctx, sql, ids)
	if err != nil {
		return 0, fmt.Errorf("delete rows from %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAll empties the table.
func (p *Postgres) DeleteAll(ctx context.Context, table string) error {
	if _, err := p.pool.Exec(ctx, "DELETE FROM "+ident(table)); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	return nil
}

// DropTable drops the table if it exists.
func (p *Postgres) DropTable(ctx context.Context, table string) error {
	if _, err := p.pool.Exec(ctx, "DROP TABLE IF EXISTS "+ident(table)); err != nil {
		return fmt.Errorf("drop %s: %w", table, err)
	}
	return nil
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func pgType(t domain.ColumnType) string {
	switch t {
	case domain.Geometry:
		return "geometry(Geometry,4326)"
	case domain.Numeric:
		return "numeric"
	case domain.Timestamp:
		return "timestamp"
	default:
		return "text"
	}
}

func pgColumnType(dataType, udt string) domain.ColumnType {
	switch {
	case udt == "geometry":
		return domain.Geometry
	case strings.HasPrefix(dataType, "timestamp"), dataType == "date":
		return domain.Timestamp
	case dataType == "numeric", dataType == "double precision", dataType == "real",
		dataType == "integer", dataType == "bigint", dataType == "smallint":
		return domain.Numeric
	default:
		return domain.Text
	}
}

func pgCreateTableSQL(t domain.Table) string {
	defs := []string{"row_id BIGSERIAL PRIMARY KEY"}
	for _, c := range t.Schema {
		defs = append(defs, ident(c.Name)+" "+pgType(c.Type))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", ident(t.Name), strings.Join(defs, ", "))
}

func pgCreateIndexSQL(table, field string, unique bool) string {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	name := ident(table + "_" + strings.ToLower(strings.TrimLeft(field, "_")) + "_idx")
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)", kind, name, ident(table), ident(field))
}

func pgInsertSQL(t domain.Table, nrows int) string {
	cols := t.Schema.Names()
	for i, name := range cols {
		cols[i] = ident(name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", ident(t.Name), strings.Join(cols, ", "))
	n := 1
	for r := 0; r < nrows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for i, c := range t.Schema {
			if i > 0 {
				b.WriteString(", ")
			}
			if c.Type == domain.Geometry {
				fmt.Fprintf(&b, "ST_SetSRID(ST_GeomFromText($%d), 4326)", n)
			} else {
				fmt.Fprintf(&b, "$%d", n)
			}
			n++
		}
		b.WriteString(")")
	}
	if t.UIDField != "" {
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO NOTHING", ident(t.UIDField))
	}
	return b.String()
}

func pgFieldValuesSQL(table, field, orderBy string, desc bool) string {
	if orderBy == "" {
		orderBy = field
	}
	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	return fmt.Sprintf("SELECT %s::text FROM %s WHERE %s IS NOT NULL ORDER BY %s %s",
		ident(field), ident(table), ident(field), ident(orderBy), dir)
}
