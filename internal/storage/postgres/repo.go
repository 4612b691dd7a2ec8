package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"retailetl/internal/storage"
	"retailetl/internal/table"
)

// maxParams keeps multi-row statements under Postgres' 65535 bind limit.
const maxParams = 65000

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Append loads via COPY FROM (warehouse facts and dimensions)
  - Upserts via INSERT ... ON CONFLICT DO UPDATE (staging)
  - information_schema introspection for table lists and primary keys
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates tables when AutoCreateTable is enabled.
//
// This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// ListTables returns the base tables of schema ("public" when empty).
func (r *Repo) ListTables(ctx context.Context, schema string) ([]string, error) {
	if schema == "" {
		schema = "public"
	}
	rows, err := r.pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		 ORDER BY table_name`, schema)
	if err != nil {
		return nil, fmt.Errorf("ListTables: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("ListTables: %w", err)
	}
	return names, nil
}

// ReadTable returns every row of a table.
func (r *Repo) ReadTable(ctx context.Context, name string) (*table.Table, error) {
	rows, err := r.pool.Query(ctx, "SELECT * FROM "+pgTableIdent(name))
	if err != nil {
		return nil, wrapMissing(name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var data [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("ReadTable: scan %s: %w", name, err)
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		data = append(data, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapMissing(name, err)
	}
	return table.New(cols, data)
}

// PrimaryKey returns the primary key columns of a table in key order.
func (r *Repo) PrimaryKey(ctx context.Context, name string) ([]string, error) {
	schema, tbl := splitQualifiedName(name)
	if schema == "" {
		schema = "public"
	}
	rows, err := r.pool.Query(ctx,
		`SELECT kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		 WHERE tc.constraint_type = 'PRIMARY KEY'
		   AND tc.table_schema = $1 AND tc.table_name = $2
		 ORDER BY kcu.ordinal_position`, schema, tbl)
	if err != nil {
		return nil, fmt.Errorf("PrimaryKey %s: %w", name, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("PrimaryKey %s: %w", name, err)
	}
	return cols, nil
}

// AppendRows bulk-loads rows with COPY FROM. There is no conflict handling.
func (r *Repo) AppendRows(ctx context.Context, name string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	schema, tbl := splitQualifiedName(name)
	ident := pgx.Identifier{tbl}
	if schema != "" {
		ident = pgx.Identifier{schema, tbl}
	}
	n, err := r.pool.CopyFrom(ctx, ident, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return n, fmt.Errorf("AppendRows %s: %w", name, err)
	}
	return n, nil
}

// UpsertRows performs chunked INSERT ... ON CONFLICT (keys) DO UPDATE.
func (r *Repo) UpsertRows(ctx context.Context, name string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("UpsertRows %s: key columns are required", name)
	}
	var total int64
	for _, chunk := range storage.ChunkRows(rows, len(columns), maxParams) {
		sql, args := buildUpsertSQL(name, columns, chunk, keyColumns)
		cmd, err := r.pool.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("UpsertRows %s: %w", name, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test placeholder numbering
//     without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(name string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(name))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// buildUpsertSQL appends ON CONFLICT handling to buildInsertSQL. When every
// column is a key column there is nothing to update, so conflicts are ignored.
func buildUpsertSQL(name string, columns []string, rows [][]any, keyColumns []string) (string, []any) {
	sql, args := buildInsertSQL(name, columns, rows)

	var b strings.Builder
	b.WriteString(sql)
	b.WriteString(" ON CONFLICT (")
	for i, c := range keyColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") ")

	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		isKey[k] = true
	}
	var sets []string
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}
	if len(sets) == 0 {
		b.WriteString("DO NOTHING;")
	} else {
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
		b.WriteString(";")
	}
	return b.String(), args
}

// buildCreateSQL builds the optional CREATE SCHEMA and the CREATE TABLE DDL.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	// If the table is schema-qualified (e.g. "public.dim_customers"), ensure
	// the schema exists.
	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols, err := buildColumnDefs(t)
	if err != nil {
		return "", "", err
	}
	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	cols = append(cols, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`,
		pgTableIdent(t.Name), strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}

// buildColumnDefs returns the "<col> <type> ..." definitions.
//
// Primary key handling:
//   - If PrimaryKeySpec is provided, we create it as the first column.
//   - The primary key column is not expected to be present in t.Columns.
func buildColumnDefs(t storage.TableSpec) ([]string, error) {
	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(t.PrimaryKey.Type)
		if pk == "" || pkType == "" {
			return nil, fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pkType))
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}
	return cols, nil
}

func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	if !c.IsNullable(false) {
		b.WriteString(" NOT NULL")
	}

	// Foreign key references are expressed inline in the column definition.
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

// buildConstraints generates table-level UNIQUE constraints.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		switch strings.ToLower(strings.TrimSpace(c.Kind)) {
		case "unique":
			if len(c.Columns) == 0 {
				return nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
			}
			idents := make([]string, len(c.Columns))
			for i, col := range c.Columns {
				idents[i] = pgIdent(strings.TrimSpace(col))
			}
			out = append(out, "UNIQUE ("+strings.Join(idents, ", ")+")")
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.dim_customers" => ("public", "dim_customers")
//   - "dim_customers"        => ("", "dim_customers")
func splitQualifiedName(name string) (schema string, tbl string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func pgTableIdent(name string) string {
	schema, tbl := splitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{tbl}.Sanitize()
	}
	return pgx.Identifier{schema, tbl}.Sanitize()
}

// normalize handles the pgx value types storage.NormalizeValue does not know.
func normalize(v any) any {
	switch t := v.(type) {
	case pgtype.Numeric:
		if !t.Valid {
			return nil
		}
		f, err := t.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(t).String()
	}
	return storage.NormalizeValue(v)
}

func wrapMissing(name string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
		return fmt.Errorf("%s: %w", name, storage.ErrTableNotFound)
	}
	return fmt.Errorf("ReadTable %s: %w", name, err)
}
