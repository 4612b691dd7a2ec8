// Package sqldb is the database/sql implementation of storage.Repository shared
// by the SQLite, SQL Server and MySQL backends.
//
// Each backend supplies a Dialect (quoting, placeholders, DDL, introspection
// and upsert syntax); Repo supplies the query loops, chunking and value
// normalization.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"retailetl/internal/storage"
	"retailetl/internal/table"
)

// Dialect captures what differs between SQL engines.
type Dialect interface {
	// Quote returns a quoted identifier for a single name part.
	Quote(ident string) string
	// QuoteTable returns a quoted, possibly schema-qualified, table name.
	QuoteTable(name string) string
	// Placeholder returns the bind placeholder for the n-th (1-based) argument.
	Placeholder(n int) string
	// MaxParams is the largest number of bind parameters per statement.
	MaxParams() int

	// CreateTableSQL returns the statements that create t if it is missing.
	CreateTableSQL(t storage.TableSpec) ([]string, error)
	// ListTablesSQL returns a query yielding one table name per row.
	ListTablesSQL(schema string) (string, []any)
	// PrimaryKeySQL returns a query yielding the key columns in key order.
	PrimaryKeySQL(name string) (string, []any)
	// UpsertSQL returns a multi-row upsert for nrows rows.
	UpsertSQL(name string, columns []string, nrows int, keyColumns []string) string

	// IsMissingTable reports whether err means the table does not exist.
	IsMissingTable(err error) bool
	// Bind converts a cell value before it is passed to the driver.
	Bind(v any) any
	// Decode converts a scanned value given its column's declared type.
	Decode(v any, dbType string) any
}

// Repo implements storage.Repository on top of database/sql.
type Repo struct {
	db dbConn
	d  Dialect
}

// Open opens driverName, verifies connectivity and wraps it in a Repo.
func Open(ctx context.Context, driverName, dsn string, d Dialect) (*Repo, error) {
	raw, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return New(raw, d), nil
}

// New wraps an already opened *sql.DB.
func New(db *sql.DB, d Dialect) *Repo {
	return &Repo{db: db, d: d}
}

// SetPoolLimits tunes the underlying *sql.DB pool. Zero values keep the
// driver defaults.
func (r *Repo) SetPoolLimits(maxOpen, maxIdle int, maxLifetime time.Duration) {
	db, ok := r.db.(*sql.DB)
	if !ok {
		return
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime > 0 {
		db.SetConnMaxLifetime(maxLifetime)
	}
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables runs the dialect's create-if-missing DDL for every spec with
// AutoCreateTable set.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		stmts, err := r.d.CreateTableSQL(t)
		if err != nil {
			return err
		}
		for _, s := range stmts {
			if _, err := r.db.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("create table %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// ListTables returns the base tables of schema.
func (r *Repo) ListTables(ctx context.Context, schema string) ([]string, error) {
	q, args := r.d.ListTablesSQL(schema)
	names, err := r.queryStrings(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListTables: %w", err)
	}
	return names, nil
}

// PrimaryKey returns the primary key columns of a table in key order.
func (r *Repo) PrimaryKey(ctx context.Context, name string) ([]string, error) {
	q, args := r.d.PrimaryKeySQL(name)
	cols, err := r.queryStrings(ctx, q, args...)
	if err != nil {
		if r.d.IsMissingTable(err) {
			return nil, fmt.Errorf("%s: %w", name, storage.ErrTableNotFound)
		}
		return nil, fmt.Errorf("PrimaryKey %s: %w", name, err)
	}
	return cols, nil
}

func (r *Repo) queryStrings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReadTable returns every row of a table.
func (r *Repo) ReadTable(ctx context.Context, name string) (*table.Table, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT * FROM "+r.d.QuoteTable(name))
	if err != nil {
		if r.d.IsMissingTable(err) {
			return nil, fmt.Errorf("%s: %w", name, storage.ErrTableNotFound)
		}
		return nil, fmt.Errorf("ReadTable %s: %w", name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("ReadTable %s: %w", name, err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("ReadTable %s: %w", name, err)
	}

	var data [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("ReadTable: scan %s: %w", name, err)
		}
		for i, v := range vals {
			vals[i] = r.d.Decode(storage.NormalizeValue(v), strings.ToUpper(types[i].DatabaseTypeName()))
		}
		data = append(data, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ReadTable %s: %w", name, err)
	}
	return table.New(cols, data)
}

// AppendRows performs chunked multi-row INSERTs with no conflict handling.
func (r *Repo) AppendRows(ctx context.Context, name string, columns []string, rows [][]any) (int64, error) {
	var total int64
	for _, chunk := range storage.ChunkRows(rows, len(columns), r.d.MaxParams()) {
		q := BuildInsertSQL(r.d, name, columns, len(chunk))
		res, err := r.db.ExecContext(ctx, q, r.bindRows(chunk)...)
		if err != nil {
			return total, fmt.Errorf("AppendRows %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// UpsertRows performs chunked dialect upserts keyed by keyColumns.
func (r *Repo) UpsertRows(ctx context.Context, name string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	if len(keyColumns) == 0 {
		return 0, fmt.Errorf("UpsertRows %s: key columns are required", name)
	}
	var total int64
	for _, chunk := range storage.ChunkRows(rows, len(columns), r.d.MaxParams()) {
		q := r.d.UpsertSQL(name, columns, len(chunk), keyColumns)
		res, err := r.db.ExecContext(ctx, q, r.bindRows(chunk)...)
		if err != nil {
			return total, fmt.Errorf("UpsertRows %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *Repo) bindRows(rows [][]any) []any {
	if len(rows) == 0 {
		return nil
	}
	args := make([]any, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		for _, v := range row {
			args = append(args, r.d.Bind(v))
		}
	}
	return args
}

// BuildInsertSQL renders "INSERT INTO t (cols) VALUES (...), (...)" with the
// dialect's quoting and placeholders.
func BuildInsertSQL(d Dialect, name string, columns []string, nrows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.QuoteTable(name))
	b.WriteString(" (")
	b.WriteString(JoinIdents(d, columns))
	b.WriteString(") VALUES ")
	b.WriteString(ValuesList(d, len(columns), nrows))
	return b.String()
}

// ValuesList renders nrows placeholder tuples of width columns, numbering
// placeholders from 1.
func ValuesList(d Dialect, width, nrows int) string {
	var b strings.Builder
	p := 1
	for i := 0; i < nrows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < width; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(p))
			p++
		}
		b.WriteString(")")
	}
	return b.String()
}

// JoinIdents quotes and comma-joins column names.
func JoinIdents(d Dialect, columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = d.Quote(c)
	}
	return strings.Join(out, ", ")
}

// NonKeyColumns returns columns minus keyColumns, in column order.
func NonKeyColumns(columns, keyColumns []string) []string {
	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		isKey[k] = true
	}
	out := make([]string, 0, len(columns))
	for _, c := range columns {
		if !isKey[c] {
			out = append(out, c)
		}
	}
	return out
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Close() error
}

var _ dbConn = (*sql.DB)(nil)
var _ storage.Repository = (*Repo)(nil)
