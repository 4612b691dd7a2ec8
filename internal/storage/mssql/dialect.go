package mssql

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/shopspring/decimal"

	"retailetl/internal/storage"
	"retailetl/internal/storage/sqldb"
)

// SQL Server allows 2100 parameters per request; leave headroom.
const maxParams = 2000

const defaultSchema = "dbo"

type dialect struct{}

// New opens a SQL Server connection pool.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	r, err := sqldb.Open(ctx, "sqlserver", cfg.DSN, dialect{})
	if err != nil {
		return nil, err
	}
	// Conservative defaults for ETL-style bursty loads.
	r.SetPoolLimits(64, 64, 0)
	return r, nil
}

func (dialect) Quote(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d dialect) QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = d.Quote(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func (dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }

func (dialect) MaxParams() int { return maxParams }

func (d dialect) CreateTableSQL(t storage.TableSpec) ([]string, error) {
	parts, err := sqldb.ColumnDefs(d, t, d.primaryKeyDef, true)
	if err != nil {
		return nil, err
	}
	return []string{wrapCreateIfMissing(t.Name, d.QuoteTable(t.Name), strings.Join(parts, ", "))}, nil
}

func (d dialect) primaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial", "int identity", "integer identity", "identity":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", d.Quote(pk.Name)), nil
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", d.Quote(pk.Name)), nil
	case "":
		return "", fmt.Errorf("mssql: primary key type is empty")
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", d.Quote(pk.Name), pk.Type), nil
	}
}

func wrapCreateIfMissing(tableName, quoted, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		quoted,
		innerDefs,
	)
}

func (dialect) ListTablesSQL(schema string) (string, []any) {
	if schema == "" {
		schema = defaultSchema
	}
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = @p1
ORDER BY TABLE_NAME`, []any{schema}
}

func (dialect) PrimaryKeySQL(name string) (string, []any) {
	schema, tbl := defaultSchema, name
	if i := strings.LastIndex(name, "."); i >= 0 {
		schema, tbl = name[:i], name[i+1:]
	}
	return `SELECT kcu.COLUMN_NAME
FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
  ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_SCHEMA = @p1 AND tc.TABLE_NAME = @p2
ORDER BY kcu.ORDINAL_POSITION`, []any{schema, tbl}
}

// UpsertSQL renders a MERGE over a VALUES source. Source rows must be unique
// on keyColumns; SQL Server rejects a MERGE that matches a target row twice.
func (d dialect) UpsertSQL(name string, columns []string, nrows int, keyColumns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS tgt USING (VALUES %s) AS src (%s) ON ",
		d.QuoteTable(name), sqldb.ValuesList(d, len(columns), nrows), sqldb.JoinIdents(d, columns))
	for i, k := range keyColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "tgt.%s = src.%s", d.Quote(k), d.Quote(k))
	}

	if rest := sqldb.NonKeyColumns(columns, keyColumns); len(rest) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range rest {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "tgt.%s = src.%s", d.Quote(c), d.Quote(c))
		}
	}

	src := make([]string, len(columns))
	for i, c := range columns {
		src[i] = "src." + d.Quote(c)
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s);", sqldb.JoinIdents(d, columns), strings.Join(src, ", "))
	return b.String()
}

// IsMissingTable matches error 208, "Invalid object name".
func (dialect) IsMissingTable(err error) bool {
	var e mssql.Error
	if errors.As(err, &e) {
		return e.Number == 208
	}
	return false
}

func (dialect) Bind(v any) any { return v }

// Decode turns DECIMAL/MONEY text into float64; the driver returns those as
// bytes to preserve precision.
func (dialect) Decode(v any, dbType string) any {
	switch dbType {
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		s, ok := v.(string)
		if !ok {
			return v
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return v
		}
		return d.InexactFloat64()
	default:
		return v
	}
}
