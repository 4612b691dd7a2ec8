// Package mysql registers the "mysql" storage backend (MySQL / MariaDB).
package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"retailetl/internal/storage"
	"retailetl/internal/storage/sqldb"
)

const maxParams = 65000

type dialect struct{}

// New opens a MySQL pool. parseTime is forced on so DATE/DATETIME scan as
// time.Time.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	dsn, err := withParseTime(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	r, err := sqldb.Open(ctx, "mysql", dsn, dialect{})
	if err != nil {
		return nil, err
	}
	r.SetPoolLimits(10, 5, 5*time.Minute)
	return r, nil
}

func withParseTime(dsn string) (string, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	c.ParseTime = true
	if c.Loc == nil {
		c.Loc = time.UTC
	}
	return c.FormatDSN(), nil
}

func (dialect) Quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d dialect) QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = d.Quote(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func (dialect) Placeholder(int) string { return "?" }

func (dialect) MaxParams() int { return maxParams }

func (d dialect) CreateTableSQL(t storage.TableSpec) ([]string, error) {
	parts, err := sqldb.ColumnDefs(d, t, func(pk storage.PrimaryKeySpec) (string, error) {
		switch strings.ToLower(strings.TrimSpace(pk.Type)) {
		case "serial", "bigserial", "identity", "int identity", "integer identity":
			return fmt.Sprintf("%s BIGINT AUTO_INCREMENT PRIMARY KEY", d.Quote(pk.Name)), nil
		case "":
			return "", fmt.Errorf("mysql: primary key type is empty")
		default:
			return fmt.Sprintf("%s %s PRIMARY KEY", d.Quote(pk.Name), pk.Type), nil
		}
	}, true)
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", d.QuoteTable(t.Name), strings.Join(parts, ",\n  "))}, nil
}

// ListTablesSQL lists the connection's database when schema is empty.
func (dialect) ListTablesSQL(schema string) (string, []any) {
	q := `SELECT TABLE_NAME FROM information_schema.TABLES WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = `
	if schema == "" {
		return q + "DATABASE() ORDER BY TABLE_NAME", nil
	}
	return q + "? ORDER BY TABLE_NAME", []any{schema}
}

func (dialect) PrimaryKeySQL(name string) (string, []any) {
	q := `SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
WHERE CONSTRAINT_NAME = 'PRIMARY' AND TABLE_NAME = ? AND TABLE_SCHEMA = `
	if i := strings.LastIndex(name, "."); i >= 0 {
		return q + "? ORDER BY ORDINAL_POSITION", []any{name[i+1:], name[:i]}
	}
	return q + "DATABASE() ORDER BY ORDINAL_POSITION", []any{name}
}

func (d dialect) UpsertSQL(name string, columns []string, nrows int, keyColumns []string) string {
	insert := sqldb.BuildInsertSQL(d, name, columns, nrows)
	rest := sqldb.NonKeyColumns(columns, keyColumns)
	if len(rest) == 0 {
		return "INSERT IGNORE" + strings.TrimPrefix(insert, "INSERT")
	}
	sets := make([]string, len(rest))
	for i, c := range rest {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", d.Quote(c), d.Quote(c))
	}
	return insert + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

// IsMissingTable matches ER_NO_SUCH_TABLE.
func (dialect) IsMissingTable(err error) bool {
	var e *mysql.MySQLError
	return errors.As(err, &e) && e.Number == 1146
}

func (dialect) Bind(v any) any { return v }

// Decode converts DECIMAL text to float64. Integer and text columns already
// arrive as int64 and string after normalization.
func (dialect) Decode(v any, dbType string) any {
	if dbType != "DECIMAL" {
		return v
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return v
	}
	return d.InexactFloat64()
}
