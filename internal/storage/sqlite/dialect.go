package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"retailetl/internal/storage"
	"retailetl/internal/storage/sqldb"
	"retailetl/internal/table"
)

// SQLite has no native timestamp type. Times are bound as text in
// table.TimeLayout and parsed back for DATE/DATETIME/TIMESTAMP columns.

// maxParams is SQLITE_MAX_VARIABLE_NUMBER for builds since 3.32.
const maxParams = 32766

type dialect struct{}

// New opens a SQLite database (file path or ":memory:").
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	return sqldb.Open(ctx, "sqlite", cfg.DSN, dialect{})
}

func (dialect) Quote(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (d dialect) QuoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.Quote(p)
	}
	return strings.Join(parts, ".")
}

func (dialect) Placeholder(int) string { return "?" }

func (dialect) MaxParams() int { return maxParams }

func (d dialect) CreateTableSQL(t storage.TableSpec) ([]string, error) {
	parts, err := sqldb.ColumnDefs(d, t, func(pk storage.PrimaryKeySpec) (string, error) {
		// INTEGER PRIMARY KEY becomes the rowid and auto-generates values.
		switch strings.TrimSpace(strings.ToLower(pk.Type)) {
		case "serial", "bigserial", "int identity", "integer identity", "identity":
			return fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, d.Quote(pk.Name)), nil
		case "":
			return "", fmt.Errorf("table %s: primary key type is empty", t.Name)
		default:
			return fmt.Sprintf(`%s %s PRIMARY KEY`, d.Quote(pk.Name), pk.Type), nil
		}
	}, true)
	if err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", d.QuoteTable(t.Name), strings.Join(parts, ",\n  "))}, nil
}

// ListTablesSQL ignores schema; a SQLite file is one namespace.
func (dialect) ListTablesSQL(string) (string, []any) {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`, nil
}

func (d dialect) PrimaryKeySQL(name string) (string, []any) {
	return `SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk`, []any{name}
}

func (d dialect) UpsertSQL(name string, columns []string, nrows int, keyColumns []string) string {
	var b strings.Builder
	b.WriteString(sqldb.BuildInsertSQL(d, name, columns, nrows))
	b.WriteString(" ON CONFLICT (")
	b.WriteString(sqldb.JoinIdents(d, keyColumns))
	b.WriteString(")")

	rest := sqldb.NonKeyColumns(columns, keyColumns)
	if len(rest) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range rest {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = excluded.%s", d.Quote(c), d.Quote(c))
	}
	return b.String()
}

func (dialect) IsMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func (dialect) Bind(v any) any {
	switch x := v.(type) {
	case time.Time:
		return formatSQLiteTime(x)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	default:
		return v
	}
}

func (dialect) Decode(v any, dbType string) any {
	switch dbType {
	case "DATE", "DATETIME", "TIMESTAMP", "TIMESTAMPTZ":
	default:
		return v
	}
	s, ok := v.(string)
	if !ok {
		return v
	}
	ts, err := parseSQLiteTime(s)
	if err != nil {
		return v
	}
	return ts
}

func formatSQLiteTime(t time.Time) string {
	return t.Format(table.TimeLayout)
}

// parseSQLiteTime accepts the layouts SQLite's date functions and common
// drivers produce. Values without an offset are read as UTC.
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
