package sqldb

import (
	"fmt"
	"strings"

	"retailetl/internal/storage"
)

// ColumnDefs renders the column and constraint definitions shared by every
// dialect. pkDef renders the primary key column (nil spec is skipped);
// nullableDefault is the dialect's default nullability.
func ColumnDefs(d Dialect, t storage.TableSpec, pkDef func(storage.PrimaryKeySpec) (string, error), nullableDefault bool) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" {
			return nil, fmt.Errorf("table %s: primary key name is empty", t.Name)
		}
		def, err := pkDef(*t.PrimaryKey)
		if err != nil {
			return nil, err
		}
		parts = append(parts, def)
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return nil, fmt.Errorf("table %s: column name/type must be set", t.Name)
		}
		col := d.Quote(c.Name) + " " + c.Type
		if c.IsNullable(nullableDefault) {
			if !nullableDefault {
				col += " NULL"
			}
		} else {
			col += " NOT NULL"
		}
		if ref := strings.TrimSpace(c.References); ref != "" {
			col += " REFERENCES " + ref
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return nil, fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return nil, fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", JoinIdents(d, con.Columns)))
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}
	return parts, nil
}
