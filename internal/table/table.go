// Package table holds the in-memory, column-ordered tables that flow between
// the staging reader, the transformation engine and the warehouse writer.
//
// A Table is a header and positional rows. Cell values are
// normalized by the storage backends to one of
//
//	nil | string | int64 | float64 | bool | time.Time
//
// and every operation here assumes that set. Operations mutate the receiver in
// place so that a failing transformation leaves the partially transformed
// state behind for quarantine.
package table

import (
	"errors"
	"fmt"
	"sort"
)

// ErrMissingColumn is returned (wrapped) when an operation references a column
// the table does not have.
var ErrMissingColumn = errors.New("missing column")

// ErrDuplicateColumn is returned (wrapped) when an operation would produce two
// columns with the same name.
var ErrDuplicateColumn = errors.New("duplicate column")

// Table is a header plus positional rows. Every row has len(Columns) cells.
type Table struct {
	Columns []string
	Rows    [][]any
}

// New builds a table from a header and rows. Short rows are padded with nil;
// rows longer than the header are an error.
func New(columns []string, rows [][]any) (*Table, error) {
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("table: %w %q", ErrDuplicateColumn, c)
		}
		seen[c] = struct{}{}
	}
	t := &Table{Columns: append([]string(nil), columns...), Rows: make([][]any, 0, len(rows))}
	for i, r := range rows {
		if len(r) > len(columns) {
			return nil, fmt.Errorf("table: row %d has %d cells, header has %d", i, len(r), len(columns))
		}
		row := make([]any, len(columns))
		copy(row, r)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Len returns the number of rows. A nil table has zero rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Index returns the position of col in the header.
func (t *Table) Index(col string) (int, bool) {
	for i, c := range t.Columns {
		if c == col {
			return i, true
		}
	}
	return -1, false
}

// Has reports whether every named column is present.
func (t *Table) Has(cols ...string) bool {
	for _, c := range cols {
		if _, ok := t.Index(c); !ok {
			return false
		}
	}
	return true
}

func (t *Table) mustIndex(col string) (int, error) {
	i, ok := t.Index(col)
	if !ok {
		return -1, fmt.Errorf("table: %w %q", ErrMissingColumn, col)
	}
	return i, nil
}

// Clone returns a deep copy of the header and row slices. Cell values are
// immutable scalars, so they are shared.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([][]any, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = append([]any(nil), r...)
	}
	return out
}

// Replace swaps the receiver's contents for other's.
func (t *Table) Replace(other *Table) {
	t.Columns = other.Columns
	t.Rows = other.Rows
}

// Column returns the values of one column.
func (t *Table) Column(col string) ([]any, error) {
	i, err := t.mustIndex(col)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, nil
}

// Rename renames columns old->new. A mapping whose old column is absent is
// ignored, which keeps renames idempotent. Renaming onto a column that already
// exists is an error.
func (t *Table) Rename(mapping map[string]string) error {
	// Apply in a stable order so error messages are deterministic.
	olds := make([]string, 0, len(mapping))
	for o := range mapping {
		olds = append(olds, o)
	}
	sort.Strings(olds)

	for _, old := range olds {
		nw := mapping[old]
		i, ok := t.Index(old)
		if !ok || old == nw {
			continue
		}
		if _, exists := t.Index(nw); exists {
			return fmt.Errorf("table: rename %q to %q: %w", old, nw, ErrDuplicateColumn)
		}
		t.Columns[i] = nw
	}
	return nil
}

// DropColumns removes the named columns. Every column must exist.
func (t *Table) DropColumns(cols ...string) error {
	drop := make(map[int]struct{}, len(cols))
	for _, c := range cols {
		i, err := t.mustIndex(c)
		if err != nil {
			return fmt.Errorf("drop: %w", err)
		}
		drop[i] = struct{}{}
	}
	keep := make([]int, 0, len(t.Columns)-len(drop))
	for i := range t.Columns {
		if _, gone := drop[i]; !gone {
			keep = append(keep, i)
		}
	}
	t.Replace(t.pick(keep))
	return nil
}

// Project returns a new table holding only the named columns, in that order.
func (t *Table) Project(cols ...string) (*Table, error) {
	idx := make([]int, len(cols))
	for j, c := range cols {
		i, err := t.mustIndex(c)
		if err != nil {
			return nil, fmt.Errorf("project: %w", err)
		}
		idx[j] = i
	}
	return t.pick(idx), nil
}

func (t *Table) pick(idx []int) *Table {
	out := &Table{Columns: make([]string, len(idx)), Rows: make([][]any, len(t.Rows))}
	for j, i := range idx {
		out.Columns[j] = t.Columns[i]
	}
	for r, row := range t.Rows {
		nr := make([]any, len(idx))
		for j, i := range idx {
			nr[j] = row[i]
		}
		out.Rows[r] = nr
	}
	return out
}

// SetColumn sets every row's col to v, appending the column if needed.
func (t *Table) SetColumn(col string, v any) {
	i, ok := t.Index(col)
	if !ok {
		t.Columns = append(t.Columns, col)
		for r := range t.Rows {
			t.Rows[r] = append(t.Rows[r], v)
		}
		return
	}
	for _, row := range t.Rows {
		row[i] = v
	}
}

// Map replaces each value of col with fn(value). The first error aborts the
// map and is returned with the offending row index; rows before it are
// already converted.
func (t *Table) Map(col string, fn func(v any) (any, error)) error {
	i, err := t.mustIndex(col)
	if err != nil {
		return err
	}
	for r, row := range t.Rows {
		nv, err := fn(row[i])
		if err != nil {
			return fmt.Errorf("column %q row %d: %w", col, r, err)
		}
		row[i] = nv
	}
	return nil
}

// Filter keeps the rows for which keep(value of col) is true.
func (t *Table) Filter(col string, keep func(v any) (bool, error)) error {
	i, err := t.mustIndex(col)
	if err != nil {
		return err
	}
	out := t.Rows[:0]
	for r, row := range t.Rows {
		ok, err := keep(row[i])
		if err != nil {
			return fmt.Errorf("column %q row %d: %w", col, r, err)
		}
		if ok {
			out = append(out, row)
		}
	}
	clearTail(t.Rows, len(out))
	t.Rows = out
	return nil
}

// DropNull removes rows whose col is nil.
func (t *Table) DropNull(col string) error {
	return t.Filter(col, func(v any) (bool, error) { return v != nil, nil })
}

// DropDuplicates keeps the first row for each distinct key. Rows are first
// stable-sorted by the key columns so "first" does not depend on the order the
// store returned them in.
func (t *Table) DropDuplicates(keys ...string) error {
	idx := make([]int, len(keys))
	for j, k := range keys {
		i, err := t.mustIndex(k)
		if err != nil {
			return fmt.Errorf("dedupe: %w", err)
		}
		idx[j] = i
	}

	sort.SliceStable(t.Rows, func(a, b int) bool {
		for _, i := range idx {
			if c := Compare(t.Rows[a][i], t.Rows[b][i]); c != 0 {
				return c < 0
			}
		}
		return false
	})

	seen := make(map[string]struct{}, len(t.Rows))
	out := t.Rows[:0]
	for _, row := range t.Rows {
		k := compositeKey(row, idx)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	clearTail(t.Rows, len(out))
	t.Rows = out
	return nil
}

func compositeKey(row []any, idx []int) string {
	if len(idx) == 1 {
		return keyOrNull(row[idx[0]])
	}
	var k string
	for n, i := range idx {
		if n > 0 {
			k += "\x00"
		}
		k += keyOrNull(row[i])
	}
	return k
}

// keyOrNull keeps nil distinct from the empty string during dedupe.
func keyOrNull(v any) string {
	if v == nil {
		return "\x01null"
	}
	return Key(v)
}

func clearTail(rows [][]any, n int) {
	for i := n; i < len(rows); i++ {
		rows[i] = nil
	}
}
