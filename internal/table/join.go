package table

import "fmt"

// JoinStats describes what an inner join kept and dropped.
type JoinStats struct {
	LeftRows  int // rows in the left input
	OutRows   int // rows produced (can exceed LeftRows on fan-out)
	Unmatched int // left rows with no partner, dropped
}

// InnerJoin matches left[leftKey] against right[rightKey] and returns every
// matching pair, left order first, then right order.
//
// Matching uses Key, so it is exact and case sensitive. nil never matches.
// Left rows without a partner are dropped; a left row with several partners
// fans out to several output rows.
//
// The output header is left's columns followed by right's. When both keys
// share a name the right key column is omitted. Any other name shared by the
// two sides is an error rather than a silent rename.
func InnerJoin(left, right *Table, leftKey, rightKey string) (*Table, JoinStats, error) {
	li, err := left.mustIndex(leftKey)
	if err != nil {
		return nil, JoinStats{}, fmt.Errorf("join left: %w", err)
	}
	ri, err := right.mustIndex(rightKey)
	if err != nil {
		return nil, JoinStats{}, fmt.Errorf("join right: %w", err)
	}

	sameKey := leftKey == rightKey
	rightCols := make([]int, 0, len(right.Columns))
	for i, c := range right.Columns {
		if sameKey && i == ri {
			continue
		}
		if _, clash := left.Index(c); clash {
			return nil, JoinStats{}, fmt.Errorf("join on %s=%s: %w %q on both sides", leftKey, rightKey, ErrDuplicateColumn, c)
		}
		rightCols = append(rightCols, i)
	}

	index := make(map[string][]int, len(right.Rows))
	for r, row := range right.Rows {
		if row[ri] == nil {
			continue
		}
		k := Key(row[ri])
		index[k] = append(index[k], r)
	}

	out := &Table{Columns: make([]string, 0, len(left.Columns)+len(rightCols))}
	out.Columns = append(out.Columns, left.Columns...)
	for _, i := range rightCols {
		out.Columns = append(out.Columns, right.Columns[i])
	}

	stats := JoinStats{LeftRows: len(left.Rows)}
	for _, lrow := range left.Rows {
		if lrow[li] == nil {
			stats.Unmatched++
			continue
		}
		matches := index[Key(lrow[li])]
		if len(matches) == 0 {
			stats.Unmatched++
			continue
		}
		for _, r := range matches {
			row := make([]any, 0, len(out.Columns))
			row = append(row, lrow...)
			for _, i := range rightCols {
				row = append(row, right.Rows[r][i])
			}
			out.Rows = append(out.Rows, row)
		}
	}
	stats.OutRows = len(out.Rows)
	return out, stats, nil
}
