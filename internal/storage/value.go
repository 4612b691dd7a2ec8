package storage

import (
	"fmt"
	"time"
)

// NormalizeValue converts a driver-returned value to one of the cell types the
// table package works with: nil, string, int64, float64, bool or time.Time.
//
// Backends must not assume a particular driver type for a column; this helper
// keeps tables consistent across backends. DECIMAL/NUMERIC columns usually
// arrive as []byte and become strings here.
func NormalizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, int64, float64, bool, time.Time:
		return t
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return int64(t)
	case float32:
		return float64(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// ChunkRows splits rows so each chunk binds at most maxParams parameters.
//
// Edge cases:
//   - width <= 0 or maxParams < width yields one row per chunk.
func ChunkRows(rows [][]any, width, maxParams int) [][][]any {
	per := 1
	if width > 0 && maxParams >= width {
		per = maxParams / width
	}
	out := make([][][]any, 0, len(rows)/per+1)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
