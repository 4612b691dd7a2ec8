package table

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// TimeLayout is how timestamps are rendered in CSV snapshots.
const TimeLayout = "2006-01-02 15:04:05"

// Format renders one cell for CSV output. nil becomes the empty string.
func Format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(TimeLayout)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(v)
	}
}

// WriteCSV writes a header row followed by every data row. There is no index
// column.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("csv header: %w", err)
	}
	rec := make([]string, len(t.Columns))
	for r, row := range t.Rows {
		for i, v := range row {
			rec[i] = Format(v)
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("csv row %d: %w", r, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// CSV returns the table as CSV bytes.
func (t *Table) CSV() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.WriteCSV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
