package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"retailetl/internal/auditlog"
	"retailetl/internal/table"
)

// Components recorded for spreadsheet extraction.
const (
	ComponentSheet       = "extraction spreadsheet"
	ComponentSheetFailed = "extraction"
)

// SheetReader reads one worksheet of an .xlsx workbook, or a .csv export of
// it. Headers are normalized to snake_case, empty cells become nil and a
// created_at column is stamped with the read time.
type SheetReader struct {
	Path string
	// Sheet is the worksheet name. Defaults to the name passed to Extract.
	Sheet string
	Sink  auditlog.Sink
	Now   func() time.Time
}

// Extract reads the sheet and records the outcome under the staging step.
// name is the staging table the rows are meant for.
func (r *SheetReader) Extract(ctx context.Context, name string) (*table.Table, error) {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	at := now()

	t, err := r.read(name, at)
	if err != nil {
		err = fmt.Errorf("source: sheet %s: %w", name, err)
		record(ctx, r.Sink, func() time.Time { return at }, ComponentSheetFailed, name, err)
		return nil, err
	}
	record(ctx, r.Sink, func() time.Time { return at }, ComponentSheet, name, nil)
	return t, nil
}

func (r *SheetReader) read(name string, at time.Time) (*table.Table, error) {
	var (
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(r.Path)) {
	case ".xlsx", ".xlsm":
		sheet := r.Sheet
		if sheet == "" {
			sheet = name
		}
		records, err = readWorkbook(r.Path, sheet)
	case ".csv":
		records, err = readCSVFile(r.Path)
	default:
		return nil, fmt.Errorf("unsupported spreadsheet %q", r.Path)
	}
	if err != nil {
		return nil, err
	}
	return fromRecords(records, at)
}

func readWorkbook(path, sheet string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("worksheet %q: %w", sheet, err)
	}
	return rows, nil
}

func readCSVFile(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCSV(f)
}

// readCSV decodes UTF-8 or BOM-marked UTF-16 exports, as spreadsheet tools
// write them.
func readCSV(src io.Reader) ([][]string, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	cr := csv.NewReader(transform.NewReader(src, dec))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr.ReadAll()
}

// fromRecords turns a header row plus ragged data rows into a table. Cell text
// is kept as written; only whitespace-only cells become nil.
func fromRecords(records [][]string, at time.Time) (*table.Table, error) {
	if len(records) == 0 {
		return nil, errors.New("sheet is empty")
	}
	header := make([]string, len(records[0]))
	for i, h := range records[0] {
		header[i] = HeaderName(h)
		if header[i] == "" {
			return nil, fmt.Errorf("column %d has an empty header", i+1)
		}
	}

	rows := make([][]any, 0, len(records)-1)
	for n, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		if len(rec) > len(header) {
			return nil, fmt.Errorf("row %d has %d cells, header has %d", n+2, len(rec), len(header))
		}
		row := make([]any, len(header))
		for i, cell := range rec {
			if strings.TrimSpace(cell) != "" {
				row[i] = cell
			}
		}
		rows = append(rows, row)
	}

	t, err := table.New(header, rows)
	if err != nil {
		return nil, err
	}
	t.SetColumn("created_at", at)
	return t, nil
}

// HeaderName normalizes a spreadsheet header: "Store Name " -> "store_name".
func HeaderName(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Join(strings.Fields(h), "_")
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
