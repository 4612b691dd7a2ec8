// Package source reads operational data: tables of the source database and
// the store-branch spreadsheet.
package source

import (
	"context"
	"fmt"
	"time"

	"retailetl/internal/auditlog"
	"retailetl/internal/storage"
	"retailetl/internal/table"
)

// DefaultSchema is the source schema listed by Tables.
const DefaultSchema = "public"

// ComponentDatabase is the etl_log.component of database extractions.
const ComponentDatabase = "extraction database"

// DatabaseReader extracts whole tables from a source repository.
type DatabaseReader struct {
	Repo   storage.Repository
	Schema string
	Sink   auditlog.Sink
	Now    func() time.Time
}

// Tables lists the tables of the source schema.
func (r *DatabaseReader) Tables(ctx context.Context) ([]string, error) {
	schema := r.Schema
	if schema == "" {
		schema = DefaultSchema
	}
	names, err := r.Repo.ListTables(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("source: list %s tables: %w", schema, err)
	}
	return names, nil
}

// Extract reads every row of name and records the outcome under the staging
// step.
func (r *DatabaseReader) Extract(ctx context.Context, name string) (*table.Table, error) {
	t, err := r.Repo.ReadTable(ctx, name)
	if err != nil {
		err = fmt.Errorf("source: extract %s: %w", name, err)
	}
	record(ctx, r.Sink, r.Now, ComponentDatabase, name, err)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func record(ctx context.Context, sink auditlog.Sink, now func() time.Time, component, name string, err error) {
	if sink == nil {
		return
	}
	if now == nil {
		now = time.Now
	}
	sink.Record(ctx, auditlog.Outcome(auditlog.StepStaging, component, name, now(), err))
}
