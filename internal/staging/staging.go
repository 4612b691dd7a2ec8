// Package staging writes raw source extracts into the staging store and reads
// them back for the warehouse stage.
package staging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"retailetl/internal/auditlog"
	"retailetl/internal/metrics"
	"retailetl/internal/quarantine"
	"retailetl/internal/storage"
	"retailetl/internal/table"
)

// ComponentExtract is the etl_log.component of staging reads.
const ComponentExtract = "extraction database"

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Printf(format string, v ...any)
}

// ErrNoPrimaryKey is returned when a staging table has no primary key to
// upsert on.
var ErrNoPrimaryKey = errors.New("staging: table has no primary key")

// Loader upserts extracts into staging tables keyed by each table's primary
// key, so reruns overwrite instead of duplicating.
type Loader struct {
	Repo  storage.Repository
	Sink  auditlog.Sink
	Store quarantine.Store
	// Bucket for rejected extracts. Defaults to quarantine.StagingBucket.
	Bucket string
	Now    func() time.Time
	Logger Logger
}

// Load upserts t into the staging table name. source names where t came from
// ("database", "spreadsheet") and ends up in the audit record.
//
// Rows sharing a primary key are collapsed to the first after sorting by the
// key. On failure the whole extract is quarantined.
func (l *Loader) Load(ctx context.Context, t *table.Table, name, source string) (int64, error) {
	start := time.Now()
	at := now(l.Now)
	n, err := l.upsert(ctx, t, name)

	component := "load from " + source
	if err != nil {
		component = source
		object, qerr := quarantine.Snapshot(ctx, l.Store, l.bucket(), name, at, t)
		if qerr != nil {
			quarantine.PrintError(l.Logger, name, object, qerr)
		}
	}
	if l.Sink != nil {
		l.Sink.Record(ctx, auditlog.Outcome(auditlog.StepStaging, component, name, at, err))
	}
	if err != nil {
		metrics.RecordStep("staging_load", auditlog.StatusFailed, time.Since(start))
		l.printf("stage=staging_load table=%s source=%s status=failed err=%v", name, source, err)
		return 0, err
	}
	metrics.RecordStep("staging_load", auditlog.StatusSuccess, time.Since(start))
	metrics.RecordRows("staged", int(n))
	l.printf("stage=staging_load table=%s source=%s status=success rows=%d", name, source, n)
	return n, nil
}

func (l *Loader) upsert(ctx context.Context, t *table.Table, name string) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("staging: %s: no data", name)
	}
	keys, err := l.Repo.PrimaryKey(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("staging: %s: %w", name, err)
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrimaryKey, name)
	}
	work := t.Clone()
	if err := work.DropDuplicates(keys...); err != nil {
		return 0, fmt.Errorf("staging: %s: %w", name, err)
	}
	n, err := l.Repo.UpsertRows(ctx, name, work.Columns, work.Rows, keys)
	if err != nil {
		return n, fmt.Errorf("staging: %s: %w", name, err)
	}
	return n, nil
}

func (l *Loader) bucket() string {
	if l.Bucket == "" {
		return quarantine.StagingBucket
	}
	return l.Bucket
}

func (l *Loader) printf(format string, v ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, v...)
	}
}

// Reader extracts staged tables for the warehouse stage.
type Reader struct {
	Repo storage.Repository
	Sink auditlog.Sink
	Now  func() time.Time
}

// Extract reads every row of the staged table name. An error never comes
// with a table.
func (r *Reader) Extract(ctx context.Context, name string) (*table.Table, error) {
	at := now(r.Now)
	t, err := r.Repo.ReadTable(ctx, name)
	if err != nil {
		err = fmt.Errorf("staging: extract %s: %w", name, err)
		t = nil
	}
	if r.Sink != nil {
		r.Sink.Record(ctx, auditlog.Outcome(auditlog.StepWarehouse, ComponentExtract, name, at, err))
	}
	return t, err
}

func now(fn func() time.Time) time.Time {
	if fn == nil {
		return time.Now()
	}
	return fn()
}
