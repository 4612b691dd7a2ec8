// Package warehouse reads loaded dimensions and appends transformed rows to
// the dimensional store.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"retailetl/internal/auditlog"
	"retailetl/internal/metrics"
	"retailetl/internal/quarantine"
	"retailetl/internal/storage"
	"retailetl/internal/table"
)

// Components recorded by Loader.
const (
	ComponentLoad       = "load from staging"
	ComponentLoadFailed = "staging"
)

// Logger is the minimal logging interface used by this package.
type Logger interface {
	Printf(format string, v ...any)
}

// Reader reads warehouse tables, typically dimensions needed for surrogate
// keys. Errors propagate unchanged in kind.
type Reader struct {
	Repo storage.Repository
}

// Read returns every row of the warehouse table name.
func (r *Reader) Read(ctx context.Context, name string) (*table.Table, error) {
	t, err := r.Repo.ReadTable(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("warehouse: read %s: %w", name, err)
	}
	return t, nil
}

// Loader appends rows to warehouse tables. It never updates: surrogate keys
// are generated by the warehouse on insert.
type Loader struct {
	Repo  storage.Repository
	Sink  auditlog.Sink
	Store quarantine.Store
	// Bucket for rejected loads. Defaults to quarantine.WarehouseBucket.
	Bucket string
	Now    func() time.Time
	Logger Logger
}

// Append inserts every row of t into name. On failure t is quarantined and
// the error returned.
func (l *Loader) Append(ctx context.Context, t *table.Table, name string) error {
	start := time.Now()
	at := time.Now()
	if l.Now != nil {
		at = l.Now()
	}

	var (
		n   int64
		err = fmt.Errorf("warehouse: append %s: no data", name)
	)
	if t != nil {
		n, err = l.Repo.AppendRows(ctx, name, t.Columns, t.Rows)
		if err != nil {
			err = fmt.Errorf("warehouse: append %s: %w", name, err)
		}
	}

	component := ComponentLoad
	if err != nil {
		component = ComponentLoadFailed
		bucket := l.Bucket
		if bucket == "" {
			bucket = quarantine.WarehouseBucket
		}
		object, qerr := quarantine.Snapshot(ctx, l.Store, bucket, name, at, t)
		if qerr != nil {
			quarantine.PrintError(l.Logger, name, object, qerr)
		}
	}
	if l.Sink != nil {
		l.Sink.Record(ctx, auditlog.Outcome(auditlog.StepWarehouse, component, name, at, err))
	}

	metrics.RecordBatch()
	if err != nil {
		metrics.RecordStep("warehouse_load", auditlog.StatusFailed, time.Since(start))
		l.printf("stage=warehouse_load table=%s status=failed err=%v", name, err)
		return err
	}
	metrics.RecordStep("warehouse_load", auditlog.StatusSuccess, time.Since(start))
	metrics.RecordRows("loaded", int(n))
	l.printf("stage=warehouse_load table=%s status=success rows=%d", name, n)
	return nil
}

func (l *Loader) printf(format string, v ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, v...)
	}
}
