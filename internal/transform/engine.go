// Package transform turns staged natural-key tables into warehouse dimension
// and fact tables.
//
// Each entity entry point runs inside a guard: it works on a private copy of
// its input, records exactly one audit entry, and on failure quarantines
// whatever the copy looked like when the step broke. Dimensions needed for
// surrogate keys are passed in by the caller; this package never reads a
// store.
package transform

import (
	"context"
	"fmt"
	"time"

	"retailetl/internal/auditlog"
	"retailetl/internal/metrics"
	"retailetl/internal/quarantine"
	"retailetl/internal/table"
)

// Component is the etl_log.component of every transformation record.
const Component = "transformation"

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Engine runs entity transformations.
type Engine struct {
	// Now is the run clock, read once per invocation. Defaults to time.Now.
	Now func() time.Time
	// Sink receives one entry per invocation. nil disables audit logging.
	Sink auditlog.Sink
	// Store receives failed snapshots. nil disables quarantine.
	Store quarantine.Store
	// Bucket for quarantined snapshots. Defaults to quarantine.WarehouseBucket.
	Bucket string
	Logger Logger
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		return func(string, ...any) {}
	}
	return e.Logger.Printf
}

func (e *Engine) bucket() string {
	if e.Bucket == "" {
		return quarantine.WarehouseBucket
	}
	return e.Bucket
}

// run is the guard around one entity transformation. fn mutates work, a
// private copy of in; whatever work holds when fn fails is the quarantined
// snapshot. A panic in fn is reported as a transformation failure.
func (e *Engine) run(ctx context.Context, name string, in *table.Table, fn func(work *table.Table, now time.Time) error) Result {
	start := time.Now()
	now := e.now()

	work := in.Clone()
	if work == nil {
		work = &table.Table{}
	}

	if err := e.protect(name, func() error { return fn(work, now) }); err != nil {
		return e.fail(ctx, name, KindTransformation, err, work, now, start)
	}

	e.record(ctx, name, now, nil)
	metrics.RecordStep(name, auditlog.StatusSuccess, time.Since(start))
	metrics.RecordRows("transformed", work.Len())
	e.logger()("stage=transform table=%s status=success rows_in=%d rows_out=%d duration=%s",
		name, in.Len(), work.Len(), time.Since(start).Truncate(time.Millisecond))
	return Result{Table: name, Data: work}
}

func (e *Engine) protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform %s: panic: %v", name, r)
		}
	}()
	return fn()
}

// Reject reports an entity that could not be run at all, because its input
// could not be read (KindExtraction) or an upstream entity failed
// (KindDependency). It logs and quarantines like a transformation failure.
// partial may be nil.
func (e *Engine) Reject(ctx context.Context, name string, kind Kind, err error, partial *table.Table) Result {
	return e.fail(ctx, name, kind, err, partial, e.now(), time.Now())
}

func (e *Engine) fail(ctx context.Context, name string, kind Kind, err error, partial *table.Table, now, start time.Time) Result {
	f := &Failure{Kind: kind, Table: name, Err: err, Partial: partial}
	e.record(ctx, name, now, err)

	object, qerr := quarantine.Snapshot(ctx, e.Store, e.bucket(), name, now, partial)
	f.QuarantineObject, f.QuarantineErr = object, qerr
	switch {
	case qerr != nil:
		// Printed, never escalated: the original failure is what the caller sees.
		quarantine.PrintError(e.Logger, name, object, qerr)
	case object != "":
		metrics.RecordRows("quarantined", partial.Len())
	}

	metrics.RecordStep(name, auditlog.StatusFailed, time.Since(start))
	e.logger()("stage=transform table=%s status=failed kind=%s err=%v", name, kind, err)
	return Result{Table: name, Failure: f}
}

func (e *Engine) record(ctx context.Context, name string, now time.Time, err error) {
	if e.Sink == nil {
		return
	}
	entry := auditlog.Outcome(auditlog.StepWarehouse, Component, name, now, err)
	e.Sink.Record(ctx, entry)
}
