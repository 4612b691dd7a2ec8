// Package pipeline runs the two stages of the retail ETL: source to staging
// (extract and upsert) and staging to warehouse (extract, transform and
// append), in dependency order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"retailetl/internal/source"
	"retailetl/internal/staging"
	"retailetl/internal/table"
	"retailetl/internal/transform"
	"retailetl/internal/warehouse"
)

// Logger is the minimal logging interface used by the pipeline.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// StagingResult is the outcome of staging one table.
type StagingResult struct {
	Table  string
	Source string
	Rows   int64
	Err    error
}

// Report is what one run did.
type Report struct {
	RunID    string
	Started  time.Time
	Finished time.Time
	Staging  []StagingResult
	Results  []transform.Result
}

// Failed reports whether any staging table or warehouse entity failed.
func (r *Report) Failed() bool {
	for _, s := range r.Staging {
		if s.Err != nil {
			return true
		}
	}
	for _, res := range r.Results {
		if !res.OK() {
			return true
		}
	}
	return false
}

// WriteSummary prints one line per staged table and per entity.
func (r *Report) WriteSummary(w io.Writer) {
	fmt.Fprintf(w, "run %s (%s)\n", r.RunID, r.Finished.Sub(r.Started).Truncate(time.Millisecond))
	for _, s := range r.Staging {
		if s.Err != nil {
			fmt.Fprintf(w, "staging   %-20s failed  %v\n", s.Table, s.Err)
			continue
		}
		fmt.Fprintf(w, "staging   %-20s ok      rows=%d source=%s\n", s.Table, s.Rows, s.Source)
	}
	for _, res := range r.Results {
		if res.OK() {
			fmt.Fprintf(w, "warehouse %-20s ok      rows=%d\n", res.Table, res.Data.Len())
			continue
		}
		fmt.Fprintf(w, "warehouse %-20s failed  %v", res.Table, res.Failure)
		switch {
		case res.Failure.QuarantineErr != nil:
			fmt.Fprintf(w, " quarantine_err=%q", res.Failure.QuarantineErr.Error())
		case res.Failure.QuarantineObject != "":
			fmt.Fprintf(w, " quarantined=%s", res.Failure.QuarantineObject)
		}
		fmt.Fprintln(w)
	}
}

// Pipeline holds the collaborators of both stages. A nil SourceDB or Sheet
// skips that part of staging.
type Pipeline struct {
	SourceDB   *source.DatabaseReader
	Sheet      *source.SheetReader
	SheetTable string

	StagingLoader   *staging.Loader
	StagingReader   *staging.Reader
	WarehouseReader *warehouse.Reader
	WarehouseLoader *warehouse.Loader
	Engine          *transform.Engine

	Logger Logger
}

func (p *Pipeline) logger() func(format string, v ...any) {
	if p.Logger == nil {
		return func(string, ...any) {}
	}
	return p.Logger.Printf
}

// Stage copies every source table, and the spreadsheet, into staging.
// Failures are recorded in rep and do not stop the stage.
func (p *Pipeline) Stage(ctx context.Context, rep *Report) {
	if p.SourceDB != nil {
		names, err := p.SourceDB.Tables(ctx)
		if err != nil {
			p.logger()("stage=staging source=database status=failed err=%v", err)
			rep.Staging = append(rep.Staging, StagingResult{Table: "*", Source: "database", Err: err})
		}
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				rep.Staging = append(rep.Staging, StagingResult{Table: name, Source: "database", Err: err})
				continue
			}
			t, err := p.SourceDB.Extract(ctx, name)
			rep.Staging = append(rep.Staging, p.load(ctx, t, err, name, "database"))
		}
	}
	if p.Sheet != nil {
		t, err := p.Sheet.Extract(ctx, p.SheetTable)
		rep.Staging = append(rep.Staging, p.load(ctx, t, err, p.SheetTable, "spreadsheet"))
	}
}

func (p *Pipeline) load(ctx context.Context, t *table.Table, extractErr error, name, src string) StagingResult {
	res := StagingResult{Table: name, Source: src, Err: extractErr}
	if extractErr != nil {
		p.logger()("stage=staging table=%s source=%s status=skipped err=%v", name, src, extractErr)
		return res
	}
	res.Rows, res.Err = p.StagingLoader.Load(ctx, t, name, src)
	return res
}

// Transform runs the warehouse stage for entities, which must already be in
// dependency order. A failed entity fails every selected dependant with
// transform.KindDependency; unrelated entities still run.
func (p *Pipeline) Transform(ctx context.Context, rep *Report, entities []Entity) {
	failed := make(map[string]error, len(entities))
	for _, e := range entities {
		start := time.Now()
		res := p.runEntity(ctx, e, failed)
		if !res.OK() {
			failed[e.Name] = res.Failure
		}
		rep.Results = append(rep.Results, res)
		p.logger()("stage=entity table=%s target=%s ok=%t duration=%s",
			e.Name, e.Target, res.OK(), time.Since(start).Truncate(time.Millisecond))
	}
}

func (p *Pipeline) runEntity(ctx context.Context, e Entity, failed map[string]error) transform.Result {
	staged, extractErr := p.StagingReader.Extract(ctx, e.Staged)

	for _, dep := range e.Needs {
		if ferr, ok := failed[dep]; ok {
			err := fmt.Errorf("upstream %s failed: %w", dep, ferr)
			return p.Engine.Reject(ctx, e.Name, transform.KindDependency, err, staged)
		}
	}
	if extractErr != nil {
		return p.Engine.Reject(ctx, e.Name, transform.KindExtraction, extractErr, nil)
	}

	in := inputs{staged: staged, extra: map[string]*table.Table{}, dims: map[string]*table.Table{}}
	for _, name := range e.Extra {
		t, err := p.StagingReader.Extract(ctx, name)
		if err != nil {
			return p.Engine.Reject(ctx, e.Name, transform.KindExtraction, err, staged)
		}
		in.extra[name] = t
	}
	for _, dep := range e.Needs {
		d, ok := entityByName(Entities, dep)
		if !ok {
			return p.Engine.Reject(ctx, e.Name, transform.KindExtraction, fmt.Errorf("unknown dependency %q", dep), staged)
		}
		t, err := p.WarehouseReader.Read(ctx, d.Target)
		if err != nil {
			return p.Engine.Reject(ctx, e.Name, transform.KindExtraction, err, staged)
		}
		in.dims[d.Target] = t
	}

	res := e.run(ctx, p.Engine, in)
	if !res.OK() {
		return res
	}
	if err := p.WarehouseLoader.Append(ctx, res.Data, e.Target); err != nil {
		return transform.Result{
			Table:   e.Name,
			Failure: &transform.Failure{Kind: transform.KindLoad, Table: e.Name, Err: err, Partial: res.Data},
		}
	}
	return res
}

// Failures returns the failed warehouse results.
func (r *Report) Failures() []*transform.Failure {
	var out []*transform.Failure
	for _, res := range r.Results {
		var f *transform.Failure
		if errors.As(res.Err(), &f) {
			out = append(out, f)
		}
	}
	return out
}
