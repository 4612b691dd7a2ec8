// Package auditlog records one row per pipeline step outcome in the etl_log
// table. Recording is fire-and-forget: a sink never returns an error and
// never blocks the pipeline on its own failure.
package auditlog

import (
	"context"
	"log"
	"sync"
	"time"

	"retailetl/internal/storage"
)

// Status values written to etl_log.status.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Step values written to etl_log.step.
const (
	StepStaging   = "staging"
	StepWarehouse = "warehouse"
)

// DateLayout is the etl_date text format.
const DateLayout = "2006-01-02 15:04:05"

// DefaultTable is the audit table name.
const DefaultTable = "etl_log"

// Entry is one audit record. ErrorMsg is empty on success.
type Entry struct {
	Step      string
	Component string
	Status    string
	TableName string
	ETLDate   time.Time
	ErrorMsg  string
}

// Sink receives audit entries.
type Sink interface {
	Record(ctx context.Context, e Entry)
}

// Logger is the subset of *log.Logger sinks use.
type Logger interface {
	Printf(format string, v ...any)
}

// Outcome returns the entry for a step that finished with err, nil meaning
// success.
func Outcome(step, component, tableName string, at time.Time, err error) Entry {
	e := Entry{Step: step, Component: component, Status: StatusSuccess, TableName: tableName, ETLDate: at}
	if err != nil {
		e.Status = StatusFailed
		e.ErrorMsg = err.Error()
	}
	return e
}

var columns = []string{"step", "component", "status", "table_name", "etl_date", "error_msg"}

// TableSpec is the DDL for the audit table.
func TableSpec(name string) storage.TableSpec {
	nullable := true
	return storage.TableSpec{
		Name:            name,
		AutoCreateTable: true,
		Columns: []storage.ColumnSpec{
			{Name: "step", Type: "varchar(50)"},
			{Name: "component", Type: "varchar(100)"},
			{Name: "status", Type: "varchar(20)"},
			{Name: "table_name", Type: "varchar(100)"},
			{Name: "etl_date", Type: "varchar(19)"},
			{Name: "error_msg", Type: "varchar(4000)", Nullable: &nullable},
		},
	}
}

// DBSink appends entries to a table through a storage.Repository.
type DBSink struct {
	repo   storage.Repository
	table  string
	logger Logger

	mu      sync.Mutex
	ensured bool
}

// NewDBSink returns a sink writing to table (DefaultTable when empty).
// The table is created on first use if missing; a failed create is retried on
// the next Record.
func NewDBSink(repo storage.Repository, table string, logger Logger) *DBSink {
	if table == "" {
		table = DefaultTable
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DBSink{repo: repo, table: table, logger: logger}
}

// Record implements Sink. Write failures are printed, never returned.
func (s *DBSink) Record(ctx context.Context, e Entry) {
	if err := s.ensure(ctx); err != nil {
		s.logger.Printf("Can't save your log message. Cause: %v", err)
		return
	}
	if _, err := s.repo.AppendRows(ctx, s.table, columns, [][]any{e.row()}); err != nil {
		s.logger.Printf("Can't save your log message. Cause: %v", err)
	}
}

func (s *DBSink) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}
	if err := s.repo.EnsureTables(ctx, []storage.TableSpec{TableSpec(s.table)}); err != nil {
		return err
	}
	s.ensured = true
	return nil
}

func (e Entry) row() []any {
	var msg any
	if e.ErrorMsg != "" {
		msg = e.ErrorMsg
	}
	return []any{e.Step, e.Component, e.Status, e.TableName, e.ETLDate.Format(DateLayout), msg}
}

// LoggerSink prints entries through a logger. Used when no log store is
// configured.
type LoggerSink struct {
	Logger Logger
}

// Record implements Sink.
func (s LoggerSink) Record(_ context.Context, e Entry) {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	if e.ErrorMsg == "" {
		l.Printf("etl_log step=%s component=%q status=%s table=%s etl_date=%q",
			e.Step, e.Component, e.Status, e.TableName, e.ETLDate.Format(DateLayout))
		return
	}
	l.Printf("etl_log step=%s component=%q status=%s table=%s etl_date=%q error=%q",
		e.Step, e.Component, e.Status, e.TableName, e.ETLDate.Format(DateLayout), e.ErrorMsg)
}

var (
	_ Sink = (*DBSink)(nil)
	_ Sink = LoggerSink{}
)
