// Package metrics is the process-wide metrics facade used by the ETL stages.
//
// Stages record through the package-level helpers; cmd/etl installs a concrete
// Backend (Datadog) at startup. Until then a no-op backend swallows everything,
// so library code and tests never need to care whether metrics are enabled.
package metrics

import (
	"sync"
	"time"
)

// Metric names understood by backends.
const (
	StepTotal        = "etl_step_total"
	StepDuration     = "etl_step_duration_seconds"
	RecordsTotal     = "etl_records_total"
	BatchesTotal     = "etl_batches_total"
	JoinDroppedTotal = "etl_join_dropped_total"
)

// Labels are metric dimensions, e.g. {"step": "customer", "status": "success"}.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush asks the current backend to submit buffered data.
func Flush() error { return current().Flush() }

// RecordStep counts one step outcome and observes its duration.
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRows counts rows by kind ("extracted", "loaded", "quarantined", ...).
func RecordRows(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one write round-trip to a store.
func RecordBatch() {
	current().IncCounter(BatchesTotal, 1, nil)
}

// RecordJoinDropped counts left-side rows an inner join discarded. kind names
// the join, e.g. "product_store".
func RecordJoinDropped(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(JoinDroppedTotal, float64(n), Labels{"kind": kind})
}
