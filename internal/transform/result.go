package transform

import (
	"fmt"

	"retailetl/internal/table"
)

// Kind classifies why an entity did not produce warehouse rows.
type Kind int

const (
	// KindExtraction: reading the staged input or a dimension failed.
	KindExtraction Kind = iota + 1
	// KindTransformation: a normalize or join step failed.
	KindTransformation
	// KindDependency: an upstream entity failed, so this one was not run.
	KindDependency
	// KindLoad: the warehouse append failed.
	KindLoad
)

func (k Kind) String() string {
	switch k {
	case KindExtraction:
		return "extraction"
	case KindTransformation:
		return "transformation"
	case KindDependency:
		return "dependency"
	case KindLoad:
		return "load"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Failure is the error half of a Result.
//
// Partial is the in-flight table at the moment of failure, possibly half
// transformed. QuarantineErr is set when Partial could not be persisted; it
// never replaces Err.
type Failure struct {
	Kind             Kind
	Table            string
	Err              error
	Partial          *table.Table
	QuarantineObject string
	QuarantineErr    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", f.Table, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result is what one entity invocation produced: Data on success, Failure
// otherwise. Exactly one of the two is set.
type Result struct {
	Table   string
	Data    *table.Table
	Failure *Failure
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Failure == nil }

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure
}
