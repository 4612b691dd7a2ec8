package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"retailetl/internal/table"
)

// ErrTableNotFound is returned (wrapped) by ReadTable and PrimaryKey when the
// named table does not exist in the backing store.
var ErrTableNotFound = errors.New("table not found")

// Config is the minimal configuration needed to open a Repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic view of one relational store (source,
// staging, warehouse or log database) used by the pipeline.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the pipeline needs. Each backend implements these semantics in
// its own idiomatic way (Postgres COPY and ON CONFLICT, SQLite ON CONFLICT,
// SQL Server MERGE, MySQL ON DUPLICATE KEY).
//
// A Repository owns a connection pool. Open one per store per run and share it
// across every entity.
type Repository interface {
	// Close releases the pool.
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()

	// EnsureTables creates tables and constraints for specs with
	// AutoCreateTable set. It is idempotent.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// ListTables returns the base tables in schema, sorted by name. Backends
	// without schemas ignore the argument.
	ListTables(ctx context.Context, schema string) ([]string, error)

	// ReadTable returns every row of a table with values normalized by
	// NormalizeValue. A missing table yields ErrTableNotFound; an existing
	// empty table yields a table with a header and no rows.
	ReadTable(ctx context.Context, name string) (*table.Table, error)

	// PrimaryKey returns the primary key columns of a table in key order.
	PrimaryKey(ctx context.Context, name string) ([]string, error)

	// AppendRows inserts rows without any conflict handling.
	AppendRows(ctx context.Context, name string, columns []string, rows [][]any) (int64, error)

	// UpsertRows inserts rows, updating the non-key columns of rows whose
	// keyColumns already exist.
	UpsertRows(ctx context.Context, name string, columns []string, rows [][]any, keyColumns []string) (int64, error)
}

// Factory opens a Repository for a registered backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New opens a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	repo, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Kind, err)
	}
	return repo, nil
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
