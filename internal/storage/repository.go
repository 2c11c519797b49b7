// Package storage defines the backend-agnostic row store the extractor
// writes into, plus the registry backends attach themselves to.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config selects and configures a backend.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// TableSpec describes one destination table. Every column is text; the
// extractor's rows are API scalars rendered to strings, and keeping a single
// type sidesteps per-backend affinity differences.
type TableSpec struct {
	Name       string
	Columns    []string
	PrimaryKey []string
}

// Repository is the minimal surface the result writer needs: idempotent
// table setup and idempotent appends.
//
// IMPORTANT: implementations must tolerate re-runs. EnsureTable is called
// for tables that already exist (possibly with fewer columns, which must be
// added), and AppendRows receives rows that may already be present.
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// EnsureTable creates the table if needed and adds any columns the
	// existing table is missing.
	EnsureTable(ctx context.Context, spec TableSpec) error

	// AppendRows bulk-inserts rows. When keyColumns is non-empty the insert
	// must skip rows whose key already exists (Postgres ON CONFLICT, SQLite
	// OR IGNORE, MSSQL NOT EXISTS). Returns the number of rows written.
	AppendRows(ctx context.Context, table string, columns []string, rows [][]any, keyColumns []string) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
// Call it from an init() function in the backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. Fail fast beats ambiguous selection.
func Register(kind string, f factory) {
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

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - If cfg.Kind is empty or unsupported.
//   - Whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
