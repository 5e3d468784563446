// Package storage defines the execution archive that outlives the in-memory
// history. Two backends are provided: SQLite (default, zero-config) and
// PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/runbox/internal/execution"
)

// Store is the persistence handle for one archive database.
type Store interface {
	// Executions returns the archive of terminal execution results.
	Executions() ExecutionStore

	// Ping checks database reachability for readiness probes.
	Ping(ctx context.Context) error

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ExecutionStore persists terminal execution results. It satisfies
// execution.Archive.
type ExecutionStore interface {
	// Append inserts r, replacing any earlier record with the same ID.
	Append(ctx context.Context, r *execution.Result) error
	// Get returns the archived result or an error wrapping execution.ErrNotFound.
	Get(ctx context.Context, id string) (*execution.Result, error)
	// Recent returns up to limit results, most recently submitted first.
	Recent(ctx context.Context, filter Filter) ([]*execution.Result, error)
	// Prune deletes results finished before the cutoff and returns how many went.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Filter narrows Recent. Zero values match everything.
type Filter struct {
	Kind   execution.Kind
	Status execution.Status
	Limit  int // 0 = 50.
}

// DefaultRecentLimit applies when Filter.Limit is zero.
const DefaultRecentLimit = 50

const (
	// DriverSQLite is the SQLite driver name.
	DriverSQLite = "sqlite"
	// DriverPostgres is the PostgreSQL driver name.
	DriverPostgres = "postgres"
	// DriverNone disables the archive.
	DriverNone = "none"
)

var _ execution.Archive = (ExecutionStore)(nil)
