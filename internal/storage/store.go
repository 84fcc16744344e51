// Package storage defines the unified Store interface for sandbox
// persistence. Two backends are provided: SQLite (default, zero-config)
// and PostgreSQL. All GORM usage stays below this interface; the sandbox
// controller only sees sandbox.Store.
package storage

import (
	"context"

	"github.com/jkaninda/sanduku/internal/sandbox"
)

// Store is the persistence backend.
type Store interface {
	// Sandboxes returns the sandbox metadata store. The returned store
	// shares the backend's connection.
	Sandboxes() sandbox.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
