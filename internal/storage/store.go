// Package storage defines the persistence interface for saved server
// definitions. Three backends are provided: a single JSON document (default,
// zero-config), SQLite and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a saved definition id does not exist.
var ErrNotFound = errors.New("saved server not found")

// SavedServer is a server definition stored independently of any live
// session. Loading it always starts a new session with a new id.
type SavedServer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Code     string    `json:"code"`
	Language string    `json:"language"`
	SavedAt  time.Time `json:"savedAt"`
	ServerID string    `json:"serverId,omitempty"` // Session it was saved from; informational.
}

// SavedServerStore persists saved definitions. Save overwrites any
// existing definition with the same id as a whole.
type SavedServerStore interface {
	Save(ctx context.Context, s *SavedServer) error
	Get(ctx context.Context, id string) (*SavedServer, error)
	List(ctx context.Context) ([]SavedServer, error)
	Delete(ctx context.Context, id string) error

	// Ping reports whether the backend is reachable, for readiness probes.
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("json", "sqlite" or "postgres").
	Driver() string
}

// Driver names.
const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
