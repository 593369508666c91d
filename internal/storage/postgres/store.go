package postgres

import (
	"context"

	"github.com/jkaninda/mcpforge/internal/storage"
)

// Store implements storage.SavedServerStore backed by PostgreSQL.
type Store struct {
	*SavedServerRepository
	pgDB *DB
}

var _ storage.SavedServerStore = (*Store)(nil)

// NewStore wraps an existing DB as a SavedServerStore.
func NewStore(pgDB *DB) *Store {
	return &Store{
		SavedServerRepository: NewSavedServerRepository(pgDB.GormDB()),
		pgDB:                  pgDB,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}
