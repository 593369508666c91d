package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/mcpforge/internal/storage"
)

// SavedServerRepository implements saved server persistence with GORM.
// It works against both the PostgreSQL and SQLite dialects.
type SavedServerRepository struct {
	db *gorm.DB
}

// NewSavedServerRepository creates a SavedServerRepository.
func NewSavedServerRepository(db *gorm.DB) *SavedServerRepository {
	return &SavedServerRepository{db: db}
}

// Save inserts s, replacing every column of an existing row with the same id.
func (r *SavedServerRepository) Save(ctx context.Context, s *storage.SavedServer) error {
	model := toSavedServerModel(s)
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "code", "language", "server_id", "saved_at", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("saving server %s: %w", s.ID, err)
	}
	return nil
}

// Get retrieves a saved server by id.
func (r *SavedServerRepository) Get(ctx context.Context, id string) (*storage.SavedServer, error) {
	var model SavedServerModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting saved server %s: %w", id, err)
	}
	return toSavedServerDomain(&model), nil
}

// List returns all saved servers, oldest first.
func (r *SavedServerRepository) List(ctx context.Context) ([]storage.SavedServer, error) {
	var models []SavedServerModel
	if err := r.db.WithContext(ctx).
		Order("saved_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing saved servers: %w", err)
	}
	out := make([]storage.SavedServer, len(models))
	for i := range models {
		out[i] = *toSavedServerDomain(&models[i])
	}
	return out, nil
}

// Delete removes a saved server by id.
func (r *SavedServerRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&SavedServerModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting saved server %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

func toSavedServerModel(s *storage.SavedServer) SavedServerModel {
	return SavedServerModel{
		ID:       s.ID,
		Name:     s.Name,
		Code:     s.Code,
		Language: s.Language,
		ServerID: s.ServerID,
		SavedAt:  s.SavedAt.UTC(),
	}
}

func toSavedServerDomain(m *SavedServerModel) *storage.SavedServer {
	return &storage.SavedServer{
		ID:       m.ID,
		Name:     m.Name,
		Code:     m.Code,
		Language: m.Language,
		ServerID: m.ServerID,
		SavedAt:  m.SavedAt.UTC(),
	}
}
