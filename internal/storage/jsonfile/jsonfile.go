// Package jsonfile stores saved server definitions in a single JSON
// document, rewritten as a whole on every mutation. A missing or corrupt
// document reads as an empty store.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/mcpforge/internal/storage"
)

const (
	fileMode        = 0o644
	dirMode         = 0o755
	tempFilePattern = ".saved-servers-*.json.tmp"
)

// record is the on-disk shape of one definition; the id is the map key.
type record struct {
	Name     string    `json:"name"`
	Code     string    `json:"code"`
	Language string    `json:"language"`
	SavedAt  time.Time `json:"savedAt"`
	ServerID string    `json:"serverId,omitempty"`
}

// Store implements storage.SavedServerStore on a JSON file.
type Store struct {
	path   string
	logger *slog.Logger

	// mu serializes this process's read-modify-write cycles. Other
	// processes writing the same file race with last-writer-wins.
	mu sync.Mutex
}

var _ storage.SavedServerStore = (*Store)(nil)

// Open returns a Store for path, creating its parent directory.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("saved servers path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("creating saved servers directory: %w", err)
	}
	logger.Info("json store opened", slog.String("path", path))
	return &Store{path: path, logger: logger}, nil
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

func (s *Store) Save(ctx context.Context, saved *storage.SavedServer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read()
	doc[saved.ID] = record{
		Name:     saved.Name,
		Code:     saved.Code,
		Language: saved.Language,
		SavedAt:  saved.SavedAt.UTC(),
		ServerID: saved.ServerID,
	}
	return s.write(doc)
}

func (s *Store) Get(ctx context.Context, id string) (*storage.SavedServer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.read()[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	saved := fromRecord(id, rec)
	return &saved, nil
}

// List returns every definition, oldest first.
func (s *Store) List(ctx context.Context) ([]storage.SavedServer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	doc := s.read()
	s.mu.Unlock()

	out := make([]storage.SavedServer, 0, len(doc))
	for id, rec := range doc {
		out = append(out, fromRecord(id, rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].SavedAt.Before(out[j].SavedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.read()
	if _, ok := doc[id]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	delete(doc, id)
	return s.write(doc)
}

// Ping checks that the document's directory is still there.
func (s *Store) Ping(_ context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

func (s *Store) Close() error { return nil }

func (s *Store) Driver() string { return storage.DriverJSON }

// read loads the document. Any failure yields an empty document.
func (s *Store) read() map[string]record {
	doc := make(map[string]record)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading saved servers, treating as empty",
				slog.String("path", s.path),
				slog.String("error", err.Error()),
			)
		}
		return doc
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("saved servers document is corrupt, treating as empty",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
		return make(map[string]record)
	}
	return doc
}

// write replaces the document through a temp file and rename so readers
// never observe a partial write.
func (s *Store) write(doc map[string]record) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding saved servers: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("creating temp saved servers file: %w", err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("writing temp saved servers file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp saved servers file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp saved servers file: %w", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		return fmt.Errorf("replacing saved servers file: %w", err)
	}
	cleanup = false
	return nil
}

func fromRecord(id string, rec record) storage.SavedServer {
	return storage.SavedServer{
		ID:       id,
		Name:     rec.Name,
		Code:     rec.Code,
		Language: rec.Language,
		SavedAt:  rec.SavedAt,
		ServerID: rec.ServerID,
	}
}
