package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/mcpforge/internal/observability"
	"github.com/jkaninda/mcpforge/internal/sandbox"
	"github.com/jkaninda/mcpforge/internal/storage"
)

// Sources is the slice of the session registry the library needs.
type Sources interface {
	Source(id string) (string, sandbox.Language, error)
	Create(ctx context.Context, code string, lang sandbox.Language, deps map[string]string) (string, error)
}

// Library saves live servers and recreates them later. Saved ids and
// session ids are separate namespaces.
type Library struct {
	store    storage.SavedServerStore
	sessions Sources
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewLibrary creates a Library. metrics may be nil.
func NewLibrary(store storage.SavedServerStore, sessions Sources, metrics *observability.MetricsCollector, logger *slog.Logger) *Library {
	return &Library{
		store:    store,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Save snapshots the live code of session sessionID under name.
func (l *Library) Save(ctx context.Context, sessionID, name string) (saved *storage.SavedServer, err error) {
	defer func() { l.metrics.RecordSaved("save", err) }()

	code, lang, err := l.sessions.Source(sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading server %s: %w", sessionID, err)
	}
	saved = &storage.SavedServer{
		ID:       uuid.NewString(),
		Name:     name,
		Code:     code,
		Language: lang.String(),
		SavedAt:  l.now().Truncate(time.Second),
		ServerID: sessionID,
	}
	if err := l.store.Save(ctx, saved); err != nil {
		return nil, err
	}
	l.logger.Info("server saved",
		slog.String("saved_id", saved.ID),
		slog.String("server_id", sessionID),
		slog.String("name", name),
	)
	return saved, nil
}

// Load starts a new session from a saved definition and returns its id.
func (l *Library) Load(ctx context.Context, savedID string) (id string, err error) {
	defer func() { l.metrics.RecordSaved("load", err) }()

	saved, err := l.store.Get(ctx, savedID)
	if err != nil {
		return "", err
	}
	lang, err := sandbox.ParseLanguage(saved.Language)
	if err != nil {
		return "", fmt.Errorf("saved server %s: %w", savedID, err)
	}
	id, err = l.sessions.Create(ctx, saved.Code, lang, nil)
	if err != nil {
		return "", err
	}
	l.logger.Info("saved server loaded",
		slog.String("saved_id", savedID),
		slog.String("server_id", id),
	)
	return id, nil
}

// Delete removes a saved definition. Live sessions are unaffected.
func (l *Library) Delete(ctx context.Context, savedID string) (err error) {
	defer func() { l.metrics.RecordSaved("delete", err) }()
	return l.store.Delete(ctx, savedID)
}

// List returns every saved definition, oldest first.
func (l *Library) List(ctx context.Context) ([]storage.SavedServer, error) {
	return l.store.List(ctx)
}

// Ping reports whether the backing store is reachable.
func (l *Library) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}
