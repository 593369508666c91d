// Package audit appends server lifecycle events to a JSONL file.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/jkaninda/mcpforge/internal/session"
)

// Logger writes lifecycle events as append-only JSONL, one event per line.
// Thread-safe: multiple goroutines can log concurrently.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// Open opens (or creates) the audit log in append-only mode with 0600
// permissions, creating its directory when missing.
func Open(path string, logger *slog.Logger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &Logger{file: f, logger: logger}, nil
}

// Log appends ev to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *Logger) Log(ctx context.Context, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("type", string(ev.Type)),
		slog.String("server_id", ev.ServerID),
	)
	return nil
}

// Run logs every event received until events closes or ctx is canceled.
func (a *Logger) Run(ctx context.Context, events <-chan session.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := a.Log(ctx, ev); err != nil {
				a.logger.Warn("audit write failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close closes the underlying file.
func (a *Logger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}
