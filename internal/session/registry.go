package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mcpforge/internal/observability"
	"github.com/jkaninda/mcpforge/internal/sandbox"
	"github.com/jkaninda/mcpforge/internal/schema"
)

// entry is one registered session.
type entry struct {
	info Info
	conn Conn

	// mu serializes Update and Delete on this id.
	mu sync.Mutex

	// closing is set before an explicit close so the resulting exit is
	// not reported as a crash.
	closing atomic.Bool
}

// RegistryConfig bounds the registry.
type RegistryConfig struct {
	MaxSessions int // 0 = unlimited.
}

// Registry owns every live session. All map mutations happen under mu;
// child exits are funneled through a single loop goroutine.
type Registry struct {
	builder   Builder
	connector Connector
	cfg       RegistryConfig
	obs       *observability.Observability
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	pending map[string]struct{} // ids whose sandbox is being built

	exits    chan exit
	quit     chan struct{}
	stopOnce sync.Once
	events   *hub
}

// NewRegistry creates a Registry and starts its exit loop. obs may be nil.
func NewRegistry(builder Builder, connector Connector, cfg RegistryConfig, obs *observability.Observability, logger *slog.Logger) *Registry {
	r := &Registry{
		builder:   builder,
		connector: connector,
		cfg:       cfg,
		obs:       obs,
		logger:    logger,
		entries:   make(map[string]*entry),
		pending:   make(map[string]struct{}),
		exits:     make(chan exit),
		quit:      make(chan struct{}),
		events:    newHub(),
	}
	go r.loop()
	return r
}

// Create builds code into a fresh sandbox, starts it and registers the
// session. Nothing is registered and the sandbox is removed on failure.
func (r *Registry) Create(ctx context.Context, code string, lang sandbox.Language, deps map[string]string) (id string, err error) {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, "session.create",
		trace.WithAttributes(observability.AttrServerLanguage.String(string(lang))))
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		r.obs.MetricsOrNil().RecordCreate(string(lang), status, time.Since(start))
		r.obs.AnomalyOrNil().Record(observability.OpCreate, err != nil && !errors.Is(err, ErrTooManySessions))
		span.End()
	}()

	id = uuid.NewString()

	// Builds in flight hold a slot so concurrent creates cannot overshoot.
	r.mu.Lock()
	if limit := r.cfg.MaxSessions; limit > 0 && len(r.entries)+len(r.pending) >= limit {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: limit is %d", ErrTooManySessions, limit)
	}
	r.pending[id] = struct{}{}
	r.mu.Unlock()
	span.SetAttributes(observability.AttrServerID.String(id))
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	spec, err := r.builder.Build(ctx, id, code, lang, deps)
	if err != nil {
		r.obs.HealthOrNil().RecordBuildFailure(id, err.Error())
		r.logger.Error("server build failed",
			slog.String("server_id", id),
			slog.String("language", string(lang)),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	conn, err := r.connector.Connect(ctx, id, spec)
	if err != nil {
		r.builder.Teardown(id)
		r.obs.HealthOrNil().RecordBuildFailure(id, err.Error())
		r.logger.Error("server connect failed",
			slog.String("server_id", id),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	e := &entry{
		info: Info{
			ID:         id,
			Language:   lang,
			SandboxDir: spec.Dir,
			SourcePath: spec.SourcePath,
			CreatedAt:  time.Now().UTC(),
		},
		conn: conn,
	}

	r.mu.Lock()
	r.entries[id] = e
	n := len(r.entries)
	r.mu.Unlock()

	r.obs.MetricsOrNil().SetActive(n)
	go r.watch(e)

	r.logger.Info("server created",
		slog.String("server_id", id),
		slog.String("language", string(lang)),
		slog.Int("active", n),
	)
	r.events.publish(Event{Type: EventCreated, ServerID: id, Language: lang})
	return id, nil
}

// Tools fetches the tool list the child currently advertises.
func (r *Registry) Tools(ctx context.Context, id string) ([]mcp.Tool, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return e.conn.ListTools(ctx)
}

// CallTool validates args against the tool's current schema and forwards
// the call. An unknown tool or invalid arguments yield an error result,
// not a Go error; the child's own result is returned unchanged.
func (r *Registry) CallTool(ctx context.Context, id, name string, args map[string]any) (res *mcp.CallToolResult, err error) {
	start := time.Now()
	ctx, span := r.obs.StartSpan(ctx, "session.call_tool",
		trace.WithAttributes(
			observability.AttrServerID.String(id),
			observability.AttrToolName.String(name),
		))
	status := "success"
	defer func() {
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(observability.AttrToolStatus.String(status))
		span.End()
		r.obs.MetricsOrNil().RecordToolCall(status, time.Since(start))
		r.obs.AnomalyOrNil().Record(observability.OpToolCall, status == "error")
	}()

	e, err := r.get(id)
	if err != nil {
		return nil, err
	}

	tools, err := e.conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	var tool *mcp.Tool
	for i := range tools {
		if tools[i].Name == name {
			tool = &tools[i]
			break
		}
	}
	if tool == nil {
		status = "tool_not_found"
		return toolError(CodeMethodNotFound, "Tool not found: "+name), nil
	}

	if args == nil {
		args = map[string]any{}
	}
	if raw := inputSchema(tool.InputSchema); raw != nil {
		if verr := schema.Compile(raw).Validate(args); verr != nil {
			status = "invalid_params"
			return toolError(CodeInvalidParams, "Invalid parameters: "+verr.Error()), nil
		}
	}

	res, err = e.conn.CallTool(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		status = "tool_error"
	}
	return res, nil
}

// Update replaces a session with a new one built from code in the same
// language, returning the new id. The old id is gone afterwards even when
// building the replacement fails.
func (r *Registry) Update(ctx context.Context, id, code string) (string, error) {
	e, err := r.lock(id)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()

	lang := e.info.Language
	r.close(e)
	r.remove(e)
	r.builder.Teardown(id)

	newID, err := r.Create(ctx, code, lang, nil)
	if err != nil {
		r.events.publish(Event{Type: EventDeleted, ServerID: id, Language: lang})
		return "", fmt.Errorf("replacing server %s: %w", id, err)
	}
	r.logger.Info("server replaced",
		slog.String("server_id", id),
		slog.String("new_server_id", newID),
	)
	r.events.publish(Event{Type: EventReplaced, ServerID: id, NewServerID: newID, Language: lang})
	return newID, nil
}

// Delete stops a session and removes its sandbox. A second Delete of the
// same id returns ErrNotFound.
func (r *Registry) Delete(ctx context.Context, id string) error {
	e, err := r.lock(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	r.close(e)
	r.remove(e)
	r.builder.Teardown(id)

	r.logger.Info("server deleted", slog.String("server_id", id))
	r.events.publish(Event{Type: EventDeleted, ServerID: id, Language: e.info.Language})
	return nil
}

// List returns the ids of every live session, oldest first.
func (r *Registry) List() []string {
	infos := r.Infos()
	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return ids
}

// Infos returns metadata for every live session, oldest first.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Info returns metadata for one session.
func (r *Registry) Info(id string) (Info, error) {
	e, err := r.get(id)
	if err != nil {
		return Info{}, err
	}
	return e.info, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Source reads back the code a live session was built from.
func (r *Registry) Source(id string) (string, sandbox.Language, error) {
	e, err := r.get(id)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(e.info.SourcePath)
	if err != nil {
		return "", "", fmt.Errorf("reading source of %s: %w", id, err)
	}
	return string(data), e.info.Language, nil
}

// Owns reports whether dir is the sandbox of a live session or of one
// still being created.
func (r *Registry) Owns(dir string) bool {
	dir = filepath.Clean(dir)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.pending[filepath.Base(dir)]; ok {
		return true
	}
	for _, e := range r.entries {
		if filepath.Clean(e.info.SandboxDir) == dir {
			return true
		}
	}
	return false
}

// Subscribe returns a channel of lifecycle events and a function that
// ends the subscription. Events are dropped when the channel is full.
func (r *Registry) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.subscribe(buffer)
}

// CloseAll stops every session, removes their sandboxes and waits for
// all of it to finish. The registry stays usable.
func (r *Registry) CloseAll() {
	var wg sync.WaitGroup
	for _, e := range r.drain() {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			r.close(e)
			r.builder.Teardown(e.info.ID)
		}(e)
	}
	wg.Wait()
	r.obs.MetricsOrNil().SetActive(0)
}

// Shutdown issues a close for every session and returns without waiting
// for any of them. Children that are slow to exit may be left to the
// operating system; this keeps shutdown latency bounded.
func (r *Registry) Shutdown() {
	entries := r.drain()
	for _, e := range entries {
		go r.close(e)
	}
	r.stopOnce.Do(func() { close(r.quit) })
	r.logger.Info("registry shut down", slog.Int("closed", len(entries)))
}

func (r *Registry) drain() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, id)
	}
	return entries
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// lock returns the entry for id with its mutex held, re-checking that it
// is still registered once the lock is acquired.
func (r *Registry) lock(id string) (*entry, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()

	r.mu.RLock()
	current := r.entries[id]
	r.mu.RUnlock()
	if current != e {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func (r *Registry) close(e *entry) {
	e.closing.Store(true)
	if err := e.conn.Close(); err != nil {
		r.logger.Warn("closing server",
			slog.String("server_id", e.info.ID),
			slog.String("error", err.Error()),
		)
	}
}

// remove deletes e from the map if it is still the entry registered under
// its id. It reports whether anything was removed.
func (r *Registry) remove(e *entry) bool {
	r.mu.Lock()
	current, ok := r.entries[e.info.ID]
	removed := ok && current == e
	if removed {
		delete(r.entries, e.info.ID)
	}
	n := len(r.entries)
	r.mu.Unlock()

	if removed {
		r.obs.MetricsOrNil().SetActive(n)
	}
	return removed
}

// watch is the per-session supervisor: it reports the child's exit to
// the registry loop.
func (r *Registry) watch(e *entry) {
	select {
	case <-e.conn.Done():
	case <-r.quit:
		return
	}
	select {
	case r.exits <- exit{entry: e, err: e.conn.Err()}:
	case <-r.quit:
	}
}

// loop is the single consumer of exit reports.
func (r *Registry) loop() {
	for {
		select {
		case ex := <-r.exits:
			r.handleExit(ex)
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) handleExit(ex exit) {
	e := ex.entry
	if !r.remove(e) || e.closing.Load() {
		return
	}

	msg := ""
	if ex.err != nil {
		msg = ex.err.Error()
	}
	r.logger.Warn("server exited",
		slog.String("server_id", e.info.ID),
		slog.String("reason", msg),
	)
	r.obs.MetricsOrNil().RecordExit(string(e.info.Language))
	r.obs.HealthOrNil().RecordCrash(e.info.ID, msg)
	r.events.publish(Event{Type: EventExited, ServerID: e.info.ID, Language: e.info.Language, Error: msg})

	// Release the client side of the dead session.
	_ = e.conn.Close()
}
