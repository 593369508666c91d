package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/mcpforge/internal/observability"
	"github.com/jkaninda/mcpforge/internal/ratelimit"
	"github.com/jkaninda/mcpforge/internal/sandbox"
	"github.com/jkaninda/mcpforge/internal/session"
	"github.com/jkaninda/mcpforge/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSessions is an in-memory Sessions with a single subscriber slot.
type fakeSessions struct {
	mu         sync.Mutex
	infos      []session.Info
	tools      map[string][]mcp.Tool
	toolErrs   map[string]error
	sub        chan session.Event
	subscribed chan struct{}
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		infos: []session.Info{{
			ID:        "srv-1",
			Language:  sandbox.Python,
			CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}},
		tools: map[string][]mcp.Tool{
			"srv-1": {mcp.NewTool("echo", mcp.WithDescription("Echo a message"))},
		},
		subscribed: make(chan struct{}, 1),
	}
}

func (f *fakeSessions) Infos() []session.Info { return f.infos }

func (f *fakeSessions) Info(id string) (session.Info, error) {
	for _, info := range f.infos {
		if info.ID == id {
			return info, nil
		}
	}
	return session.Info{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
}

func (f *fakeSessions) Tools(_ context.Context, id string) ([]mcp.Tool, error) {
	if err := f.toolErrs[id]; err != nil {
		return nil, err
	}
	tools, ok := f.tools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return tools, nil
}

func (f *fakeSessions) Subscribe(buffer int) (<-chan session.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub = make(chan session.Event, buffer)
	f.subscribed <- struct{}{}
	return f.sub, func() {}
}

func (f *fakeSessions) publish(ev session.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sub <- ev
}

type fakeSaved struct {
	saved []storage.SavedServer
	err   error
}

func (f *fakeSaved) List(context.Context) ([]storage.SavedServer, error) {
	return f.saved, f.err
}

type testEnv struct {
	server   *httptest.Server
	sessions *fakeSessions
	metrics  *observability.MetricsCollector
}

func newTestEnv(t *testing.T, cfg Config, rl *ratelimit.Limiter) *testEnv {
	t.Helper()
	sessions := newFakeSessions()
	saved := &fakeSaved{saved: []storage.SavedServer{{
		ID:       "saved-1",
		Name:     "echo",
		Code:     "print('secret source')",
		Language: "python",
		SavedAt:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}}}
	metrics := observability.NewMetricsCollector()
	cfg.Metrics = metrics
	cfg.MetricsRegistry = metrics.Registry
	if rl == nil {
		rl = ratelimit.NewLimiter(ratelimit.Config{})
	}
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	g := NewGateway(cfg, sessions, saved, mcpHandler, rl, testLogger())
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, sessions: sessions, metrics: metrics}
}

func (e *testEnv) do(t *testing.T, method, path, key string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestLivenessAndMetrics(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp := env.do(t, "GET", "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var health HealthResponse
	decode(t, resp, &health)
	if health.Status != "ok" {
		t.Errorf("status = %q", health.Status)
	}

	resp = env.do(t, "GET", "/metrics", "")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "mcpforge_session_active") {
		t.Errorf("metrics output missing mcpforge_session_active")
	}
}

func TestLiveness_ServerSummary(t *testing.T) {
	hc := observability.NewHealthChecker(testLogger())
	hc.TrackServers(func() int { return 2 })
	hc.RecordCrash("srv-9", "exit status 1")
	env := newTestEnv(t, Config{HealthChecker: hc}, nil)

	resp := env.do(t, "GET", "/healthz", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	var health observability.HealthStatus
	decode(t, resp, &health)
	if health.Status != "ok" || health.Servers == nil {
		t.Fatalf("health = %+v", health)
	}
	if health.Servers.Active != 2 || health.Servers.Crashes != 1 || health.Servers.RecentCrashes[0].ServerID != "srv-9" {
		t.Errorf("servers = %+v", health.Servers)
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name     string
		checkErr error
		want     int
	}{
		{"all checks pass", nil, http.StatusOK},
		{"store unreachable", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := observability.NewHealthChecker(testLogger())
			hc.AddCheck("store", func(context.Context) error { return tt.checkErr })
			env := newTestEnv(t, Config{HealthChecker: hc}, nil)

			resp := env.do(t, "GET", "/readyz", "")
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, Config{APIKeys: []string{"k1", "k2"}}, nil)

	tests := []struct {
		path string
		key  string
		want int
	}{
		{"/v1/servers", "", http.StatusUnauthorized},
		{"/v1/servers", "wrong", http.StatusUnauthorized},
		{"/v1/servers", "k1", http.StatusOK},
		{"/v1/saved", "k2", http.StatusOK},
		{"/mcp", "", http.StatusUnauthorized},
		{"/mcp", "k1", http.StatusAccepted},
		{"/healthz", "", http.StatusOK},
	}
	for _, tt := range tests {
		resp := env.do(t, "GET", tt.path, tt.key)
		if resp.StatusCode != tt.want {
			t.Errorf("GET %s key=%q: status = %d, want %d", tt.path, tt.key, resp.StatusCode, tt.want)
		}
	}
}

func TestOpenAccessWithoutKeys(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	for _, path := range []string{"/v1/servers", "/v1/saved", "/mcp"} {
		if resp := env.do(t, "GET", path, ""); resp.StatusCode >= 400 {
			t.Errorf("GET %s: status = %d", path, resp.StatusCode)
		}
	}
}

func TestListServers(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	var infos []session.Info
	decode(t, env.do(t, "GET", "/v1/servers", ""), &infos)
	if len(infos) != 1 || infos[0].ID != "srv-1" || infos[0].Language != sandbox.Python {
		t.Errorf("infos = %+v", infos)
	}
}

func TestServerTools(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp := env.do(t, "GET", "/v1/servers/srv-1/tools", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var tools ToolsResponse
	decode(t, resp, &tools)
	if tools.ServerID != "srv-1" || len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Errorf("tools = %+v", tools)
	}

	if resp := env.do(t, "GET", "/v1/servers/missing/tools", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown server: status = %d, want 404", resp.StatusCode)
	}
	if resp := env.do(t, "GET", "/v1/servers/missing", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown server info: status = %d, want 404", resp.StatusCode)
	}
}

func TestServerTools_ChildFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exited", fmt.Errorf("list tools: %w", session.ErrExited), http.StatusBadGateway},
		{"connect", fmt.Errorf("%w: srv-1: exit status 1", session.ErrConnect), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, nil)
			env.sessions.toolErrs = map[string]error{"srv-1": tt.err}

			resp := env.do(t, "GET", "/v1/servers/srv-1/tools", "")
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestListSaved_OmitsSource(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	resp := env.do(t, "GET", "/v1/saved", "")
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "secret source") {
		t.Errorf("saved listing leaks source code: %s", body)
	}
	var saved []SavedResponse
	if err := json.Unmarshal(body, &saved); err != nil {
		t.Fatal(err)
	}
	if len(saved) != 1 || saved[0].ID != "saved-1" || saved[0].Name != "echo" {
		t.Errorf("saved = %+v", saved)
	}
}

func TestRateLimit(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 2})
	env := newTestEnv(t, Config{APIKeys: []string{"k1", "k2"}}, rl)

	for i := 0; i < 2; i++ {
		if resp := env.do(t, "GET", "/v1/servers", "k1"); resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, resp.StatusCode)
		}
	}
	resp := env.do(t, "GET", "/mcp", "k1")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if resp := env.do(t, "GET", "/v1/servers", "k2"); resp.StatusCode != http.StatusOK {
		t.Errorf("other key: status = %d", resp.StatusCode)
	}
}

func TestEvents_StreamsFilteredEvents(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/events?server=srv-1"
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{eventsSubprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	select {
	case <-env.sessions.subscribed:
	case <-ctx.Done():
		t.Fatal("handler never subscribed")
	}

	env.sessions.publish(session.Event{Type: session.EventCreated, ServerID: "srv-2"})
	env.sessions.publish(session.Event{Type: session.EventReplaced, ServerID: "srv-0", NewServerID: "srv-1"})
	env.sessions.publish(session.Event{Type: session.EventExited, ServerID: "srv-1", Error: "exit status 1"})

	var got []session.Event
	for len(got) < 2 {
		var ev session.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, ev)
	}
	if got[0].Type != session.EventReplaced || got[0].NewServerID != "srv-1" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Type != session.EventExited || got[1].Error != "exit status 1" {
		t.Errorf("second event = %+v", got[1])
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{30 * time.Second, "30"},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.in); got != tt.want {
			t.Errorf("retryAfter(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
