package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/mcpforge/internal/observability"
	"github.com/jkaninda/mcpforge/internal/sandbox"
	"github.com/jkaninda/mcpforge/internal/storage/jsonfile"
)

var errUnknownServer = errors.New("server not found")

type liveServer struct {
	code string
	lang sandbox.Language
	deps map[string]string
}

// fakeSessions is an in-memory stand-in for the session registry.
type fakeSessions struct {
	mu      sync.Mutex
	next    int
	servers map[string]liveServer
	order   []string
	calls   []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{servers: make(map[string]liveServer)}
}

func (f *fakeSessions) Create(_ context.Context, code string, lang sandbox.Language, deps map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.Contains(code, "syntax error") {
		return "", &sandbox.BuildError{Step: "tsc", ExitCode: 2, Output: "index.ts(1,1): error TS1005"}
	}
	f.next++
	id := fmt.Sprintf("srv-%d", f.next)
	f.servers[id] = liveServer{code: code, lang: lang, deps: deps}
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeSessions) Source(id string) (string, sandbox.Language, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", errUnknownServer, id)
	}
	return s.code, s.lang, nil
}

func (f *fakeSessions) Tools(_ context.Context, id string) ([]mcp.Tool, error) {
	if _, _, err := f.Source(id); err != nil {
		return nil, err
	}
	return []mcp.Tool{mcp.NewTool("echo", mcp.WithString("message", mcp.Required()))}, nil
}

func (f *fakeSessions) CallTool(_ context.Context, id, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if _, _, err := f.Source(id); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	return mcp.NewToolResultText(fmt.Sprintf("Echo: %v", args["message"])), nil
}

func (f *fakeSessions) Update(ctx context.Context, id, code string) (string, error) {
	_, lang, err := f.Source(id)
	if err != nil {
		return "", err
	}
	if err := f.Delete(ctx, id); err != nil {
		return "", err
	}
	return f.Create(ctx, code, lang, nil)
}

func (f *fakeSessions) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[id]; !ok {
		return fmt.Errorf("%w: %s", errUnknownServer, id)
	}
	delete(f.servers, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeSessions) List() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBroker(t *testing.T) (*Broker, *fakeSessions, *observability.MetricsCollector) {
	t.Helper()
	store, err := jsonfile.Open(filepath.Join(t.TempDir(), "saved_servers.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	sessions := newFakeSessions()
	metrics := observability.NewMetricsCollector()
	lib := NewLibrary(store, sessions, metrics, testLogger())
	return New(Config{Name: "test", Version: "0.0.1"}, sessions, lib, nil, testLogger()), sessions, metrics
}

// call invokes a registered tool the way the MCP server would.
func call(t *testing.T, b *Broker, name string, args map[string]any) string {
	t.Helper()
	for _, st := range b.tools() {
		if st.Tool.Name != name {
			continue
		}
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := st.Handler(context.Background(), req)
		if err != nil {
			t.Fatalf("%s returned a protocol error: %v", name, err)
		}
		if len(res.Content) != 1 {
			t.Fatalf("%s: %d content items", name, len(res.Content))
		}
		tc, ok := mcp.AsTextContent(res.Content[0])
		if !ok {
			t.Fatalf("%s: content is not text", name)
		}
		return tc.Text
	}
	t.Fatalf("tool %q not registered", name)
	return ""
}

func decode(t *testing.T, text string) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		t.Fatalf("result %q is not a JSON object: %v", text, err)
	}
	return out
}

func TestBroker_ToolSurface(t *testing.T) {
	b, _, _ := newTestBroker(t)
	want := []string{
		"create-server", "create-server-from-template", "execute-tool",
		"get-server-tools", "update-server", "delete-server", "list-servers",
		"save-server", "list-saved-servers", "load-saved-server", "delete-saved-server",
	}
	got := make(map[string]bool)
	for _, st := range b.tools() {
		got[st.Tool.Name] = true
	}
	if len(got) != len(want) {
		t.Errorf("registered %d tools, want %d", len(got), len(want))
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("tool %q missing", name)
		}
	}
	if b.MCPServer() == nil {
		t.Fatal("MCPServer is nil")
	}
}

func TestBroker_CreateExecuteDelete(t *testing.T) {
	b, sessions, _ := newTestBroker(t)

	out := decode(t, call(t, b, "create-server", map[string]any{"code": "print(1)", "language": "python"}))
	id, _ := out["serverId"].(string)
	if id == "" {
		t.Fatalf("create-server = %v", out)
	}

	tools := decode(t, call(t, b, "get-server-tools", map[string]any{"serverId": id}))
	if list, _ := tools["tools"].([]any); len(list) != 1 {
		t.Errorf("tools = %v", tools)
	}

	text := call(t, b, "execute-tool", map[string]any{
		"serverId": id,
		"toolName": "echo",
		"args":     map[string]any{"message": "hi"},
	})
	if !strings.Contains(text, "Echo: hi") {
		t.Errorf("execute-tool = %s", text)
	}
	if len(sessions.calls) != 1 {
		t.Errorf("calls = %v", sessions.calls)
	}

	servers := decode(t, call(t, b, "list-servers", nil))
	if list, _ := servers["servers"].([]any); len(list) != 1 || list[0] != id {
		t.Errorf("list-servers = %v", servers)
	}

	del := decode(t, call(t, b, "delete-server", map[string]any{"serverId": id}))
	if del["success"] != true {
		t.Errorf("delete-server = %v", del)
	}
	again := decode(t, call(t, b, "delete-server", map[string]any{"serverId": id}))
	if msg, _ := again["error"].(string); !strings.Contains(msg, "not found") {
		t.Errorf("second delete-server = %v", again)
	}

	empty := decode(t, call(t, b, "list-servers", nil))
	if list, ok := empty["servers"].([]any); !ok || len(list) != 0 {
		t.Errorf("list-servers after delete = %v, want empty array", empty)
	}
}

func TestBroker_ErrorsAreInBand(t *testing.T) {
	b, _, _ := newTestBroker(t)

	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr string
	}{
		{"missing code", "create-server", map[string]any{"language": "python"}, "code"},
		{"bad language", "create-server", map[string]any{"code": "x", "language": "ruby"}, "unsupported language"},
		{"build failure", "create-server", map[string]any{"code": "syntax error", "language": "typescript"}, "TS1005"},
		{"template javascript", "create-server-from-template", map[string]any{"language": "javascript"}, "invalid language"},
		{"dependency not string", "create-server-from-template", map[string]any{"language": "python", "dependencies": map[string]any{"requests": 2}}, "dependencies.requests"},
		{"unknown server", "execute-tool", map[string]any{"serverId": "nope", "toolName": "echo"}, "not found"},
		{"args not object", "execute-tool", map[string]any{"serverId": "nope", "toolName": "echo", "args": "x"}, "args"},
		{"missing saved id", "load-saved-server", nil, "savedServerId"},
		{"unknown saved id", "delete-saved-server", map[string]any{"savedServerId": "nope"}, "not found"},
		{"save unknown server", "save-server", map[string]any{"serverId": "nope", "name": "n"}, "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := decode(t, call(t, b, tt.tool, tt.args))
			msg, _ := out["error"].(string)
			if !strings.Contains(msg, tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", msg, tt.wantErr)
			}
		})
	}
}

func TestBroker_CreateFromTemplate(t *testing.T) {
	b, sessions, _ := newTestBroker(t)

	out := decode(t, call(t, b, "create-server-from-template", map[string]any{
		"language":     "python",
		"dependencies": map[string]any{"requests": ">=2.0"},
	}))
	id, _ := out["serverId"].(string)
	srv := sessions.servers[id]
	if !strings.Contains(srv.code, "def main()") {
		t.Errorf("template code not used: %q", srv.code)
	}
	if srv.deps["requests"] != ">=2.0" {
		t.Errorf("deps = %v", srv.deps)
	}
	if msg, _ := out["message"].(string); !strings.Contains(msg, "template") {
		t.Errorf("message = %q", msg)
	}

	custom := decode(t, call(t, b, "create-server-from-template", map[string]any{
		"language": "typescript",
		"code":     "console.log(1)",
	}))
	cid, _ := custom["serverId"].(string)
	if sessions.servers[cid].code != "console.log(1)" {
		t.Errorf("custom code not used: %q", sessions.servers[cid].code)
	}
}

func TestBroker_UpdateServer(t *testing.T) {
	b, sessions, _ := newTestBroker(t)
	id, _ := decode(t, call(t, b, "create-server", map[string]any{"code": "v1", "language": "javascript"}))["serverId"].(string)

	out := decode(t, call(t, b, "update-server", map[string]any{"serverId": id, "code": "v2"}))
	newID, _ := out["serverId"].(string)
	if out["success"] != true || newID == "" || newID == id {
		t.Fatalf("update-server = %v", out)
	}
	if sessions.servers[newID].code != "v2" || sessions.servers[newID].lang != sandbox.JavaScript {
		t.Errorf("replacement = %+v", sessions.servers[newID])
	}
	if _, ok := sessions.servers[id]; ok {
		t.Error("old server still registered")
	}
}

func TestBroker_SaveLoadDelete(t *testing.T) {
	b, sessions, metrics := newTestBroker(t)
	ctx := context.Background()

	if got := call(t, b, "list-saved-servers", nil); got != "No saved servers found" {
		t.Errorf("empty listing = %q", got)
	}

	id, _ := decode(t, call(t, b, "create-server", map[string]any{"code": "print('x')", "language": "python"}))["serverId"].(string)
	if got := call(t, b, "save-server", map[string]any{"serverId": id, "name": "x"}); !strings.Contains(got, `saved as "x"`) {
		t.Fatalf("save-server = %q", got)
	}

	saved, err := b.library.List(ctx)
	if err != nil || len(saved) != 1 {
		t.Fatalf("saved = %v, %v", saved, err)
	}
	savedID := saved[0].ID
	if savedID == id {
		t.Error("saved id reuses the session id")
	}
	if saved[0].ServerID != id || saved[0].Language != "python" {
		t.Errorf("saved = %+v", saved[0])
	}

	listing := call(t, b, "list-saved-servers", nil)
	if !strings.Contains(listing, "x (ID: "+savedID) {
		t.Errorf("listing = %q", listing)
	}

	// Loading works after the original session is gone.
	call(t, b, "delete-server", map[string]any{"serverId": id})
	loaded := call(t, b, "load-saved-server", map[string]any{"savedServerId": savedID})
	newID := strings.TrimPrefix(loaded, "Saved server loaded as new server: ")
	if newID == loaded || newID == id {
		t.Fatalf("load-saved-server = %q", loaded)
	}
	if sessions.servers[newID].code != "print('x')" {
		t.Errorf("loaded code = %q", sessions.servers[newID].code)
	}

	if got := call(t, b, "delete-saved-server", map[string]any{"savedServerId": savedID}); !strings.Contains(got, "deleted") {
		t.Errorf("delete-saved-server = %q", got)
	}
	again := decode(t, call(t, b, "delete-saved-server", map[string]any{"savedServerId": savedID}))
	if msg, _ := again["error"].(string); !strings.Contains(msg, "not found") {
		t.Errorf("second delete = %v", again)
	}

	if got := counter(t, metrics, "save", "success"); got != 1 {
		t.Errorf("save success = %v", got)
	}
	if got := counter(t, metrics, "delete", "error"); got != 1 {
		t.Errorf("delete error = %v", got)
	}
}

func counter(t *testing.T, m *observability.MetricsCollector, op, status string) float64 {
	t.Helper()
	return testutil.ToFloat64(m.SavedOperationsTotal.WithLabelValues(op, status))
}

func TestTemplates_Override(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "python.py"), []byte("# custom"), 0o644); err != nil {
		t.Fatal(err)
	}
	tpl := NewTemplates(dir)

	py, err := tpl.Source(sandbox.Python)
	if err != nil || py != "# custom" {
		t.Errorf("python = %q, %v", py, err)
	}
	ts, err := tpl.Source(sandbox.TypeScript)
	if err != nil || !strings.Contains(ts, "StdioServerTransport") {
		t.Errorf("typescript fell back to %q, %v", ts, err)
	}
	if _, err := tpl.Source(sandbox.JavaScript); !errors.Is(err, sandbox.ErrUnsupportedLanguage) {
		t.Errorf("javascript = %v, want ErrUnsupportedLanguage", err)
	}
}
