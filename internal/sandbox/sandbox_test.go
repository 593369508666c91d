package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/mcpforge/internal/resolver"
	"github.com/jkaninda/mcpforge/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSandbox records requests and answers with a fixed exit code.
type fakeSandbox struct {
	mu       sync.Mutex
	requests []ExecutionRequest
	exitCode int
	stderr   string
	err      error
}

func (f *fakeSandbox) Execute(_ context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &ExecutionResult{ExitCode: f.exitCode, Stderr: f.stderr}, nil
}

func newTestBuilder(t *testing.T, exec *fakeSandbox, hostManifest string) (*Builder, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "servers"))
	if err != nil {
		t.Fatal(err)
	}
	res := resolver.New([]string{t.TempDir()})
	inst := NewInstaller(exec, res, hostManifest, 0, testLogger())
	b := NewBuilder(ws, exec, inst, res, BuilderConfig{
		HostModulesDir:  filepath.Join(t.TempDir(), "node_modules"),
		CompilerWorkdir: t.TempDir(),
		InheritEnv:      false,
		ExtraEnv:        []string{"FOO=bar"},
	}, testLogger())
	return b, ws
}

// --- Language ---

func TestParseLanguage(t *testing.T) {
	for _, in := range []string{"typescript", "JavaScript", " python "} {
		if _, err := ParseLanguage(in); err != nil {
			t.Errorf("ParseLanguage(%q): %v", in, err)
		}
	}
	_, err := ParseLanguage("ruby")
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("ParseLanguage(ruby) err = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestSourceFile(t *testing.T) {
	tests := map[Language]string{
		TypeScript: "index.ts",
		JavaScript: "index.js",
		Python:     "server.py",
	}
	for lang, want := range tests {
		if got := lang.SourceFile(); got != want {
			t.Errorf("%s.SourceFile() = %q, want %q", lang, got, want)
		}
	}
}

func TestLanguageTraits(t *testing.T) {
	tests := []struct {
		lang     Language
		compiled bool
		node     bool
	}{
		{TypeScript, true, true},
		{JavaScript, false, true},
		{Python, false, false},
	}
	for _, tt := range tests {
		if got := tt.lang.Compiled(); got != tt.compiled {
			t.Errorf("%s.Compiled() = %v, want %v", tt.lang, got, tt.compiled)
		}
		if got := tt.lang.NodeFamily(); got != tt.node {
			t.Errorf("%s.NodeFamily() = %v, want %v", tt.lang, got, tt.node)
		}
	}
}

func TestBuildUnsupportedLanguageTearsDown(t *testing.T) {
	exec := &fakeSandbox{}
	b, ws := newTestBuilder(t, exec, "")

	_, err := b.Build(context.Background(), "rb-1", "puts 1", Language("ruby"), nil)
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("err = %v, want ErrUnsupportedLanguage", err)
	}
	if len(exec.requests) != 0 {
		t.Errorf("unexpected build commands: %v", exec.requests)
	}
	if _, statErr := os.Stat(ws.ServerDir("rb-1")); !os.IsNotExist(statErr) {
		t.Errorf("sandbox survived unsupported language: %v", statErr)
	}
}

// --- Installer ---

func TestInstallNodeManifest(t *testing.T) {
	host := filepath.Join(t.TempDir(), "package.json")
	os.WriteFile(host, []byte(`{"dependencies":{
		"@modelcontextprotocol/sdk":"^1.0.0",
		"mcp":"1.2.3",
		"express":"^4.0.0",
		"zod":"^3.0.0"}}`), 0644)

	exec := &fakeSandbox{}
	res := resolver.New([]string{t.TempDir()})
	inst := NewInstaller(exec, res, host, 0, testLogger())
	dir := t.TempDir()

	err := inst.Install(context.Background(), dir, TypeScript, map[string]string{
		"zod": "^3.22.0",
		"mcp": "2.0.0",
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		t.Fatal(err)
	}
	var m nodeManifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.Name != "mcp-dynamic-server" || m.Version != "1.0.0" || m.Type != "module" {
		t.Errorf("manifest header = %+v", m)
	}
	want := map[string]string{
		"@modelcontextprotocol/sdk": "^1.0.0",
		"mcp":                       "2.0.0",
		"zod":                       "^3.22.0",
	}
	if !reflect.DeepEqual(m.Dependencies, want) {
		t.Errorf("dependencies = %v, want %v", m.Dependencies, want)
	}

	if len(exec.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(exec.requests))
	}
	req := exec.requests[0]
	if !reflect.DeepEqual(req.Command, []string{"npm", "install"}) {
		t.Errorf("command = %v", req.Command)
	}
	if req.WorkingDir != dir {
		t.Errorf("working dir = %q, want %q", req.WorkingDir, dir)
	}
}

func TestInstallNodeMissingHostManifest(t *testing.T) {
	exec := &fakeSandbox{}
	inst := NewInstaller(exec, resolver.New([]string{t.TempDir()}), "/nonexistent/package.json", 0, testLogger())
	dir := t.TempDir()

	if err := inst.Install(context.Background(), dir, JavaScript, map[string]string{"left-pad": "1.3.0"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "package.json"))
	if !strings.Contains(string(data), `"left-pad": "1.3.0"`) {
		t.Errorf("manifest = %s", data)
	}
}

func TestInstallPython(t *testing.T) {
	exec := &fakeSandbox{}
	inst := NewInstaller(exec, resolver.New([]string{t.TempDir()}), "", 0, testLogger())
	dir := t.TempDir()

	err := inst.Install(context.Background(), dir, Python, map[string]string{
		"requests": ">=2.31",
		"mcp":      "==1.0.0",
	})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "requirements.txt"))
	if got, want := string(data), "mcp==1.0.0\nrequests>=2.31"; got != want {
		t.Errorf("requirements = %q, want %q", got, want)
	}
	cmd := exec.requests[0].Command
	if len(cmd) < 4 || !reflect.DeepEqual(cmd[1:], []string{"-m", "pip", "install", "-r", "requirements.txt"}) {
		t.Errorf("command = %v", cmd)
	}
}

func TestInstallFailureReportsExitCode(t *testing.T) {
	exec := &fakeSandbox{exitCode: 7, stderr: "ERR! 404"}
	inst := NewInstaller(exec, resolver.New([]string{t.TempDir()}), "", 0, testLogger())

	err := inst.Install(context.Background(), t.TempDir(), JavaScript, map[string]string{"nope": "1"})
	var be *BuildError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BuildError", err)
	}
	if be.ExitCode != 7 || !strings.Contains(err.Error(), "code 7") {
		t.Errorf("BuildError = %+v", be)
	}
	if !errors.Is(err, ErrBuildFailed) {
		t.Error("expected errors.Is(err, ErrBuildFailed)")
	}
}

// --- Builder ---

func TestBuildJavaScript(t *testing.T) {
	exec := &fakeSandbox{}
	b, ws := newTestBuilder(t, exec, "")

	spec, err := b.Build(context.Background(), "js-1", "console.log(1)", JavaScript, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dir := ws.ServerDir("js-1")
	if spec.Dir != dir {
		t.Errorf("Dir = %q, want %q", spec.Dir, dir)
	}
	if spec.SourcePath != filepath.Join(dir, "index.js") {
		t.Errorf("SourcePath = %q", spec.SourcePath)
	}
	if spec.Command != "node" || !reflect.DeepEqual(spec.Args, []string{spec.SourcePath}) {
		t.Errorf("launch = %s %v", spec.Command, spec.Args)
	}
	code, _ := os.ReadFile(spec.SourcePath)
	if string(code) != "console.log(1)" {
		t.Errorf("source = %q", code)
	}
	if len(exec.requests) != 0 {
		t.Errorf("unexpected build commands: %v", exec.requests)
	}

	// The host modules link is attempted even when its target is missing.
	if _, err := os.Lstat(filepath.Join(dir, "node_modules")); err != nil {
		t.Errorf("node_modules link missing: %v", err)
	}

	env := strings.Join(spec.Env, "\n")
	for _, want := range []string{"NODE_PATH=" + b.cfg.HostModulesDir, "FOO=bar", "PATH="} {
		if !strings.Contains(env, want) {
			t.Errorf("env missing %q: %v", want, spec.Env)
		}
	}
}

func TestBuildPython(t *testing.T) {
	b, ws := newTestBuilder(t, &fakeSandbox{}, "")
	spec, err := b.Build(context.Background(), "py-1", "print(1)", Python, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if spec.SourcePath != filepath.Join(ws.ServerDir("py-1"), "server.py") {
		t.Errorf("SourcePath = %q", spec.SourcePath)
	}
	if !strings.HasSuffix(spec.Command, "python3") {
		t.Errorf("Command = %q", spec.Command)
	}
}

func TestBuildTypeScriptCompiles(t *testing.T) {
	exec := &fakeSandbox{}
	b, ws := newTestBuilder(t, exec, "")

	spec, err := b.Build(context.Background(), "ts-1", "const x: number = 1", TypeScript, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dir := ws.ServerDir("ts-1")
	if !reflect.DeepEqual(spec.Args, []string{filepath.Join(dir, "index.js")}) {
		t.Errorf("Args = %v", spec.Args)
	}
	if len(exec.requests) != 1 {
		t.Fatalf("requests = %d, want 1", len(exec.requests))
	}
	req := exec.requests[0]
	want := []string{"npx", "tsc", "--allowJs", filepath.Join(dir, "index.ts"), "--outDir", dir,
		"--target", "ES2020", "--module", "NodeNext", "--moduleResolution", "NodeNext",
		"--esModuleInterop", "--skipLibCheck", "--resolveJsonModule"}
	if !reflect.DeepEqual(req.Command, want) {
		t.Errorf("tsc command = %v\nwant %v", req.Command, want)
	}
	if req.WorkingDir != b.cfg.CompilerWorkdir {
		t.Errorf("tsc workdir = %q, want %q", req.WorkingDir, b.cfg.CompilerWorkdir)
	}
	if req.Env["NODE_PATH"] != b.cfg.HostModulesDir {
		t.Errorf("tsc NODE_PATH = %q", req.Env["NODE_PATH"])
	}
}

func TestBuildCompileFailureTearsDown(t *testing.T) {
	exec := &fakeSandbox{exitCode: 2, stderr: "index.ts(1,7): error TS2322"}
	b, ws := newTestBuilder(t, exec, "")

	_, err := b.Build(context.Background(), "ts-bad", "const x: number = 'a'", TypeScript, nil)
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("err = %v, want ErrBuildFailed", err)
	}
	if _, statErr := os.Stat(ws.ServerDir("ts-bad")); !os.IsNotExist(statErr) {
		t.Errorf("sandbox survived failed build: %v", statErr)
	}
}

func TestBuildInstallFailureTearsDown(t *testing.T) {
	exec := &fakeSandbox{exitCode: 1}
	b, ws := newTestBuilder(t, exec, "")

	_, err := b.Build(context.Background(), "py-bad", "print(1)", Python, map[string]string{"nope": "==0"})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, statErr := os.Stat(ws.ServerDir("py-bad")); !os.IsNotExist(statErr) {
		t.Errorf("sandbox survived failed install: %v", statErr)
	}
}

func TestBuildWithDepsSkipsLink(t *testing.T) {
	exec := &fakeSandbox{}
	b, ws := newTestBuilder(t, exec, "")

	if _, err := b.Build(context.Background(), "js-deps", "x", JavaScript, map[string]string{"zod": "^3"}); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(ws.ServerDir("js-deps"), "node_modules")); !os.IsNotExist(err) {
		t.Errorf("node_modules link should not exist when dependencies are declared: %v", err)
	}
}

// --- ProcessSandbox ---

func TestProcessSandboxRun(t *testing.T) {
	s := NewProcessSandbox(ProcessConfig{}, testLogger())
	dir := t.TempDir()

	res, err := s.Execute(context.Background(), ExecutionRequest{
		Command:    []string{"/bin/sh", "-c", "pwd; echo oops >&2; exit 3"},
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != dir {
		t.Errorf("stdout = %q, want %q", got, dir)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestProcessSandboxTimeout(t *testing.T) {
	s := NewProcessSandbox(ProcessConfig{}, testLogger())
	start := time.Now()
	_, err := s.Execute(context.Background(), ExecutionRequest{
		Command: []string{"/bin/sh", "-c", "sleep 10"},
		Timeout: 200 * time.Millisecond,
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not kill the process promptly")
	}
}

func TestProcessSandboxEnv(t *testing.T) {
	t.Setenv("MCPFORGE_TEST_INHERITED", "yes")

	inherit := NewProcessSandbox(ProcessConfig{InheritEnv: true}, testLogger())
	res, err := inherit.Execute(context.Background(), ExecutionRequest{
		Command: []string{"/bin/sh", "-c", "echo $MCPFORGE_TEST_INHERITED-$EXTRA"},
		Env:     map[string]string{"EXTRA": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "yes-x" {
		t.Errorf("inherited stdout = %q", got)
	}

	minimal := NewProcessSandbox(ProcessConfig{}, testLogger())
	res, err = minimal.Execute(context.Background(), ExecutionRequest{
		Command: []string{"/bin/sh", "-c", "echo \"[$MCPFORGE_TEST_INHERITED]\""},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "[]" {
		t.Errorf("minimal env leaked host variable: %q", got)
	}
}

func TestProcessSandboxEmptyCommand(t *testing.T) {
	s := NewProcessSandbox(ProcessConfig{}, testLogger())
	if _, err := s.Execute(context.Background(), ExecutionRequest{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestUlimitScript(t *testing.T) {
	if got := ulimitScript(ResourceLimits{}); got != "" {
		t.Errorf("no limits script = %q", got)
	}
	got := ulimitScript(ResourceLimits{MaxCPUSeconds: 5, MaxMemoryMB: 1})
	if !strings.Contains(got, "ulimit -v 1024") || !strings.Contains(got, "ulimit -t 5") {
		t.Errorf("script = %q", got)
	}
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"A=1", "PATH=/x", "B=2"}, map[string]string{"PATH": "/y", "C": "3"})
	want := []string{"A=1", "B=2", "C=3", "PATH=/y"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MergeEnv = %v, want %v", got, want)
	}
}

func TestLimitedWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}
	n, err := lw.Write([]byte("hello world"))
	if err != nil || n != 11 {
		t.Errorf("Write = %d, %v", n, err)
	}
	lw.Write([]byte("more"))
	if buf.String() != "hello" {
		t.Errorf("buffer = %q", buf.String())
	}
}
