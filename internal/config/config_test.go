package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "mcpforge.yaml", `
workspace: /tmp/forge
data_dir: /var/lib/forge
runtime:
  host_modules_dir: /opt/node_modules
sandbox:
  build_timeout_seconds: 90
server:
  transport: http
  listen_addr: ":9090"
  api_keys: ["k1"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/tmp/forge" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if cfg.Runtime.HostModulesDir != "/opt/node_modules" {
		t.Errorf("HostModulesDir = %q", cfg.Runtime.HostModulesDir)
	}
	if cfg.Runtime.HostManifest != DefaultHostManifest {
		t.Errorf("HostManifest default not applied: %q", cfg.Runtime.HostManifest)
	}
	if cfg.Sandbox.BuildTimeout() != 90*time.Second {
		t.Errorf("BuildTimeout = %s", cfg.Sandbox.BuildTimeout())
	}
	if cfg.Server.Transport != TransportHTTP || cfg.Server.ListenAddr != ":9090" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if got := cfg.SavedServersPath(); got != "/var/lib/forge/saved_servers.json" {
		t.Errorf("SavedServersPath = %q", got)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "mcpforge.json", `{"storage":{"driver":"sqlite","sqlite":{"path":"/data/x.db"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorageDriverName() != DriverSQLite {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if cfg.DatabasePath() != "/data/x.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := Load(missing); err == nil {
		t.Fatal("expected error for missing file")
	}
	cfg, err := LoadOrDefault(missing)
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Server.Transport != TransportStdio {
		t.Errorf("Transport = %q, want stdio", cfg.Server.Transport)
	}
	if cfg.StorageDriverName() != DriverJSON {
		t.Errorf("driver = %q, want json", cfg.StorageDriverName())
	}
	if !strings.HasSuffix(cfg.Workspace, "mcp-create-servers") {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCPFORGE_WORKSPACE", "/env/ws")
	t.Setenv("MCPFORGE_API_KEYS", "a, b,,c")
	t.Setenv("MCPFORGE_DB_DSN", "postgres://u@h/db")

	path := writeFile(t, "c.yaml", "workspace: /file/ws\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/env/ws" {
		t.Errorf("Workspace = %q, want env value", cfg.Workspace)
	}
	if len(cfg.Server.APIKeys) != 3 {
		t.Errorf("APIKeys = %v", cfg.Server.APIKeys)
	}
	if cfg.StorageDriverName() != DriverPostgres || cfg.Storage.Postgres.DSN != "postgres://u@h/db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad driver", "storage:\n  driver: mongo\n", "unsupported storage driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.postgres.dsn"},
		{"bad transport", "server:\n  transport: grpc\n", "server.transport"},
		{"bad log level", "log:\n  level: loud\n", "log.level"},
		{"negative timeout", "sandbox:\n  build_timeout_seconds: -1\n", "build_timeout_seconds"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "c.yaml", tc.body)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestSweepSchedule(t *testing.T) {
	tests := map[string]string{
		"":          DefaultSweepSchedule,
		"off":       "",
		"@every 1h": "@every 1h",
	}
	for in, want := range tests {
		if got := (SandboxConfig{SweepSchedule: in}).Sweep(); got != want {
			t.Errorf("Sweep(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSessionDefaults(t *testing.T) {
	var s SessionConfig
	if s.ConnectTimeout() != 0 {
		t.Errorf("ConnectTimeout = %s, want 0", s.ConnectTimeout())
	}
	if s.KillGrace() != 2*time.Second {
		t.Errorf("KillGrace = %s", s.KillGrace())
	}
	if !(RuntimeConfig{}).InheritsEnv() {
		t.Error("InheritsEnv should default to true")
	}
}

func TestAuditLogPath(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/mcpforge"}
	if got := cfg.AuditLogPath(); got != "/var/lib/mcpforge/audit.jsonl" {
		t.Errorf("default AuditLogPath = %q", got)
	}
	cfg.Audit.Path = "/tmp/events.jsonl"
	if got := cfg.AuditLogPath(); got != "/tmp/events.jsonl" {
		t.Errorf("AuditLogPath = %q", got)
	}
}
