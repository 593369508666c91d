// Package config handles loading and validating mcpforge configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Default locations used when neither config nor environment override them.
const (
	DefaultDataDir         = "/app/data"
	DefaultHostModulesDir  = "/app/node_modules"
	DefaultHostManifest    = "/app/package.json"
	DefaultCompilerWorkdir = "/app"
	DefaultListenAddr      = ":8080"
	DefaultSweepSchedule   = "@every 10m"
	sandboxDirName         = "mcp-create-servers"
	savedServersFile       = "saved_servers.json"
	auditLogFile           = "audit.jsonl"
)

// Storage driver names.
const (
	DriverJSON     = "json"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Server transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Config is the root configuration for mcpforge.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Sandbox root. Default: <tmp>/mcp-create-servers. Override: MCPFORGE_WORKSPACE.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`   // Persistent data directory. Default: /app/data. Override: MCPFORGE_DATA_DIR.
	Log           LogConfig            `json:"log" yaml:"log"`
	Runtime       RuntimeConfig        `json:"runtime" yaml:"runtime"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = JSON document under DataDir
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
}

// AuditConfig controls the append-only log of server lifecycle events.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl.
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// RuntimeConfig points at the host toolchain shared with every sandbox.
type RuntimeConfig struct {
	HostModulesDir  string   `json:"host_modules_dir" yaml:"host_modules_dir"`                 // Linked into dependency-free sandboxes and exported as NODE_PATH.
	HostManifest    string   `json:"host_manifest" yaml:"host_manifest"`                       // Source of the protocol-library entries copied into sandbox manifests.
	CompilerWorkdir string   `json:"compiler_workdir" yaml:"compiler_workdir"`                 // Working directory for the TypeScript compiler.
	SearchDirs      []string `json:"search_dirs,omitempty" yaml:"search_dirs,omitempty"`       // Executable search order. Empty = system defaults.
	ClientName      string   `json:"client_name,omitempty" yaml:"client_name,omitempty"`       // Name announced to child servers. Default: "mcp-create-client".
	ClientVersion   string   `json:"client_version,omitempty" yaml:"client_version,omitempty"` // Version announced to child servers.
	InheritEnv      *bool    `json:"inherit_env,omitempty" yaml:"inherit_env,omitempty"`       // Pass the host environment to children. Default: true.
	ExtraEnv        []string `json:"extra_env,omitempty" yaml:"extra_env,omitempty"`           // KEY=VALUE pairs added to every child.
	TemplatesDir    string   `json:"templates_dir,omitempty" yaml:"templates_dir,omitempty"`   // Overrides the built-in templates when set.
}

// InheritsEnv reports whether children receive the host environment.
func (r RuntimeConfig) InheritsEnv() bool {
	return r.InheritEnv == nil || *r.InheritEnv
}

// StorageConfig configures where saved server definitions live.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "json" (default), "sqlite" or "postgres".
	JSON     *JSONStorageConfig     `json:"json,omitempty" yaml:"json,omitempty"`         // JSON document settings.
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "json".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return DriverJSON
}

// JSONStorageConfig holds settings for the single-document store.
type JSONStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/saved_servers.json.
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/mcpforge.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// SandboxConfig bounds the build steps run inside a sandbox.
// Zero values mean "no limit", which matches the broker's default behavior.
type SandboxConfig struct {
	BuildTimeoutSeconds int    `json:"build_timeout_seconds" yaml:"build_timeout_seconds"` // Compiler and installer timeout. 0 = wait indefinitely.
	MaxCPUSeconds       int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`             // ulimit -t for build steps. 0 = unlimited.
	MaxMemoryMB         int    `json:"max_memory_mb" yaml:"max_memory_mb"`                 // ulimit -v for build steps. 0 = unlimited.
	MaxOutputBytes      int    `json:"max_output_bytes" yaml:"max_output_bytes"`           // Captured build output per stream. Default: 1 MiB.
	SweepSchedule       string `json:"sweep_schedule" yaml:"sweep_schedule"`               // Cron spec for orphan removal. Default: "@every 10m". "off" disables.
	CleanOnStart        bool   `json:"clean_on_start" yaml:"clean_on_start"`               // Remove every sandbox left by a previous run at startup.
}

// BuildTimeout returns the build timeout, zero meaning none.
func (s SandboxConfig) BuildTimeout() time.Duration {
	if s.BuildTimeoutSeconds > 0 {
		return time.Duration(s.BuildTimeoutSeconds) * time.Second
	}
	return 0
}

// Sweep returns the sweeper schedule, or "" when disabled.
func (s SandboxConfig) Sweep() string {
	switch s.SweepSchedule {
	case "":
		return DefaultSweepSchedule
	case "off", "disabled":
		return ""
	}
	return s.SweepSchedule
}

// SessionConfig controls child session handling.
type SessionConfig struct {
	ConnectTimeoutSeconds int `json:"connect_timeout_seconds" yaml:"connect_timeout_seconds"` // MCP handshake timeout. 0 = none.
	KillGraceMillis       int `json:"kill_grace_ms" yaml:"kill_grace_ms"`                     // Delay between SIGTERM and SIGKILL. Default: 2000.
	MaxSessions           int `json:"max_sessions" yaml:"max_sessions"`                       // 0 = unlimited.
}

// ConnectTimeout returns the handshake timeout, zero meaning none.
func (s SessionConfig) ConnectTimeout() time.Duration {
	if s.ConnectTimeoutSeconds > 0 {
		return time.Duration(s.ConnectTimeoutSeconds) * time.Second
	}
	return 0
}

// KillGrace returns the SIGTERM to SIGKILL delay with a default of 2s.
func (s SessionConfig) KillGrace() time.Duration {
	if s.KillGraceMillis > 0 {
		return time.Duration(s.KillGraceMillis) * time.Millisecond
	}
	return 2 * time.Second
}

// ServerConfig configures the outer MCP server and the HTTP gateway.
type ServerConfig struct {
	Name        string           `json:"name" yaml:"name"`                                 // Advertised server name. Default: "mcp-create".
	Transport   string           `json:"transport" yaml:"transport"`                       // "stdio" (default) or "http".
	ListenAddr  string           `json:"listen_addr" yaml:"listen_addr"`                   // HTTP listen address. Default: ":8080".
	APIKeys     []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`     // Bearer keys for HTTP. Empty = no auth.
	RateLimit   *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // nil = unlimited.
	DocsEnabled bool             `json:"docs_enabled" yaml:"docs_enabled"`                 // Serve OpenAPI docs on the gateway.
}

// RateLimitConfig configures the per-key token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "mcpforge"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based anomaly detection on child calls.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Samples before the rate is judged. Default: 5
}

// DefaultConfigPath returns the config file probed when none is given.
func DefaultConfigPath() string {
	return "mcpforge.yaml"
}

// Default returns a configuration with every default applied and
// environment overrides honored.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

// Load reads the config file at path. YAML is selected by extension,
// anything else is parsed as JSON.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// applyEnv applies environment variable overrides; env vars take precedence
// over config values.
func (c *Config) applyEnv() {
	if v := os.Getenv("MCPFORGE_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("MCPFORGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MCPFORGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MCPFORGE_TRANSPORT"); v != "" {
		c.Server.Transport = v
	}
	if v := os.Getenv("MCPFORGE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MCPFORGE_API_KEYS"); v != "" {
		c.Server.APIKeys = splitList(v)
	}
	if v := os.Getenv("MCPFORGE_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: DriverPostgres}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
}

func (c *Config) applyDefaults() {
	if c.Workspace == "" {
		c.Workspace = filepath.Join(os.TempDir(), sandboxDirName)
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Runtime.HostModulesDir == "" {
		c.Runtime.HostModulesDir = DefaultHostModulesDir
	}
	if c.Runtime.HostManifest == "" {
		c.Runtime.HostManifest = DefaultHostManifest
	}
	if c.Runtime.CompilerWorkdir == "" {
		c.Runtime.CompilerWorkdir = DefaultCompilerWorkdir
	}
	if c.Runtime.ClientName == "" {
		c.Runtime.ClientName = "mcp-create-client"
	}
	if c.Server.Name == "" {
		c.Server.Name = "mcp-create"
	}
	if c.Server.Transport == "" {
		c.Server.Transport = TransportStdio
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return DefaultDataDir
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// SavedServersPath returns the JSON document path for saved definitions.
func (c *Config) SavedServersPath() string {
	if c.Storage != nil && c.Storage.JSON != nil && c.Storage.JSON.Path != "" {
		return c.Storage.JSON.Path
	}
	return filepath.Join(c.ResolvedDataDir(), savedServersFile)
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.ResolvedDataDir(), auditLogFile)
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "mcpforge.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case DriverJSON, DriverSQLite:
	case DriverPostgres:
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set MCPFORGE_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Server.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return fmt.Errorf("server.transport must be %q or %q, got %q", TransportStdio, TransportHTTP, c.Server.Transport)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q is not recognized", c.Log.Level)
	}
	if c.Sandbox.BuildTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.build_timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 {
		return fmt.Errorf("sandbox.max_cpu_seconds must not be negative")
	}
	if c.Session.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("session.connect_timeout_seconds must not be negative")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative")
	}
	if rl := c.Server.RateLimit; rl != nil && rl.RequestsPerMinute < 0 {
		return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
