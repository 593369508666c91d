package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jkaninda/mcpforge/internal/broker"
	"github.com/jkaninda/mcpforge/internal/config"
	"github.com/jkaninda/mcpforge/internal/observability"
	"github.com/jkaninda/mcpforge/internal/resolver"
	"github.com/jkaninda/mcpforge/internal/sandbox"
	"github.com/jkaninda/mcpforge/internal/session"
	"github.com/jkaninda/mcpforge/internal/storage"
	"github.com/jkaninda/mcpforge/internal/storage/jsonfile"
	pgstore "github.com/jkaninda/mcpforge/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/mcpforge/internal/storage/sqlite"
	"github.com/jkaninda/mcpforge/internal/workspace"
)

// SharedComponents holds every initialized subsystem the serve command
// needs. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.SavedServerStore

	Obs      *observability.Observability
	Health   *observability.HealthChecker
	Builder  *sandbox.Builder
	Registry *session.Registry
	Library  *broker.Library

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger builds the process logger. Logs always go to stderr; stdout
// carries the MCP stdio transport.
func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initShared performs all initialization for serve mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	if cfg.Sandbox.CleanOnStart {
		if err := ws.CleanSandbox(); err != nil {
			return nil, fmt.Errorf("cleaning workspace: %w", err)
		}
		logger.Info("removed sandboxes from previous run", slog.String("root", ws.Root))
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	// The registry reports crashes through obs.Health, so keep one even
	// when the rest of observability is off.
	if obs == nil {
		obs = &observability.Observability{Health: observability.NewHealthChecker(logger)}
		sc.Obs = obs
	}
	sc.Health = obs.Health

	// Saved server store.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() { _ = store.Close() })
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sandbox builder.
	res := resolver.New(cfg.Runtime.SearchDirs)
	var exec sandbox.Sandbox = sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: cfg.Sandbox.BuildTimeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		InheritEnv:     cfg.Runtime.InheritsEnv(),
	}, logger)
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		exec = observability.NewInstrumentedSandbox(exec, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}
	installer := sandbox.NewInstaller(exec, res, cfg.Runtime.HostManifest, cfg.Sandbox.BuildTimeout(), logger)
	sc.Builder = sandbox.NewBuilder(ws, exec, installer, res, sandbox.BuilderConfig{
		HostModulesDir:  cfg.Runtime.HostModulesDir,
		CompilerWorkdir: cfg.Runtime.CompilerWorkdir,
		BuildTimeout:    cfg.Sandbox.BuildTimeout(),
		InheritEnv:      cfg.Runtime.InheritsEnv(),
		ExtraEnv:        cfg.Runtime.ExtraEnv,
	}, logger)

	// Session registry.
	connector := session.NewProcessConnector(session.ProcessConfig{
		ClientName:     cfg.Runtime.ClientName,
		ClientVersion:  cfg.Runtime.ClientVersion,
		ConnectTimeout: cfg.Session.ConnectTimeout(),
		KillGrace:      cfg.Session.KillGrace(),
	}, logger)
	sc.Registry = session.NewRegistry(sc.Builder, connector, session.RegistryConfig{
		MaxSessions: cfg.Session.MaxSessions,
	}, obs, logger)

	sc.Library = broker.NewLibrary(store, sc.Registry, obs.MetricsOrNil(), logger)

	// Health reporting.
	sc.Health.TrackServers(sc.Registry.Len)
	sc.Health.AddCheck("storage", store.Ping)
	sc.Health.AddCheck("workspace", func(context.Context) error {
		return ws.EnsureDir(ws.Root)
	})

	return sc, nil
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	root := cfg.Workspace
	if root == "" {
		return workspace.Default()
	}
	return workspace.New(root)
}

// initStore creates the saved server backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.SavedServerStore, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case config.DriverJSON:
		return jsonfile.Open(cfg.SavedServersPath(), logger)
	case config.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case config.DriverPostgres:
		return initPostgresStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.SavedServerStore, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.SavedServerStore, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or MCPFORGE_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if pg := cfg.Storage.Postgres; pg != nil {
		pgCfg.MaxOpenConns = pg.MaxOpenConns
		pgCfg.MaxIdleConns = pg.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(pg.ConnMaxLifetimeS) * time.Second
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}
