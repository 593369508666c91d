package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jkaninda/mcpforge/internal/audit"
	"github.com/jkaninda/mcpforge/internal/broker"
	"github.com/jkaninda/mcpforge/internal/config"
	"github.com/jkaninda/mcpforge/internal/gateway"
	"github.com/jkaninda/mcpforge/internal/gateway/httpapi"
	"github.com/jkaninda/mcpforge/internal/gateway/stdio"
	"github.com/jkaninda/mcpforge/internal/ratelimit"
	"github.com/jkaninda/mcpforge/internal/sweeper"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveTransport  string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the broker over stdio (default) or HTTP",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `mcpforge --config path` and `mcpforge serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveTransport, "transport", "", "override transport (stdio or http)")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file named by MCPFORGE_CONFIG or --config.
// A missing file yields the defaults.
func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(goutils.Env("MCPFORGE_CONFIG", serveConfigPath))
}

// runServe starts the broker and blocks until its transport closes or a
// termination signal arrives.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveTransport != "" {
		cfg.Server.Transport = serveTransport
	}
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}
	if cfg.Server.Transport != config.TransportStdio && cfg.Server.Transport != config.TransportHTTP {
		return fmt.Errorf("unknown transport %q (want %s or %s)", cfg.Server.Transport, config.TransportStdio, config.TransportHTTP)
	}

	logger := newLogger(cfg.Log)
	logger.Info("starting mcpforge",
		slog.String("version", version),
		slog.String("transport", cfg.Server.Transport),
		slog.String("workspace", cfg.Workspace),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	// Children are signaled on every exit path; Shutdown does not wait.
	defer sc.Registry.Shutdown()

	// Orphaned sandbox sweeper (optional).
	if schedule := cfg.Sandbox.Sweep(); schedule != "" {
		sw, err := sweeper.New(sweeper.Config{Schedule: schedule}, sc.Workspace, sc.Registry, sc.Obs.MetricsOrNil(), logger)
		if err != nil {
			return err
		}
		cancelSweep := sw.Start(ctx)
		defer cancelSweep()
	}

	// Lifecycle audit log (optional).
	if cfg.Audit.Enabled {
		auditLog, err := audit.Open(cfg.AuditLogPath(), logger)
		if err != nil {
			return err
		}
		defer auditLog.Close()
		events, unsubscribe := sc.Registry.Subscribe(256)
		defer unsubscribe()
		go auditLog.Run(ctx, events)
		logger.Debug("audit log enabled", slog.String("path", cfg.AuditLogPath()))
	}

	b := broker.New(broker.Config{
		Name:    cfg.Server.Name,
		Version: version,
	}, sc.Registry, sc.Library, broker.NewTemplates(cfg.Runtime.TemplatesDir), logger)

	var gw gateway.Gateway
	var mcpHTTP *server.StreamableHTTPServer
	switch cfg.Server.Transport {
	case config.TransportHTTP:
		mcpHTTP = b.HTTPHandler()
		gw = newHTTPGateway(sc, mcpHTTP)
	default:
		gw = stdio.NewGateway(b, os.Stdin, os.Stdout, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if mcpHTTP != nil {
			if err := mcpHTTP.Shutdown(shutdownCtx); err != nil {
				logger.Warn("closing mcp http sessions", slog.String("error", err.Error()))
			}
		}
		err = gw.Stop(shutdownCtx)
	}

	logger.Info("shutting down", slog.Int("servers", sc.Registry.Len()))
	return err
}

// newHTTPGateway builds the HTTP gateway around the streamable MCP handler.
func newHTTPGateway(sc *SharedComponents, mcpHTTP http.Handler) *httpapi.Gateway {
	cfg := sc.Config

	var rlCfg ratelimit.Config
	if cfg.Server.RateLimit != nil {
		rlCfg = ratelimit.Config{
			RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.Server.RateLimit.BurstSize,
		}
	}

	gwCfg := httpapi.Config{
		ListenAddr:    cfg.Server.ListenAddr,
		EnableDocs:    cfg.Server.DocsEnabled,
		APIKeys:       cfg.Server.APIKeys,
		Version:       version,
		HealthChecker: sc.Health,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		gwCfg.Metrics = m
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	if ts := sc.Obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}

	return httpapi.NewGateway(gwCfg, sc.Registry, sc.Library, mcpHTTP, ratelimit.NewLimiter(rlCfg), sc.Logger)
}
