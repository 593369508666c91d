// Package httpapi implements the HTTP gateway for mcpforge.
//
// Security:
//   - Optional API key authentication (constant-time comparison) on /v1 and /mcp
//   - Per-client rate limiting via token bucket
//   - Request body size limit (1 MB)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/mcpforge/internal/observability"
	"github.com/jkaninda/mcpforge/internal/ratelimit"
	"github.com/jkaninda/mcpforge/internal/session"
	"github.com/jkaninda/mcpforge/internal/storage"
	"github.com/jkaninda/okapi"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Sessions is the read side of the session registry exposed over HTTP.
type Sessions interface {
	Infos() []session.Info
	Info(id string) (session.Info, error)
	Tools(ctx context.Context, id string) ([]mcp.Tool, error)
	Subscribe(buffer int) (<-chan session.Event, func())
}

// SavedLister lists saved server definitions.
type SavedLister interface {
	List(ctx context.Context) ([]storage.SavedServer, error)
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	APIKeys    []string // Empty = authentication disabled.
	Version    string   // Reported in the OpenAPI document.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP gateway.
type Gateway struct {
	config   Config
	sessions Sessions
	saved    SavedLister
	mcp      http.Handler // nil = /mcp not mounted.
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP gateway and registers its routes. mcpHandler
// serves the streamable HTTP MCP transport at /mcp.
func NewGateway(cfg Config, sessions Sessions, saved SavedLister, mcpHandler http.Handler, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	g := &Gateway{
		config:   cfg,
		sessions: sessions,
		saved:    saved,
		mcp:      mcpHandler,
		limiter:  rl,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
	g.routes()
	return g
}

// WithOpenAPIDocs enables the generated API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	version := g.config.Version
	if version == "" {
		version = "dev"
	}
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "mcpforge",
			Version: version,
		},
	)
	return g
}

// Handler returns the gateway's root handler.
func (g *Gateway) Handler() http.Handler {
	return g.okapi
}

func (g *Gateway) routes() {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Get("/servers", g.handleListServers,
		okapi.DocSummary("List running servers"),
		okapi.DocTags("Servers"),
		okapi.DocResponse([]session.Info{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/servers/{id}", g.handleGetServer,
		okapi.DocSummary("Get a running server"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse(session.Info{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/servers/{id}/tools", g.handleServerTools,
		okapi.DocSummary("List the tools a running server advertises"),
		okapi.DocTags("Servers"),
		okapi.DocPathParam("id", "string", "Server ID"),
		okapi.DocResponse(ToolsResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/saved", g.handleListSaved,
		okapi.DocSummary("List saved server definitions"),
		okapi.DocTags("Saved"),
		okapi.DocResponse([]SavedResponse{}),
	)

	// Streaming and MCP endpoints need the raw ResponseWriter.
	g.okapi.HandleStd("GET", "/v1/events", g.guard(http.HandlerFunc(g.handleEvents)).ServeHTTP)
	if g.mcp != nil {
		h := g.guard(g.mcp)
		for _, method := range []string{"GET", "POST", "DELETE"} {
			g.okapi.HandleStd(method, "/mcp", h.ServeHTTP)
		}
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	// No WriteTimeout: /mcp and /v1/events hold long-lived streams.

	g.logger.Info("http gateway starting",
		slog.String("addr", g.config.ListenAddr),
		slog.Bool("auth", len(g.config.APIKeys) > 0),
		slog.Bool("mcp", g.mcp != nil),
	)
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// ToolsResponse is the JSON response for GET /v1/servers/{id}/tools.
type ToolsResponse struct {
	ServerID string     `json:"serverId"`
	Tools    []mcp.Tool `json:"tools"`
}

// SavedResponse describes a saved definition without its source code.
type SavedResponse struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Language string    `json:"language"`
	SavedAt  time.Time `json:"savedAt"`
	ServerID string    `json:"serverId,omitempty"`
}

func (g *Gateway) handleListServers(c *okapi.Context) error {
	infos := g.sessions.Infos()
	if infos == nil {
		infos = []session.Info{}
	}
	return c.OK(infos)
}

func (g *Gateway) handleGetServer(c *okapi.Context) error {
	info, err := g.sessions.Info(c.Param("id"))
	if err != nil {
		return sessionError(c, err)
	}
	return c.OK(info)
}

func (g *Gateway) handleServerTools(c *okapi.Context) error {
	id := c.Param("id")
	tools, err := g.sessions.Tools(c.Context(), id)
	if err != nil {
		return sessionError(c, err)
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return c.OK(&ToolsResponse{ServerID: id, Tools: tools})
}

func (g *Gateway) handleListSaved(c *okapi.Context) error {
	saved, err := g.saved.List(c.Context())
	if err != nil {
		g.logger.Error("listing saved servers", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing saved servers failed")
	}
	resp := make([]SavedResponse, 0, len(saved))
	for _, s := range saved {
		resp = append(resp, SavedResponse{
			ID:       s.ID,
			Name:     s.Name,
			Language: s.Language,
			SavedAt:  s.SavedAt,
			ServerID: s.ServerID,
		})
	}
	return c.OK(resp)
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Access control ---

// authenticate validates the API key and applies the rate limit for
// routes in the /v1 group.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		key, ok := g.authorize(c.Header("Authorization"))
		if !ok {
			return c.AbortUnauthorized("missing or invalid API key")
		}
		if key == "" {
			key = clientAddr(c.Request())
		}
		if wait, err := g.limiter.Reserve(key); err != nil {
			c.SetHeader("Retry-After", retryAfter(wait))
			return c.AbortTooManyRequests("rate limit exceeded")
		}
		c.Set("client", key)
		return next(c)
	}
}

// guard is authenticate for plain http handlers.
func (g *Gateway) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := g.authorize(r.Header.Get("Authorization"))
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid API key")
			return
		}
		if key == "" {
			key = clientAddr(r)
		}
		if wait, err := g.limiter.Reserve(key); err != nil {
			w.Header().Set("Retry-After", retryAfter(wait))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize checks a bearer token against the configured keys. With no
// keys configured every request is allowed and the returned key is empty.
func (g *Gateway) authorize(authHeader string) (string, bool) {
	if len(g.config.APIKeys) == 0 {
		return "", true
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	matched := false
	for _, key := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			matched = true
		}
	}
	if !matched {
		return "", false
	}
	return apiKey, true
}

// --- Helpers ---

func sessionError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return c.JSON(http.StatusNotFound, okapi.M{"error": err.Error()})
	case errors.Is(err, session.ErrConnect), errors.Is(err, session.ErrExited):
		return c.JSON(http.StatusBadGateway, okapi.M{"error": err.Error()})
	default:
		return c.AbortInternalServerError("server error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":` + strconv.Quote(msg) + "}"))
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// retryAfter formats a wait as whole seconds, rounded up.
func retryAfter(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
