// Package httpapi implements the HTTP API gateway for runbox.
//
// Security:
//   - Optional bearer-token authentication (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting delegated to the security policy
//   - All requests logged with the execution ID they produced
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → client name. Empty = no authentication.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Analyzer inspects a remote repository without cloning it.
type Analyzer interface {
	Analyze(ctx context.Context, owner, name string) (*repo.Analysis, error)
}

// ArchiveReader looks up executions evicted from the in-memory history.
type ArchiveReader interface {
	Get(ctx context.Context, id string) (*execution.Result, error)
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config    Config
	ctrl      *execution.Controller
	sandboxes *sandbox.Manager
	analyzer  Analyzer      // nil = analyze endpoint disabled.
	archive   ArchiveReader // nil = status served from history only.
	logger    *slog.Logger

	mu     sync.Mutex
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the WebSocket event stream).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, ctrl *execution.Controller, sandboxes *sandbox.Manager, logger *slog.Logger) *Gateway {
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = defaultMaxRequestSize
	}
	return &Gateway{
		config:    cfg,
		ctrl:      ctrl,
		sandboxes: sandboxes,
		logger:    logger,
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithAnalyzer enables GET /execute/analyze.
func (g *Gateway) WithAnalyzer(a Analyzer) *Gateway {
	g.analyzer = a
	return g
}

// WithArchive lets status lookups fall back to the execution archive.
func (g *Gateway) WithArchive(a ArchiveReader) *Gateway {
	g.archive = a
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "runbox",
			Version: "v0.1.0",
		},
	)
	return g
}

// WithHandler mounts an additional GET handler on the HTTP mux at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.registerRoutes()

	server := &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Synchronous executions hold the response open for up to the
		// maximum execution timeout.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	g.mu.Lock()
	g.server = server
	g.mu.Unlock()

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(server)
}

func (g *Gateway) registerRoutes() {
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return identifyClient(g.config.MaxRequestSize, next)
	})
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	exec := g.okapi.Group("/execute", g.authenticate)
	exec.Post("/code", g.handleExecuteCode,
		okapi.DocSummary("Execute a code snippet in a sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(CodeExecutionRequest{}),
		okapi.DocResponse(execution.Result{}),
		okapi.DocResponse(http.StatusAccepted, execution.Result{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, FailureBody{}),
	)
	exec.Post("/repository", g.handleExecuteRepository,
		okapi.DocSummary("Clone, install, build and test a repository in a sandbox"),
		okapi.DocTags("Execute"),
		okapi.DocRequestBody(RepositoryExecutionRequest{}),
		okapi.DocResponse(execution.Result{}),
		okapi.DocResponse(http.StatusAccepted, execution.Result{}),
		okapi.DocResponse(http.StatusBadRequest, execution.Result{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
		okapi.DocResponse(http.StatusServiceUnavailable, FailureBody{}),
	)
	exec.Get("/history", g.handleHistory,
		okapi.DocSummary("List recent executions, most recent first"),
		okapi.DocTags("Execute"),
		okapi.DocResponse(HistoryResponse{}),
	)
	exec.Get("/status/{id}", g.handleStatus,
		okapi.DocSummary("Get the current record of an execution"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(execution.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	exec.Post("/cancel/{id}", g.handleCancel,
		okapi.DocSummary("Cancel an in-flight execution"),
		okapi.DocTags("Execute"),
		okapi.DocPathParam("id", "string", "Execution ID (UUID)"),
		okapi.DocResponse(execution.Result{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	if g.analyzer != nil {
		exec.Get("/analyze", g.handleAnalyze,
			okapi.DocSummary("Analyze whether a GitHub repository can be executed"),
			okapi.DocTags("Execute"),
			okapi.DocResponse(repo.Analysis{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
			okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		)
	}

	sb := g.okapi.Group("/sandbox", g.authenticate)
	sb.Get("/list", g.handleSandboxList,
		okapi.DocSummary("List tracked sandboxes"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(SandboxListResponse{}),
	)
	sb.Post("/cleanup", g.handleSandboxCleanup,
		okapi.DocSummary("Destroy expired and idle sandboxes"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(CleanupResponse{}),
	)
	sb.Get("/stats/{id}", g.handleSandboxStats,
		okapi.DocSummary("Get resource usage of a live sandbox"),
		okapi.DocTags("Sandbox"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(sandbox.ResourceStats{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Extra handlers (e.g., WebSocket event stream).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
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
