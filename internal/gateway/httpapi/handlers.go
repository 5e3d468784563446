package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/security"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 500

	clientKeyField = "clientKey"
)

// --- Request / response bodies ---

// CodeExecutionRequest is the JSON body for POST /execute/code.
type CodeExecutionRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Timeout  int    `json:"timeout,omitempty"` // Seconds. 0 = the language default.
	Async    bool   `json:"async,omitempty"`   // Return 202 with the queued record instead of waiting.
}

// RepositoryExecutionRequest is the JSON body for POST /execute/repository.
type RepositoryExecutionRequest struct {
	RepoURL  string        `json:"repo_url"`
	RepoData repo.Metadata `json:"repo_data"`
	Timeout  int           `json:"timeout,omitempty"` // Seconds. 0 = the repository default.
	Async    bool          `json:"async,omitempty"`
}

// FailureBody is returned when an execution could not run to completion
// for reasons outside the submitted payload.
type FailureBody struct {
	Error  string            `json:"error"`
	Result *execution.Result `json:"result,omitempty"`
}

// HistoryResponse is the JSON response for GET /execute/history.
type HistoryResponse struct {
	History []*execution.Result `json:"history"`
}

// SandboxListResponse is the JSON response for GET /sandbox/list.
type SandboxListResponse struct {
	Sandboxes []sandbox.Info `json:"sandboxes"`
	Count     int            `json:"count"`
}

// CleanupResponse is the JSON response for POST /sandbox/cleanup.
type CleanupResponse struct {
	Cleaned int    `json:"cleaned"`
	Message string `json:"message"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// --- Execution handlers ---

func (g *Gateway) handleExecuteCode(c *okapi.Context) error {
	var req CodeExecutionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.Code) == "" {
		return c.AbortBadRequest("code is required")
	}
	if req.Language == "" {
		return c.AbortBadRequest("language is required")
	}
	if req.Timeout < 0 {
		return c.AbortBadRequest("timeout must not be negative")
	}

	creq := execution.CodeRequest{
		Code:      req.Code,
		Language:  req.Language,
		Timeout:   time.Duration(req.Timeout) * time.Second,
		ClientKey: c.GetString(clientKeyField),
	}

	var (
		res *execution.Result
		err error
	)
	if req.Async {
		res, err = g.ctrl.StartCode(c.Context(), creq)
	} else {
		res, err = g.ctrl.ExecuteCode(c.Context(), creq)
	}
	if err != nil {
		return g.executionError(c, res, err)
	}

	g.logger.InfoContext(c.Context(), "code execution",
		slog.String("execution_id", res.ID),
		slog.String("client", creq.ClientKey),
		slog.String("language", res.Language),
		slog.String("status", string(res.Status)),
	)
	if res.Status == execution.StatusQueued {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.OK(res)
}

func (g *Gateway) handleExecuteRepository(c *okapi.Context) error {
	var req RepositoryExecutionRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		return c.AbortBadRequest("repo_url is required")
	}
	if req.Timeout < 0 {
		return c.AbortBadRequest("timeout must not be negative")
	}

	rreq := execution.RepositoryRequest{
		RepoURL:   req.RepoURL,
		Metadata:  req.RepoData,
		Timeout:   time.Duration(req.Timeout) * time.Second,
		ClientKey: c.GetString(clientKeyField),
	}

	var (
		res *execution.Result
		err error
	)
	if req.Async {
		res, err = g.ctrl.StartRepository(c.Context(), rreq)
	} else {
		res, err = g.ctrl.ExecuteRepository(c.Context(), rreq)
	}
	if err != nil {
		return g.executionError(c, res, err)
	}

	g.logger.InfoContext(c.Context(), "repository execution",
		slog.String("execution_id", res.ID),
		slog.String("client", rreq.ClientKey),
		slog.String("repo_url", res.RepoURL),
		slog.String("status", string(res.Status)),
	)
	switch res.Status {
	case execution.StatusQueued:
		return c.JSON(http.StatusAccepted, res)
	case execution.StatusRejected:
		// The clone URL failed policy; nothing was provisioned.
		return c.JSON(http.StatusBadRequest, res)
	}
	return c.OK(res)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}
	history := g.ctrl.ListHistory(limit)
	if history == nil {
		history = []*execution.Result{}
	}
	return c.OK(HistoryResponse{History: history})
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	id := c.Param("id")
	res, err := g.ctrl.GetStatus(id)
	if errors.Is(err, execution.ErrNotFound) && g.archive != nil {
		res, err = g.archive.Get(c.Context(), id)
	}
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "Execution not found"})
		}
		g.logger.ErrorContext(c.Context(), "status lookup failed",
			slog.String("execution_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("status lookup failed")
	}
	return c.OK(res)
}

func (g *Gateway) handleCancel(c *okapi.Context) error {
	id := c.Param("id")
	res, err := g.ctrl.Cancel(id)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "Execution not found"})
		}
		return c.AbortInternalServerError("cancel failed")
	}
	g.logger.InfoContext(c.Context(), "execution cancel requested",
		slog.String("execution_id", id),
		slog.String("client", c.GetString(clientKeyField)),
		slog.String("status", string(res.Status)),
	)
	return c.OK(res)
}

func (g *Gateway) handleAnalyze(c *okapi.Context) error {
	owner := strings.TrimSpace(c.Query("owner"))
	name := strings.TrimSpace(c.Query("repo"))
	if owner == "" || name == "" {
		return c.AbortBadRequest("owner and repo are required")
	}
	analysis, err := g.analyzer.Analyze(c.Context(), owner, name)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrInvalidMetadata):
			return c.AbortBadRequest(err.Error())
		case errors.Is(err, repo.ErrNotFound):
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "Repository not found"})
		case errors.Is(err, repo.ErrRateLimited):
			return c.AbortTooManyRequests("github rate limit exceeded")
		}
		g.logger.WarnContext(c.Context(), "repository analysis failed",
			slog.String("repository", owner+"/"+name),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "error contacting GitHub"})
	}
	return c.OK(analysis)
}

// --- Sandbox handlers ---

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	infos := g.sandboxes.List()
	if infos == nil {
		infos = []sandbox.Info{}
	}
	return c.OK(SandboxListResponse{Sandboxes: infos, Count: len(infos)})
}

func (g *Gateway) handleSandboxCleanup(c *okapi.Context) error {
	n := g.sandboxes.SweepExpired(c.Context())
	return c.OK(CleanupResponse{
		Cleaned: n,
		Message: fmt.Sprintf("Cleaned up %d expired sandboxes", n),
	})
}

func (g *Gateway) handleSandboxStats(c *okapi.Context) error {
	id := c.Param("id")
	stats, err := g.sandboxes.StatsByID(c.Context(), id)
	if err != nil {
		if errors.Is(err, sandbox.ErrNotFound) || errors.Is(err, sandbox.ErrReleased) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "Sandbox not found"})
		}
		g.logger.WarnContext(c.Context(), "sandbox stats failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("sandbox stats unavailable")
	}
	return c.OK(stats)
}

// --- Health ---

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if !status.Ready() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

type clientKeyCtx struct{}

// identifyClient caps the request body and records a fallback client key
// (X-Client-ID, else the remote host) for rate limiting.
func identifyClient(maxBody int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		}
		key := strings.TrimSpace(r.Header.Get("X-Client-ID"))
		if key == "" {
			key = r.RemoteAddr
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			}
		}
		ctx := context.WithValue(r.Context(), clientKeyCtx{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(clientKeyCtx{}).(string)
	return key
}

// authenticate validates the bearer token when API keys are configured and
// stores the client key used for rate limiting and audit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if len(g.config.APIKeys) == 0 {
			c.Set(clientKeyField, clientKeyFrom(c.Context()))
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		client := ""
		for key, name := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				client = name
			}
		}
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set(clientKeyField, client)
		return next(c)
	}
}

// --- Helpers ---

// executionError maps controller errors to HTTP responses.
func (g *Gateway) executionError(c *okapi.Context, res *execution.Result, err error) error {
	switch {
	case errors.Is(err, execution.ErrInvalidRequest):
		return c.AbortBadRequest(err.Error())
	case errors.Is(err, security.ErrRateLimited):
		return c.AbortTooManyRequests("rate limit exceeded")
	case errors.Is(err, execution.ErrOverloaded):
		return c.JSON(http.StatusTooManyRequests, FailureBody{Error: "execution queue is full, retry later", Result: res})
	case errors.Is(err, sandbox.ErrBusy):
		return c.JSON(http.StatusConflict, FailureBody{Error: err.Error(), Result: res})
	case errors.Is(err, sandbox.ErrProvisioning), errors.Is(err, sandbox.ErrResource):
		g.logger.WarnContext(c.Context(), "sandbox unavailable",
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusServiceUnavailable, FailureBody{Error: err.Error(), Result: res})
	default:
		g.logger.ErrorContext(c.Context(), "execution failed",
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("execution failed")
	}
}
