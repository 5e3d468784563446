// Package mcp serves runbox as a Model Context Protocol tool server over
// stdio, so assistants can execute snippets and analyze repositories. Calls
// go through the same execution controller, policy and audit trail as the
// HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/repo"
)

// Tool names.
const (
	ToolExecuteCode       = "execute_code"
	ToolAnalyzeRepository = "analyze_repository"
	ToolExecutionStatus   = "execution_status"
)

// clientKey identifies MCP callers to the rate limiter and audit log.
const clientKey = "mcp"

// Executor runs snippets and reports execution status.
type Executor interface {
	ExecuteCode(ctx context.Context, req execution.CodeRequest) (*execution.Result, error)
	GetStatus(id string) (*execution.Result, error)
}

// Analyzer inspects a remote repository without cloning it.
type Analyzer interface {
	Analyze(ctx context.Context, owner, name string) (*repo.Analysis, error)
}

// Server exposes runbox operations as MCP tools.
type Server struct {
	exec     Executor
	analyzer Analyzer // nil = analyze_repository not registered.
	srv      *server.MCPServer
	logger   *slog.Logger
}

// NewServer creates the tool server and registers its tools.
func NewServer(exec Executor, analyzer Analyzer, version string, logger *slog.Logger) *Server {
	s := &Server{
		exec:     exec,
		analyzer: analyzer,
		srv:      server.NewMCPServer("runbox", version, server.WithToolCapabilities(false)),
		logger:   logger,
	}

	s.srv.AddTool(mcp.NewTool(ToolExecuteCode,
		mcp.WithDescription("Run a code snippet in an isolated sandbox and return its output, exit code and status."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run")),
		mcp.WithString("language", mcp.Required(), mcp.Description("Language, e.g. python, javascript, go, bash")),
		mcp.WithNumber("timeout", mcp.Description("Timeout in seconds. Omit for the language default.")),
	), s.handleExecuteCode)

	s.srv.AddTool(mcp.NewTool(ToolExecutionStatus,
		mcp.WithDescription("Get the current record of a previous execution."),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution ID returned by execute_code")),
	), s.handleStatus)

	if analyzer != nil {
		s.srv.AddTool(mcp.NewTool(ToolAnalyzeRepository,
			mcp.WithDescription("Detect the runtime, setup, build and test commands of a GitHub repository without running it."),
			mcp.WithString("repository", mcp.Required(), mcp.Description("Repository as owner/name")),
		), s.handleAnalyze)
	}
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.srv }

// Start serves tools on stdin/stdout until ctx is canceled or stdin closes.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("mcp tool server starting", slog.String("transport", "stdio"))
	return server.NewStdioServer(s.srv).Listen(ctx, os.Stdin, os.Stdout)
}

// Stop is a no-op; the stdio server ends with its context.
func (s *Server) Stop(context.Context) error { return nil }

func (s *Server) handleExecuteCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	lang, err := req.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	timeout := req.GetFloat("timeout", 0)
	if timeout < 0 {
		return mcp.NewToolResultError("timeout must not be negative"), nil
	}

	res, err := s.exec.ExecuteCode(ctx, execution.CodeRequest{
		Code:      code,
		Language:  lang,
		Timeout:   time.Duration(timeout * float64(time.Second)),
		ClientKey: clientKey,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "mcp execution failed", slog.String("error", err.Error()))
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.InfoContext(ctx, "mcp code execution",
		slog.String("execution_id", res.ID),
		slog.String("language", res.Language),
		slog.String("status", string(res.Status)),
	)
	return resultJSON(res, !succeeded(res.Status))
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := s.exec.GetStatus(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(res, false)
}

func (s *Server) handleAnalyze(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	slug, err := req.RequireString("repository")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	owner, name, err := repo.ParseSlug(slug)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	analysis, err := s.analyzer.Analyze(ctx, owner, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("analyzing %s/%s: %v", owner, name, err)), nil
	}
	return resultJSON(analysis, false)
}

func succeeded(s execution.Status) bool {
	return s == execution.StatusSuccess || s == execution.StatusPartialSuccess
}

func resultJSON(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = isError
	return res, nil
}
