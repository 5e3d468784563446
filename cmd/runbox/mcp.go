package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/gateway/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve runbox tools over the Model Context Protocol on stdio",
	RunE:  runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mcp.NewServer(sc.Controller, sc.GitHub, version, logger)
	logger.Info("serving MCP tools on stdio", slog.String("backend", sc.Sandboxes.BackendName()))
	if err := srv.Start(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return srv.Stop(context.Background())
}
