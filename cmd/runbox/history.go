package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/execution"
	"github.com/jkaninda/runbox/internal/storage"
)

var (
	historyLimit  int
	historyKind   string
	historyStatus string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived executions, most recent first",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "maximum number of executions")
	historyCmd.Flags().StringVar(&historyKind, "kind", "", "filter by kind (code or repository)")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging)

	store, err := initStore(cfg, logger)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("the execution archive is disabled (storage.driver=none)")
	}
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	results, err := store.Executions().Recent(ctx, storage.Filter{
		Kind:   execution.Kind(historyKind),
		Status: execution.Status(historyStatus),
		Limit:  historyLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), results)
}
