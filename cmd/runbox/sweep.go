package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove sandboxes left behind by a crashed runbox process",
	Long: `Sweep removes every sandbox carrying the runbox label on the configured
backend. Run it only while no runbox server shares the same Docker host,
otherwise live sandboxes of that server are removed too.`,
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, _ []string) error {
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

	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	orphans, err := sc.Sandboxes.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("removing orphaned sandboxes: %w", err)
	}
	expired := sc.Sandboxes.SweepExpired(ctx)
	logger.Info("sweep finished",
		slog.Int("orphans", orphans),
		slog.Int("expired", expired),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned sandboxes\n", orphans)
	return nil
}
