package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/runbox/internal/config"
)

// Task names.
const (
	TaskSweep        = "sandbox_sweep"
	TaskPruneArchive = "archive_prune"
)

// defaultLimiterIdle is how long an unused per-client rate bucket survives.
const defaultLimiterIdle = 30 * time.Minute

// Sweeper reclaims expired sandboxes.
type Sweeper interface {
	SweepExpired(ctx context.Context) int
}

// ArchivePruner deletes archived executions finished before a cutoff.
type ArchivePruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Maintenance bundles the collaborators of the built-in tasks. Only
// Sandboxes is required; nil fields are skipped.
type Maintenance struct {
	Sandboxes Sweeper
	History   interface{ Prune() int }
	Limiter   interface{ Prune(idle time.Duration) int }
	Analyzer  interface{ PruneCache() int }
	Archive   ArchivePruner

	// Retention is how long archived executions are kept. 0 = never pruned.
	Retention   time.Duration
	LimiterIdle time.Duration // 0 = 30m.
	Now         func() time.Time
}

// Sweep destroys expired sandboxes and drops stale history entries,
// rate-limit buckets and cached analyses.
func (m *Maintenance) Sweep(ctx context.Context) (int, error) {
	if m.Sandboxes == nil {
		return 0, errors.New("no sandbox manager configured")
	}
	n := m.Sandboxes.SweepExpired(ctx)
	if m.History != nil {
		n += m.History.Prune()
	}
	if m.Limiter != nil {
		idle := m.LimiterIdle
		if idle <= 0 {
			idle = defaultLimiterIdle
		}
		n += m.Limiter.Prune(idle)
	}
	if m.Analyzer != nil {
		n += m.Analyzer.PruneCache()
	}
	return n, nil
}

// PruneArchive deletes archived executions older than Retention.
func (m *Maintenance) PruneArchive(ctx context.Context) (int, error) {
	if m.Archive == nil || m.Retention <= 0 {
		return 0, nil
	}
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	n, err := m.Archive.Prune(ctx, now().Add(-m.Retention))
	return int(n), err
}

// Register adds the built-in tasks to s using cfg's schedules.
func (m *Maintenance) Register(s *Scheduler, cfg *config.SchedulerConfig) error {
	if err := s.Add(TaskSweep, cfg.Sweep(), m.Sweep); err != nil {
		return err
	}
	if m.Archive != nil {
		if err := s.Add(TaskPruneArchive, cfg.Prune(), m.PruneArchive); err != nil {
			return err
		}
	}
	return nil
}
