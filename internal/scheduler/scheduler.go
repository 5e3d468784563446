// Package scheduler runs runbox's periodic maintenance: the sandbox TTL
// sweep, in-memory history and cache pruning, and execution archive
// retention.
//
// Tasks are registered with cron expressions (five fields, or descriptors
// such as "@every 30s"). A task still running when its next slot comes up
// is skipped for that slot rather than run twice.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultPollInterval = time.Second

// TaskFunc performs one maintenance pass and returns how many items it
// reclaimed.
type TaskFunc func(ctx context.Context) (int, error)

type entry struct {
	name     string
	expr     string
	schedule cron.Schedule
	fn       TaskFunc
	next     time.Time
	running  atomic.Bool
}

// Scheduler polls registered tasks and fires those that are due.
// It runs as a background goroutine in serve mode.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	parser  cron.Parser
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	poll    time.Duration
	wg      sync.WaitGroup
}

// New creates a Scheduler. metrics may be nil.
func New(metrics *Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		poll:    defaultPollInterval,
	}
}

// Add registers a task. The expression is validated immediately.
func (s *Scheduler) Add(name, expr string, fn TaskFunc) error {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for %s: %w", expr, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.name == name {
			return fmt.Errorf("task %s already registered", name)
		}
	}
	s.entries = append(s.entries, &entry{
		name:     name,
		expr:     expr,
		schedule: sched,
		fn:       fn,
		next:     sched.Next(s.now()),
	})
	return nil
}

// Tasks returns registered task names with their next run time.
func (s *Scheduler) Tasks() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		out[e.name] = e.next
	}
	return out
}

// Start begins the scheduler loop. The returned function stops the loop and
// waits for in-flight tasks.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.logger.InfoContext(ctx, "maintenance scheduler started",
			slog.Int("tasks", len(s.Tasks())),
			slog.String("poll_interval", s.poll.String()),
		)

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("maintenance scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		s.wg.Wait()
	}
}

// tick fires every due task in its own goroutine.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		e.next = e.schedule.Next(now)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		if !e.running.CompareAndSwap(false, true) {
			s.logger.WarnContext(ctx, "maintenance task still running, skipping slot",
				slog.String("task", e.name),
			)
			if s.metrics != nil {
				s.metrics.Skipped.WithLabelValues(e.name).Inc()
			}
			continue
		}
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			defer e.running.Store(false)
			s.run(ctx, e)
		}(e)
	}
}

// RunNow runs one task synchronously, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	var target *entry
	for _, e := range s.entries {
		if e.name == name {
			target = e
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return 0, fmt.Errorf("unknown task %s", name)
	}
	return s.run(ctx, target)
}

func (s *Scheduler) run(ctx context.Context, e *entry) (int, error) {
	start := time.Now()
	n, err := e.fn(ctx)
	elapsed := time.Since(start)

	result := "success"
	if err != nil {
		result = "failure"
		s.logger.ErrorContext(ctx, "maintenance task failed",
			slog.String("task", e.name),
			slog.String("error", err.Error()),
		)
	} else if n > 0 {
		s.logger.InfoContext(ctx, "maintenance task reclaimed items",
			slog.String("task", e.name),
			slog.Int("count", n),
			slog.Duration("elapsed", elapsed),
		)
	}

	if s.metrics != nil {
		s.metrics.Runs.WithLabelValues(e.name, result).Inc()
		s.metrics.Reclaimed.WithLabelValues(e.name).Add(float64(n))
		s.metrics.Duration.WithLabelValues(e.name).Observe(elapsed.Seconds())
	}
	return n, err
}

// ComputeNextRunFrom computes the next run time for expr after from.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}
