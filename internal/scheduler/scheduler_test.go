package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/runbox/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAdd_RejectsBadExpression(t *testing.T) {
	s := New(nil, quietLogger())
	err := s.Add("bad", "not a cron", func(context.Context) (int, error) { return 0, nil })
	assert.Error(t, err)
}

func TestAdd_RejectsDuplicate(t *testing.T) {
	s := New(nil, quietLogger())
	noop := func(context.Context) (int, error) { return 0, nil }
	require.NoError(t, s.Add("sweep", "@every 30s", noop))
	assert.Error(t, s.Add("sweep", "* * * * *", noop))
}

func TestTick_FiresDueTasksOnce(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := New(nil, quietLogger())
	s.now = func() time.Time { return now }

	var runs atomic.Int32
	require.NoError(t, s.Add("sweep", "@every 1m", func(context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	}))

	s.tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, int32(0), runs.Load(), "not due yet")

	now = now.Add(61 * time.Second)
	s.tick(context.Background())
	s.wg.Wait()
	s.tick(context.Background())
	s.wg.Wait()
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, s.Tasks()["sweep"].After(now))
}

func TestTick_SkipsWhileRunning(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := New(m, quietLogger())
	s.now = func() time.Time { return now }

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, s.Add("slow", "@every 1s", func(ctx context.Context) (int, error) {
		started <- struct{}{}
		<-release
		return 0, nil
	}))

	now = now.Add(2 * time.Second)
	s.tick(context.Background())
	<-started

	now = now.Add(2 * time.Second)
	s.tick(context.Background())
	close(release)
	s.wg.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Skipped.WithLabelValues("slow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("slow", "success")))
}

func TestRunNow_RecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := New(m, quietLogger())
	require.NoError(t, s.Add("ok", "@daily", func(context.Context) (int, error) { return 3, nil }))
	require.NoError(t, s.Add("broken", "@daily", func(context.Context) (int, error) { return 0, errors.New("boom") }))

	n, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	_, err = s.RunNow(context.Background(), "broken")
	assert.Error(t, err)
	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Reclaimed.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("broken", "failure")))
}

func TestStart_StopsCleanly(t *testing.T) {
	s := New(nil, quietLogger())
	s.poll = 5 * time.Millisecond
	var runs atomic.Int32
	require.NoError(t, s.Add("fast", "@every 1s", func(context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	}))
	s.mu.Lock()
	s.entries[0].next = time.Now()
	s.mu.Unlock()

	stop := s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestNewMetrics_NilRegistry(t *testing.T) {
	assert.Nil(t, NewMetrics(nil))
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	next, err := ComputeNextRunFrom("17 3 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 2, 3, 17, 0, 0, time.UTC), next)

	_, err = ComputeNextRunFrom("61 * * * *", from)
	assert.Error(t, err)
}

// --- Maintenance ---

type fakeSweeper struct{ n int }

func (f fakeSweeper) SweepExpired(context.Context) int { return f.n }

type fakePruner struct{ n int }

func (f fakePruner) Prune() int { return f.n }

type fakeLimiter struct{ idle time.Duration }

func (f *fakeLimiter) Prune(idle time.Duration) int {
	f.idle = idle
	return 1
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) PruneCache() int { return 4 }

type fakeArchive struct{ before time.Time }

func (f *fakeArchive) Prune(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 7, nil
}

func TestMaintenance_Sweep(t *testing.T) {
	lim := &fakeLimiter{}
	m := &Maintenance{
		Sandboxes: fakeSweeper{n: 2},
		History:   fakePruner{n: 3},
		Limiter:   lim,
		Analyzer:  fakeAnalyzer{},
	}
	n, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, defaultLimiterIdle, lim.idle)
}

func TestMaintenance_SweepRequiresSandboxes(t *testing.T) {
	_, err := (&Maintenance{}).Sweep(context.Background())
	assert.Error(t, err)
}

func TestMaintenance_PruneArchive(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	archive := &fakeArchive{}
	m := &Maintenance{Archive: archive, Retention: 24 * time.Hour, Now: func() time.Time { return now }}

	n, err := m.PruneArchive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, now.Add(-24*time.Hour), archive.before)

	m.Retention = 0
	n, err = m.PruneArchive(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaintenance_Register(t *testing.T) {
	s := New(nil, quietLogger())
	m := &Maintenance{Sandboxes: fakeSweeper{}, Archive: &fakeArchive{}}
	require.NoError(t, m.Register(s, nil))
	tasks := s.Tasks()
	assert.Contains(t, tasks, TaskSweep)
	assert.Contains(t, tasks, TaskPruneArchive)

	s2 := New(nil, quietLogger())
	err := (&Maintenance{Sandboxes: fakeSweeper{}}).Register(s2, &config.SchedulerConfig{SweepSchedule: "bogus"})
	assert.Error(t, err)
}
