package sandbox_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/sandbox/sandboxtest"
	"github.com/jkaninda/runbox/internal/security"
)

var testLimits = security.Envelope{
	CPU:      0.5,
	MemoryMB: 256,
	DiskMB:   1,
	Network:  security.NetworkNone,
	PIDs:     64,
	Timeout:  5 * time.Second,
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T, backend sandbox.Backend, cfg sandbox.ManagerConfig) *sandbox.Manager {
	t.Helper()
	return sandbox.NewManager(backend, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func echoHandler(_ context.Context, _ *sandboxtest.Instance, cmd sandbox.Command) (*sandbox.RunResult, error) {
	return &sandbox.RunResult{Stdout: cmd.Args[len(cmd.Args)-1] + "\n"}, nil
}

func TestManager_AcquireRunRelease(t *testing.T) {
	backend := &sandboxtest.Backend{Handler: echoHandler}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	ctx := context.Background()

	sb, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StateReady, sb.State())
	assert.Len(t, m.List(), 1)

	res, err := m.Run(ctx, sb, []string{"echo", "hi"}, sandbox.RunOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, sandbox.StateIdle, sb.State())

	require.NoError(t, m.Release(ctx, sb))
	require.NoError(t, m.Release(ctx, sb), "second release is a no-op")
	assert.Equal(t, 1, backend.Destroyed())
	assert.Equal(t, sandbox.StateDestroyed, sb.State())

	_, err = m.Get(sb.ID)
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	_, err = m.Run(ctx, sb, []string{"true"}, sandbox.RunOptions{})
	assert.ErrorIs(t, err, sandbox.ErrReleased)
}

func TestManager_ConcurrentReleaseDestroysOnce(t *testing.T) {
	backend := &sandboxtest.Backend{}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	sb, err := m.Acquire(context.Background(), "bash", testLimits)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Release(context.Background(), sb)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, backend.Destroyed())
	assert.Empty(t, m.List())
}

func TestManager_ConcurrentRunIsBusy(t *testing.T) {
	backend := &sandboxtest.Backend{Handler: sandboxtest.Block}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	ctx := context.Background()
	sb, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx, sb, []string{"sleep", "100"}, sandbox.RunOptions{Timeout: time.Hour})
		done <- err
	}()
	require.Eventually(t, func() bool { return sb.State() == sandbox.StateBusy }, time.Second, 5*time.Millisecond)

	_, err = m.Run(ctx, sb, []string{"echo"}, sandbox.RunOptions{})
	assert.ErrorIs(t, err, sandbox.ErrBusy)

	require.NoError(t, m.Release(ctx, sb))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, sandbox.ErrReleased)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after release")
	}
}

func TestManager_RunTimeout(t *testing.T) {
	backend := &sandboxtest.Backend{Handler: sandboxtest.Block}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	ctx := context.Background()
	sb, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)
	defer m.Release(ctx, sb)

	start := time.Now()
	res, err := m.Run(ctx, sb, []string{"sleep", "10"}, sandbox.RunOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, sandbox.ExitTimedOut, res.ExitCode)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, sandbox.StateIdle, sb.State(), "sandbox is usable after a timeout")
}

func TestManager_RunCancelled(t *testing.T) {
	backend := &sandboxtest.Backend{Handler: sandboxtest.Block}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	sb, err := m.Acquire(context.Background(), "python", testLimits)
	require.NoError(t, err)
	defer m.Release(context.Background(), sb)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = m.Run(ctx, sb, []string{"sleep", "10"}, sandbox.RunOptions{Timeout: time.Minute})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManager_InjectFiles(t *testing.T) {
	backend := &sandboxtest.Backend{}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	ctx := context.Background()
	sb, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)
	defer m.Release(ctx, sb)

	require.NoError(t, m.InjectFiles(ctx, sb, map[string][]byte{"src/main.py": []byte("print('hi')")}))
	inst := backend.Instances()[0]
	data, ok := inst.File("src/main.py")
	require.True(t, ok)
	assert.Equal(t, "print('hi')", string(data))

	for _, bad := range []string{"../escape.py", "/etc/passwd", "a/../../b", ""} {
		err := m.InjectFiles(ctx, sb, map[string][]byte{bad: []byte("x")})
		assert.Error(t, err, "path %q", bad)
	}

	// DiskMB is 1; the second half-megabyte pushes past the cumulative quota.
	half := make([]byte, 600<<10)
	require.NoError(t, m.InjectFiles(ctx, sb, map[string][]byte{"a.bin": half}))
	err = m.InjectFiles(ctx, sb, map[string][]byte{"b.bin": half})
	assert.ErrorIs(t, err, sandbox.ErrResource)
}

func TestManager_ProvisionFailure(t *testing.T) {
	backend := &sandboxtest.Backend{ProvisionErr: errors.New("daemon down")}
	m := newManager(t, backend, sandbox.ManagerConfig{})

	_, err := m.Acquire(context.Background(), "go", testLimits)
	assert.ErrorIs(t, err, sandbox.ErrProvisioning)
	assert.Empty(t, m.List())
}

func TestManager_ProvisioningSlotTimeout(t *testing.T) {
	backend := &sandboxtest.Backend{ProvisionDelay: 200 * time.Millisecond}
	m := newManager(t, backend, sandbox.ManagerConfig{MaxProvisioning: 1})

	go func() { _, _ = m.Acquire(context.Background(), "go", testLimits) }()
	require.Eventually(t, func() bool { return backend.Provisioned() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Acquire(ctx, "go", testLimits)
	assert.ErrorIs(t, err, sandbox.ErrProvisioning)
	assert.Equal(t, 1, backend.Provisioned())
}

func TestManager_SweepHonoursGracePeriod(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	backend := &sandboxtest.Backend{Handler: sandboxtest.Block}
	m := newManager(t, backend, sandbox.ManagerConfig{
		TTL:         time.Minute,
		Grace:       30 * time.Second,
		IdleTimeout: time.Hour,
		Now:         clk.Now,
	})
	ctx := context.Background()
	sb, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Run(ctx, sb, []string{"sleep", "1000"}, sandbox.RunOptions{Timeout: time.Hour})
		done <- err
	}()
	require.Eventually(t, func() bool { return sb.State() == sandbox.StateBusy }, time.Second, 5*time.Millisecond)

	clk.Advance(61 * time.Second)
	assert.Equal(t, 0, m.SweepExpired(ctx))
	assert.Equal(t, sandbox.StateExpiring, sb.State())
	assert.Equal(t, 0, backend.Destroyed())

	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, m.SweepExpired(ctx))
	assert.Equal(t, 1, backend.Destroyed())
	assert.ErrorIs(t, <-done, sandbox.ErrReleased)
}

func TestManager_SweepExpiredIdle(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	backend := &sandboxtest.Backend{}
	m := newManager(t, backend, sandbox.ManagerConfig{
		TTL:         time.Hour,
		IdleTimeout: 10 * time.Second,
		Now:         clk.Now,
	})
	ctx := context.Background()
	idle, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)

	clk.Advance(5 * time.Second)
	fresh, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)

	clk.Advance(6 * time.Second)
	assert.Equal(t, 1, m.SweepExpired(ctx))
	assert.Equal(t, sandbox.StateDestroyed, idle.State())
	assert.Equal(t, sandbox.StateReady, fresh.State())

	// Releasing after the sweep is a no-op.
	require.NoError(t, m.Release(ctx, idle))
	assert.Equal(t, 1, backend.Destroyed())
}

func TestManager_StatsAfterRelease(t *testing.T) {
	backend := &sandboxtest.Backend{}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	ctx := context.Background()
	sb, err := m.Acquire(ctx, "python", testLimits)
	require.NoError(t, err)
	require.NoError(t, m.InjectFiles(ctx, sb, map[string][]byte{"main.py": []byte("print(1)")}))

	st, err := m.StatsByID(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), st.DiskBytes)
	assert.Equal(t, 256, st.MemoryLimitMB)

	require.NoError(t, m.Release(ctx, sb))
	last, err := m.Stats(ctx, sb)
	require.NoError(t, err)
	assert.Equal(t, st.DiskBytes, last.DiskBytes)

	_, err = m.StatsByID(ctx, sb.ID)
	var nf *sandbox.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestManager_Shutdown(t *testing.T) {
	backend := &sandboxtest.Backend{}
	m := newManager(t, backend, sandbox.ManagerConfig{})
	for i := 0; i < 3; i++ {
		_, err := m.Acquire(context.Background(), "python", testLimits)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, m.Count()[sandbox.StateReady])
	m.Shutdown(context.Background())
	assert.Equal(t, 3, backend.Destroyed())
	assert.Empty(t, m.List())
}
