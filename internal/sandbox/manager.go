package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/runbox/internal/security"
)

const (
	defaultTTL          = 15 * time.Minute
	defaultGrace        = 30 * time.Second
	defaultIdleTimeout  = 2 * time.Minute
	defaultProvisioning = 4
	teardownTimeout     = 30 * time.Second
	statsTimeout        = 5 * time.Second
)

// ManagerConfig configures sandbox lifecycle policy.
type ManagerConfig struct {
	TTL         time.Duration
	Grace       time.Duration
	IdleTimeout time.Duration
	// MaxProvisioning caps concurrent Provision calls against the backend.
	MaxProvisioning int
	MaxOutputBytes  int
	// Now is used for expiry decisions. Defaults to time.Now.
	Now func() time.Time
}

// Manager owns every sandbox created through it. Each sandbox has its own
// lock; there is no manager-wide lock.
type Manager struct {
	backend Backend
	reg     *registry
	cfg     ManagerConfig
	sem     chan struct{}
	logger  *slog.Logger
}

// NewManager creates a manager over a backend.
func NewManager(backend Backend, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Grace < 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxProvisioning <= 0 {
		cfg.MaxProvisioning = defaultProvisioning
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		backend: backend,
		reg:     newRegistry(),
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.MaxProvisioning),
		logger:  logger,
	}
}

// BackendName returns the name of the isolation backend.
func (m *Manager) BackendName() string { return m.backend.Name() }

// Ping reports whether the backend can provision.
func (m *Manager) Ping(ctx context.Context) error { return m.backend.Ping(ctx) }

// AcquireOption adjusts a single Acquire call.
type AcquireOption func(*ProvisionRequest)

// WithImage requests a specific image instead of the language default.
func WithImage(image string) AcquireOption {
	return func(r *ProvisionRequest) { r.Image = image }
}

// Acquire provisions a new sandbox for language with the given limits.
// It waits for a provisioning slot until ctx is done.
func (m *Manager) Acquire(ctx context.Context, lang string, limits security.Envelope, opts ...AcquireOption) (*Sandbox, error) {
	now := m.cfg.Now()
	sb := &Sandbox{
		ID:        uuid.NewString(),
		Language:  lang,
		Limits:    limits,
		CreatedAt: now,
		state:     StateRequested,
		expiresAt: now.Add(m.cfg.TTL),
	}
	m.reg.put(sb)

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.discard(sb)
		return nil, fmt.Errorf("%w: waiting for provisioning slot: %v", ErrProvisioning, ctx.Err())
	}
	defer func() { <-m.sem }()

	sb.mu.Lock()
	sb.state = StateProvisioning
	sb.mu.Unlock()

	req := ProvisionRequest{
		ID:       sb.ID,
		Language: lang,
		Limits:   limits,
		Lifetime: m.cfg.TTL + m.cfg.Grace,
	}
	for _, opt := range opts {
		opt(&req)
	}
	inst, err := m.backend.Provision(ctx, req)
	if err != nil {
		m.discard(sb)
		m.logger.Warn("sandbox provisioning failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("language", lang),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	sb.mu.Lock()
	sb.inst = inst
	sb.state = StateReady
	sb.idleSince = m.cfg.Now()
	sb.mu.Unlock()

	m.logger.Debug("sandbox ready",
		slog.String("sandbox_id", sb.ID),
		slog.String("language", lang),
		slog.String("backend", m.backend.Name()),
	)
	return sb, nil
}

func (m *Manager) discard(sb *Sandbox) {
	sb.mu.Lock()
	sb.state = StateDestroyed
	sb.mu.Unlock()
	m.reg.remove(sb.ID)
}

// Get returns a tracked sandbox.
func (m *Manager) Get(id string) (*Sandbox, error) {
	sb, ok := m.reg.get(id)
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return sb, nil
}

// beginWork moves a Ready or Idle sandbox to Busy. cancel, when set, is
// invoked if the sandbox is released while the work is in flight.
func (m *Manager) beginWork(sb *Sandbox, cancel context.CancelFunc) (Instance, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	switch sb.state {
	case StateReady, StateIdle:
	case StateBusy:
		return nil, ErrBusy
	case StateExpiring, StateTerminating, StateDestroyed:
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrReleased, sb.ID, sb.state)
	default:
		return nil, fmt.Errorf("%w: sandbox %s not ready", ErrProvisioning, sb.ID)
	}
	sb.state = StateBusy
	sb.running = true
	sb.cancelRun = cancel
	return sb.inst, nil
}

// endWork returns a Busy sandbox to Idle. A sandbox marked Expiring or
// Terminating while it worked keeps that state.
func (m *Manager) endWork(sb *Sandbox) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.running = false
	sb.cancelRun = nil
	if sb.state == StateBusy {
		sb.state = StateIdle
		sb.idleSince = m.cfg.Now()
	}
}

// InjectFiles writes files into the sandbox working directory. Paths must
// be relative and stay inside it; the cumulative size of all injections
// may not exceed the disk quota.
func (m *Manager) InjectFiles(ctx context.Context, sb *Sandbox, files map[string][]byte) error {
	clean := make(map[string][]byte, len(files))
	var size int64
	for name, data := range files {
		p, err := cleanRelPath(name)
		if err != nil {
			return err
		}
		clean[p] = data
		size += int64(len(data))
	}

	sb.mu.Lock()
	if quota := sb.Limits.DiskBytes(); quota > 0 && sb.injected+size > quota {
		sb.mu.Unlock()
		return fmt.Errorf("%w: injecting %d bytes exceeds disk quota of %d bytes", ErrResource, sb.injected+size, quota)
	}
	sb.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	inst, err := m.beginWork(sb, cancel)
	if err != nil {
		return err
	}
	defer m.endWork(sb)

	if err := inst.WriteFiles(ctx, clean); err != nil {
		return fmt.Errorf("injecting files: %w", err)
	}
	sb.mu.Lock()
	sb.injected += size
	sb.mu.Unlock()
	return nil
}

func cleanRelPath(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid file path %q", name)
	}
	name = strings.ReplaceAll(name, "\\", "/")
	if path.IsAbs(name) {
		return "", fmt.Errorf("file path %q must be relative", name)
	}
	p := path.Clean(name)
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("file path %q escapes the working directory", name)
	}
	return p, nil
}

// RunOptions controls one Run call.
type RunOptions struct {
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// Run executes a command inside the sandbox and waits for it. A second
// Run on the same sandbox while one is in flight fails with ErrBusy.
//
// When the timeout elapses the command's process tree is killed and the
// result carries TimedOut with ExitTimedOut. If ctx itself is cancelled
// the partial result is returned together with ctx.Err(). If the sandbox
// is released while the command runs, ErrReleased is returned.
func (m *Manager) Run(ctx context.Context, sb *Sandbox, args []string, opts RunOptions) (*RunResult, error) {
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = sb.Limits.Timeout
	}
	if timeout <= 0 {
		return &RunResult{TimedOut: true, ExitCode: ExitTimedOut}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	inst, err := m.beginWork(sb, cancel)
	if err != nil {
		return nil, err
	}
	defer m.endWork(sb)

	res, err := inst.Exec(runCtx, Command{
		Args:      args,
		Dir:       opts.Dir,
		Env:       opts.Env,
		MaxOutput: m.cfg.MaxOutputBytes,
	})
	if err != nil {
		return nil, err
	}

	if res.TimedOut {
		sb.mu.Lock()
		state := sb.state
		sb.mu.Unlock()
		switch {
		case state == StateTerminating || state == StateDestroyed:
			return res, fmt.Errorf("%w: sandbox %s released during run", ErrReleased, sb.ID)
		case errors.Is(ctx.Err(), context.Canceled):
			return res, ctx.Err()
		}
	}
	return res, nil
}

// Files returns workspace files under dir for inspection.
func (m *Manager) Files(ctx context.Context, sb *Sandbox, dir string, limits ReadLimits) (map[string][]byte, error) {
	if dir != "" {
		p, err := cleanRelPath(dir)
		if err != nil {
			return nil, err
		}
		dir = p
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	inst, err := m.beginWork(sb, cancel)
	if err != nil {
		return nil, err
	}
	defer m.endWork(sb)
	return inst.ReadFiles(ctx, dir, limits)
}

// Stats returns a usage snapshot. It does not wait for running commands;
// once the sandbox is gone the last captured snapshot is returned.
func (m *Manager) Stats(ctx context.Context, sb *Sandbox) (ResourceStats, error) {
	sb.mu.Lock()
	inst := sb.inst
	state := sb.state
	last := sb.lastStats
	sb.mu.Unlock()

	if inst == nil || state == StateTerminating || state == StateDestroyed {
		return last, nil
	}
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	st, err := inst.Usage(ctx)
	if err != nil {
		return last, fmt.Errorf("sandbox stats: %w", err)
	}
	st.MemoryLimitMB = sb.Limits.MemoryMB
	sb.mu.Lock()
	sb.lastStats = st
	sb.mu.Unlock()
	return st, nil
}

// StatsByID looks a sandbox up and returns its stats.
func (m *Manager) StatsByID(ctx context.Context, id string) (ResourceStats, error) {
	sb, err := m.Get(id)
	if err != nil {
		return ResourceStats{}, err
	}
	return m.Stats(ctx, sb)
}

// Release destroys the sandbox. It is idempotent: concurrent or repeated
// calls after the first are no-ops. Teardown continues even if ctx is
// already cancelled.
func (m *Manager) Release(ctx context.Context, sb *Sandbox) error {
	_, err := m.release(ctx, sb, "released")
	return err
}

func (m *Manager) release(ctx context.Context, sb *Sandbox, reason string) (bool, error) {
	sb.mu.Lock()
	if sb.state == StateTerminating || sb.state == StateDestroyed {
		sb.mu.Unlock()
		return false, nil
	}
	sb.state = StateTerminating
	if sb.cancelRun != nil {
		sb.cancelRun()
	}
	inst := sb.inst
	sb.mu.Unlock()

	var err error
	if inst != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		err = inst.Destroy(tctx)
		cancel()
	}

	sb.mu.Lock()
	sb.state = StateDestroyed
	sb.mu.Unlock()
	m.reg.remove(sb.ID)

	if err != nil {
		m.logger.Warn("sandbox teardown failed",
			slog.String("sandbox_id", sb.ID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return true, fmt.Errorf("releasing sandbox %s: %w", sb.ID, err)
	}
	m.logger.Debug("sandbox destroyed", slog.String("sandbox_id", sb.ID), slog.String("reason", reason))
	return true, nil
}

// SweepExpired reclaims sandboxes past their TTL or idle timeout and
// returns how many it released. A sandbox running a command is only
// marked Expiring when its TTL passes and is released once the grace
// period has also elapsed.
func (m *Manager) SweepExpired(ctx context.Context) int {
	now := m.cfg.Now()
	released := 0
	for _, sb := range m.reg.snapshot() {
		reason := m.sweepDecision(sb, now)
		if reason == "" {
			continue
		}
		if ok, _ := m.release(ctx, sb, reason); ok {
			released++
		}
	}
	if released > 0 {
		m.logger.Info("sandbox sweep", slog.Int("released", released), slog.Int("remaining", m.reg.len()))
	}
	return released
}

// sweepDecision returns why sb should be released now, or "" to keep it.
func (m *Manager) sweepDecision(sb *Sandbox, now time.Time) string {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	switch sb.state {
	case StateRequested, StateProvisioning, StateTerminating, StateDestroyed:
		return ""
	}
	if !now.Before(sb.expiresAt) {
		if !sb.running {
			return "ttl expired"
		}
		if now.Before(sb.expiresAt.Add(m.cfg.Grace)) {
			sb.state = StateExpiring
			return ""
		}
		return "ttl and grace expired"
	}
	if (sb.state == StateReady || sb.state == StateIdle) && now.Sub(sb.idleSince) >= m.cfg.IdleTimeout {
		return "idle timeout"
	}
	return ""
}

// List returns a view of every tracked sandbox.
func (m *Manager) List() []Info {
	now := m.cfg.Now()
	sbs := m.reg.snapshot()
	out := make([]Info, 0, len(sbs))
	for _, sb := range sbs {
		out = append(out, sb.info(m.backend.Name(), now))
	}
	return out
}

// Count returns the number of tracked sandboxes per state.
func (m *Manager) Count() map[State]int {
	out := make(map[State]int)
	for _, sb := range m.reg.snapshot() {
		out[sb.State()]++
	}
	return out
}

// ReconcileOrphans removes backend instances this manager does not track.
// Backends without persistent instances report zero.
func (m *Manager) ReconcileOrphans(ctx context.Context) (int, error) {
	reaper, ok := m.backend.(OrphanReaper)
	if !ok {
		return 0, nil
	}
	n, err := reaper.RemoveOrphans(ctx, func(id string) bool {
		_, tracked := m.reg.get(id)
		return tracked
	})
	if n > 0 {
		m.logger.Info("removed orphaned sandboxes", slog.Int("count", n))
	}
	return n, err
}

// Shutdown releases every tracked sandbox.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, sb := range m.reg.snapshot() {
		_, _ = m.release(ctx, sb, "shutdown")
	}
}
