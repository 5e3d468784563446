package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/jkaninda/runbox/internal/security"
)

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	// Root is where per-sandbox working directories are created. Empty = os.TempDir().
	Root string
}

// ProcessBackend runs each sandbox as a private working directory on the
// host. Commands run in their own process group under ulimit memory and
// CPU caps with a scrubbed environment. It does not isolate the network
// or the filesystem outside the working directory and is meant for
// development hosts without Docker.
type ProcessBackend struct {
	root   string
	logger *slog.Logger
}

// NewProcessBackend creates a process backend.
func NewProcessBackend(cfg ProcessConfig, logger *slog.Logger) *ProcessBackend {
	root := cfg.Root
	if root == "" {
		root = os.TempDir()
	}
	return &ProcessBackend{root: root, logger: logger}
}

func (b *ProcessBackend) Name() string { return "process" }

// Ping checks that a shell is present and the root is writable.
func (b *ProcessBackend) Ping(_ context.Context) error {
	if _, err := os.Stat("/bin/sh"); err != nil {
		return fmt.Errorf("process backend: %w", err)
	}
	if err := os.MkdirAll(b.root, 0o700); err != nil {
		return fmt.Errorf("process backend root: %w", err)
	}
	return nil
}

// Provision creates the working directory for a new sandbox.
func (b *ProcessBackend) Provision(ctx context.Context, req ProvisionRequest) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(b.root, 0o700); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	dir, err := os.MkdirTemp(b.root, "runbox-"+req.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".tmp"), 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("creating sandbox tmp dir: %w", err)
	}
	if req.Limits.Network != security.NetworkFull {
		b.logger.Debug("process backend does not restrict network",
			slog.String("sandbox_id", req.ID),
			slog.String("network", string(req.Limits.Network)),
		)
	}
	return &processInstance{
		dir:    dir,
		limits: req.Limits,
		logger: b.logger.With(slog.String("sandbox_id", req.ID)),
		groups: make(map[int]struct{}),
	}, nil
}

type processInstance struct {
	dir    string
	limits security.Envelope
	logger *slog.Logger

	mu        sync.Mutex
	groups    map[int]struct{}
	cpu       time.Duration
	peakRSS   int64
	destroyed bool
}

func (p *processInstance) WriteFiles(_ context.Context, files map[string][]byte) error {
	for name, data := range files {
		full := filepath.Join(p.dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating parent of %s: %w", name, err)
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// Exec runs the command through a shell wrapper:
//
//	sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ cmd args...
//
// The arguments are passed positionally and never interpolated into the script.
func (p *processInstance) Exec(ctx context.Context, c Command) (*RunResult, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil, ErrReleased
	}
	p.mu.Unlock()

	memKB := p.limits.MemoryMB * 1024
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"", memKB, p.cpuSeconds(ctx))
	args := make([]string, 0, 3+len(c.Args))
	args = append(args, "-c", script, "_")
	args = append(args, c.Args...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = filepath.Join(p.dir, filepath.FromSlash(c.Dir))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	// Grandchildren holding the pipes open must not stall Wait.
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = buildEnv(p.dir, c.Env)

	stdout := newCappedBuffer(c.MaxOutput)
	stderr := newCappedBuffer(c.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	pgid := cmd.Process.Pid
	p.trackGroup(pgid, true)
	runErr := cmd.Wait()
	p.trackGroup(pgid, false)
	wall := time.Since(start)
	p.recordUsage(cmd.ProcessState)

	res := &RunResult{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		WallTime:        wall,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	if ctx.Err() != nil {
		res.TimedOut = true
		res.ExitCode = ExitTimedOut
		return res, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("running command: %w", runErr)
		}
		res.ExitCode = exitStatus(exitErr.ProcessState)
	}
	return res, nil
}

// exitStatus reports signal deaths as 128+signo, the way shells do.
func exitStatus(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

// cpuSeconds is the ulimit -t value: the CPU share times the remaining wall budget.
func (p *processInstance) cpuSeconds(ctx context.Context) int {
	budget := p.limits.Timeout
	if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl)
	}
	cores := math.Max(p.limits.CPU, 1)
	secs := int(math.Ceil(budget.Seconds() * cores))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (p *processInstance) trackGroup(pgid int, running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if running {
		p.groups[pgid] = struct{}{}
	} else {
		delete(p.groups, pgid)
	}
}

func (p *processInstance) recordUsage(state *os.ProcessState) {
	if state == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cpu += state.UserTime() + state.SystemTime()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// Maxrss is reported in KiB on Linux.
		if rss := int64(ru.Maxrss) * 1024; rss > p.peakRSS {
			p.peakRSS = rss
		}
	}
}

func (p *processInstance) ReadFiles(ctx context.Context, dir string, limits ReadLimits) (map[string][]byte, error) {
	limits = limits.withDefaults()
	base := filepath.Join(p.dir, filepath.FromSlash(dir))
	out := make(map[string][]byte)
	var total int64
	var names []string

	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != base && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if len(names) >= limits.MaxFiles {
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}

	sort.Strings(names)
	for _, name := range names {
		if total >= limits.MaxTotal {
			out[name] = nil
			continue
		}
		data, err := readHead(filepath.Join(base, filepath.FromSlash(name)), limits.MaxFileBytes)
		if err != nil {
			p.logger.Debug("skipping unreadable file", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		total += int64(len(data))
		out[name] = data
	}
	return out, nil
}

func readHead(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

func (p *processInstance) Usage(_ context.Context) (ResourceStats, error) {
	var disk int64
	_ = filepath.WalkDir(p.dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				disk += info.Size()
			}
		}
		return nil
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return ResourceStats{
		CPUTime:         p.cpu,
		PeakMemoryBytes: p.peakRSS,
		MemoryLimitMB:   p.limits.MemoryMB,
		DiskBytes:       disk,
		CapturedAt:      time.Now(),
	}, nil
}

func (p *processInstance) Destroy(_ context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	for pgid := range p.groups {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}
	p.mu.Unlock()

	if err := os.RemoveAll(p.dir); err != nil {
		return fmt.Errorf("removing sandbox dir: %w", err)
	}
	return nil
}

// buildEnv constructs a minimal environment. The parent environment is
// never inherited so host credentials cannot leak into sandboxed commands.
func buildEnv(dir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/go/bin:/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + filepath.Join(dir, ".tmp"),
		"LANG=C.UTF-8",
		"TERM=dumb",
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
		"PIP_USER=1",
		"PIP_NO_CACHE_DIR=1",
		"GOPATH=" + filepath.Join(dir, ".go"),
		"GOCACHE=" + filepath.Join(dir, ".cache", "go"),
		"CARGO_HOME=" + filepath.Join(dir, ".cargo"),
		"npm_config_cache=" + filepath.Join(dir, ".npm"),
		"CI=true",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
