// Package sandboxtest provides an in-memory sandbox backend for tests.
package sandboxtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// Handler decides the outcome of one command. It may block until ctx is
// done to simulate a long-running process.
type Handler func(ctx context.Context, inst *Instance, cmd sandbox.Command) (*sandbox.RunResult, error)

// Backend is a scripted sandbox.Backend that counts lifecycle calls.
type Backend struct {
	// Handler runs commands. Nil means every command exits 0 silently.
	Handler Handler
	// ProvisionErr, when set, fails every Provision call.
	ProvisionErr error
	// ProvisionDelay is slept before each Provision returns.
	ProvisionDelay time.Duration

	provisioned atomic.Int64
	destroyed   atomic.Int64

	mu        sync.Mutex
	instances []*Instance
}

func (b *Backend) Name() string { return "fake" }

func (b *Backend) Ping(context.Context) error { return nil }

func (b *Backend) Provision(ctx context.Context, req sandbox.ProvisionRequest) (sandbox.Instance, error) {
	b.provisioned.Add(1)
	if b.ProvisionDelay > 0 {
		select {
		case <-time.After(b.ProvisionDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.ProvisionErr != nil {
		return nil, b.ProvisionErr
	}
	inst := &Instance{backend: b, Request: req, files: make(map[string][]byte)}
	b.mu.Lock()
	b.instances = append(b.instances, inst)
	b.mu.Unlock()
	return inst, nil
}

// Provisioned returns how many Provision calls were made.
func (b *Backend) Provisioned() int { return int(b.provisioned.Load()) }

// Destroyed returns how many instances were destroyed.
func (b *Backend) Destroyed() int { return int(b.destroyed.Load()) }

// Instances returns every instance created so far.
func (b *Backend) Instances() []*Instance {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Instance(nil), b.instances...)
}

// Instance is a fake sandbox with an in-memory file tree.
type Instance struct {
	Request sandbox.ProvisionRequest

	backend   *Backend
	mu        sync.Mutex
	files     map[string][]byte
	commands  [][]string
	destroyed bool
}

// SetFile stores a file as if a command had created it.
func (i *Instance) SetFile(name string, data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.files[name] = data
}

// File returns a stored file.
func (i *Instance) File(name string) ([]byte, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	data, ok := i.files[name]
	return data, ok
}

// Commands returns the argv of every command run so far.
func (i *Instance) Commands() [][]string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([][]string(nil), i.commands...)
}

// IsDestroyed reports whether Destroy was called.
func (i *Instance) IsDestroyed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.destroyed
}

func (i *Instance) WriteFiles(_ context.Context, files map[string][]byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return sandbox.ErrReleased
	}
	for k, v := range files {
		i.files[k] = v
	}
	return nil
}

func (i *Instance) Exec(ctx context.Context, cmd sandbox.Command) (*sandbox.RunResult, error) {
	i.mu.Lock()
	if i.destroyed {
		i.mu.Unlock()
		return nil, sandbox.ErrReleased
	}
	i.commands = append(i.commands, append([]string(nil), cmd.Args...))
	i.mu.Unlock()

	start := time.Now()
	var (
		res *sandbox.RunResult
		err error
	)
	if i.backend.Handler != nil {
		res, err = i.backend.Handler(ctx, i, cmd)
	} else {
		res = &sandbox.RunResult{}
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return &sandbox.RunResult{
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: sandbox.ExitTimedOut,
			TimedOut: true,
			WallTime: time.Since(start),
		}, nil
	}
	if res.WallTime == 0 {
		res.WallTime = time.Since(start)
	}
	return res, nil
}

func (i *Instance) ReadFiles(_ context.Context, dir string, _ sandbox.ReadLimits) (map[string][]byte, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	prefix := ""
	if dir != "" && dir != "." {
		prefix = strings.TrimSuffix(dir, "/") + "/"
	}
	out := make(map[string][]byte)
	for name, data := range i.files {
		if rel, ok := strings.CutPrefix(name, prefix); ok {
			out[rel] = data
		}
	}
	if len(out) == 0 && prefix != "" {
		return nil, errors.New("no such directory: " + dir)
	}
	return out, nil
}

func (i *Instance) Usage(context.Context) (sandbox.ResourceStats, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var disk int64
	for _, f := range i.files {
		disk += int64(len(f))
	}
	return sandbox.ResourceStats{
		CPUTime:         10 * time.Millisecond,
		PeakMemoryBytes: 8 << 20,
		DiskBytes:       disk,
		CapturedAt:      time.Now(),
	}, nil
}

func (i *Instance) Destroy(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return nil
	}
	i.destroyed = true
	i.backend.destroyed.Add(1)
	return nil
}

// Block is a Handler helper that waits until ctx is done.
func Block(ctx context.Context, _ *Instance, _ sandbox.Command) (*sandbox.RunResult, error) {
	<-ctx.Done()
	return &sandbox.RunResult{}, nil
}
