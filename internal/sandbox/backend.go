package sandbox

import (
	"context"
	"time"

	"github.com/jkaninda/runbox/internal/security"
)

// Backend is an isolation mechanism able to create sandbox instances.
type Backend interface {
	Name() string
	// Ping reports whether the backend can currently provision.
	Ping(ctx context.Context) error
	Provision(ctx context.Context, req ProvisionRequest) (Instance, error)
}

// OrphanReaper is implemented by backends whose instances outlive the process.
type OrphanReaper interface {
	// RemoveOrphans destroys instances not accepted by keep and returns how many were removed.
	RemoveOrphans(ctx context.Context, keep func(sandboxID string) bool) (int, error)
}

// ProvisionRequest describes the environment to create.
type ProvisionRequest struct {
	ID       string
	Language string
	Limits   security.Envelope
	// Image overrides the backend's per-language image choice.
	Image string
	// Lifetime bounds how long the instance may exist at all.
	Lifetime time.Duration
}

// Instance is one provisioned environment.
type Instance interface {
	// WriteFiles writes files relative to the working directory.
	WriteFiles(ctx context.Context, files map[string][]byte) error
	// Exec runs a command until it exits or ctx is done. On ctx expiry the whole
	// process group is killed and the result has TimedOut set.
	Exec(ctx context.Context, cmd Command) (*RunResult, error)
	// ReadFiles returns files under dir (relative to the working directory).
	ReadFiles(ctx context.Context, dir string, limits ReadLimits) (map[string][]byte, error)
	// Usage returns current resource usage without waiting for running commands.
	Usage(ctx context.Context) (ResourceStats, error)
	// Destroy tears the environment down. Safe to call more than once.
	Destroy(ctx context.Context) error
}

// Command is one program invocation inside an instance.
type Command struct {
	Args []string
	// Dir is relative to the working directory. Empty = working directory.
	Dir       string
	Env       map[string]string
	MaxOutput int
}

// ReadLimits bounds what ReadFiles returns.
type ReadLimits struct {
	MaxFiles     int   // 0 = 2000
	MaxFileBytes int64 // Content beyond this is cut. 0 = 64 KiB.
	MaxTotal     int64 // 0 = 8 MiB.
}

func (l ReadLimits) withDefaults() ReadLimits {
	if l.MaxFiles <= 0 {
		l.MaxFiles = 2000
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = 64 << 10
	}
	if l.MaxTotal <= 0 {
		l.MaxTotal = 8 << 20
	}
	return l
}

// skipDirs are never walked by ReadFiles.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"target":       true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	".dart_tool":   true,
	"build":        true,
	"dist":         true,
}
