// Package sandbox provisions, tracks and reclaims isolated execution
// environments. All untrusted commands run through a sandbox, never
// directly on the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/runbox/internal/security"
)

// Sentinel errors returned by the Manager.
var (
	ErrProvisioning = errors.New("sandbox provisioning unavailable")
	ErrResource     = errors.New("sandbox resource quota exceeded")
	ErrBusy         = errors.New("sandbox busy")
	ErrReleased     = errors.New("sandbox released")
	ErrNotFound     = errors.New("sandbox not found")
)

// NotFoundError is returned when a sandbox ID is not tracked.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sandbox %s not found", e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ExitTimedOut is the exit code reported for commands killed by their timeout.
// Backends report other signal deaths as 128+signo, so it never collides
// with a real exit status.
const ExitTimedOut = -1

// State is a sandbox lifecycle state.
type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateIdle         State = "idle"
	StateExpiring     State = "expiring"
	StateTerminating  State = "terminating"
	StateDestroyed    State = "destroyed"
)

// States lists every lifecycle state in transition order.
func States() []State {
	return []State{
		StateRequested, StateProvisioning, StateReady, StateBusy,
		StateIdle, StateExpiring, StateTerminating, StateDestroyed,
	}
}

// RunResult is the outcome of one command inside a sandbox.
type RunResult struct {
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	ExitCode        int           `json:"exit_code"`
	WallTime        time.Duration `json:"wall_time"`
	TimedOut        bool          `json:"timed_out"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
}

// ResourceStats is a point-in-time usage snapshot of one sandbox.
type ResourceStats struct {
	CPUTime         time.Duration `json:"cpu_time"`
	CPUPercent      float64       `json:"cpu_percent"`
	PeakMemoryBytes int64         `json:"peak_memory_bytes"`
	MemoryLimitMB   int           `json:"memory_limit_mb"`
	DiskBytes       int64         `json:"disk_bytes"`
	NetworkRxBytes  int64         `json:"network_rx_bytes"`
	NetworkTxBytes  int64         `json:"network_tx_bytes"`
	CapturedAt      time.Time     `json:"captured_at"`
}

// Info is a read-only view of a tracked sandbox.
type Info struct {
	ID         string            `json:"sandbox_id"`
	Language   string            `json:"language"`
	State      State             `json:"status"`
	Backend    string            `json:"backend"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
	AgeSeconds float64           `json:"age_seconds"`
	Limits     security.Envelope `json:"limits"`
}

// Sandbox is one tracked execution environment. Its limits never change
// after creation; state and expiry are guarded by mu.
type Sandbox struct {
	ID        string
	Language  string
	Limits    security.Envelope
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	expiresAt time.Time
	idleSince time.Time
	running   bool
	cancelRun context.CancelFunc
	injected  int64
	inst      Instance
	lastStats ResourceStats
}

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExpiresAt returns the TTL deadline.
func (s *Sandbox) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Sandbox) info(backend string, now time.Time) Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.ID,
		Language:   s.Language,
		State:      s.state,
		Backend:    backend,
		CreatedAt:  s.CreatedAt,
		ExpiresAt:  s.expiresAt,
		AgeSeconds: now.Sub(s.CreatedAt).Seconds(),
		Limits:     s.Limits,
	}
}
