// Package security implements the payload policy engine: it decides whether
// untrusted code may run at all and which resource envelope it runs under.
// Nothing in this package executes a payload.
package security

import (
	"errors"
	"time"
)

// Sentinel errors for policy enforcement.
var (
	ErrRejected            = errors.New("payload rejected by security policy")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrURLNotAllowed       = errors.New("repository url not allowed")
	ErrRateLimited         = errors.New("rate limit exceeded")
)

// ReasonUnparseable is the verdict reason for payloads that cannot be scanned.
const ReasonUnparseable = "unparseable"

// Trust classifies where a payload comes from and therefore how much it may use.
type Trust int

const (
	TrustSnippet    Trust = iota // Ad-hoc code submitted by a user.
	TrustRepository              // A cloned repository pipeline.
	TrustBatch                   // Batch re-validation jobs.
	TrustReadmeTest              // README instruction checks.
)

func (t Trust) String() string {
	switch t {
	case TrustSnippet:
		return "snippet"
	case TrustRepository:
		return "repository"
	case TrustBatch:
		return "batch"
	case TrustReadmeTest:
		return "readme_test"
	default:
		return "unknown"
	}
}

// ParseTrust converts a string to a Trust.
// Unrecognized values default to TrustSnippet, the most restrictive profile.
func ParseTrust(s string) Trust {
	switch s {
	case "repository":
		return TrustRepository
	case "batch":
		return TrustBatch
	case "readme_test":
		return TrustReadmeTest
	default:
		return TrustSnippet
	}
}

// NetworkMode is the network reachability granted to a sandbox.
type NetworkMode string

const (
	NetworkNone       NetworkMode = "none"
	NetworkRestricted NetworkMode = "restricted"
	NetworkFull       NetworkMode = "full"
)

// Envelope is the set of resource limits applied to one sandbox.
type Envelope struct {
	CPU      float64       `json:"cpu_limit"`
	MemoryMB int           `json:"memory_limit_mb"`
	DiskMB   int           `json:"disk_limit_mb"`
	Network  NetworkMode   `json:"network_mode"`
	PIDs     int           `json:"pids_limit"`
	Timeout  time.Duration `json:"timeout"`
}

// DiskBytes returns the disk quota in bytes.
func (e Envelope) DiskBytes() int64 {
	return int64(e.DiskMB) << 20
}

// Severity says what a matching rule does to the verdict.
type Severity string

const (
	SeverityBlock Severity = "block" // Any match rejects the payload.
	SeverityWarn  Severity = "warn"  // Reported, payload still allowed.
)

// Violation is one rule match inside a payload.
type Violation struct {
	Rule        string   `json:"rule"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Line        int      `json:"line"`
}

// Verdict is the outcome of validating one payload.
type Verdict struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason,omitempty"`
	Language   string      `json:"language"`
	Violations []Violation `json:"violations,omitempty"`
	Warnings   []Violation `json:"warnings,omitempty"`
	Envelope   Envelope    `json:"envelope"`
	Digest     string      `json:"digest,omitempty"`
}
