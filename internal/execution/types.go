// Package execution implements the execution controller. It turns a snippet
// or repository request into a sequence of sandbox calls under the envelope
// the security policy approved, and keeps a bounded history of results.
//
// Executions are admitted through a FIFO queue with a concurrency ceiling.
// Every execution owns exactly one sandbox for its duration and releases it
// on every exit path.
package execution

import (
	"errors"
	"time"

	"github.com/jkaninda/runbox/internal/detect"
	"github.com/jkaninda/runbox/internal/repo"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/security"
)

// Sentinel errors returned by the controller.
var (
	ErrNotFound       = errors.New("execution not found")
	ErrOverloaded     = errors.New("execution queue is full")
	ErrInvalidRequest = errors.New("invalid execution request")
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusRunning        Status = "running"
	StatusSuccess        Status = "success"
	StatusPartialSuccess Status = "partial_success"
	StatusFailed         Status = "failed"
	StatusTimedOut       Status = "timed_out"
	StatusRejected       Status = "rejected"
	StatusCancelled      Status = "cancelled"
)

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusQueued, StatusRunning:
		return false
	default:
		return true
	}
}

// Kind distinguishes snippet from repository executions.
type Kind string

const (
	KindCode       Kind = "code"
	KindRepository Kind = "repository"
)

// StepName identifies one repository pipeline stage.
type StepName string

const (
	StepClone   StepName = "clone"
	StepDetect  StepName = "detect"
	StepInstall StepName = "install"
	StepBuild   StepName = "build"
	StepTest    StepName = "test"
)

// pipelineSteps is the fixed step order.
var pipelineSteps = []StepName{StepClone, StepDetect, StepInstall, StepBuild, StepTest}

// StepStatus is the outcome of one pipeline step.
type StepStatus string

const (
	StepSuccess  StepStatus = "success"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
	StepTimedOut StepStatus = "timed_out"
)

// StepLog records one pipeline step. Entries are appended in pipeline order
// and never changed once recorded.
type StepLog struct {
	Step       StepName       `json:"step"`
	Status     StepStatus     `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Command    string         `json:"command,omitempty"`
	ExitCode   int            `json:"exit_code"`
	Stdout     string         `json:"stdout,omitempty"`
	Stderr     string         `json:"stderr,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	BudgetMS   int64          `json:"budget_ms"`
	Message    string         `json:"message,omitempty"`
	Detection  *detect.Result `json:"detection,omitempty"`
}

// Result is the record of one execution, returned by status queries and
// kept in history.
type Result struct {
	ID        string `json:"execution_id"`
	Kind      Kind   `json:"kind"`
	Status    Status `json:"status"`
	Language  string `json:"language,omitempty"`
	RepoURL   string `json:"repo_url,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`

	// Snippet output.
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exit_code"`
	ExecutionTime   float64 `json:"execution_time"` // Seconds.
	StdoutTruncated bool    `json:"stdout_truncated,omitempty"`
	StderrTruncated bool    `json:"stderr_truncated,omitempty"`

	// Repository pipeline.
	Logs               []StepLog              `json:"logs,omitempty"`
	TotalExecutionTime float64                `json:"total_execution_time,omitempty"` // Seconds.
	ResourceStats      *sandbox.ResourceStats `json:"resource_stats,omitempty"`

	Reason     string               `json:"reason,omitempty"`
	Violations []security.Violation `json:"violations,omitempty"`
	Warnings   []security.Violation `json:"warnings,omitempty"`
	Digest     string               `json:"digest,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// clone returns a deep copy safe to hand to callers.
func (r *Result) clone() *Result {
	cp := *r
	cp.Logs = append([]StepLog(nil), r.Logs...)
	cp.Violations = append([]security.Violation(nil), r.Violations...)
	cp.Warnings = append([]security.Violation(nil), r.Warnings...)
	if r.ResourceStats != nil {
		stats := *r.ResourceStats
		cp.ResourceStats = &stats
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// CodeRequest submits a single snippet.
type CodeRequest struct {
	Code      string
	Language  string
	Timeout   time.Duration // 0 = the language envelope's timeout.
	ClientKey string
}

// RepositoryRequest submits a repository pipeline.
type RepositoryRequest struct {
	RepoURL   string
	Metadata  repo.Metadata
	Timeout   time.Duration // 0 = the repository envelope's timeout.
	ClientKey string
}
