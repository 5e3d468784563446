package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEvent is one entry in the append-only execution audit log.
type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	ClientKey   string    `json:"client_key,omitempty"`
	Kind        string    `json:"kind"` // "code" or "repository"
	Language    string    `json:"language,omitempty"`
	RepoURL     string    `json:"repo_url,omitempty"`
	Digest      string    `json:"digest,omitempty"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
}

// Auditor records execution outcomes.
type Auditor interface {
	Record(ctx context.Context, event AuditEvent) error
}

// AuditLogger writes audit events as append-only JSONL.
// Thread-safe: multiple goroutines can log concurrently.
type AuditLogger struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewAuditLogger opens (or creates) the audit log file in append-only mode.
// File permissions are 0600 (owner read/write only).
func NewAuditLogger(path string, logger *slog.Logger) (*AuditLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &AuditLogger{
		file:   f,
		logger: logger,
	}, nil
}

// Record serializes the event as JSON and appends it to the audit log.
// Marshal happens outside the lock; only the file write is serialized.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	_, writeErr := a.file.Write(data)
	a.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}

	a.logger.DebugContext(ctx, "audit event logged",
		slog.String("execution_id", event.ExecutionID),
		slog.String("kind", event.Kind),
		slog.String("status", event.Status),
	)
	return nil
}

// Close closes the underlying file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// MultiAuditor fans an event out to several auditors and returns the first error.
type MultiAuditor []Auditor

// Record implements Auditor.
func (m MultiAuditor) Record(ctx context.Context, event AuditEvent) error {
	var first error
	for _, a := range m {
		if a == nil {
			continue
		}
		if err := a.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
