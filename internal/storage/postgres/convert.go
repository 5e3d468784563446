package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jkaninda/runbox/internal/execution"
)

// --- Execution ---

func toExecutionModel(r *execution.Result) (ExecutionModel, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return ExecutionModel{}, fmt.Errorf("encoding execution %s: %w", r.ID, err)
	}
	var durationMS int64
	if r.StartedAt != nil && r.FinishedAt != nil {
		durationMS = r.FinishedAt.Sub(*r.StartedAt).Milliseconds()
	}
	return ExecutionModel{
		ID:          r.ID,
		Kind:        string(r.Kind),
		Status:      string(r.Status),
		Language:    r.Language,
		RepoURL:     r.RepoURL,
		SandboxID:   r.SandboxID,
		Digest:      r.Digest,
		ExitCode:    r.ExitCode,
		Reason:      r.Reason,
		Steps:       len(r.Logs),
		DurationMS:  durationMS,
		Payload:     JSONB(payload),
		SubmittedAt: r.SubmittedAt.UTC(),
		StartedAt:   utc(r.StartedAt),
		FinishedAt:  utc(r.FinishedAt),
	}, nil
}

// utc normalizes timestamps so text-encoded SQLite columns compare in order.
func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func toExecutionDomain(m *ExecutionModel) (*execution.Result, error) {
	var r execution.Result
	if err := json.Unmarshal(m.Payload, &r); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", m.ID, err)
	}
	// Columns win over the payload; they are what queries matched on.
	r.ID = m.ID
	r.Kind = execution.Kind(m.Kind)
	r.Status = execution.Status(m.Status)
	return &r, nil
}
