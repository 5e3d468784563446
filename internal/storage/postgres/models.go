package postgres

import (
	"encoding/json"
	"time"
)

// JSONB holds a raw JSON document. Stored as bytea on PostgreSQL and as a
// blob on SQLite so both dialects accept the same model.
type JSONB json.RawMessage

// ExecutionModel maps to the "executions" table.
// Queryable fields are columns; the full result is kept in Payload.
type ExecutionModel struct {
	ID          string `gorm:"primaryKey;size:64"`
	Kind        string `gorm:"not null;index"`
	Status      string `gorm:"not null;index"`
	Language    string
	RepoURL     string
	SandboxID   string
	Digest      string `gorm:"index"`
	ExitCode    int
	Reason      string `gorm:"type:text"`
	Steps       int
	DurationMS  int64
	Payload     JSONB     `gorm:"not null"`
	SubmittedAt time.Time `gorm:"index"`
	StartedAt   *time.Time
	FinishedAt  *time.Time `gorm:"index"`
	CreatedAt   time.Time
}

func (ExecutionModel) TableName() string { return "executions" }
