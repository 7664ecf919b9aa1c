package domain

import (
	"context"
	"time"
)

// WorkflowStatus is the persisted outcome of a workflow.
type WorkflowStatus string

const (
	StatusInProgress WorkflowStatus = "in_progress"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
	StatusWithdrawn  WorkflowStatus = "withdrawn"
)

// WorkflowRecord is one row of the workflow ledger.
type WorkflowRecord struct {
	ID        string
	Kind      ContentKind
	MessageID string
	ChannelID string
	SourceKey string // attachment ID or URL used for duplicate detection
	Choice    string
	ThreadID  string
	Status    WorkflowStatus
	Artifacts int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WorkflowLedger persists workflow records.
type WorkflowLedger interface {
	Begin(ctx context.Context, rec WorkflowRecord) error
	Finish(ctx context.Context, rec WorkflowRecord) error
	SeenSince(ctx context.Context, sourceKey string, since time.Time) (bool, error)
}

// SourceKey identifies the content of an item for duplicate detection.
func (c ContentItem) SourceKey() string {
	if len(c.Attachments) > 0 {
		return c.Attachments[0].ID
	}
	return c.URL
}
