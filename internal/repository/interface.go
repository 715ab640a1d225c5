package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrTerminal is returned when finishing an execution that already
	// reached COMPLETED or ERROR.
	ErrTerminal = errors.New("execution already in a terminal state")
	// ErrExists is returned when creating a record whose key is taken.
	ErrExists = errors.New("record already exists")
)

// Outcome is the single terminal write for an execution.
type Outcome struct {
	Status       models.ExecutionStatus
	RawResult    json.RawMessage
	ResultText   string
	ErrorMessage string
}

// ExecutionFilter narrows ListExecutions. Limit <= 0 means no limit.
type ExecutionFilter struct {
	Limit      int
	WorkflowID *string
}

// ExecutionStore tracks execution records. Only the scheduler writes.
type ExecutionStore interface {
	// CreateExecution inserts a new record in PROCESSING.
	CreateExecution(ctx context.Context, exec *models.Execution) error
	// FinishExecution moves a PROCESSING record to a terminal state. It
	// returns ErrTerminal if the record is already terminal.
	FinishExecution(ctx context.Context, id string, out Outcome) error
	// GetExecution retrieves an execution by its ID.
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	// ListExecutions returns executions most recently created first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.Execution, error)
	// FailProcessing marks every PROCESSING record as ERROR with message.
	FailProcessing(ctx context.Context, message string) (int64, error)
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	ChatID string
	Limit  int
}

// WorkflowStore keeps versioned crew definitions. Versions are immutable
// apart from their review status.
type WorkflowStore interface {
	// CreateWorkflowVersion stores wf as the next version of
	// wf.WorkflowID and marks it latest. Version and timestamps are set.
	CreateWorkflowVersion(ctx context.Context, wf *models.Workflow) error
	// GetWorkflow returns one version; version 0 means latest.
	GetWorkflow(ctx context.Context, workflowID string, version int) (*models.Workflow, error)
	// ListWorkflows returns the latest version of each workflow, newest first.
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*models.Workflow, error)
	// UpdateWorkflowStatus changes the review status of one version.
	UpdateWorkflowStatus(ctx context.Context, workflowID string, version int, status models.WorkflowStatus) error
}

// CatalogStore reads the managed-service tool catalog.
type CatalogStore interface {
	// ListCatalogEntries returns active entries; an empty service lists all.
	ListCatalogEntries(ctx context.Context, service string) ([]models.CatalogEntry, error)
}

// ChatStore reads conversation history owned by the chat layer.
type ChatStore interface {
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]models.ChatMessage, error)
}

// Repository is everything the service needs from durable storage.
type Repository interface {
	ExecutionStore
	WorkflowStore
	CatalogStore
	ChatStore
	Ping(ctx context.Context) error
}
