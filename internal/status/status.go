// Package status serves read-only execution queries across the durable
// store and the in-memory table of ephemeral runs.
package status

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// NotFoundError is returned for an unknown execution id.
type NotFoundError struct {
	ExecutionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("execution %s not found", e.ExecutionID)
}

// View is what clients see of an execution.
type View struct {
	ExecutionID string                 `json:"execution_id"`
	WorkflowID  *string                `json:"workflow_id,omitempty"`
	Status      models.ExecutionStatus `json:"status"`
	Result      any                    `json:"result"`
	ResultText  string                 `json:"result_text,omitempty"`
	Error       *string                `json:"error"`
	Ephemeral   bool                   `json:"ephemeral"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at"`
}

// NewView renders an execution record.
func NewView(e *models.Execution) View {
	v := View{
		ExecutionID: e.ExecutionID,
		WorkflowID:  e.WorkflowID,
		Status:      e.Status,
		ResultText:  e.ResultText,
		Ephemeral:   e.Ephemeral,
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
		UpdatedAt:   e.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000000Z07:00"),
	}
	if len(e.RawResult) > 0 {
		v.Result = e.RawResult
	}
	if e.Status == models.ExecutionError {
		msg := e.ErrorMessage
		v.Error = &msg
	}
	return v
}

// Service answers status queries. It never writes.
type Service struct {
	durable   repository.ExecutionStore
	ephemeral repository.ExecutionStore
}

// NewService creates a Service. Either store may be nil.
func NewService(durable, ephemeral repository.ExecutionStore) *Service {
	return &Service{durable: durable, ephemeral: ephemeral}
}

// Get returns one execution, looking at ephemeral runs first.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	exec, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	v := NewView(exec)
	return &v, nil
}

// Execution returns the raw record.
func (s *Service) Execution(ctx context.Context, id string) (*models.Execution, error) {
	return s.lookup(ctx, id)
}

func (s *Service) lookup(ctx context.Context, id string) (*models.Execution, error) {
	for _, store := range []repository.ExecutionStore{s.ephemeral, s.durable} {
		if store == nil {
			continue
		}
		exec, err := store.GetExecution(ctx, id)
		if err == nil {
			return exec, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, &NotFoundError{ExecutionID: id}
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// List returns up to limit executions, most recently created first, merged
// across both stores. A workflowID narrows the listing.
func (s *Service) List(ctx context.Context, limit int, workflowID *string) ([]View, error) {
	limit = ClampLimit(limit)
	filter := repository.ExecutionFilter{Limit: limit, WorkflowID: workflowID}

	var merged []*models.Execution
	for _, store := range []repository.ExecutionStore{s.ephemeral, s.durable} {
		if store == nil {
			continue
		}
		execs, err := store.ListExecutions(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("failed to list executions: %w", err)
		}
		merged = append(merged, execs...)
	}

	// created_at comes from the scheduler's clock in both stores. Each
	// store is already newest first; a stable sort keeps that order for
	// records created in the same instant.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].CreatedAt.After(merged[j].CreatedAt)
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}

	out := make([]View, 0, len(merged))
	for _, e := range merged {
		out = append(out, NewView(e))
	}
	return out, nil
}
