// Package models defines the records shared by the crew service layers.
package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a crew execution.
type ExecutionStatus string

const (
	ExecutionProcessing ExecutionStatus = "PROCESSING"
	ExecutionCompleted  ExecutionStatus = "COMPLETED"
	ExecutionError      ExecutionStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionError
}

// Execution is a single run of a compiled crew.
type Execution struct {
	ExecutionID  string          `json:"execution_id" db:"execution_id"`
	WorkflowID   *string         `json:"workflow_id,omitempty" db:"workflow_id"`
	Status       ExecutionStatus `json:"status" db:"status"`
	RawResult    json.RawMessage `json:"raw_result,omitempty" db:"raw_result"` // JSONB
	ResultText   string          `json:"result_text,omitempty" db:"result_text"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	Metadata     map[string]any  `json:"metadata,omitempty" db:"metadata"` // JSONB
	Ephemeral    bool            `json:"ephemeral" db:"-"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep enough copy for handing out to readers.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	if e.WorkflowID != nil {
		id := *e.WorkflowID
		c.WorkflowID = &id
	}
	if e.RawResult != nil {
		c.RawResult = append(json.RawMessage(nil), e.RawResult...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents RFC 7807 Problem Details
type ProblemDetails struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	Problems []string `json:"problems,omitempty"`
}
