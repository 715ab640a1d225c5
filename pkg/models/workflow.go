package models

import (
	"time"
)

// WorkflowStatus is the review state of one workflow version.
type WorkflowStatus string

const (
	WorkflowPending  WorkflowStatus = "PENDING"
	WorkflowStable   WorkflowStatus = "STABLE"
	WorkflowArchived WorkflowStatus = "ARCHIVED"
)

// Valid reports whether s is a known workflow status.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowPending, WorkflowStable, WorkflowArchived:
		return true
	}
	return false
}

// Workflow is one immutable version of a crew definition. YAMLText is the
// source of truth; Agents and Tasks are summaries rebuilt from it.
type Workflow struct {
	WorkflowID string         `json:"workflow_id"` // Stable Concept ID
	Version    int            `json:"version"`
	IsLatest   bool           `json:"is_latest"`
	Type       string         `json:"type"` // process topology tag
	Title      string         `json:"title"`
	Agents     []string       `json:"agents"`
	Tasks      []string       `json:"tasks"`
	Rationale  string         `json:"rationale"`
	YAMLText   string         `json:"yaml_text"`
	Mermaid    string         `json:"mermaid"`
	Status     WorkflowStatus `json:"status"`
	ChatID     string         `json:"chat_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
