package models

import (
	"time"
)

// ChatMessage is a conversational turn owned by the chat layer. The crew
// service only reads it as context for spec generation.
type ChatMessage struct {
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Summary   string    `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CatalogEntry is one managed-service tool instance registered in the
// external tool catalog.
type CatalogEntry struct {
	Name        string         `json:"name"`
	Service     string         `json:"service"`
	Description string         `json:"description"`
	Active      bool           `json:"active"`
	Config      map[string]any `json:"config"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
