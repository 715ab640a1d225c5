package services

import "context"

// SearchRequest targets one Cortex Search service.
type SearchRequest struct {
	Database string
	Schema   string
	Service  string
	Query    string
	Columns  []string
	Filter   map[string]any
	Limit    int
}

// SearchResponse is the service's answer.
type SearchResponse struct {
	Results   []map[string]any `json:"results"`
	RequestID string           `json:"request_id"`
}

// AnalystRequest is one natural-language question over a semantic model.
type AnalystRequest struct {
	SemanticModelFile string
	SemanticView      string
	Question          string
}

// AnalystResponse carries the interpretation, generated SQL and follow-up
// suggestions.
type AnalystResponse struct {
	Interpretation string   `json:"interpretation"`
	SQL            string   `json:"sql,omitempty"`
	Suggestions    []string `json:"suggestions,omitempty"`
	RequestID      string   `json:"request_id,omitempty"`
}

// CortexClient is an interface for communicating with managed data services.
type CortexClient interface {
	// Search runs a Cortex Search query.
	Search(ctx context.Context, in SearchRequest) (*SearchResponse, error)
	// Analyze asks Cortex Analyst a question.
	Analyze(ctx context.Context, in AnalystRequest) (*AnalystResponse, error)
}

// Generation is what a Generator produces from a prompt.
type Generation struct {
	Title     string
	YAML      string
	Rationale string
	Mermaid   string
}

// GenerationInput is the prompt plus conversational context.
type GenerationInput struct {
	Prompt  string
	History []HistoryTurn
	// Current is the YAML being edited, empty for a new workflow.
	Current string
}

// HistoryTurn is one prior chat message given to the generator.
type HistoryTurn struct {
	Role    string
	Content string
}

// Generator turns natural language into a crew definition.
type Generator interface {
	Generate(ctx context.Context, in GenerationInput) (*Generation, error)
}
