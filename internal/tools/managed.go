package tools

import (
	"context"
	"fmt"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// Envelope is the uniform result of a managed-service invocation.
type Envelope struct {
	Query          string         `json:"query"`
	RewrittenQuery string         `json:"rewritten_query,omitempty"`
	Results        any            `json:"results"`
	Config         map[string]any `json:"config"`
}

// managedTool binds one catalog entry to the managed-service client.
type managedTool struct {
	entry  models.CatalogEntry
	client services.CortexClient
}

func newManagedTool(entry models.CatalogEntry, client services.CortexClient) *managedTool {
	return &managedTool{entry: entry, client: client}
}

func (t *managedTool) Describe() Descriptor {
	desc := t.entry.Description
	if desc == "" {
		switch t.entry.Service {
		case ServiceCortexAnalyst:
			desc = "Answers analytical questions over structured data with generated SQL."
		default:
			desc = "Searches indexed documents and returns the most relevant records."
		}
	}
	return Descriptor{
		Name:          t.entry.Name,
		Kind:          KindManaged,
		Description:   desc,
		InputSchema:   queryOnlySchema("Natural-language query"),
		Configuration: copyConfig(t.entry.Config),
	}
}

func (t *managedTool) Validate(ctx context.Context) error {
	if t.client == nil {
		return &ConfigurationError{Tool: t.entry.Name, Problem: "managed-service client not configured"}
	}
	switch t.entry.Service {
	case ServiceCortexSearch:
		for _, key := range []string{"database", "schema", "service_name"} {
			if stringValue(t.entry.Config[key]) == "" {
				return &ConfigurationError{Tool: t.entry.Name, Problem: "missing " + key}
			}
		}
		// a one-row probe proves the service answers
		_, err := t.client.Search(ctx, t.searchRequest("ping", 1))
		if err != nil {
			return &ConnectivityError{Target: t.entry.Name, Err: err}
		}
	case ServiceCortexAnalyst:
		if stringValue(t.entry.Config["semantic_model_file"]) == "" && stringValue(t.entry.Config["semantic_view"]) == "" {
			return &ConfigurationError{Tool: t.entry.Name, Problem: "missing semantic_model_file or semantic_view"}
		}
	default:
		return &ConfigurationError{Tool: t.entry.Name, Problem: fmt.Sprintf("unsupported service %q", t.entry.Service)}
	}
	return nil
}

func (t *managedTool) Invoke(ctx context.Context, q Query) (*Result, error) {
	if t.client == nil {
		return nil, &ConfigurationError{Tool: t.entry.Name, Problem: "managed-service client not configured"}
	}
	env := Envelope{Query: q.Text, Config: copyConfig(t.entry.Config)}

	switch t.entry.Service {
	case ServiceCortexSearch:
		resp, err := t.client.Search(ctx, t.searchRequest(q.Text, intValue(t.entry.Config["limit"])))
		if err != nil {
			return nil, t.wrap(err)
		}
		env.Results = resp.Results
	case ServiceCortexAnalyst:
		resp, err := t.client.Analyze(ctx, services.AnalystRequest{
			SemanticModelFile: stringValue(t.entry.Config["semantic_model_file"]),
			SemanticView:      stringValue(t.entry.Config["semantic_view"]),
			Question:          q.Text,
		})
		if err != nil {
			return nil, t.wrap(err)
		}
		env.RewrittenQuery = resp.Interpretation
		env.Results = map[string]any{"sql": resp.SQL, "suggestions": resp.Suggestions}
	default:
		return nil, &ConfigurationError{Tool: t.entry.Name, Problem: fmt.Sprintf("unsupported service %q", t.entry.Service)}
	}
	return &Result{Data: env}, nil
}

func (t *managedTool) searchRequest(query string, limit int) services.SearchRequest {
	req := services.SearchRequest{
		Database: stringValue(t.entry.Config["database"]),
		Schema:   stringValue(t.entry.Config["schema"]),
		Service:  stringValue(t.entry.Config["service_name"]),
		Query:    query,
		Columns:  stringSlice(t.entry.Config["columns"]),
		Limit:    limit,
	}
	if f, ok := t.entry.Config["filter"].(map[string]any); ok {
		req.Filter = f
	}
	return req
}

func (t *managedTool) wrap(err error) error {
	if services.IsUnavailable(err) {
		return &ConnectivityError{Target: t.entry.Name, Err: err}
	}
	return fmt.Errorf("%s: %w", t.entry.Name, err)
}

func copyConfig(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
