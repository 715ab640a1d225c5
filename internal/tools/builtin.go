package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Func is the body of a simple tool.
type Func func(ctx context.Context, q Query) (*Result, error)

// FuncTool is a process-local simple tool.
type FuncTool struct {
	desc     Descriptor
	fn       Func
	validate func(ctx context.Context) error
}

// NewFuncTool creates a simple tool. A nil schema advertises a single
// "query" string argument.
func NewFuncTool(name, description string, schema map[string]any, fn Func) *FuncTool {
	if schema == nil {
		schema = queryOnlySchema("Input for " + name)
	}
	return &FuncTool{
		desc: Descriptor{Name: name, Kind: KindSimple, Description: description, InputSchema: schema},
		fn:   fn,
	}
}

// Invoke runs the tool body.
func (t *FuncTool) Invoke(ctx context.Context, q Query) (*Result, error) {
	return t.fn(ctx, q)
}

// Describe returns the tool descriptor.
func (t *FuncTool) Describe() Descriptor { return t.desc }

// Validate runs the optional validation hook.
func (t *FuncTool) Validate(ctx context.Context) error {
	if t.validate == nil {
		return nil
	}
	return t.validate(ctx)
}

// CurrentTimeTool reports the current time, optionally in an IANA zone.
func CurrentTimeTool(now func() time.Time) *FuncTool {
	if now == nil {
		now = time.Now
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{"type": "string", "description": "IANA zone such as Europe/Paris; default UTC"},
		},
	}
	return NewFuncTool("current_time", "Returns the current date and time.", schema,
		func(_ context.Context, q Query) (*Result, error) {
			loc := time.UTC
			if tz, _ := q.Arguments["timezone"].(string); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return &Result{Text: fmt.Sprintf("unknown timezone %q", tz), IsError: true}, nil
				}
				loc = l
			}
			t := now().In(loc)
			return &Result{
				Text: t.Format(time.RFC3339),
				Data: map[string]any{"time": t.Format(time.RFC3339), "timezone": loc.String()},
			}, nil
		})
}

// WebSearchConfig points the web_search tool at a JSON search endpoint.
type WebSearchConfig struct {
	URL        string
	APIKey     string
	MaxResults int
	HTTPClient *http.Client
}

// SearchHit is one web result.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchTool queries the configured search endpoint. The endpoint takes
// {"query","max_results"} and answers {"results":[{title,url,snippet}]}.
func WebSearchTool(cfg WebSearchConfig) *FuncTool {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":       map[string]any{"type": "string", "description": "The search query"},
			"max_results": map[string]any{"type": "integer", "description": "Maximum number of results"},
		},
		"required": []string{"query"},
	}
	t := NewFuncTool("web_search", "Search the web. Returns titles, URLs and snippets.", schema,
		func(ctx context.Context, q Query) (*Result, error) {
			if q.Text == "" {
				return &Result{Text: "query is required", IsError: true}, nil
			}
			limit := cfg.MaxResults
			if n, ok := q.Arguments["max_results"].(float64); ok && n > 0 {
				limit = int(n)
			}
			hits, err := webSearch(ctx, cfg, q.Text, limit)
			if err != nil {
				return nil, err
			}
			return &Result{Data: map[string]any{"query": q.Text, "results": hits}}, nil
		})
	t.validate = func(context.Context) error {
		if cfg.URL == "" {
			return &ConfigurationError{Tool: "web_search", Problem: "no search endpoint configured"}
		}
		return nil
	}
	return t
}

func webSearch(ctx context.Context, cfg WebSearchConfig, query string, limit int) ([]SearchHit, error) {
	if cfg.URL == "" {
		return nil, &ConfigurationError{Tool: "web_search", Problem: "no search endpoint configured"}
	}
	body, err := json.Marshal(map[string]any{"query": query, "max_results": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Target: "web_search", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ConnectivityError{Target: "web_search", Err: fmt.Errorf("status code %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search failed: status code %d", resp.StatusCode)
	}

	var out struct {
		Results []SearchHit `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	if len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	return out.Results, nil
}
