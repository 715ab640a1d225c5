package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UnavailableError means the managed service could not be reached or
// answered with a retryable status.
type UnavailableError struct {
	StatusCode int
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("managed service unavailable: status code %d", e.StatusCode)
	}
	return "managed service unavailable: " + e.Err.Error()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err is an UnavailableError.
func IsUnavailable(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}

// HTTPCortexClient is an HTTP implementation of the CortexClient interface
// against the Snowflake REST API.
type HTTPCortexClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPCortexClient creates a new HTTPCortexClient.
func NewHTTPCortexClient(baseURL, token string, timeout time.Duration) *HTTPCortexClient {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &HTTPCortexClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

// Search queries a Cortex Search service.
func (c *HTTPCortexClient) Search(ctx context.Context, in SearchRequest) (*SearchResponse, error) {
	if in.Database == "" || in.Schema == "" || in.Service == "" {
		return nil, fmt.Errorf("search target incomplete: database=%q schema=%q service=%q", in.Database, in.Schema, in.Service)
	}
	path := fmt.Sprintf("/api/v2/databases/%s/schemas/%s/cortex-search-services/%s:query",
		url.PathEscape(in.Database), url.PathEscape(in.Schema), url.PathEscape(in.Service))

	body := map[string]any{"query": in.Query}
	if len(in.Columns) > 0 {
		body["columns"] = in.Columns
	}
	if len(in.Filter) > 0 {
		body["filter"] = in.Filter
	}
	if in.Limit > 0 {
		body["limit"] = in.Limit
	}

	var out SearchResponse
	if err := c.post(ctx, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type analystContent struct {
	Type        string   `json:"type"`
	Text        string   `json:"text,omitempty"`
	Statement   string   `json:"statement,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Analyze sends one question to Cortex Analyst.
func (c *HTTPCortexClient) Analyze(ctx context.Context, in AnalystRequest) (*AnalystResponse, error) {
	if in.SemanticModelFile == "" && in.SemanticView == "" {
		return nil, errors.New("analyst request needs a semantic model file or view")
	}
	body := map[string]any{
		"messages": []map[string]any{{
			"role":    "user",
			"content": []analystContent{{Type: "text", Text: in.Question}},
		}},
	}
	if in.SemanticModelFile != "" {
		body["semantic_model_file"] = in.SemanticModelFile
	} else {
		body["semantic_view"] = in.SemanticView
	}

	var raw struct {
		Message struct {
			Content []analystContent `json:"content"`
		} `json:"message"`
		RequestID string `json:"request_id"`
	}
	if err := c.post(ctx, "/api/v2/cortex/analyst/message", body, &raw); err != nil {
		return nil, err
	}

	out := &AnalystResponse{RequestID: raw.RequestID}
	for _, part := range raw.Message.Content {
		switch part.Type {
		case "text":
			out.Interpretation = strings.TrimSpace(out.Interpretation + "\n" + part.Text)
		case "sql":
			out.SQL = part.Statement
		case "suggestions":
			out.Suggestions = append(out.Suggestions, part.Suggestions...)
		}
	}
	return out, nil
}

func (c *HTTPCortexClient) post(ctx context.Context, path string, in, out any) error {
	if c.baseURL == "" {
		return errors.New("cortex base url not configured")
	}
	requestBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Snowflake-Authorization-Token-Type", "OAUTH")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &UnavailableError{StatusCode: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("cortex request failed: status code %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}
