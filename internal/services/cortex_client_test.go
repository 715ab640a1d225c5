package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCortexSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/databases/DOCS/schemas/PUBLIC/cortex-search-services/faq:query", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refunds", body["query"])
		assert.Equal(t, float64(2), body["limit"])
		assert.Equal(t, []any{"chunk"}, body["columns"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"results":    []map[string]any{{"chunk": "within 30 days"}},
			"request_id": "r-1",
		})
	}))
	defer srv.Close()

	c := NewHTTPCortexClient(srv.URL+"/", "tok", time.Second)
	resp, err := c.Search(context.Background(), SearchRequest{
		Database: "DOCS", Schema: "PUBLIC", Service: "faq", Query: "refunds", Columns: []string{"chunk"}, Limit: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, "r-1", resp.RequestID)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "within 30 days", resp.Results[0]["chunk"])

	_, err = c.Search(context.Background(), SearchRequest{Query: "x"})
	assert.Error(t, err)
}

func TestCortexAnalyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/cortex/analyst/message", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "@stage/sales.yaml", body["semantic_model_file"])

		_, _ = w.Write([]byte(`{
			"message": {"role": "analyst", "content": [
				{"type": "text", "text": "This is our interpretation of your question: revenue per region"},
				{"type": "sql", "statement": "SELECT region, SUM(amount) FROM sales GROUP BY 1"},
				{"type": "suggestions", "suggestions": ["revenue per month"]}
			]},
			"request_id": "a-1"
		}`))
	}))
	defer srv.Close()

	c := NewHTTPCortexClient(srv.URL, "", time.Second)
	resp, err := c.Analyze(context.Background(), AnalystRequest{SemanticModelFile: "@stage/sales.yaml", Question: "revenue by region"})
	require.NoError(t, err)
	assert.Contains(t, resp.Interpretation, "revenue per region")
	assert.Equal(t, "SELECT region, SUM(amount) FROM sales GROUP BY 1", resp.SQL)
	assert.Equal(t, []string{"revenue per month"}, resp.Suggestions)

	_, err = c.Analyze(context.Background(), AnalystRequest{Question: "x"})
	assert.Error(t, err)
}

func TestCortexUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPCortexClient(srv.URL, "", time.Second)
	_, err := c.Search(context.Background(), SearchRequest{Database: "a", Schema: "b", Service: "c", Query: "q"})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such service", http.StatusNotFound)
	}))
	defer bad.Close()

	c = NewHTTPCortexClient(bad.URL, "", time.Second)
	_, err = c.Search(context.Background(), SearchRequest{Database: "a", Schema: "b", Service: "c", Query: "q"})
	require.Error(t, err)
	assert.False(t, IsUnavailable(err))
	assert.Contains(t, err.Error(), "no such service")
}
