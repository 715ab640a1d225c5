package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

const crewYAML = `agents:
  - role: summarizer
    goal: summarize {doc}
tasks:
  - name: summarize
    description: summarize {doc}
    agent: summarizer
    expected_output: three sentences
`

type staticGenerator struct{}

func (staticGenerator) Generate(context.Context, services.GenerationInput) (*services.Generation, error) {
	return &services.Generation{YAML: crewYAML}, nil
}

type fixture struct {
	client    *client.Client
	store     *repository.MemoryStore
	workflows *services.WorkflowService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	reg, err := tools.NewRegistry(ctx, tools.Options{})
	require.NoError(t, err)
	compiler := crew.NewCompiler(crew.Options{
		Resolver: reg,
		Providers: map[string]llm.Provider{crew.DefaultProvider: llm.ProviderFunc(
			func(context.Context, llm.Request) (*llm.Response, error) {
				return &llm.Response{Text: "summary"}, nil
			})},
	})
	store := repository.NewMemoryStore()
	sched := scheduler.New(store, nil, scheduler.Options{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})
	workflows := services.NewWorkflowService(store, store, staticGenerator{}, compiler, 10)

	srv := NewServer(compiler, sched, workflows, "test")
	cl, err := client.NewInProcessClient(srv.GetMCPServer())
	require.NoError(t, err)
	require.NoError(t, tools.Initialize(ctx, cl, "test"))
	t.Cleanup(func() { _ = cl.Close() })

	return &fixture{client: cl, store: store, workflows: workflows}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := f.client.CallTool(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	}
	t.Fatalf("unexpected content %T", res.Content[0])
	return ""
}

func (f *fixture) waitCompleted(t *testing.T, id string) map[string]any {
	t.Helper()
	var view map[string]any
	require.Eventually(t, func() bool {
		res := f.call(t, "crew_status", map[string]any{"execution_id": id})
		if res.IsError {
			return false
		}
		require.NoError(t, json.Unmarshal([]byte(text(t, res)), &view))
		return view["status"] != "PROCESSING"
	}, 5*time.Second, 10*time.Millisecond)
	return view
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	res, err := f.client.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"start_crew", "crew_status", "list_executions"}, names)
}

func TestStartInlineCrew(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "start_crew", map[string]any{"yaml": crewYAML, "inputs": map[string]any{"doc": "the memo"}})
	require.False(t, res.IsError, text(t, res))

	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &started))
	assert.Equal(t, "PROCESSING", started["status"])

	view := f.waitCompleted(t, started["execution_id"])
	assert.Equal(t, "COMPLETED", view["status"])
	assert.Equal(t, true, view["ephemeral"])
}

func TestStartStoredWorkflow(t *testing.T) {
	f := newFixture(t)
	wf, err := f.workflows.Generate(context.Background(), services.GenerateRequest{Prompt: "summaries"})
	require.NoError(t, err)

	res := f.call(t, "start_crew", map[string]any{"workflow_id": wf.WorkflowID})
	require.False(t, res.IsError, text(t, res))
	var started map[string]string
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &started))
	f.waitCompleted(t, started["execution_id"])

	stored, err := f.store.GetExecution(context.Background(), started["execution_id"])
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCompleted, stored.Status)

	res = f.call(t, "list_executions", map[string]any{"workflow_id": wf.WorkflowID, "limit": 5})
	require.False(t, res.IsError)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &list))
	assert.Equal(t, 1, list.Count)
}

func TestStartCrewErrors(t *testing.T) {
	f := newFixture(t)

	res := f.call(t, "start_crew", map[string]any{})
	assert.True(t, res.IsError)

	bad := strings.Replace(crewYAML, "agent: summarizer", "agent: nobody", 1)
	res = f.call(t, "start_crew", map[string]any{"yaml": bad})
	require.True(t, res.IsError)
	assert.Contains(t, text(t, res), "Invalid crew specification")
	assert.Contains(t, text(t, res), "nobody")

	res = f.call(t, "start_crew", map[string]any{"workflow_id": "missing"})
	assert.True(t, res.IsError)

	res = f.call(t, "crew_status", map[string]any{"execution_id": "missing"})
	require.True(t, res.IsError)
	assert.Contains(t, text(t, res), "not found")
}

func TestDescribe(t *testing.T) {
	err := &crewspec.ValidationError{Problems: []string{"a", "b"}}
	assert.Equal(t, "Invalid crew specification:\n- a\n- b", describe(err))
}
