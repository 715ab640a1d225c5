package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/metrics"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/services"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

const oneTaskCrew = `name: hello
agents:
  - role: greeter
    goal: greet {name}
    tools: [current_time]
tasks:
  - name: greet
    description: say hello to {name}
    agent: greeter
    expected_output: a greeting
`

type fakeGenerator struct{ yaml string }

func (g fakeGenerator) Generate(context.Context, services.GenerationInput) (*services.Generation, error) {
	return &services.Generation{Title: "Greeting", YAML: g.yaml, Rationale: "one agent"}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type reloader struct {
	n   int
	err error
}

func (r reloader) Reload(context.Context) (int, error) { return r.n, r.err }

type testEnv struct {
	e       *echo.Echo
	store   *repository.MemoryStore
	handler *Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg, err := tools.NewRegistry(context.Background(), tools.Options{})
	require.NoError(t, err)
	require.NoError(t, reg.Register(tools.CurrentTimeTool(nil)))
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	provider := llm.ProviderFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: "hello there"}, nil
	})
	compiler := crew.NewCompiler(crew.Options{
		Resolver:  reg,
		Providers: map[string]llm.Provider{crew.DefaultProvider: provider},
		Defaults:  crew.Defaults{Model: "test-model"},
		OutputDir: t.TempDir(),
	})

	store := repository.NewMemoryStore()
	m := metrics.New()
	sched := scheduler.New(store, nil, scheduler.Options{MaxConcurrent: 2, Metrics: m})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sched.Shutdown(ctx)
	})

	h := NewHandler(Deps{
		Compiler:    compiler,
		Scheduler:   sched,
		Workflows:   services.NewWorkflowService(store, store, fakeGenerator{yaml: oneTaskCrew}, compiler, 10),
		Tools:       reloader{n: 3},
		Metrics:     m,
		DB:          pinger{},
		DefaultCrew: []byte(oneTaskCrew),
	})

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(nil)
	e.GET("/health", h.HandleHealth)
	e.GET("/metrics", h.MetricsHandler())
	h.Register(e.Group(""), nil)
	return &testEnv{e: e, store: store, handler: h}
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (env *testEnv) waitFor(t *testing.T, id string) map[string]any {
	t.Helper()
	var body map[string]any
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/crew/status/"+id, "")
		if rec.Code != http.StatusOK {
			return false
		}
		body = decode[map[string]any](t, rec)
		return body["status"] != string(models.ExecutionProcessing)
	}, 5*time.Second, 10*time.Millisecond)
	return body
}

func TestRunEphemeral(t *testing.T) {
	env := newTestEnv(t)

	payload, _ := json.Marshal(map[string]any{"yaml": oneTaskCrew, "inputs": map[string]any{"name": "Ada"}})
	rec := env.do(t, http.MethodPost, "/ephemeral/run-crew-async", string(payload))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decode[StartResponse](t, rec)
	assert.Equal(t, models.ExecutionProcessing, resp.Status)
	require.NotEmpty(t, resp.ExecutionID)

	body := env.waitFor(t, resp.ExecutionID)
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Nil(t, body["error"])
	assert.Equal(t, true, body["ephemeral"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello there", result["final"])

	// ephemeral runs never reach the durable store
	_, err := env.store.GetExecution(context.Background(), resp.ExecutionID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestRunEphemeralSpecObject(t *testing.T) {
	env := newTestEnv(t)
	body := `{"spec": {"agents": [{"role": "a", "goal": "g"}], "tasks": [{"name": "t", "description": "d", "agent": "a", "expected_output": "x"}]}}`
	rec := env.do(t, http.MethodPost, "/ephemeral/run-crew-async", body)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestRunEphemeralErrors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("bad json", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/ephemeral/run-crew-async", `{"yaml":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "application/problem+json", rec.Header().Get(echo.HeaderContentType))
	})

	t.Run("missing definition", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/ephemeral/run-crew-async", `{}`)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("context cycle", func(t *testing.T) {
		cyclic := `agents:
  - role: a
    goal: g
tasks:
  - name: one
    description: d
    agent: a
    expected_output: x
    context: [two]
  - name: two
    description: d
    agent: a
    expected_output: x
    context: [one]
`
		payload, _ := json.Marshal(map[string]string{"yaml": cyclic})
		rec := env.do(t, http.MethodPost, "/ephemeral/run-crew-async", string(payload))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		p := decode[models.ProblemDetails](t, rec)
		assert.Equal(t, "Invalid crew specification", p.Title)
		assert.NotEmpty(t, p.Problems)
		assert.Equal(t, "/ephemeral/run-crew-async", p.Instance)
	})

	t.Run("unknown tool", func(t *testing.T) {
		withGhost := strings.Replace(oneTaskCrew, "[current_time]", "[current_time, ghost_tool]", 1)
		payload, _ := json.Marshal(map[string]string{"yaml": withGhost})
		rec := env.do(t, http.MethodPost, "/ephemeral/run-crew-async", string(payload))
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		p := decode[models.ProblemDetails](t, rec)
		assert.Equal(t, "Tool resolution failed", p.Title)
		require.Len(t, p.Problems, 1)
		assert.Contains(t, p.Problems[0], "ghost_tool")
	})
}

func TestStartCrew(t *testing.T) {
	env := newTestEnv(t)

	t.Run("default crew", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/crew/start", "")
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decode[StartResponse](t, rec)
		assert.NotEmpty(t, resp.Message)

		body := env.waitFor(t, resp.ExecutionID)
		assert.Equal(t, "COMPLETED", body["status"])
		assert.Equal(t, false, body["ephemeral"])

		stored, err := env.store.GetExecution(context.Background(), resp.ExecutionID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, stored.Status)
	})

	t.Run("stored workflow", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/nl-ai-generator-async", `{"prompt":"greet people","chat_id":"c1"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		wf := decode[models.Workflow](t, rec)

		rec = env.do(t, http.MethodPost, "/crew/start", `{"workflow_id":"`+wf.WorkflowID+`","inputs":{"name":"Lin"}}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		resp := decode[StartResponse](t, rec)
		env.waitFor(t, resp.ExecutionID)

		rec = env.do(t, http.MethodGet, "/crew/executions/workflow/"+wf.WorkflowID, "")
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode[ExecutionList](t, rec)
		require.Equal(t, 1, list.Count)
		assert.Equal(t, resp.ExecutionID, list.Executions[0].ExecutionID)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/crew/start", `{"workflow_id":"missing"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatusAndListing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/crew/status/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	p := decode[models.ProblemDetails](t, rec)
	assert.Equal(t, http.StatusNotFound, p.Status)

	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/crew/start", "")
		require.Equal(t, http.StatusAccepted, rec.Code)
		env.waitFor(t, decode[StartResponse](t, rec).ExecutionID)
	}

	rec = env.do(t, http.MethodGet, "/crew/executions?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[ExecutionList](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/crew/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[ExecutionList](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/crew/executions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/crew/executions?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkflowRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/nl-ai-generator-async", `{"prompt":"greet","chat_id":"chat-9"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	wf := decode[models.Workflow](t, rec)
	assert.Equal(t, 1, wf.Version)
	assert.Equal(t, models.WorkflowPending, wf.Status)
	assert.Equal(t, []string{"greeter"}, wf.Agents)

	edited := strings.Replace(oneTaskCrew, "a greeting", "a warm greeting", 1)
	payload, _ := json.Marshal(map[string]string{"yaml_text": edited})
	rec = env.do(t, http.MethodPut, "/nl-ai-generator-async/workflows/"+wf.WorkflowID, string(payload))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decode[models.Workflow](t, rec).Version)

	rec = env.do(t, http.MethodPut, "/nl-ai-generator-async/workflows/"+wf.WorkflowID, `{"yaml_text":"tasks: []"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/nl-ai-generator-async/workflows/"+wf.WorkflowID+"?version=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, oneTaskCrew, decode[models.Workflow](t, rec).YAMLText)

	rec = env.do(t, http.MethodPut, "/nl-ai-generator-async/workflows/"+wf.WorkflowID+"/status", `{"status":"STABLE"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[models.Workflow](t, rec)
	assert.Equal(t, models.WorkflowStable, got.Status)
	assert.Equal(t, 2, got.Version)

	rec = env.do(t, http.MethodPut, "/nl-ai-generator-async/workflows/"+wf.WorkflowID+"/status", `{"status":"BOGUS"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = env.do(t, http.MethodGet, "/nl-ai-generator-async/workflows?chat_id=chat-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[WorkflowList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, 2, list.Workflows[0].Version)

	rec = env.do(t, http.MethodGet, "/nl-ai-generator-async/workflows?chat_id=other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[WorkflowList](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/nl-ai-generator-async/workflows/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndOps(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[models.HealthStatus](t, rec).Status)

	env.handler.DB = pinger{err: errors.New("connection refused")}
	rec = env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = env.do(t, http.MethodPost, "/tools/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[map[string]int](t, rec)["entries"])

	env.handler.Tools = reloader{err: errors.New("catalog down")}
	rec = env.do(t, http.MethodPost, "/tools/reload", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crew_executions_in_flight")
}
