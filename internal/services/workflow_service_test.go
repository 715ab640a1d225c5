package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

const twoStepYAML = `name: market scan
agents:
  - role: researcher
    goal: find facts
  - role: writer
    goal: write it up
tasks:
  - name: gather
    description: gather facts about {topic}
    agent: researcher
    expected_output: bullet list
  - name: report
    description: write the report
    agent: writer
    expected_output: one page
    context: [gather]
`

// MockGenerator is a mock type for the Generator interface
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, in GenerationInput) (*Generation, error) {
	args := m.Called(ctx, in)
	if g := args.Get(0); g != nil {
		return g.(*Generation), args.Error(1)
	}
	return nil, args.Error(1)
}

type structuralChecker struct{}

func (structuralChecker) Check(spec *crewspec.Spec) error { return spec.Validate() }

func newWorkflowService(t *testing.T) (*WorkflowService, *MockGenerator, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	gen := new(MockGenerator)
	return NewWorkflowService(store, store, gen, structuralChecker{}, 10), gen, store
}

func TestGenerateStoresFirstVersion(t *testing.T) {
	ctx := context.Background()
	svc, gen, store := newWorkflowService(t)

	for i := 0; i < 12; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		store.AppendMessage(models.ChatMessage{ChatID: "chat-1", Role: role, Content: fmt.Sprintf("msg %d", i)})
	}

	gen.On("Generate", mock.Anything, mock.MatchedBy(func(in GenerationInput) bool {
		return in.Prompt == "scan the market" && len(in.History) == 10 && in.History[0].Content == "msg 2" && in.Current == ""
	})).Return(&Generation{Title: "Market scan", YAML: twoStepYAML, Rationale: "two roles"}, nil).Once()

	wf, err := svc.Generate(ctx, GenerateRequest{Prompt: "scan the market", ChatID: "chat-1", UserID: "u1"})
	require.NoError(t, err)
	gen.AssertExpectations(t)

	assert.Equal(t, 1, wf.Version)
	assert.True(t, wf.IsLatest)
	assert.Equal(t, models.WorkflowPending, wf.Status)
	assert.Equal(t, "sequential", wf.Type)
	assert.Equal(t, []string{"researcher", "writer"}, wf.Agents)
	assert.Equal(t, []string{"gather", "report"}, wf.Tasks)
	assert.Contains(t, wf.Mermaid, "t1 --> t2")

	stored, err := svc.Get(ctx, wf.WorkflowID, 0)
	require.NoError(t, err)
	assert.Equal(t, twoStepYAML, stored.YAMLText)
}

func TestGenerateRejectsInvalidYAML(t *testing.T) {
	svc, gen, store := newWorkflowService(t)
	bad := "agents:\n  - role: a\n    goal: g\ntasks:\n  - name: t\n    description: d\n    agent: ghost\n    expected_output: x\n"
	gen.On("Generate", mock.Anything, mock.Anything).Return(&Generation{YAML: bad}, nil)

	_, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "anything"})
	var verr *crewspec.ValidationError
	require.ErrorAs(t, err, &verr)

	list, err := store.ListWorkflows(context.Background(), repository.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGenerateRequiresPrompt(t *testing.T) {
	svc, gen, _ := newWorkflowService(t)
	_, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "  "})
	var verr *crewspec.ValidationError
	require.ErrorAs(t, err, &verr)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestUpdateCreatesNewVersion(t *testing.T) {
	ctx := context.Background()
	svc, gen, _ := newWorkflowService(t)
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(in GenerationInput) bool { return in.Current == "" })).
		Return(&Generation{Title: "v1", YAML: twoStepYAML}, nil).Once()

	wf, err := svc.Generate(ctx, GenerateRequest{Prompt: "first"})
	require.NoError(t, err)

	t.Run("explicit yaml", func(t *testing.T) {
		edited := twoStepYAML + "process: sequential\n"
		v2, err := svc.Update(ctx, wf.WorkflowID, UpdateRequest{YAML: &edited})
		require.NoError(t, err)
		assert.Equal(t, 2, v2.Version)
		assert.Equal(t, edited, v2.YAMLText)
		assert.Equal(t, "v1", v2.Title)

		v1, err := svc.Get(ctx, wf.WorkflowID, 1)
		require.NoError(t, err)
		assert.Equal(t, twoStepYAML, v1.YAMLText)
		assert.False(t, v1.IsLatest)
	})

	t.Run("natural language edit", func(t *testing.T) {
		prompt := "add an editor"
		gen.On("Generate", mock.Anything, mock.MatchedBy(func(in GenerationInput) bool {
			return in.Prompt == prompt && in.Current != ""
		})).Return(&Generation{YAML: twoStepYAML, Rationale: "revised"}, nil).Once()

		v3, err := svc.Update(ctx, wf.WorkflowID, UpdateRequest{Prompt: &prompt})
		require.NoError(t, err)
		assert.Equal(t, 3, v3.Version)
		assert.Equal(t, "revised", v3.Rationale)
	})

	t.Run("invalid edit keeps history", func(t *testing.T) {
		bad := "tasks: []\n"
		_, err := svc.Update(ctx, wf.WorkflowID, UpdateRequest{YAML: &bad})
		var verr *crewspec.ValidationError
		require.ErrorAs(t, err, &verr)

		latest, err := svc.Get(ctx, wf.WorkflowID, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, latest.Version)
	})

	t.Run("empty update", func(t *testing.T) {
		_, err := svc.Update(ctx, wf.WorkflowID, UpdateRequest{})
		var verr *crewspec.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("unknown workflow", func(t *testing.T) {
		y := twoStepYAML
		_, err := svc.Update(ctx, "missing", UpdateRequest{YAML: &y})
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	svc, gen, _ := newWorkflowService(t)
	gen.On("Generate", mock.Anything, mock.Anything).Return(&Generation{YAML: twoStepYAML}, nil)

	wf, err := svc.Generate(ctx, GenerateRequest{Prompt: "p"})
	require.NoError(t, err)

	got, err := svc.SetStatus(ctx, wf.WorkflowID, 0, models.WorkflowStable)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStable, got.Status)
	assert.Equal(t, 1, got.Version)

	_, err = svc.SetStatus(ctx, wf.WorkflowID, 1, "DONE")
	var verr *crewspec.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = svc.SetStatus(ctx, wf.WorkflowID, 1, models.WorkflowArchived)
	require.NoError(t, err)
	_, err = svc.SetStatus(ctx, wf.WorkflowID, 1, models.WorkflowPending)
	require.ErrorAs(t, err, &verr)

	_, err = svc.SetStatus(ctx, wf.WorkflowID, 9, models.WorkflowStable)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestListByChat(t *testing.T) {
	ctx := context.Background()
	svc, gen, _ := newWorkflowService(t)
	gen.On("Generate", mock.Anything, mock.Anything).Return(&Generation{YAML: twoStepYAML}, nil)

	_, err := svc.Generate(ctx, GenerateRequest{Prompt: "a", ChatID: "c1"})
	require.NoError(t, err)
	_, err = svc.Generate(ctx, GenerateRequest{Prompt: "b", ChatID: "c2"})
	require.NoError(t, err)

	all, err := svc.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	c1, err := svc.List(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, c1, 1)
	assert.Equal(t, "c1", c1[0].ChatID)
}

func TestGeneratorErrorIsReturned(t *testing.T) {
	svc, gen, _ := newWorkflowService(t)
	gen.On("Generate", mock.Anything, mock.Anything).Return(nil, errors.New("model overloaded"))

	_, err := svc.Generate(context.Background(), GenerateRequest{Prompt: "p"})
	assert.ErrorContains(t, err, "model overloaded")
}

func TestLLMGenerator(t *testing.T) {
	var seen llm.Request
	provider := llm.ProviderFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		seen = req
		return &llm.Response{Text: "Here you go:\n{\"title\":\"Scan\",\"yaml\":\"name: scan\",\"rationale\":\"r\",\"mermaid\":\"flowchart TD\"}\n"}, nil
	})
	g := NewLLMGenerator(provider, "claude-test", 0)

	out, err := g.Generate(context.Background(), GenerationInput{
		Prompt:  "make it shorter",
		Current: "name: scan",
		History: []HistoryTurn{
			{Role: "assistant", Content: "dropped, history must start with the user"},
			{Role: "user", Content: "hello"},
			{Role: "user", Content: "again"},
			{Role: "assistant", Content: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Scan", out.Title)
	assert.Equal(t, "name: scan", out.YAML)

	assert.Equal(t, "claude-test", seen.Model)
	require.Len(t, seen.Messages, 3)
	assert.Equal(t, llm.RoleUser, seen.Messages[0].Role)
	assert.Equal(t, "hello\n\nagain", seen.Messages[0].Text)
	assert.Equal(t, llm.RoleAssistant, seen.Messages[1].Role)
	assert.Contains(t, seen.Messages[2].Text, "Revise this crew definition")
	assert.Contains(t, seen.Messages[2].Text, "make it shorter")
}

func TestParseGenerationErrors(t *testing.T) {
	_, err := parseGeneration("no json here")
	assert.Error(t, err)
	_, err = parseGeneration(`{"title":"x","yaml":""}`)
	assert.Error(t, err)
}

func TestDiagramHierarchical(t *testing.T) {
	spec, err := crewspec.Parse([]byte(`process: hierarchical
manager_agent: lead
agents:
  - role: lead
    goal: coordinate
  - role: analyst
    goal: analyse
tasks:
  - name: a
    description: d
    expected_output: x
  - name: b
    description: d
    expected_output: x
    context: [a]
`))
	require.NoError(t, err)
	d := Diagram(spec)
	assert.Contains(t, d, "flowchart TD")
	assert.Contains(t, d, "t1 --> t2")
	assert.Contains(t, d, `mgr{{"lead"}} -.-> t1`)
}
