package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// SpecChecker validates a crew definition without binding tools.
type SpecChecker interface {
	Check(spec *crewspec.Spec) error
}

// GenerateRequest asks for a new workflow from natural language.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	ChatID string `json:"chat_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// UpdateRequest edits a workflow. YAML replaces the definition outright;
// otherwise Prompt asks the generator to revise the current one.
type UpdateRequest struct {
	YAML      *string `json:"yaml_text,omitempty"`
	Prompt    *string `json:"prompt,omitempty"`
	Title     *string `json:"title,omitempty"`
	Rationale *string `json:"rationale,omitempty"`
	Mermaid   *string `json:"mermaid,omitempty"`
}

// WorkflowService manages versioned crew definitions.
type WorkflowService struct {
	store        repository.WorkflowStore
	chats        repository.ChatStore
	generator    Generator
	checker      SpecChecker
	historyLimit int
}

// NewWorkflowService creates a WorkflowService. chats may be nil.
func NewWorkflowService(store repository.WorkflowStore, chats repository.ChatStore, generator Generator, checker SpecChecker, historyLimit int) *WorkflowService {
	if historyLimit <= 0 {
		historyLimit = 10
	}
	return &WorkflowService{
		store:        store,
		chats:        chats,
		generator:    generator,
		checker:      checker,
		historyLimit: historyLimit,
	}
}

// Generate creates version 1 of a new workflow in PENDING.
func (s *WorkflowService) Generate(ctx context.Context, req GenerateRequest) (*models.Workflow, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &crewspec.ValidationError{Problems: []string{"prompt is required"}}
	}
	history, err := s.history(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	gen, err := s.generator.Generate(ctx, GenerationInput{Prompt: req.Prompt, History: history})
	if err != nil {
		return nil, err
	}

	wf := &models.Workflow{
		WorkflowID: uuid.NewString(),
		Title:      gen.Title,
		Rationale:  gen.Rationale,
		Mermaid:    gen.Mermaid,
		YAMLText:   gen.YAML,
		Status:     models.WorkflowPending,
		ChatID:     req.ChatID,
		UserID:     req.UserID,
	}
	if err := s.fill(wf); err != nil {
		return nil, err
	}
	if err := s.store.CreateWorkflowVersion(ctx, wf); err != nil {
		return nil, fmt.Errorf("failed to store workflow: %w", err)
	}
	return wf, nil
}

// Update stores a new version derived from the latest one.
func (s *WorkflowService) Update(ctx context.Context, workflowID string, req UpdateRequest) (*models.Workflow, error) {
	current, err := s.store.GetWorkflow(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}

	next := *current
	next.Status = models.WorkflowPending
	switch {
	case req.YAML != nil:
		next.YAMLText = *req.YAML
		next.Mermaid = ""
	case req.Prompt != nil && strings.TrimSpace(*req.Prompt) != "":
		history, err := s.history(ctx, current.ChatID)
		if err != nil {
			return nil, err
		}
		gen, err := s.generator.Generate(ctx, GenerationInput{
			Prompt:  *req.Prompt,
			History: history,
			Current: current.YAMLText,
		})
		if err != nil {
			return nil, err
		}
		next.YAMLText, next.Mermaid = gen.YAML, gen.Mermaid
		if gen.Rationale != "" {
			next.Rationale = gen.Rationale
		}
		if gen.Title != "" {
			next.Title = gen.Title
		}
	case req.Title == nil && req.Rationale == nil && req.Mermaid == nil:
		return nil, &crewspec.ValidationError{Problems: []string{"update changes nothing"}}
	}
	if req.Title != nil {
		next.Title = *req.Title
	}
	if req.Rationale != nil {
		next.Rationale = *req.Rationale
	}
	if req.Mermaid != nil {
		next.Mermaid = *req.Mermaid
	}

	if err := s.fill(&next); err != nil {
		return nil, err
	}
	if err := s.store.CreateWorkflowVersion(ctx, &next); err != nil {
		return nil, fmt.Errorf("failed to store workflow version: %w", err)
	}
	return &next, nil
}

// SetStatus changes the review status of one version; 0 means latest.
func (s *WorkflowService) SetStatus(ctx context.Context, workflowID string, version int, status models.WorkflowStatus) (*models.Workflow, error) {
	if !status.Valid() {
		return nil, &crewspec.ValidationError{Problems: []string{fmt.Sprintf("unknown status %q", status)}}
	}
	wf, err := s.store.GetWorkflow(ctx, workflowID, version)
	if err != nil {
		return nil, err
	}
	if wf.Status == models.WorkflowArchived && status != models.WorkflowArchived {
		return nil, &crewspec.ValidationError{Problems: []string{"archived versions cannot be reopened"}}
	}
	if err := s.store.UpdateWorkflowStatus(ctx, workflowID, wf.Version, status); err != nil {
		return nil, err
	}
	return s.store.GetWorkflow(ctx, workflowID, wf.Version)
}

// Get returns one version; 0 means latest.
func (s *WorkflowService) Get(ctx context.Context, workflowID string, version int) (*models.Workflow, error) {
	return s.store.GetWorkflow(ctx, workflowID, version)
}

// List returns the latest version of each workflow, optionally for one chat.
func (s *WorkflowService) List(ctx context.Context, chatID string, limit int) ([]*models.Workflow, error) {
	return s.store.ListWorkflows(ctx, repository.WorkflowFilter{ChatID: chatID, Limit: limit})
}

// Spec parses and checks the stored definition of a workflow version.
func (s *WorkflowService) Spec(ctx context.Context, workflowID string, version int) (*models.Workflow, *crewspec.Spec, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID, version)
	if err != nil {
		return nil, nil, err
	}
	spec, err := crewspec.Parse([]byte(wf.YAMLText))
	if err != nil {
		return nil, nil, err
	}
	return wf, spec, nil
}

func (s *WorkflowService) history(ctx context.Context, chatID string) ([]HistoryTurn, error) {
	if chatID == "" || s.chats == nil {
		return nil, nil
	}
	msgs, err := s.chats.RecentMessages(ctx, chatID, s.historyLimit)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	turns := make([]HistoryTurn, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.Summary != "" {
			content = m.Summary
		}
		turns = append(turns, HistoryTurn{Role: m.Role, Content: content})
	}
	return turns, nil
}

// fill validates the YAML and derives the summary fields from it.
func (s *WorkflowService) fill(wf *models.Workflow) error {
	spec, err := crewspec.Parse([]byte(wf.YAMLText))
	if err != nil {
		return err
	}
	if err := s.checker.Check(spec); err != nil {
		return err
	}
	wf.Type = string(spec.Process)
	wf.Agents = spec.Roles()
	wf.Tasks = spec.TaskNames()
	if wf.Title == "" {
		wf.Title = spec.Name
	}
	if wf.Mermaid == "" {
		wf.Mermaid = Diagram(spec)
	}
	return nil
}

// Diagram renders a Mermaid flowchart of a crew's tasks. Context edges are
// drawn from each referenced task; tasks without context follow their
// predecessor.
func Diagram(spec *crewspec.Spec) string {
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	ids := make(map[string]string, len(spec.Tasks))
	for i, t := range spec.Tasks {
		id := fmt.Sprintf("t%d", i+1)
		ids[t.Name] = id
		label := t.Name
		if t.Agent != "" {
			label += "<br/>" + t.Agent
		}
		fmt.Fprintf(&b, "  %s[\"%s\"]\n", id, strings.ReplaceAll(label, `"`, "'"))
	}
	for i, t := range spec.Tasks {
		id := ids[t.Name]
		if len(t.Context) == 0 {
			if i > 0 {
				fmt.Fprintf(&b, "  %s --> %s\n", ids[spec.Tasks[i-1].Name], id)
			}
			continue
		}
		for _, c := range t.Context {
			if from, ok := ids[c]; ok {
				fmt.Fprintf(&b, "  %s --> %s\n", from, id)
			}
		}
	}
	if spec.Process == crewspec.ProcessHierarchical {
		if m := spec.Managers(); len(m) == 1 {
			fmt.Fprintf(&b, "  mgr{{\"%s\"}} -.-> t1\n", strings.ReplaceAll(m[0], `"`, "'"))
		}
	}
	return b.String()
}
