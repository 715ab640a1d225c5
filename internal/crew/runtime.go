package crew

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
)

const finalAnswerNudge = "You have used all available tool iterations. Give your best final answer now, without calling tools."

// Run executes the pipeline. Sequential crews run steps in declared order;
// hierarchical crews hand each step to the manager, who delegates to
// coworkers. Any failure aborts the run with an *ExecutionError.
func (p *Pipeline) Run(ctx context.Context, inputs map[string]any) (*Result, error) {
	ctx, span := tracer.Start(ctx, "crew.run", trace.WithAttributes(
		attribute.String("crew.name", p.Name),
		attribute.String("crew.process", string(p.Process)),
	))
	defer span.End()

	r := &run{pipeline: p, replacer: inputReplacer(inputs), outputs: make(map[string]string)}
	result := &Result{}
	for _, step := range p.Steps {
		out, agent, err := r.step(ctx, step)
		result.Usage.Add(r.usage)
		r.usage = llm.Usage{}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			var execErr *ExecutionError
			if errors.As(err, &execErr) {
				return nil, err
			}
			return nil, &ExecutionError{Task: step.Name, Err: err}
		}
		r.outputs[step.Name] = out
		result.Tasks = append(result.Tasks, TaskOutput{Name: step.Name, Agent: agent, Output: out})
		if step.OutputFile != "" {
			if err := p.writeOutput(step.OutputFile, out); err != nil {
				return nil, &ExecutionError{Task: step.Name, Err: err}
			}
		}
	}
	if n := len(result.Tasks); n > 0 {
		result.Final = result.Tasks[n-1].Output
	}
	return result, nil
}

type run struct {
	pipeline *Pipeline
	replacer *strings.Replacer
	outputs  map[string]string
	usage    llm.Usage
}

func (r *run) step(ctx context.Context, step Step) (string, string, error) {
	ctx, span := tracer.Start(ctx, "crew.task", trace.WithAttributes(attribute.String("crew.task", step.Name)))
	defer span.End()

	prompt := r.taskPrompt(step)
	if r.pipeline.Process == crewspec.ProcessHierarchical {
		manager := r.pipeline.Agents[r.pipeline.Manager]
		if step.Agent != "" {
			prompt += fmt.Sprintf("\n\nThis task is meant for the coworker %q.", step.Agent)
		}
		out, err := r.converse(ctx, manager, r.delegationTools(step), prompt)
		return out, manager.Spec.Role, err
	}

	agent := r.pipeline.Agents[step.Agent]
	out, err := r.converse(ctx, agent, bindCapabilities(step.Tools), prompt)
	return out, agent.Spec.Role, err
}

func (r *run) taskPrompt(step Step) string {
	var b strings.Builder
	b.WriteString("Current Task: ")
	b.WriteString(r.replacer.Replace(step.Description))
	if step.ExpectedOutput != "" {
		b.WriteString("\n\nThis is the expected criteria for your final answer: ")
		b.WriteString(r.replacer.Replace(step.ExpectedOutput))
	}
	if len(step.Context) > 0 {
		b.WriteString("\n\nThis is the context you're working with:")
		for _, name := range step.Context {
			fmt.Fprintf(&b, "\n\n## %s\n%s", name, r.outputs[name])
		}
	}
	b.WriteString("\n\nBegin! This is VERY important to you, use the tools available and give your best Final Answer.")
	return b.String()
}

func (r *run) systemPrompt(a *Agent) string {
	s := fmt.Sprintf("You are %s.", r.replacer.Replace(a.Spec.Role))
	if a.Spec.Backstory != "" {
		s += " " + r.replacer.Replace(a.Spec.Backstory)
	}
	if a.Spec.Goal != "" {
		s += "\nYour personal goal is: " + r.replacer.Replace(a.Spec.Goal)
	}
	return s
}

// boundTool is a tool the model may call during one conversation.
type boundTool struct {
	spec   llm.ToolSpec
	invoke func(ctx context.Context, input map[string]any) (string, bool, error)
}

func bindCapabilities(caps []tools.Capability) []boundTool {
	out := make([]boundTool, 0, len(caps))
	for _, c := range caps {
		d := c.Describe()
		out = append(out, boundTool{
			spec: llm.ToolSpec{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema},
			invoke: func(ctx context.Context, input map[string]any) (string, bool, error) {
				res, err := c.Invoke(ctx, tools.NewQuery(input))
				if err != nil {
					return "", false, err
				}
				return res.String(), res.IsError, nil
			},
		})
	}
	return out
}

// converse runs the agent's tool loop until the model answers without tool
// calls or max_iter is reached, then returns the final text.
func (r *run) converse(ctx context.Context, a *Agent, bound []boundTool, prompt string) (string, error) {
	provider, req := r.request(a)
	if provider == nil {
		return "", fmt.Errorf("no llm provider configured for agent %q", a.Spec.Role)
	}
	req.System = r.systemPrompt(a)
	req.Messages = []llm.Message{{Role: llm.RoleUser, Text: prompt}}

	byName := make(map[string]boundTool, len(bound))
	for _, t := range bound {
		req.Tools = append(req.Tools, t.spec)
		byName[t.spec.Name] = t
	}

	maxIter := a.Spec.MaxIter
	if maxIter <= 0 {
		maxIter = r.pipeline.compiler.opts.Defaults.MaxIter
	}
	logger := r.pipeline.compiler.opts.Logger

	for i := 0; i < maxIter; i++ {
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("llm call failed at iteration %d: %w", i+1, err)
		}
		r.usage.Add(resp.Usage)
		if len(resp.ToolCalls) == 0 {
			return strings.TrimSpace(resp.Text), nil
		}

		logger.Debug("agent calling tools", "agent", a.Spec.Role, "iteration", i+1, "count", len(resp.ToolCalls))
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleAssistant, Text: resp.Text, ToolCalls: resp.ToolCalls})

		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			t, ok := byName[call.Name]
			if !ok {
				results = append(results, llm.ToolResult{CallID: call.ID, Content: fmt.Sprintf("tool %q is not available", call.Name), IsError: true})
				continue
			}
			// A tool that reports its own failure is fed back to the model;
			// an invocation error ends the execution.
			content, isErr, err := t.invoke(ctx, call.Input)
			if err != nil {
				logger.Warn("tool invocation failed", "agent", a.Spec.Role, "tool", call.Name, "error", err)
				return "", fmt.Errorf("tool %q failed: %w", call.Name, err)
			}
			results = append(results, llm.ToolResult{CallID: call.ID, Content: content, IsError: isErr})
		}
		req.Messages = append(req.Messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
	}

	logger.Warn("agent reached max iterations", "agent", a.Spec.Role, "max_iter", maxIter)
	last := &req.Messages[len(req.Messages)-1]
	last.Text = finalAnswerNudge
	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm call failed on final answer: %w", err)
	}
	r.usage.Add(resp.Usage)
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("agent %q gave no final answer within %d iterations", a.Spec.Role, maxIter)
	}
	return text, nil
}

func (r *run) request(a *Agent) (llm.Provider, llm.Request) {
	opts := r.pipeline.compiler.opts
	temp := opts.Defaults.Temperature
	req := llm.Request{Model: opts.Defaults.Model, MaxTokens: opts.Defaults.MaxTokens, Temperature: &temp}
	providerName := DefaultProvider
	if o := a.Spec.LLM; o != nil {
		if o.Model != "" {
			req.Model = o.Model
		}
		if o.Temperature != nil {
			t := *o.Temperature
			req.Temperature = &t
		}
		if o.Provider != "" {
			providerName = o.Provider
		}
	}
	return opts.Providers[providerName], req
}

func (r *run) delegationTools(step Step) []boundTool {
	coworkers := r.pipeline.coworkers()
	list := strings.Join(coworkers, ", ")
	schema := func(field, desc string) map[string]any {
		return map[string]any{
			"type": "object",
			"properties": map[string]any{
				"coworker": map[string]any{"type": "string", "enum": coworkers, "description": "Role of the coworker"},
				field:      map[string]any{"type": "string", "description": desc},
				"context":  map[string]any{"type": "string", "description": "Everything the coworker needs to know"},
			},
			"required": []string{"coworker", field, "context"},
		}
	}
	return []boundTool{
		{
			spec: llm.ToolSpec{
				Name:        "delegate_work",
				Description: "Delegate a specific task to one of the following coworkers: " + list,
				InputSchema: schema("task", "The task to delegate"),
			},
			invoke: func(ctx context.Context, in map[string]any) (string, bool, error) {
				return r.delegate(ctx, step, in, "task")
			},
		},
		{
			spec: llm.ToolSpec{
				Name:        "ask_question",
				Description: "Ask a specific question to one of the following coworkers: " + list,
				InputSchema: schema("question", "The question to ask"),
			},
			invoke: func(ctx context.Context, in map[string]any) (string, bool, error) {
				return r.delegate(ctx, step, in, "question")
			},
		},
	}
}

func (r *run) delegate(ctx context.Context, step Step, in map[string]any, field string) (string, bool, error) {
	role, _ := in["coworker"].(string)
	work, _ := in[field].(string)
	extra, _ := in["context"].(string)
	coworker, ok := r.pipeline.Agents[strings.TrimSpace(role)]
	if !ok || coworker.Spec.Role == r.pipeline.Manager {
		return fmt.Sprintf("coworker %q not found, choose one of: %s", role, strings.Join(r.pipeline.coworkers(), ", ")), true, nil
	}
	if work == "" {
		return "the " + field + " must not be empty", true, nil
	}

	prompt := "Current Task: " + work
	if extra != "" {
		prompt += "\n\nThis is the context you're working with:\n" + extra
	}
	caps := coworker.Tools
	if step.Agent == coworker.Spec.Role {
		caps = step.Tools
	}
	out, err := r.converse(ctx, coworker, bindCapabilities(caps), prompt)
	if err != nil {
		return "", false, err
	}
	return out, false, nil
}

func (p *Pipeline) coworkers() []string {
	out := make([]string, 0, len(p.roles))
	for _, role := range p.roles {
		if role != p.Manager {
			out = append(out, role)
		}
	}
	return out
}

// writeOutput stores a task output under the configured output directory.
func (p *Pipeline) writeOutput(name, content string) error {
	dir := p.compiler.opts.OutputDir
	if dir == "" {
		dir = "."
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output file %q escapes the output directory", name)
	}
	path := filepath.Join(dir, clean)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// inputReplacer substitutes {key} placeholders with input values.
func inputReplacer(inputs map[string]any) *strings.Replacer {
	var pairs []string
	for _, k := range sortedKeys(inputs) {
		pairs = append(pairs, "{"+k+"}", fmt.Sprint(inputs[k]))
	}
	return strings.NewReplacer(pairs...)
}
