package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
)

const generatorSystemPrompt = `You design multi-agent crews. Reply with a single JSON object and nothing else:
{"title": "...", "yaml": "...", "rationale": "...", "mermaid": "..."}

"yaml" is a crew definition with these keys:
  name, description, process (sequential or hierarchical), manager_agent (hierarchical only),
  agents: [{role, goal, backstory, tools, allow_delegation}],
  tasks: [{name, description, agent, expected_output, context, output_file}]
Tools are either a name string (current_time, web_search) or a mapping:
  {type: managed, service: cortex_search|cortex_analyst, instance_names: [...]}
  {type: remote, server: <name>, tool_names: [...]}
Every task's agent must be a declared role. context may only name earlier tasks.
"mermaid" is a flowchart of the tasks in order. "rationale" explains the design in two or three sentences.`

// LLMGenerator asks a model for a crew definition.
type LLMGenerator struct {
	provider  llm.Provider
	model     string
	maxTokens int64
}

// NewLLMGenerator creates a generator backed by provider.
func NewLLMGenerator(provider llm.Provider, model string, maxTokens int64) *LLMGenerator {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &LLMGenerator{provider: provider, model: model, maxTokens: maxTokens}
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, in GenerationInput) (*Generation, error) {
	var msgs []llm.Message
	for _, turn := range in.History {
		role := llm.RoleUser
		if turn.Role == string(llm.RoleAssistant) {
			role = llm.RoleAssistant
		}
		msgs = appendTurn(msgs, role, turn.Content)
	}

	var prompt strings.Builder
	if in.Current != "" {
		prompt.WriteString("Revise this crew definition:\n\n")
		prompt.WriteString(in.Current)
		prompt.WriteString("\n\nRequested change: ")
	}
	prompt.WriteString(in.Prompt)
	msgs = appendTurn(msgs, llm.RoleUser, prompt.String())

	temp := 0.2
	resp, err := g.provider.Complete(ctx, llm.Request{
		Model:       g.model,
		System:      generatorSystemPrompt,
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generator request failed: %w", err)
	}
	return parseGeneration(resp.Text)
}

// appendTurn keeps roles alternating by merging consecutive turns of the
// same speaker. The first turn must come from the user.
func appendTurn(msgs []llm.Message, role llm.Role, text string) []llm.Message {
	if text == "" {
		return msgs
	}
	if len(msgs) == 0 && role != llm.RoleUser {
		return msgs
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == role {
		msgs[n-1].Text += "\n\n" + text
		return msgs
	}
	return append(msgs, llm.Message{Role: role, Text: text})
}

func parseGeneration(text string) (*Generation, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return nil, errors.New("generator reply contained no JSON object")
	}
	var out struct {
		Title     string `json:"title"`
		YAML      string `json:"yaml"`
		Rationale string `json:"rationale"`
		Mermaid   string `json:"mermaid"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("failed to decode generator reply: %w", err)
	}
	if strings.TrimSpace(out.YAML) == "" {
		return nil, errors.New("generator reply had no yaml")
	}
	return &Generation{
		Title:     out.Title,
		YAML:      out.YAML,
		Rationale: out.Rationale,
		Mermaid:   out.Mermaid,
	}, nil
}
