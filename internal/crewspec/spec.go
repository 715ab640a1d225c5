// Package crewspec parses and structurally validates declarative crew
// definitions. It knows nothing about live tools; binding happens in the
// crew compiler.
package crewspec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Process is the execution order discipline of a crew.
type Process string

const (
	ProcessSequential   Process = "sequential"
	ProcessHierarchical Process = "hierarchical"
)

// Spec is a parsed crew definition.
type Spec struct {
	Name         string      `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string      `yaml:"description,omitempty" json:"description,omitempty"`
	Process      Process     `yaml:"process,omitempty" json:"process,omitempty"`
	ManagerAgent string      `yaml:"manager_agent,omitempty" json:"manager_agent,omitempty"`
	Agents       []AgentSpec `yaml:"agents" json:"agents"`
	Tasks        []TaskSpec  `yaml:"tasks" json:"tasks"`
}

// AgentSpec declares one agent role.
type AgentSpec struct {
	Role            string          `yaml:"role" json:"role"`
	Goal            string          `yaml:"goal" json:"goal"`
	Backstory       string          `yaml:"backstory,omitempty" json:"backstory,omitempty"`
	Tools           []ToolReference `yaml:"tools,omitempty" json:"tools,omitempty"`
	AllowDelegation bool            `yaml:"allow_delegation,omitempty" json:"allow_delegation,omitempty"`
	Memory          bool            `yaml:"memory,omitempty" json:"memory,omitempty"`
	Manager         bool            `yaml:"manager,omitempty" json:"manager,omitempty"`
	MaxIter         int             `yaml:"max_iter,omitempty" json:"max_iter,omitempty"`
	LLM             *LLMOverride    `yaml:"llm,omitempty" json:"llm,omitempty"`
}

// LLMOverride replaces the service-wide model settings for one agent.
type LLMOverride struct {
	Model       string   `yaml:"model,omitempty" json:"model,omitempty"`
	Provider    string   `yaml:"provider,omitempty" json:"provider,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
}

// TaskSpec declares one unit of work.
type TaskSpec struct {
	Name           string          `yaml:"name" json:"name"`
	Description    string          `yaml:"description" json:"description"`
	Agent          string          `yaml:"agent" json:"agent"`
	ExpectedOutput string          `yaml:"expected_output" json:"expected_output"`
	Tools          []ToolReference `yaml:"tools,omitempty" json:"tools,omitempty"`
	Context        []string        `yaml:"context,omitempty" json:"context,omitempty"`
	OutputFile     string          `yaml:"output_file,omitempty" json:"output_file,omitempty"`
}

// Parse decodes a YAML (or JSON, which is valid YAML) crew definition.
// Unknown keys are rejected. Structural rules are checked by Validate.
func Parse(data []byte) (*Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ValidationError{Problems: []string{"specification is empty"}}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Problems: []string{"specification is empty"}}
		}
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("malformed specification: %v", err)}}
	}
	spec.normalize()
	return &spec, nil
}

// Marshal renders the spec back to YAML.
func (s *Spec) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("failed to encode specification: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Spec) normalize() {
	s.Process = Process(strings.ToLower(strings.TrimSpace(string(s.Process))))
	if s.Process == "" {
		s.Process = ProcessSequential
	}
	for i := range s.Agents {
		s.Agents[i].Role = strings.TrimSpace(s.Agents[i].Role)
	}
	for i := range s.Tasks {
		s.Tasks[i].Name = strings.TrimSpace(s.Tasks[i].Name)
		s.Tasks[i].Agent = strings.TrimSpace(s.Tasks[i].Agent)
	}
}

// Agent returns the agent with the given role.
func (s *Spec) Agent(role string) (*AgentSpec, bool) {
	for i := range s.Agents {
		if s.Agents[i].Role == role {
			return &s.Agents[i], true
		}
	}
	return nil, false
}

// Managers returns the designated manager roles for hierarchical crews. The
// top-level manager_agent key wins over per-agent flags.
func (s *Spec) Managers() []string {
	if s.ManagerAgent != "" {
		return []string{s.ManagerAgent}
	}
	var roles []string
	for _, a := range s.Agents {
		if a.Manager {
			roles = append(roles, a.Role)
		}
	}
	return roles
}

// Roles lists agent roles in declared order.
func (s *Spec) Roles() []string {
	out := make([]string, 0, len(s.Agents))
	for _, a := range s.Agents {
		out = append(out, a.Role)
	}
	return out
}

// TaskNames lists task names in declared order.
func (s *Spec) TaskNames() []string {
	out := make([]string, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		out = append(out, t.Name)
	}
	return out
}
