package crew

import (
	"encoding/json"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
)

// Agent is a declared role bound to its resolved tools.
type Agent struct {
	Spec  crewspec.AgentSpec
	Tools []tools.Capability
}

// Step is one task in execution order, bound to the tools available to it
// and the names of the prior steps whose outputs it reads.
type Step struct {
	Name           string
	Description    string
	ExpectedOutput string
	// Agent is empty for hierarchical tasks the manager assigns.
	Agent      string
	Tools      []tools.Capability
	Context    []string
	OutputFile string
}

// Pipeline is a compiled crew. Steps are in declared order, which is also a
// topological order of the context graph.
type Pipeline struct {
	Name    string
	Process crewspec.Process
	Manager string
	Agents  map[string]*Agent
	Steps   []Step

	roles    []string
	compiler *Compiler
}

// TaskOutput is the result of one step.
type TaskOutput struct {
	Name   string `json:"name"`
	Agent  string `json:"agent"`
	Output string `json:"output"`
}

// Result is the outcome of a successful run.
type Result struct {
	Tasks []TaskOutput `json:"tasks"`
	Final string       `json:"final"`
	Usage llm.Usage    `json:"usage"`
}

type toolShape struct {
	Name          string         `json:"name"`
	Kind          tools.Kind     `json:"kind"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

type agentShape struct {
	Role            string      `json:"role"`
	Manager         bool        `json:"manager,omitempty"`
	AllowDelegation bool        `json:"allow_delegation,omitempty"`
	Model           string      `json:"model,omitempty"`
	Tools           []toolShape `json:"tools"`
}

type stepShape struct {
	Name    string      `json:"name"`
	Agent   string      `json:"agent"`
	Context []string    `json:"context"`
	Tools   []toolShape `json:"tools"`
	Output  string      `json:"output_file,omitempty"`
}

type pipelineShape struct {
	Process crewspec.Process `json:"process"`
	Manager string           `json:"manager,omitempty"`
	Agents  []agentShape     `json:"agents"`
	Steps   []stepShape      `json:"steps"`
}

// Fingerprint is a canonical description of the pipeline's structure:
// topology, agents, bound tools and step wiring. Two compilations of the
// same definition against the same catalog have equal fingerprints.
func (p *Pipeline) Fingerprint() string {
	shape := pipelineShape{Process: p.Process, Manager: p.Manager}
	for _, role := range p.roles {
		a := p.Agents[role]
		as := agentShape{
			Role:            role,
			Manager:         role == p.Manager,
			AllowDelegation: a.Spec.AllowDelegation,
			Tools:           shapes(a.Tools),
		}
		if a.Spec.LLM != nil {
			as.Model = a.Spec.LLM.Model
		}
		shape.Agents = append(shape.Agents, as)
	}
	for _, s := range p.Steps {
		shape.Steps = append(shape.Steps, stepShape{
			Name:    s.Name,
			Agent:   s.Agent,
			Context: s.Context,
			Tools:   shapes(s.Tools),
			Output:  s.OutputFile,
		})
	}
	// map keys are emitted sorted, so this is canonical
	b, _ := json.Marshal(shape)
	return string(b)
}

func shapes(caps []tools.Capability) []toolShape {
	out := make([]toolShape, 0, len(caps))
	for _, c := range caps {
		d := c.Describe()
		out = append(out, toolShape{Name: d.Name, Kind: d.Kind, Configuration: d.Configuration})
	}
	return out
}
