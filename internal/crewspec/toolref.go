package crewspec

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolKind tags the variant of a ToolReference.
type ToolKind string

const (
	ToolSimple  ToolKind = "simple"
	ToolManaged ToolKind = "managed"
	ToolRemote  ToolKind = "remote"
)

// ToolReference is an abstract tool binding. In YAML a bare string is a
// simple tool; a mapping carries a type of "managed" or "remote".
type ToolReference struct {
	Kind ToolKind `yaml:"type" json:"type"`

	// simple
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// managed
	Service       string   `yaml:"service,omitempty" json:"service,omitempty"`
	InstanceNames []string `yaml:"instance_names,omitempty" json:"instance_names,omitempty"`

	// remote
	Server    string   `yaml:"server,omitempty" json:"server,omitempty"`
	ToolNames []string `yaml:"tool_names,omitempty" json:"tool_names,omitempty"`

	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// SimpleTool builds a reference to a locally registered tool.
func SimpleTool(name string) ToolReference {
	return ToolReference{Kind: ToolSimple, Name: name}
}

// ManagedTool builds a reference to managed-service catalog instances.
func ManagedTool(service string, instances ...string) ToolReference {
	return ToolReference{Kind: ToolManaged, Service: service, InstanceNames: instances}
}

// RemoteTool builds a reference to tools advertised by an MCP server.
func RemoteTool(server string, tools ...string) ToolReference {
	return ToolReference{Kind: ToolRemote, Server: server, ToolNames: tools}
}

type toolRefFields ToolReference

// UnmarshalYAML accepts either a scalar tool name or a typed mapping.
func (r *ToolReference) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		*r = SimpleTool(strings.TrimSpace(name))
		return nil
	case yaml.MappingNode:
		var f toolRefFields
		if err := node.Decode(&f); err != nil {
			return err
		}
		ref := ToolReference(f)
		ref.Kind = ToolKind(strings.ToLower(strings.TrimSpace(string(ref.Kind))))
		if ref.Kind == "" {
			ref.Kind = ToolSimple
		}
		*r = ref
		return nil
	default:
		return fmt.Errorf("line %d: tool reference must be a name or a mapping", node.Line)
	}
}

// MarshalYAML renders simple references back as bare names.
func (r ToolReference) MarshalYAML() (any, error) {
	if r.Kind == ToolSimple && !r.Optional {
		return r.Name, nil
	}
	return toolRefFields(r), nil
}

// Check reports a structural problem with the reference, or "".
func (r ToolReference) Check() string {
	switch r.Kind {
	case ToolSimple:
		if r.Name == "" {
			return "simple tool reference has no name"
		}
	case ToolManaged:
		if r.Service == "" {
			return "managed tool reference has no service"
		}
	case ToolRemote:
		if r.Server == "" {
			return "remote tool reference has no server"
		}
	default:
		return fmt.Sprintf("unknown tool reference type %q", r.Kind)
	}
	return ""
}

// Key identifies a reference for memoization. References with equal keys
// bind the same capabilities in the same order.
func (r ToolReference) Key() string {
	key := string(r.Kind) + ":" + r.String()
	if r.Optional {
		key += "?"
	}
	return key
}

func (r ToolReference) String() string {
	switch r.Kind {
	case ToolManaged:
		if len(r.InstanceNames) == 0 {
			return r.Service + "[*]"
		}
		return r.Service + "[" + strings.Join(r.InstanceNames, ",") + "]"
	case ToolRemote:
		if len(r.ToolNames) == 0 {
			return r.Server + "/*"
		}
		return r.Server + "/{" + strings.Join(r.ToolNames, ",") + "}"
	default:
		return r.Name
	}
}
