// Package crew compiles declarative crew definitions into runnable
// pipelines and runs them against an LLM provider.
package crew

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crewspec"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/llm"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/tools"
)

var tracer = otel.Tracer("github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew")

// DefaultProvider is the provider key used when an agent names none.
const DefaultProvider = "anthropic"

// Logger is the subset of the application logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// Defaults are the model settings agents inherit.
type Defaults struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	MaxIter     int
}

// Options configures a Compiler.
type Options struct {
	Resolver tools.Resolver
	// Providers maps provider names to implementations. DefaultProvider
	// must be present for agents without an override.
	Providers map[string]llm.Provider
	Defaults  Defaults
	// OutputDir receives task output_file sinks.
	OutputDir string
	Logger    Logger
	// Parallelism bounds concurrent tool resolutions per compile.
	Parallelism int
}

// Compiler turns crew definitions into pipelines.
type Compiler struct {
	opts Options
}

// NewCompiler creates a Compiler.
func NewCompiler(opts Options) *Compiler {
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Defaults.MaxIter <= 0 {
		opts.Defaults.MaxIter = 5
	}
	if opts.Defaults.MaxTokens <= 0 {
		opts.Defaults.MaxTokens = 4096
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Compiler{opts: opts}
}

// CompileYAML parses and compiles a YAML definition.
func (c *Compiler) CompileYAML(ctx context.Context, data []byte) (*Pipeline, error) {
	spec, err := crewspec.Parse(data)
	if err != nil {
		return nil, err
	}
	return c.Compile(ctx, spec)
}

// Check validates a spec the way Compile does, without resolving tools.
func (c *Compiler) Check(spec *crewspec.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	var problems []string
	for _, a := range spec.Agents {
		if a.LLM == nil || a.LLM.Provider == "" {
			continue
		}
		if _, ok := c.opts.Providers[a.LLM.Provider]; !ok {
			problems = append(problems, fmt.Sprintf("agent %q: unknown llm provider %q", a.Role, a.LLM.Provider))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

type binding struct {
	owner string
	ref   crewspec.ToolReference
	caps  []tools.Capability
	err   error
}

// Compile validates spec, resolves all of its tool references in one pass
// and builds the pipeline. Validation failures are returned before any
// resolution; resolution failures are collected and returned together.
func (c *Compiler) Compile(ctx context.Context, spec *crewspec.Spec) (*Pipeline, error) {
	if err := c.Check(spec); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "crew.compile", trace.WithAttributes(
		attribute.String("crew.name", spec.Name),
		attribute.String("crew.process", string(spec.Process)),
		attribute.Int("crew.tasks", len(spec.Tasks)),
	))
	defer span.End()

	agentBindings := make([][]*binding, len(spec.Agents))
	taskBindings := make([][]*binding, len(spec.Tasks))
	var all []*binding
	for i, a := range spec.Agents {
		for _, ref := range a.Tools {
			b := &binding{owner: "agent " + a.Role, ref: ref}
			agentBindings[i] = append(agentBindings[i], b)
			all = append(all, b)
		}
	}
	for i, t := range spec.Tasks {
		for _, ref := range t.Tools {
			b := &binding{owner: "task " + t.Name, ref: ref}
			taskBindings[i] = append(taskBindings[i], b)
			all = append(all, b)
		}
	}

	if len(all) > 0 {
		if c.opts.Resolver == nil {
			return nil, fmt.Errorf("crew references tools but no resolver is configured")
		}
		session := tools.NewSession(c.opts.Resolver)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.opts.Parallelism)
		for _, b := range all {
			g.Go(func() error {
				b.caps, b.err = session.Resolve(gctx, b.ref)
				if b.err == nil {
					c.verify(gctx, b)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	var failures []tools.ResolutionFailure
	for _, b := range all {
		if b.err != nil {
			failures = append(failures, tools.ResolutionFailure{Owner: b.owner, Ref: b.ref.String(), Err: b.err})
		}
	}
	if len(failures) > 0 {
		span.SetAttributes(attribute.Int("crew.tool_failures", len(failures)))
		return nil, &ToolResolutionError{Failures: failures}
	}

	p := &Pipeline{
		Name:     spec.Name,
		Process:  spec.Process,
		Agents:   make(map[string]*Agent, len(spec.Agents)),
		compiler: c,
	}
	if spec.Process == crewspec.ProcessHierarchical {
		p.Manager = spec.Managers()[0]
	}
	for i, a := range spec.Agents {
		agent := &Agent{Spec: a, Tools: flatten(agentBindings[i])}
		p.Agents[a.Role] = agent
		p.roles = append(p.roles, a.Role)
	}
	for i, t := range spec.Tasks {
		step := Step{
			Name:           t.Name,
			Description:    t.Description,
			ExpectedOutput: t.ExpectedOutput,
			Agent:          t.Agent,
			Context:        append([]string(nil), t.Context...),
			OutputFile:     t.OutputFile,
		}
		var agentTools []tools.Capability
		if a, ok := p.Agents[t.Agent]; ok {
			agentTools = a.Tools
		}
		step.Tools = dedupe(agentTools, flatten(taskBindings[i]))
		p.Steps = append(p.Steps, step)
	}

	c.opts.Logger.Debug("crew compiled", "crew", spec.Name, "process", spec.Process,
		"agents", len(p.Agents), "steps", len(p.Steps))
	return p, nil
}

// verify checks that every managed or remote capability bound by b can
// work. Failures of a required reference become b.err; an optional
// reference keeps only the capabilities that pass.
func (c *Compiler) verify(ctx context.Context, b *binding) {
	if b.ref.Kind == crewspec.ToolSimple {
		return
	}
	live := make([]tools.Capability, 0, len(b.caps))
	var errs []error
	for _, capability := range b.caps {
		if err := capability.Validate(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		live = append(live, capability)
	}
	if len(errs) == 0 {
		return
	}
	if b.ref.Optional {
		c.opts.Logger.Warn("optional tool unavailable", "owner", b.owner, "ref", b.ref.String(), "error", errors.Join(errs...))
		b.caps = live
		return
	}
	b.err = errors.Join(errs...)
}

func flatten(bs []*binding) []tools.Capability {
	var out []tools.Capability
	for _, b := range bs {
		out = append(out, b.caps...)
	}
	return dedupe(out)
}

// dedupe concatenates lists keeping the first capability of each name.
func dedupe(lists ...[]tools.Capability) []tools.Capability {
	seen := make(map[string]bool)
	var out []tools.Capability
	for _, list := range lists {
		for _, c := range list {
			name := c.Describe().Name
			if seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, c)
		}
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
