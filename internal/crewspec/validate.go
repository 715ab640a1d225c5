package crewspec

import (
	"fmt"
	"strings"
)

// ValidationError reports every structural problem found in a spec.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid crew specification: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid crew specification (%d problems): %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

// Validate checks referential integrity without touching any tool catalog:
// unique roles and task names, declared task agents, context references
// that point only at earlier tasks, and exactly one manager for
// hierarchical crews.
func (s *Spec) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch s.Process {
	case ProcessSequential, ProcessHierarchical:
	default:
		add("unknown process %q", s.Process)
	}

	if len(s.Agents) == 0 {
		add("at least one agent is required")
	}
	if len(s.Tasks) == 0 {
		add("at least one task is required")
	}

	roles := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		if a.Role == "" {
			add("agent #%d has no role", i+1)
			continue
		}
		if roles[a.Role] {
			add("duplicate agent role %q", a.Role)
		}
		roles[a.Role] = true
		if a.MaxIter < 0 {
			add("agent %q: max_iter must not be negative", a.Role)
		}
		if a.LLM != nil && a.LLM.Temperature != nil && (*a.LLM.Temperature < 0 || *a.LLM.Temperature > 1) {
			add("agent %q: temperature must be between 0 and 1", a.Role)
		}
		for _, ref := range a.Tools {
			if msg := ref.Check(); msg != "" {
				add("agent %q: %s", a.Role, msg)
			}
		}
	}

	position := make(map[string]int, len(s.Tasks))
	for i, t := range s.Tasks {
		if t.Name == "" {
			add("task #%d has no name", i+1)
			continue
		}
		if _, dup := position[t.Name]; dup {
			add("duplicate task name %q", t.Name)
			continue
		}
		position[t.Name] = i
	}

	for i, t := range s.Tasks {
		label := t.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		if strings.TrimSpace(t.Description) == "" {
			add("task %q has no description", label)
		}
		switch {
		case t.Agent == "" && s.Process == ProcessSequential:
			add("task %q has no agent", label)
		case t.Agent != "" && !roles[t.Agent]:
			add("task %q references unknown agent %q", label, t.Agent)
		}
		for _, ref := range t.Tools {
			if msg := ref.Check(); msg != "" {
				add("task %q: %s", label, msg)
			}
		}
	}

	problems = append(problems, s.contextProblems(position)...)

	if s.Process == ProcessHierarchical {
		managers := s.Managers()
		switch {
		case len(managers) == 0:
			add("hierarchical process requires a manager agent")
		case len(managers) > 1:
			add("hierarchical process requires exactly one manager agent, found %d (%s)",
				len(managers), strings.Join(managers, ", "))
		case !roles[managers[0]]:
			add("manager agent %q is not a declared agent", managers[0])
		case len(roles) < 2:
			add("hierarchical process requires at least one coworker besides the manager")
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// contextProblems enforces that context references only point backwards.
// Cycles are reported as such; other forward references are reported as
// ordering errors.
func (s *Spec) contextProblems(position map[string]int) []string {
	var problems []string
	edges := make(map[string][]string, len(s.Tasks))

	for _, t := range s.Tasks {
		if t.Name == "" {
			continue
		}
		for _, dep := range t.Context {
			dep = strings.TrimSpace(dep)
			if dep == t.Name {
				problems = append(problems, fmt.Sprintf("task %q lists itself as context (self-cycle)", t.Name))
				continue
			}
			if _, ok := position[dep]; !ok {
				problems = append(problems, fmt.Sprintf("task %q references unknown context task %q", t.Name, dep))
				continue
			}
			edges[t.Name] = append(edges[t.Name], dep)
		}
	}

	for i, t := range s.Tasks {
		for _, dep := range edges[t.Name] {
			if position[dep] > i && !reaches(edges, dep, t.Name) {
				problems = append(problems, fmt.Sprintf("task %q references later task %q as context (forward reference)", t.Name, dep))
			}
		}
	}

	if cycle := findCycle(s.Tasks, edges); len(cycle) > 0 {
		problems = append(problems, fmt.Sprintf("context cycle detected: %s", strings.Join(cycle, " -> ")))
	}
	return problems
}

func reaches(edges map[string][]string, from, to string) bool {
	seen := map[string]bool{}
	stack := []string{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, edges[n]...)
	}
	return false
}

// findCycle returns the first cycle in declared order, or nil.
func findCycle(tasks []TaskSpec, edges map[string][]string) []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(tasks))
	var path []string
	var cycle []string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = grey
		path = append(path, n)
		for _, m := range edges[n] {
			switch color[m] {
			case grey:
				for i, p := range path {
					if p == m {
						cycle = append(append([]string(nil), path[i:]...), m)
						break
					}
				}
				return true
			case white:
				if visit(m) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[n] = black
		return false
	}

	for _, t := range tasks {
		if t.Name != "" && color[t.Name] == white {
			if visit(t.Name) {
				return cycle
			}
		}
	}
	return nil
}
