package workflow

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nomis52/provision/backoff"
)

// RetryPolicy controls how many times a step is attempted and how long to wait
// between attempts. Zero fields are filled from the engine defaults.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts,omitempty"`
	// Backoff selects the delay strategy between attempts.
	Backoff backoff.Kind `yaml:"backoff" json:"backoff,omitempty"`
	// InitialInterval is the first retry delay.
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval,omitempty"`
	// MaxInterval caps the retry delay. Zero means uncapped.
	MaxInterval time.Duration `yaml:"max_interval" json:"max_interval,omitempty"`
	// Timeout bounds a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// WithDefaults returns p with every zero field taken from defaults.
func (p RetryPolicy) WithDefaults(defaults RetryPolicy) RetryPolicy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff == "" {
		p.Backoff = defaults.Backoff
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = defaults.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = defaults.MaxInterval
	}
	if p.Timeout == 0 {
		p.Timeout = defaults.Timeout
	}
	return p
}

// Strategy returns the backoff strategy for the policy.
// Validate has already rejected unknown kinds, so failure falls back to exponential.
func (p RetryPolicy) Strategy() backoff.Strategy {
	s, err := backoff.New(p.Backoff, p.InitialInterval, p.MaxInterval)
	if err != nil {
		return backoff.Exponential{Initial: p.InitialInterval, Max: p.MaxInterval}
	}
	return s
}

func (p RetryPolicy) validate() error {
	switch {
	case p.MaxAttempts < 0:
		return fmt.Errorf("max_attempts must not be negative, got %d", p.MaxAttempts)
	case p.InitialInterval < 0 || p.MaxInterval < 0 || p.Timeout < 0:
		return fmt.Errorf("retry durations must not be negative")
	case !p.Backoff.Valid():
		return fmt.Errorf("unknown backoff %q", p.Backoff)
	}
	return nil
}

// StepDefinition describes one step of a workflow.
type StepDefinition struct {
	// Name is unique within the definition.
	Name string `yaml:"name" json:"name"`
	// Target selects the executor that performs the step.
	Target TargetSystem `yaml:"target" json:"target"`
	// Retry overrides the engine's default retry policy.
	Retry RetryPolicy `yaml:"retry" json:"retry"`
	// Compensable steps are undone during rollback. Completed steps that are not
	// compensable are recorded as SKIPPED in the compensation trail.
	Compensable bool `yaml:"compensable" json:"compensable"`
	// DependsOn lists steps that must complete before this one starts.
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
	// Group places the step in an explicit parallel group. Members of a group run
	// concurrently and their outputs are namespaced under the step name.
	Group string `yaml:"group" json:"group,omitempty"`
}

// Definition is a named, ordered set of steps. Steps without DependsOn run in
// declaration order.
type Definition struct {
	Type        string           `yaml:"type" json:"type"`
	Description string           `yaml:"description" json:"description,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps"`
}

// Step returns the named step definition.
func (d *Definition) Step(name string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// Stage is a unit of sequential execution. A stage holds a single step, or every
// member of one parallel group.
type Stage struct {
	Group string
	Steps []StepDefinition
}

// Parallel reports whether the stage's steps run concurrently.
func (s Stage) Parallel() bool {
	return s.Group != ""
}

// Validate checks the definition's structure. hasTarget reports whether an
// executor is registered for a target; it may be nil to skip that check.
func (d *Definition) Validate(hasTarget func(TargetSystem) bool) error {
	_, err := d.plan(hasTarget)
	return err
}

// Plan validates the definition and returns its stages in execution order.
func (d *Definition) Plan() ([]Stage, error) {
	return d.plan(nil)
}

func (d *Definition) plan(hasTarget func(TargetSystem) bool) ([]Stage, error) {
	fail := func(step, format string, args ...any) error {
		return &DefinitionError{WorkflowType: d.Type, Step: step, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(d.Type) == "" {
		return nil, fail("", "type is required")
	}
	if len(d.Steps) == 0 {
		return nil, fail("", "at least one step is required")
	}

	index := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return nil, fail("", "step %d has no name", i)
		}
		if _, dup := index[s.Name]; dup {
			return nil, fail(s.Name, "duplicate step name")
		}
		index[s.Name] = i
		if s.Target == "" {
			return nil, fail(s.Name, "target is required")
		}
		if hasTarget != nil && !hasTarget(s.Target) {
			return nil, fail(s.Name, "no executor registered for target %q", s.Target)
		}
		if err := s.Retry.validate(); err != nil {
			return nil, fail(s.Name, "%v", err)
		}
	}

	// Collapse each parallel group into one node so the dependency graph is over stages.
	nodeOf := make(map[string]string, len(d.Steps))
	nodeOrder := make(map[string]int)
	for i, s := range d.Steps {
		node := "step:" + s.Name
		if s.Group != "" {
			node = "group:" + s.Group
		}
		nodeOf[s.Name] = node
		if _, seen := nodeOrder[node]; !seen {
			nodeOrder[node] = i
		}
	}

	edges := make(map[string][]string)
	inDegree := make(map[string]int, len(nodeOrder))
	for node := range nodeOrder {
		inDegree[node] = 0
	}
	seenEdge := make(map[[2]string]bool)
	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return nil, fail(s.Name, "step depends on itself")
			}
			if _, ok := index[dep]; !ok {
				return nil, fail(s.Name, "depends on unknown step %q", dep)
			}
			from, to := nodeOf[dep], nodeOf[s.Name]
			if from == to {
				return nil, fail(s.Name, "depends on %q in the same parallel group %q", dep, s.Group)
			}
			if seenEdge[[2]string{from, to}] {
				continue
			}
			seenEdge[[2]string{from, to}] = true
			edges[from] = append(edges[from], to)
			inDegree[to]++
		}
	}

	// Kahn's algorithm. Ties are broken by declaration order so that definitions
	// without dependencies run top to bottom.
	var ready []string
	for node, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, node)
		}
	}
	byOrder := func(nodes []string) {
		sort.Slice(nodes, func(i, j int) bool { return nodeOrder[nodes[i]] < nodeOrder[nodes[j]] })
	}
	byOrder(ready)

	var order []string
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, next := range edges[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				ready = append(ready, next)
			}
		}
		byOrder(ready)
	}

	if len(order) != len(nodeOrder) {
		var cyclic []string
		for _, s := range d.Steps {
			if inDegree[nodeOf[s.Name]] > 0 {
				cyclic = append(cyclic, s.Name)
			}
		}
		return nil, fail("", "dependency cycle between steps: %s", strings.Join(cyclic, ", "))
	}

	stages := make([]Stage, 0, len(order))
	for _, node := range order {
		var stage Stage
		for _, s := range d.Steps {
			if nodeOf[s.Name] == node {
				stage.Group = s.Group
				stage.Steps = append(stage.Steps, s)
			}
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

// StepNames returns the step names in plan order. It returns nil for an invalid definition.
func (d *Definition) StepNames() []string {
	stages, err := d.Plan()
	if err != nil {
		return nil
	}
	var names []string
	for _, st := range stages {
		for _, s := range st.Steps {
			names = append(names, s.Name)
		}
	}
	return names
}

// Targets returns the distinct targets the definition uses, sorted.
func (d *Definition) Targets() []TargetSystem {
	var out []TargetSystem
	for _, s := range d.Steps {
		if !slices.Contains(out, s.Target) {
			out = append(out, s.Target)
		}
	}
	slices.Sort(out)
	return out
}
