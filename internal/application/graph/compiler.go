package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// Node is a compiled step.
type Node struct {
	Step         domain.StepDefinition
	Index        int
	Predecessors []string
	Dependents   []string
}

// Graph is the compiled, read-only view of a workflow definition.
type Graph struct {
	Definition domain.WorkflowDefinition
	Nodes      map[string]*Node
	// Order is a topological order of the steps.
	Order []string
}

// Ref returns the definition reference the graph was compiled from.
func (g *Graph) Ref() domain.DefinitionRef {
	return g.Definition.Ref()
}

// Node returns the compiled step called name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// RetryPolicy returns the step policy, else the definition default, else nil.
func (g *Graph) RetryPolicy(step string) *domain.RetryPolicy {
	if n, ok := g.Nodes[step]; ok && n.Step.Retry != nil {
		return n.Step.Retry
	}
	return g.Definition.Retry
}

// StepTimeout returns the step timeout, or fallback when none is declared.
func (g *Graph) StepTimeout(step string, fallback time.Duration) time.Duration {
	if n, ok := g.Nodes[step]; ok && n.Step.Timeout > 0 {
		return n.Step.Timeout
	}
	return fallback
}

// Plan projects the graph onto the plan persisted with each execution. A
// step's lease is its timeout plus leaseGrace.
func (g *Graph) Plan(defaultTimeout, leaseGrace time.Duration) []domain.PlanStep {
	plan := make([]domain.PlanStep, 0, len(g.Order))
	for _, name := range g.Order {
		n := g.Nodes[name]
		step := domain.PlanStep{
			Name:            name,
			After:           append([]string(nil), n.Predecessors...),
			AwaitApproval:   n.Step.AwaitApproval,
			ApprovalTimeout: n.Step.ApprovalTimeout,
		}
		if timeout := g.StepTimeout(name, defaultTimeout); timeout > 0 {
			step.Lease = timeout + leaseGrace
		}
		plan = append(plan, step)
	}
	return plan
}

// Compiler turns definitions into graphs.
type Compiler struct {
	handlers *HandlerRegistry
}

// NewCompiler creates a compiler resolving handler names through handlers.
// handlers may be nil when every step carries its function values.
func NewCompiler(handlers *HandlerRegistry) *Compiler {
	return &Compiler{handlers: handlers}
}

// Compile validates def and builds its graph. It has no side effects.
func (c *Compiler) Compile(def domain.WorkflowDefinition) (*Graph, error) {
	if def.Name == "" {
		return nil, &domain.DefinitionError{Kind: domain.DefinitionInvalid, Message: "workflow name is required"}
	}
	if len(def.Steps) == 0 {
		return nil, invalid(def.Name, "", "workflow must have at least one step")
	}
	if def.Retry != nil {
		if err := def.Retry.Validate(); err != nil {
			return nil, invalid(def.Name, "", err.Error())
		}
	}
	if def.MaxConcurrentSteps < 0 {
		return nil, invalid(def.Name, "", "max concurrent steps must not be negative")
	}

	nodes := make(map[string]*Node, len(def.Steps))
	steps := make([]domain.StepDefinition, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			return nil, invalid(def.Name, "", fmt.Sprintf("step %d has no name", i))
		}
		if _, exists := nodes[step.Name]; exists {
			return nil, &domain.DefinitionError{
				Definition: def.Name,
				Kind:       domain.DefinitionDuplicateStepName,
				Step:       step.Name,
			}
		}
		resolved, err := c.resolve(def.Name, step)
		if err != nil {
			return nil, err
		}
		steps[i] = resolved
		nodes[step.Name] = &Node{Step: resolved, Index: i}
	}

	for _, step := range steps {
		node := nodes[step.Name]
		seen := make(map[string]bool, len(step.After))
		for _, pred := range step.After {
			if seen[pred] {
				continue
			}
			seen[pred] = true
			predNode, ok := nodes[pred]
			if !ok {
				return nil, &domain.DefinitionError{
					Definition: def.Name,
					Kind:       domain.DefinitionUnknownPredecessor,
					Step:       step.Name,
					Message:    fmt.Sprintf("predecessor %q is not defined", pred),
				}
			}
			node.Predecessors = append(node.Predecessors, pred)
			predNode.Dependents = append(predNode.Dependents, step.Name)
		}
	}

	order, err := topoSort(def.Name, steps, nodes)
	if err != nil {
		return nil, err
	}

	compiled := def
	compiled.Steps = steps
	return &Graph{Definition: compiled, Nodes: nodes, Order: order}, nil
}

func (c *Compiler) resolve(definition string, step domain.StepDefinition) (domain.StepDefinition, error) {
	if step.Retry != nil {
		if err := step.Retry.Validate(); err != nil {
			return step, invalid(definition, step.Name, err.Error())
		}
	}
	if step.Timeout < 0 || step.ApprovalTimeout < 0 {
		return step, invalid(definition, step.Name, "timeouts must not be negative")
	}

	if step.Handler == nil && step.HandlerName != "" {
		handler, ok := c.handlers.Handler(step.HandlerName)
		if !ok {
			return step, missingHandler(definition, step.Name, step.HandlerName)
		}
		step.Handler = handler
	}
	// An approval-only step needs no handler: approval itself is the work.
	if step.Handler == nil && !step.AwaitApproval {
		return step, missingHandler(definition, step.Name, "")
	}

	if step.Rollback == nil && step.RollbackName != "" {
		rollback, ok := c.handlers.Rollback(step.RollbackName)
		if !ok {
			return step, missingHandler(definition, step.Name, step.RollbackName)
		}
		step.Rollback = rollback
	}
	return step, nil
}

// topoSort runs Kahn's algorithm, always taking the ready step declared first.
func topoSort(definition string, steps []domain.StepDefinition, nodes map[string]*Node) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	var ready []*Node
	for _, step := range steps {
		node := nodes[step.Name]
		inDegree[step.Name] = len(node.Predecessors)
		if inDegree[step.Name] == 0 {
			ready = append(ready, node)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node.Step.Name)

		for _, dep := range node.Dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, nodes[dep])
			}
		}
		sort.SliceStable(ready, func(i, j int) bool { return ready[i].Index < ready[j].Index })
	}

	if len(order) == len(nodes) {
		return order, nil
	}

	return nil, &domain.DefinitionError{
		Definition: definition,
		Kind:       domain.DefinitionCycleDetected,
		Cycle:      findCycle(steps, nodes, inDegree),
	}
}

// findCycle walks predecessor edges among the steps Kahn's algorithm could
// not order until a step repeats. Every such step has an unordered
// predecessor, so the walk always closes a cycle.
func findCycle(steps []domain.StepDefinition, nodes map[string]*Node, inDegree map[string]int) []string {
	var start string
	for _, step := range steps {
		if inDegree[step.Name] > 0 {
			start = step.Name
			break
		}
	}

	position := make(map[string]int)
	var path []string
	for current := start; ; {
		if at, seen := position[current]; seen {
			cycle := path[at:]
			// path follows predecessor edges; report it in execution order.
			reversed := make([]string, 0, len(cycle))
			for i := len(cycle) - 1; i >= 0; i-- {
				reversed = append(reversed, cycle[i])
			}
			// Start the report at the step declared first.
			first := 0
			for i, name := range reversed {
				if nodes[name].Index < nodes[reversed[first]].Index {
					first = i
				}
			}
			out := append(append([]string(nil), reversed[first:]...), reversed[:first]...)
			return append(out, out[0])
		}
		position[current] = len(path)
		path = append(path, current)

		for _, pred := range nodes[current].Predecessors {
			if inDegree[pred] > 0 {
				current = pred
				break
			}
		}
	}
}

func invalid(definition, step, msg string) error {
	return &domain.DefinitionError{Definition: definition, Kind: domain.DefinitionInvalid, Step: step, Message: msg}
}

func missingHandler(definition, step, name string) error {
	msg := "no handler declared"
	if name != "" {
		msg = fmt.Sprintf("handler %q is not registered", name)
	}
	return &domain.DefinitionError{Definition: definition, Kind: domain.DefinitionMissingHandler, Step: step, Message: msg}
}
