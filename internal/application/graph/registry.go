package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// Registry caches compiled graphs by definition name and version.
type Registry struct {
	compiler *Compiler

	mu     sync.RWMutex
	graphs map[string]map[int]*Graph
	latest map[string]int
}

// NewRegistry creates a registry compiling definitions with compiler.
func NewRegistry(compiler *Compiler) *Registry {
	return &Registry{
		compiler: compiler,
		graphs:   make(map[string]map[int]*Graph),
		latest:   make(map[string]int),
	}
}

// Register compiles def and caches the graph. A zero version is assigned the
// next free version of the name. Registered versions are immutable.
func (r *Registry) Register(def domain.WorkflowDefinition) (*Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.Version == 0 {
		def.Version = r.latest[def.Name] + 1
	}
	if _, exists := r.graphs[def.Name][def.Version]; exists {
		return nil, &domain.DefinitionError{
			Definition: def.Name,
			Kind:       domain.DefinitionInvalid,
			Message:    fmt.Sprintf("version %d is already registered", def.Version),
		}
	}

	g, err := r.compiler.Compile(def)
	if err != nil {
		return nil, err
	}

	if r.graphs[def.Name] == nil {
		r.graphs[def.Name] = make(map[int]*Graph)
	}
	r.graphs[def.Name][def.Version] = g
	if def.Version > r.latest[def.Name] {
		r.latest[def.Name] = def.Version
	}
	return g, nil
}

// Get returns the graph for ref. Version 0 resolves to the latest version.
func (r *Registry) Get(ref domain.DefinitionRef) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version := ref.Version
	if version == 0 {
		version = r.latest[ref.Name]
	}
	g, ok := r.graphs[ref.Name][version]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, domain.ErrUnknownDefinition)
	}
	return g, nil
}

// List returns the latest graph of every registered definition, by name.
func (r *Registry) List() []*Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Graph, 0, len(r.latest))
	for name, version := range r.latest {
		out = append(out, r.graphs[name][version])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Definition.Name < out[j].Definition.Name })
	return out
}
