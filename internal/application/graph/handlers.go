package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// HandlerRegistry maps handler names to step and rollback functions.
type HandlerRegistry struct {
	mu        sync.RWMutex
	handlers  map[string]domain.StepFunc
	rollbacks map[string]domain.RollbackFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers:  make(map[string]domain.StepFunc),
		rollbacks: make(map[string]domain.RollbackFunc),
	}
}

// RegisterHandler registers a step handler under name.
func (r *HandlerRegistry) RegisterHandler(name string, fn domain.StepFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("handler name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %s already registered", name)
	}
	r.handlers[name] = fn
	return nil
}

// RegisterRollback registers a rollback handler under name.
func (r *HandlerRegistry) RegisterRollback(name string, fn domain.RollbackFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("rollback name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rollbacks[name]; exists {
		return fmt.Errorf("rollback %s already registered", name)
	}
	r.rollbacks[name] = fn
	return nil
}

// Handler looks up a step handler.
func (r *HandlerRegistry) Handler(name string) (domain.StepFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

// Rollback looks up a rollback handler.
func (r *HandlerRegistry) Rollback(name string) (domain.RollbackFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.rollbacks[name]
	return fn, ok
}

// Names lists registered step handler names.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NoopHandlerName is the name the built-in noop handler registers under.
const NoopHandlerName = "noop"

// NoopHandler returns params.output unchanged. It is useful for fan-in steps
// and for approval steps that should also write to the context.
func NoopHandler(ctx context.Context, in domain.StepInput) (domain.Context, error) {
	out, ok := in.Params["output"]
	if !ok || out == nil {
		return nil, nil
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("noop: params.output must be a map, got %T", out)
	}
	return domain.Context(m).Clone(), nil
}

// RegisterBuiltins registers the handlers every engine ships with.
func (r *HandlerRegistry) RegisterBuiltins() error {
	return r.RegisterHandler(NoopHandlerName, NoopHandler)
}
