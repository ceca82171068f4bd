// Package graph compiles workflow definitions into immutable execution graphs.
//
// The compiler:
//   - Rejects duplicate step names and unknown predecessors
//   - Detects cycles and reports the offending path
//   - Resolves handler and rollback names through a HandlerRegistry
//   - Produces a topological order, ties broken by declaration order
//
// Compiled graphs are cached in a Registry and shared by every execution of
// the same definition version.
package graph
