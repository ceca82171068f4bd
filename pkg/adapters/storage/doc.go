// Package storage groups the execution and schedule store implementations.
//
// Implementations:
//   - memory: in-memory reference store, nothing survives a restart
//   - redis: JSON documents updated under WATCH/MULTI
//   - postgres: JSONB documents updated under row locks
//
// storagetest holds the conformance suite every implementation runs.
package storage
