// Package events provides event bus implementations for execution and
// step lifecycle events.
//
// Implementations:
//   - redis: Redis Streams, one consumer group per subscription
//   - memory: In-process fan-out for single-node deployments and tests
package events
