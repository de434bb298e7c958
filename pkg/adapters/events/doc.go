// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams with consumer groups, bounded retry and a DLQ
//   - memory: In-memory for testing
package events
