// Package cache provides query cache implementations.
//
// Implementations:
//   - redis: Redis strings with per-key TTL
//   - memory: In-memory for testing and local development
package cache
