// Package bus implements the command and query mediators.
//
// CommandBus routes a command to exactly one handler through a middleware
// onion and always returns a CommandResult, never a panic. QueryBus routes
// a query to its read-optimized handler behind a TTL cache.
package bus
