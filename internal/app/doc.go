// Package app wires the messaging core into one application context.
//
// App replaces implicit process-wide singletons with an explicit struct
// constructed once at startup and passed by reference:
//   - New connects to Redis and builds the buses and breaker registry
//   - Start launches the stream consumers and the health monitor
//   - Close tears everything down; it is idempotent
package app
