// Package core defines the message value objects shared by all buses.
//
// Types:
//   - Event / EventType: durable facts routed by category
//   - Command / CommandResult: write-intent messages with one handler
//   - Query / QueryResult: cacheable read-intent messages
package core
