// Package http provides the operational HTTP API.
//
// The HTTP server exposes endpoints for:
//   - Bus statistics and circuit breaker state
//   - DLQ inspection and replay
//   - Health checks
//   - Prometheus metrics
package http
