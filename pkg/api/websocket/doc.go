// Package websocket provides real-time event streaming via WebSocket.
//
// Clients can connect to /api/v1/events/ws to receive every event the bus
// delivers, optionally filtered by category.
package websocket
