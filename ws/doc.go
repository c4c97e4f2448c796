// Package ws implements the per-connection WebSocket protocol machine:
// frame parsing and validation, dispatch into the broker, one writer
// goroutine per subscription, slow-consumer eviction, and the drain
// behavior during graceful shutdown.
package ws
