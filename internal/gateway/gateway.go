// Package gateway defines the entry points through which clients submit
// executions.
package gateway

import "context"

// Gateway serves runbox operations to clients (HTTP API, MCP stdio server).
type Gateway interface {
	// Start serves until ctx is canceled or the listener fails. A clean
	// shutdown returns nil.
	Start(ctx context.Context) error

	// Stop drains in-flight requests, giving up when ctx expires.
	Stop(ctx context.Context) error
}
