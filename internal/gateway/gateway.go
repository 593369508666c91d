// Package gateway defines the interface for the transports the broker is
// served on.
package gateway

import "context"

// Gateway is a transport for the broker (stdio, HTTP).
type Gateway interface {
	// Start serves until the transport closes or the context is canceled.
	// Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period.
	Stop(ctx context.Context) error
}
