// Package lifecycle orchestrates startup and shutdown of the engine's
// long-lived components (store, tracing, triage service, sweeper) in
// dependency order.
package lifecycle

import "context"

// Component is implemented by everything the manager starts and stops.
type Component interface {
	// Start initializes the component. Must be idempotent. The context can
	// carry a startup deadline.
	Start(ctx context.Context) error

	// Stop shuts the component down, finishing in-flight work within the
	// context deadline. A Stop error never prevents other components from
	// stopping.
	Stop(ctx context.Context) error

	// Name is the component's human-readable name for logs and errors.
	Name() string
}
