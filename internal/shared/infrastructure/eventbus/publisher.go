// Package eventbus publishes domain events to the message broker.
// Events flow outward only: downstream consumers (CRM sync, analytics)
// live in other services, so there is no consumer side here. The outbox
// processor is the sole caller.
package eventbus

import (
	"context"
)

// Publisher defines the interface for publishing events to a message broker.
type Publisher interface {
	// Publish sends a message to the event bus.
	Publish(ctx context.Context, routingKey string, payload []byte) error

	// Close closes the publisher connection.
	Close() error
}
