package ports

import (
	"context"

	"treechat/domain/events"
)

// LocalCache is the durable key-value mirror used when the server is out of
// reach. Values are opaque bytes; a missing key returns found == false.
type LocalCache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// EventPublisher defines the interface for publishing domain events
type EventPublisher interface {
	Publish(ctx context.Context, events []events.DomainEvent) error
}
