// Package eventbus delivers execution lifecycle events to subscribers over
// a pluggable message channel.
package eventbus

import (
	"context"

	"github.com/flowmesh/flowmesh/pkg/events"
)

// Event aliases the events package's interface, so an EventBus satisfies
// the executor's publisher port directly.
type Event = events.Event

type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
