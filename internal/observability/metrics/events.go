package metrics

import (
	"context"

	"MoltMarket-Core/internal/events"
)

// EventCounter decorates a domain event publisher and counts every
// published event by topic before delegating.
type EventCounter struct {
	next events.Publisher
}

// NewEventCounter wraps the given publisher.
func NewEventCounter(next events.Publisher) *EventCounter {
	return &EventCounter{next: next}
}

// Publish implements events.Publisher.
func (c *EventCounter) Publish(ctx context.Context, event events.Event) error {
	ObserveDomainEvent(event.Topic)
	if c.next == nil {
		return nil
	}
	return c.next.Publish(ctx, event)
}

// Close closes the underlying publisher.
func (c *EventCounter) Close() error {
	if c.next == nil {
		return nil
	}
	return c.next.Close()
}

var _ events.Publisher = (*EventCounter)(nil)
