package event

import (
	"time"

	"github.com/google/uuid"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

// Event is one published event. Events are immutable once created.
type Event struct {
	// Topic is the event name (e.g., "messageAdded").
	Topic string

	// Payload contains the event-specific data.
	Payload any

	// Metadata contains standard event information.
	Metadata Metadata
}

// Metadata contains standard information attached to every event.
type Metadata struct {
	// ID is a unique identifier for this event instance.
	ID string

	// Timestamp is when the event was created.
	Timestamp time.Time

	// Source identifies the component that published the event.
	Source string
}

// NewEvent creates a new event with the given topic and payload.
func NewEvent(topic string, payload any, source string) Event {
	return Event{
		Topic:   topic,
		Payload: payload,
		Metadata: Metadata{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			Source:    source,
		},
	}
}
