package event

import (
	"context"
	"sync/atomic"
)

// Handler handles one event.
type Handler func(ctx context.Context, ev Event) error

// Subscription is a registered handler.
type Subscription struct {
	id      string
	topic   string
	handler Handler
	bus     *Bus

	cancelled atomic.Bool
	paused    atomic.Bool
}

// ID returns the unique subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// IsActive returns true if the subscription receives events.
func (s *Subscription) IsActive() bool {
	return !s.cancelled.Load() && !s.paused.Load()
}

// Pause temporarily stops event delivery to this subscription.
func (s *Subscription) Pause() { s.paused.Store(true) }

// Resume restarts event delivery after a pause.
func (s *Subscription) Resume() { s.paused.Store(false) }

// Cancel permanently cancels the subscription. It is safe to call more
// than once.
func (s *Subscription) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}
	s.bus.remove(s)
}

func (s *Subscription) matches(topic string) bool {
	return s.topic == Wildcard || s.topic == topic
}
