package event

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stats contains bus counters.
type Stats struct {
	EventsPublished  uint64
	HandlersExecuted uint64
	HandlerErrors    uint64
	HandlerPanics    uint64
	Subscriptions    int
}

// Bus delivers events to subscribers.
type Bus struct {
	config busConfig

	mu   sync.RWMutex
	subs []*Subscription

	running atomic.Bool
	paused  atomic.Bool

	eventsPublished  atomic.Uint64
	handlersExecuted atomic.Uint64
	handlerErrors    atomic.Uint64
	handlerPanics    atomic.Uint64
}

// NewBus creates a new event bus with the given options.
func NewBus(opts ...BusOption) *Bus {
	config := defaultBusConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return &Bus{config: config}
}

// Start starts the event bus.
func (b *Bus) Start() error {
	if b.running.Swap(true) {
		return ErrBusAlreadyRunning
	}
	return nil
}

// Stop stops the event bus. Subscriptions survive a restart.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.running.Swap(false) {
		return ErrBusNotRunning
	}
	return nil
}

// Pause temporarily stops event delivery.
// Events can still be published but will not be delivered to handlers.
func (b *Bus) Pause() { b.paused.Store(true) }

// Resume restarts event delivery after a pause.
func (b *Bus) Resume() { b.paused.Store(false) }

// IsRunning returns true if the bus is running.
func (b *Bus) IsRunning() bool { return b.running.Load() }

// Subscribe registers fn for topic. Use Wildcard to receive every event.
func (b *Bus) Subscribe(topic string, fn Handler) (*Subscription, error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if fn == nil {
		return nil, ErrNilHandler
	}
	sub := &Subscription{id: uuid.NewString(), topic: topic, handler: fn, bus: b}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

// Unsubscribe cancels sub.
func (b *Bus) Unsubscribe(sub *Subscription) error {
	if sub == nil || sub.bus != b || !b.remove(sub) {
		return ErrSubscriptionNotFound
	}
	sub.cancelled.Store(true)
	return nil
}

func (b *Bus) remove(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish creates an event and delivers it synchronously to every active
// subscription matching topic, in subscription order. Handler errors and
// panics are collected and returned together; they do not stop delivery.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	return b.PublishEvent(ctx, NewEvent(topic, payload, ""))
}

// PublishEvent delivers a prepared event.
func (b *Bus) PublishEvent(ctx context.Context, ev Event) error {
	if !b.running.Load() {
		return ErrBusNotRunning
	}
	if ev.Topic == "" {
		return ErrInvalidTopic
	}
	if b.paused.Load() {
		return nil // Silently drop when paused
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(ev.Topic) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	b.eventsPublished.Add(1)

	var errs []error
	for _, sub := range subs {
		if !sub.IsActive() {
			continue
		}
		if err := b.deliver(ctx, sub, ev); err != nil {
			b.config.logger.Warn("event handler failed",
				zap.String("topic", ev.Topic),
				zap.String("subscription", sub.id),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev Event) (err error) {
	b.handlersExecuted.Add(1)
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			err = &PanicError{
				SubscriptionID: sub.id,
				Topic:          ev.Topic,
				Value:          r,
				Stack:          string(debug.Stack()),
			}
		}
	}()

	if herr := sub.handler(ctx, ev); herr != nil {
		b.handlerErrors.Add(1)
		return &HandlerError{SubscriptionID: sub.id, Topic: ev.Topic, Err: herr}
	}
	return nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		EventsPublished:  b.eventsPublished.Load(),
		HandlersExecuted: b.handlersExecuted.Load(),
		HandlerErrors:    b.handlerErrors.Load(),
		HandlerPanics:    b.handlerPanics.Load(),
		Subscriptions:    n,
	}
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("published=%d executed=%d errors=%d panics=%d subscriptions=%d",
		s.EventsPublished, s.HandlersExecuted, s.HandlerErrors, s.HandlerPanics, s.Subscriptions)
}
