package bridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/parley/internal/event"
	"github.com/dshills/parley/internal/plugin/api"
)

// DefaultRelayQueue is the number of events the relay buffers.
const DefaultRelayQueue = 256

// Dispatcher delivers store events into the sandbox.
// *SandboxClient implements it.
type Dispatcher interface {
	DispatchStoreEvent(ctx context.Context, ev api.StoreEvent) error
}

// Relay forwards chat store events to the sandbox. It holds at most one
// bus subscription per event name, created and removed at the runtime's
// request, and delivers events one at a time in publication order.
type Relay struct {
	bus     *event.Bus
	target  Dispatcher
	logger  *zap.Logger
	timeout time.Duration

	queue chan api.StoreEvent
	done  chan struct{}

	mu   sync.Mutex
	subs map[string]*event.Subscription

	closeOnce sync.Once
}

// NewRelay creates a relay from bus to target. Call Run to start
// delivery.
func NewRelay(bus *event.Bus, target Dispatcher, logger *zap.Logger, queueSize int, timeout time.Duration) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = DefaultRelayQueue
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Relay{
		bus:     bus,
		target:  target,
		logger:  logger.Named("relay"),
		timeout: timeout,
		queue:   make(chan api.StoreEvent, queueSize),
		done:    make(chan struct{}),
		subs:    make(map[string]*event.Subscription),
	}
}

// Subscribe starts forwarding name. Subscribing twice is a no-op.
func (r *Relay) Subscribe(name string) error {
	if !api.IsStoreEvent(name) {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[name]; ok {
		return nil
	}
	sub, err := r.bus.Subscribe(name, r.enqueue)
	if err != nil {
		return err
	}
	r.subs[name] = sub
	r.logger.Debug("store event relayed", zap.String("event", name))
	return nil
}

// Unsubscribe stops forwarding name.
func (r *Relay) Unsubscribe(name string) {
	r.mu.Lock()
	sub, ok := r.subs[name]
	delete(r.subs, name)
	r.mu.Unlock()
	if ok {
		sub.Cancel()
		r.logger.Debug("store event no longer relayed", zap.String("event", name))
	}
}

// Events returns the relayed event names, sorted.
func (r *Relay) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for name := range r.subs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Relay) enqueue(ctx context.Context, ev event.Event) error {
	se := api.StoreEvent{Name: ev.Topic, Data: ev.Payload}
	select {
	case <-r.done:
		return nil
	default:
	}
	select {
	case r.queue <- se:
		return nil
	default:
		r.logger.Warn("dropping store event", zap.String("event", ev.Topic), zap.Error(ErrRelayFull))
		return ErrRelayFull
	}
}

// Run delivers queued events until ctx is done or Close is called.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case ev := <-r.queue:
			r.deliver(ctx, ev)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, ev api.StoreEvent) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.target.DispatchStoreEvent(ctx, ev); err != nil {
		r.logger.Warn("store event dispatch failed", zap.String("event", ev.Name), zap.Error(err))
	}
}

// Close cancels every subscription and stops delivery.
func (r *Relay) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		subs := r.subs
		r.subs = make(map[string]*event.Subscription)
		r.mu.Unlock()
		for _, sub := range subs {
			sub.Cancel()
		}
	})
}
