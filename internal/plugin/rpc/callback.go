package rpc

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CallbackFunc receives invocations of a proxied callback.
type CallbackFunc func(arg Payload)

// CallbackHandle is a local function made invocable by the remote side.
//
// Invocations run one at a time, in arrival order, on a goroutine owned by
// the handle. The handle holds a live reference until Release is called;
// callers must release it on every exit path, typically with defer.
type CallbackHandle struct {
	ref  HandleRef
	fn   CallbackFunc
	peer *Peer

	mu       sync.Mutex
	queue    []Payload
	released bool
	wake     chan struct{}
	stopped  chan struct{}

	releaseOnce sync.Once
	invocations atomic.Int64
}

// Proxy registers fn as a remote-callable callback and returns its handle.
// Send Ref() to the remote side; it invokes the callback through a
// RemoteCallback.
func (p *Peer) Proxy(fn CallbackFunc) *CallbackHandle {
	h := &CallbackHandle{
		ref:     HandleRef(uuid.NewString()),
		fn:      fn,
		peer:    p,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}

	p.mu.Lock()
	p.callbacks[h.ref] = h
	p.mu.Unlock()
	p.metrics.HandleProxied()

	go h.run()
	return h
}

// Ref returns the transferable handle identity.
func (h *CallbackHandle) Ref() HandleRef {
	return h.ref
}

// Invocations returns how many times the callback has run.
func (h *CallbackHandle) Invocations() int64 {
	return h.invocations.Load()
}

// Released reports whether Release has been called.
func (h *CallbackHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release frees the handle. Invocations already received are delivered
// before Release returns; later ones are dropped. Release is idempotent and
// must not be called from inside the callback itself.
func (h *CallbackHandle) Release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()

		h.peer.mu.Lock()
		delete(h.peer.callbacks, h.ref)
		h.peer.mu.Unlock()

		h.signal()
		<-h.stopped
		h.peer.metrics.HandleReleased()
	})
}

func (h *CallbackHandle) enqueue(arg Payload) bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.queue = append(h.queue, arg)
	h.mu.Unlock()
	h.signal()
	return true
}

func (h *CallbackHandle) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *CallbackHandle) run() {
	defer close(h.stopped)
	for {
		h.mu.Lock()
		for len(h.queue) == 0 {
			if h.released {
				h.mu.Unlock()
				return
			}
			h.mu.Unlock()
			<-h.wake
			h.mu.Lock()
		}
		arg := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.call(arg)
	}
}

func (h *CallbackHandle) call(arg Payload) {
	defer func() {
		if r := recover(); r != nil {
			h.peer.logger.Error("callback panicked",
				zap.String("handle", string(h.ref)), zap.Any("panic", r))
		}
	}()
	h.invocations.Add(1)
	h.fn(arg)
}

// RemoteCallback invokes a callback proxied by the other side.
// A nil RemoteCallback ignores invocations.
type RemoteCallback struct {
	peer   *Peer
	ref    HandleRef
	closed atomic.Bool
}

// Callback returns an invoker for a handle received from the remote side.
// An empty ref yields nil.
func (p *Peer) Callback(ref HandleRef) *RemoteCallback {
	if ref == "" {
		return nil
	}
	return &RemoteCallback{peer: p, ref: ref}
}

// Ref returns the handle identity.
func (c *RemoteCallback) Ref() HandleRef {
	if c == nil {
		return ""
	}
	return c.ref
}

// Invoke sends one invocation. It does not wait for the callback to run.
func (c *RemoteCallback) Invoke(ctx context.Context, arg any) error {
	if c == nil {
		return nil
	}
	if c.closed.Load() {
		return ErrHandleReleased
	}
	body, err := Encode(arg)
	if err != nil {
		return err
	}
	return c.peer.send(ctx, &Frame{Kind: KindInvoke, Handle: c.ref, Body: body})
}

// Close stops further invocations from this side.
func (c *RemoteCallback) Close() {
	if c == nil {
		return
	}
	c.closed.Store(true)
}

// Closed reports whether Close has been called.
func (c *RemoteCallback) Closed() bool {
	if c == nil {
		return true
	}
	return c.closed.Load()
}
