package rpc

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/parley/internal/metrics"
)

// Payload is an encoded value received from the remote side.
type Payload []byte

// Decode decodes the payload into v.
func (p Payload) Decode(v any) error {
	return Decode(p, v)
}

// Request is an inbound call or notification.
type Request struct {
	Method string
	Params Payload

	peer *Peer
}

// Decode decodes the request parameters into v.
func (r *Request) Decode(v any) error {
	return r.Params.Decode(v)
}

// Callback returns a RemoteCallback for a handle received in the
// request parameters.
func (r *Request) Callback(ref HandleRef) *RemoteCallback {
	return r.peer.Callback(ref)
}

// Handler serves one exposed method. The returned value is encoded and sent
// back as the reply; it must be clonable.
type Handler func(ctx context.Context, req *Request) (any, error)

// Methods is the enumerable surface a peer exposes.
type Methods map[string]Handler

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithLogger sets the peer's logger.
func WithLogger(logger *zap.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

// WithSide names the side of the boundary this peer serves ("host" or
// "sandbox"). Used for logs and metrics.
func WithSide(side string) PeerOption {
	return func(p *Peer) {
		p.side = side
	}
}

// WithMetrics sets the collectors the peer reports to.
func WithMetrics(m *metrics.Metrics) PeerOption {
	return func(p *Peer) {
		p.metrics = m
	}
}

// Peer is one side of the boundary.
type Peer struct {
	ep      Endpoint
	side    string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	methods   Methods
	calls     map[uint64]chan *Frame
	callbacks map[HandleRef]*CallbackHandle

	seq     atomic.Uint64
	serving atomic.Bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewPeer creates a peer over ep. Call Serve to start processing frames.
func NewPeer(ep Endpoint, opts ...PeerOption) *Peer {
	p := &Peer{
		ep:        ep,
		side:      "peer",
		logger:    zap.NewNop(),
		methods:   make(Methods),
		calls:     make(map[uint64]chan *Frame),
		callbacks: make(map[HandleRef]*CallbackHandle),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("side", p.side))
	return p
}

// Expose makes methods callable from the remote side. It may be called
// more than once; later registrations replace earlier ones by name.
func (p *Peer) Expose(methods Methods) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, h := range methods {
		p.methods[name] = h
	}
}

// Serve announces the peer and processes inbound frames until ctx is
// cancelled or the endpoint closes. It returns nil on orderly shutdown.
func (p *Peer) Serve(ctx context.Context) error {
	if !p.serving.CompareAndSwap(false, true) {
		return errors.New("rpc: peer already serving")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()

	if err := p.send(ctx, &Frame{Kind: KindHello}); err != nil {
		p.Close()
		return fmt.Errorf("rpc: send hello: %w", err)
	}

	for {
		data, err := p.ep.Recv(ctx)
		if err != nil {
			p.Close()
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}

		f, err := decodeFrame(data)
		if err != nil {
			p.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		p.handleFrame(ctx, f)
	}
}

// Ready returns a channel closed once the remote hello has been received.
func (p *Peer) Ready() <-chan struct{} {
	return p.ready
}

// IsReady reports whether the handshake has completed.
func (p *Peer) IsReady() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the handshake completes, the peer closes, or ctx
// is done.
func (p *Peer) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the peer shuts down.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Close shuts the peer down. Outstanding calls fail with ErrClosed.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.ep.Close()
	})
	return nil
}

// Call invokes a remote method and decodes the reply into result (which
// may be nil). It blocks until the reply arrives, ctx is done, or the peer
// closes.
func (p *Peer) Call(ctx context.Context, method string, params, result any) error {
	if err := p.checkOpen(method); err != nil {
		return err
	}

	body, err := Encode(params)
	if err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	seq := p.seq.Add(1)
	ch := make(chan *Frame, 1)

	p.mu.Lock()
	p.calls[seq] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.calls, seq)
		p.mu.Unlock()
	}()

	if err := p.send(ctx, &Frame{Kind: KindCall, Seq: seq, Method: method, Body: body}); err != nil {
		return fmt.Errorf("call %s: %w", method, err)
	}

	select {
	case reply := <-ch:
		if reply.Err != nil {
			return reply.Err
		}
		if result != nil {
			if err := Decode(reply.Body, result); err != nil {
				return fmt.Errorf("call %s: decode reply: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrClosed
	}
}

// Notify sends a one-way message. Delivery order relative to other frames
// sent by this peer is preserved; handling order on the remote side is not.
func (p *Peer) Notify(ctx context.Context, method string, params any) error {
	if err := p.checkOpen(method); err != nil {
		return err
	}
	body, err := Encode(params)
	if err != nil {
		return fmt.Errorf("notify %s: %w", method, err)
	}
	return p.send(ctx, &Frame{Kind: KindNotify, Method: method, Body: body})
}

func (p *Peer) checkOpen(method string) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if !p.IsReady() {
		return fmt.Errorf("%w: %s", ErrNotInitialized, method)
	}
	return nil
}

func (p *Peer) send(ctx context.Context, f *Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotClonable, err)
	}
	return p.ep.Send(ctx, data)
}

func (p *Peer) handleFrame(ctx context.Context, f *Frame) {
	switch f.Kind {
	case KindHello:
		p.readyOnce.Do(func() { close(p.ready) })
		if f.Seq == 0 {
			// The remote started after our hello was sent; echo so it
			// learns we are serving too.
			go func() {
				if err := p.send(ctx, &Frame{Kind: KindHello, Seq: 1}); err != nil {
					p.logger.Debug("hello echo failed", zap.Error(err))
				}
			}()
		}

	case KindCall:
		go p.dispatch(ctx, f, true)

	case KindNotify:
		go p.dispatch(ctx, f, false)

	case KindReply:
		p.mu.Lock()
		ch := p.calls[f.Seq]
		p.mu.Unlock()
		if ch == nil {
			p.logger.Debug("reply for unknown call", zap.Uint64("seq", f.Seq))
			return
		}
		select {
		case ch <- f:
		default:
		}

	case KindInvoke:
		p.mu.Lock()
		h := p.callbacks[f.Handle]
		p.mu.Unlock()
		if h == nil || !h.enqueue(Payload(f.Body)) {
			p.logger.Debug("invoke on released handle", zap.String("handle", string(f.Handle)))
		}

	default:
		p.logger.Warn("unknown frame kind", zap.Uint8("kind", uint8(f.Kind)))
	}
}

func (p *Peer) dispatch(ctx context.Context, f *Frame, reply bool) {
	start := time.Now()
	result, err := p.invokeHandler(ctx, f)
	p.metrics.ObserveCall(p.side, f.Method, err, time.Since(start))

	if !reply {
		if err != nil {
			p.logger.Debug("notification handler failed",
				zap.String("method", f.Method), zap.Error(err))
		}
		return
	}

	resp := &Frame{Kind: KindReply, Seq: f.Seq}
	if err == nil {
		body, encErr := Encode(result)
		if encErr != nil {
			err = encErr
		} else {
			resp.Body = body
		}
	}
	if err != nil {
		resp.Err = ToRemoteError(err)
	}

	if sendErr := p.send(ctx, resp); sendErr != nil && ctx.Err() == nil {
		p.logger.Warn("failed to send reply",
			zap.String("method", f.Method), zap.Error(sendErr))
	}
}

func (p *Peer) invokeHandler(ctx context.Context, f *Frame) (result any, err error) {
	p.mu.Lock()
	h := p.methods[f.Method]
	p.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, f.Method)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
			p.logger.Error("handler panicked",
				zap.String("method", f.Method), zap.Any("panic", r))
		}
	}()

	return h(ctx, &Request{Method: f.Method, Params: Payload(f.Body), peer: p})
}

// panicError is a recovered handler panic.
type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string      { return fmt.Sprintf("panic: %v", e.value) }
func (e *panicError) ErrorName() string  { return "PanicError" }
func (e *panicError) ErrorStack() string { return e.stack }
