package rpc

import (
	"context"
	"sync"
)

// Endpoint carries encoded frames between two peers.
// Implementations must be safe for one concurrent sender set and one reader.
type Endpoint interface {
	// Send transmits one encoded frame.
	Send(ctx context.Context, data []byte) error

	// Recv blocks until a frame arrives, the endpoint closes, or ctx is done.
	Recv(ctx context.Context) ([]byte, error)

	// Close closes the endpoint. Both ends of a pipe observe ErrClosed.
	Close() error
}

// pipeEndpoint is one end of an in-memory pipe.
type pipeEndpoint struct {
	in   <-chan []byte
	out  chan<- []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected in-memory endpoints. Frames are copied on
// send, so the ends never share a buffer.
func Pipe(buffer int) (Endpoint, Endpoint) {
	if buffer <= 0 {
		buffer = 64
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	done := make(chan struct{})
	once := &sync.Once{}

	a := &pipeEndpoint{in: ba, out: ab, done: done, once: once}
	b := &pipeEndpoint{in: ab, out: ba, done: done, once: once}
	return a, b
}

// Send implements Endpoint.
func (p *pipeEndpoint) Send(ctx context.Context, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	select {
	case p.out <- buf:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements Endpoint.
func (p *pipeEndpoint) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Endpoint.
func (p *pipeEndpoint) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
