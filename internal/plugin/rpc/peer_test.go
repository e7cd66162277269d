package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startPair wires two peers over a pipe and serves both until the test ends.
func startPair(t *testing.T, hostMethods, sandboxMethods Methods) (*Peer, *Peer) {
	t.Helper()

	a, b := Pipe(16)
	host := NewPeer(a, WithSide("host"), WithLogger(zap.NewNop()))
	sandbox := NewPeer(b, WithSide("sandbox"), WithLogger(zap.NewNop()))
	host.Expose(hostMethods)
	sandbox.Expose(sandboxMethods)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, p := range []*Peer{host, sandbox} {
		wg.Add(1)
		go func(p *Peer) {
			defer wg.Done()
			_ = p.Serve(ctx)
		}(p)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, host.WaitReady(waitCtx))
	require.NoError(t, sandbox.WaitReady(waitCtx))
	return host, sandbox
}

func TestCallRoundTrip(t *testing.T) {
	host, sandbox := startPair(t, Methods{
		"add": func(ctx context.Context, req *Request) (any, error) {
			var args struct{ A, B int }
			if err := req.Decode(&args); err != nil {
				return nil, err
			}
			return args.A + args.B, nil
		},
	}, nil)
	_ = host

	var sum int
	err := sandbox.Call(context.Background(), "add", map[string]int{"A": 2, "B": 3}, &sum)
	require.NoError(t, err)
	assert.Equal(t, 5, sum)
}

func TestCallBeforeHandshake(t *testing.T) {
	a, b := Pipe(1)
	defer a.Close()
	defer b.Close()

	p := NewPeer(a)
	err := p.Call(context.Background(), "anything", nil, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	err = p.Notify(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestHandlerErrorPropagates(t *testing.T) {
	_, sandbox := startPair(t, Methods{
		"fail": func(ctx context.Context, req *Request) (any, error) {
			return nil, errors.New("boom")
		},
	}, nil)

	err := sandbox.Call(context.Background(), "fail", nil, nil)
	require.Error(t, err)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "boom", re.Message)
	assert.Equal(t, "boom", err.Error())
}

func TestMethodNotFound(t *testing.T) {
	_, sandbox := startPair(t, nil, nil)

	err := sandbox.Call(context.Background(), "missing", nil, nil)
	assert.ErrorIs(t, err, ErrMethodNotFound)
}

func TestHandlerPanicBecomesError(t *testing.T) {
	_, sandbox := startPair(t, Methods{
		"explode": func(ctx context.Context, req *Request) (any, error) {
			panic("kaboom")
		},
	}, nil)

	err := sandbox.Call(context.Background(), "explode", nil, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "PanicError", re.Name)
	assert.Contains(t, re.Message, "kaboom")
	assert.NotEmpty(t, re.Stack)

	// The peer keeps serving after a panic.
	err = sandbox.Call(context.Background(), "explode", nil, nil)
	assert.Error(t, err)
}

func TestUnclonableParams(t *testing.T) {
	host, _ := startPair(t, nil, nil)

	err := host.Call(context.Background(), "x", func() {}, nil)
	assert.ErrorIs(t, err, ErrNotClonable)
}

func TestUnclonableResult(t *testing.T) {
	_, sandbox := startPair(t, Methods{
		"fn": func(ctx context.Context, req *Request) (any, error) {
			return make(chan int), nil
		},
	}, nil)

	err := sandbox.Call(context.Background(), "fn", nil, nil)
	assert.ErrorIs(t, err, ErrNotClonable)
}

func TestCallContextCancelled(t *testing.T) {
	release := make(chan struct{})
	_, sandbox := startPair(t, Methods{
		"slow": func(ctx context.Context, req *Request) (any, error) {
			<-release
			return nil, nil
		},
	}, nil)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sandbox.Call(ctx, "slow", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNotify(t *testing.T) {
	got := make(chan string, 1)
	host, _ := startPair(t, nil, Methods{
		"log": func(ctx context.Context, req *Request) (any, error) {
			var msg string
			if err := req.Decode(&msg); err != nil {
				return nil, err
			}
			got <- msg
			return nil, nil
		},
	})

	require.NoError(t, host.Notify(context.Background(), "log", "hello"))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestCloseFailsOutstandingCalls(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	host, sandbox := startPair(t, Methods{
		"hang": func(ctx context.Context, req *Request) (any, error) {
			close(started)
			<-block
			return nil, nil
		},
	}, nil)
	defer close(block)

	errc := make(chan error, 1)
	go func() {
		errc <- sandbox.Call(context.Background(), "hang", nil, nil)
	}()
	<-started
	require.NoError(t, host.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after close")
	}

	assert.ErrorIs(t, sandbox.Call(context.Background(), "hang", nil, nil), ErrClosed)
}

func TestServeTwice(t *testing.T) {
	host, _ := startPair(t, nil, nil)
	err := host.Serve(context.Background())
	assert.Error(t, err)
}

func TestAbortErrorCrossesBoundary(t *testing.T) {
	_, sandbox := startPair(t, Methods{
		"cancelled": func(ctx context.Context, req *Request) (any, error) {
			return nil, fmt.Errorf("adapter: %w", ErrAborted)
		},
	}, nil)

	err := sandbox.Call(context.Background(), "cancelled", nil, nil)
	assert.ErrorIs(t, err, ErrAborted)

	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "AbortError", re.Name)
}
