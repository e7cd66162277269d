package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// task is one unit of work run on the loop.
type task struct {
	fn     func() error
	result chan error
}

// Loop serializes all script work through a single goroutine.
//
// Neither goja nor gopher-lua is goroutine-safe; every VM operation must
// happen inside a task. Do waits for the task to finish; Post does not.
// Tasks run in submission order. A task must not call Do on its own loop.
type Loop struct {
	logger *zap.Logger

	mu    sync.Mutex
	queue []*task
	wake  chan struct{}

	closed    atomic.Bool
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewLoop creates a loop. Call Run to start processing tasks.
func NewLoop(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run processes tasks until ctx is cancelled or Close is called. Tasks
// still queued at that point fail with ErrLoopClosed.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.stopped)
	for {
		t := l.next()
		if t == nil {
			select {
			case <-ctx.Done():
				l.Close()
				l.drain()
				return
			case <-l.done:
				l.drain()
				return
			case <-l.wake:
			}
			continue
		}

		select {
		case <-l.done:
			l.fail(t, ErrLoopClosed)
			l.drain()
			return
		default:
		}

		l.fail(t, l.execute(t))
	}
}

func (l *Loop) next() *task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	t := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return t
}

// execute runs a single task with panic recovery.
func (l *Loop) execute(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("loop task panicked", zap.Any("panic", r))
			err = fmt.Errorf("sandbox: task panic: %v", r)
		}
	}()
	return t.fn()
}

func (l *Loop) fail(t *task, err error) {
	if t.result != nil {
		t.result <- err
		close(t.result)
	}
}

func (l *Loop) drain() {
	for {
		t := l.next()
		if t == nil {
			return
		}
		l.fail(t, ErrLoopClosed)
	}
}

func (l *Loop) enqueue(t *task) error {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do runs fn on the loop and waits for it. If ctx is done first, Do
// returns ctx.Err() and the task still runs later.
func (l *Loop) Do(ctx context.Context, fn func() error) error {
	t := &task{fn: fn, result: make(chan error, 1)}
	if err := l.enqueue(t); err != nil {
		return err
	}

	select {
	case err := <-t.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues fn without waiting. It never blocks.
func (l *Loop) Post(fn func()) error {
	return l.enqueue(&task{fn: func() error {
		fn()
		return nil
	}})
}

// Close stops the loop. Close does not wait for Run to return; use
// Stopped for that.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed.Store(true)
		l.mu.Unlock()
		close(l.done)
	})
}

// Stopped returns a channel closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// IsClosed returns true if the loop has been closed.
func (l *Loop) IsClosed() bool {
	return l.closed.Load()
}
