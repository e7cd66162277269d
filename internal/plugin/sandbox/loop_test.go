package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Stopped()
	})
	return l
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := startLoop(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 20; i++ {
		i := i
		require.NoError(t, l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.Do(context.Background(), func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 20)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestLoopDoReturnsTaskError(t *testing.T) {
	l := startLoop(t)
	want := errors.New("task failed")
	assert.ErrorIs(t, l.Do(context.Background(), func() error { return want }), want)
}

func TestLoopRecoversPanics(t *testing.T) {
	l := startLoop(t)

	err := l.Do(context.Background(), func() error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	assert.NoError(t, l.Do(context.Background(), func() error { return nil }), "loop survives a panic")
}

func TestLoopDoContext(t *testing.T) {
	l := startLoop(t)

	release := make(chan struct{})
	require.NoError(t, l.Post(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Do(ctx, func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestLoopClose(t *testing.T) {
	l := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l.Close()
	assert.True(t, l.IsClosed())
	assert.ErrorIs(t, l.Post(func() {}), ErrLoopClosed)
	assert.ErrorIs(t, l.Do(ctx, func() error { return nil }), ErrLoopClosed)

	go l.Run(ctx)
	select {
	case <-l.Stopped():
	case <-time.After(time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestLoopCloseFailsQueuedTasks(t *testing.T) {
	l := NewLoop(nil)

	result := make(chan error, 1)
	go func() {
		result <- l.Do(context.Background(), func() error { return nil })
	}()
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.queue) == 1
	}, time.Second, time.Millisecond)

	l.Close()
	l.Run(context.Background())
	assert.ErrorIs(t, <-result, ErrLoopClosed)
}
