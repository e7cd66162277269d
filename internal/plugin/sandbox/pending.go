package sandbox

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
)

// pendingCall is one admitted adapter call. Its context is the call's
// cancellation controller; aborting it is always possible, whether or not
// the adapter ever settles.
type pendingCall struct {
	id     string
	owner  string
	ctx    context.Context
	cancel context.CancelFunc

	abortedFlag atomic.Bool

	// onAbort fires the script-side abort notification. Set and read only
	// on the loop.
	onAbort func()
	// release drops loop-side references to the call. Set and read only on
	// the loop.
	release func()
}

func newPendingCall(owner string) *pendingCall {
	ctx, cancel := context.WithCancel(context.Background())
	return &pendingCall{
		id:     uuid.NewString(),
		owner:  owner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// aborted reports whether the call's signal has been aborted.
func (pc *pendingCall) aborted() bool {
	return pc.abortedFlag.Load()
}

// removePending forgets pc once its call has returned. Safe to call more
// than once.
func (r *Runtime) removePending(pc *pendingCall) {
	r.mu.Lock()
	_, ok := r.pending[pc.id]
	delete(r.pending, pc.id)
	r.mu.Unlock()

	pc.cancel()
	if ok {
		r.metrics.PendingCallRemoved()
	}
	_ = r.loop.Post(func() {
		if pc.release != nil {
			pc.release()
			pc.release = nil
		}
	})
}

// abortPending cancels pc and notifies script-side listeners on the loop.
func (r *Runtime) abortPending(pc *pendingCall) {
	if !pc.abortedFlag.CompareAndSwap(false, true) {
		return
	}
	pc.cancel()
	_ = r.loop.Post(func() {
		if pc.onAbort != nil {
			pc.onAbort()
		}
	})
}

// PendingCalls returns the number of admitted calls that have not settled,
// optionally restricted to one owner.
func (r *Runtime) PendingCalls(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner == "" {
		return len(r.pending)
	}
	n := 0
	for _, pc := range r.pending {
		if pc.owner == owner {
			n++
		}
	}
	return n
}
