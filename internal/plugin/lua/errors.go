package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when execution times out.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrNotClonable is returned when a Lua value cannot leave the state,
	// e.g. a function or coroutine.
	ErrNotClonable = errors.New("lua value is not clonable")
)
