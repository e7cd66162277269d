package rpc

import (
	"errors"
	"fmt"
)

// Transport errors.
var (
	// ErrNotInitialized is returned when a call is issued before the remote
	// side has completed the hello handshake.
	ErrNotInitialized = errors.New("rpc: bridge not initialized")

	// ErrClosed is returned when the peer or endpoint has been closed.
	ErrClosed = errors.New("rpc: closed")

	// ErrNotClonable is returned when a value cannot be encoded for transfer,
	// e.g. a function or channel.
	ErrNotClonable = errors.New("rpc: value is not clonable")

	// ErrHandleReleased is returned when invoking a callback handle that has
	// already been released.
	ErrHandleReleased = errors.New("rpc: callback handle released")

	// ErrMethodNotFound is returned when the remote side exposes no method
	// with the requested name.
	ErrMethodNotFound = errors.New("rpc: method not found")

	// ErrAborted is returned when a call is abandoned because its signal
	// was aborted. It crosses the boundary as an "AbortError".
	ErrAborted = errors.New("rpc: aborted")
)

// RemoteError is an error raised on the other side of the boundary.
// It carries the remote error's name, message and stack.
type RemoteError struct {
	Name    string `cbor:"name,omitempty" json:"name,omitempty"`
	Message string `cbor:"message" json:"message"`
	Stack   string `cbor:"stack,omitempty" json:"stack,omitempty"`
}

// Error implements error.
func (e *RemoteError) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// Is reports whether target matches a sentinel transported by name.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrMethodNotFound:
		return e.Name == "MethodNotFound"
	case ErrNotClonable:
		return e.Name == "DataCloneError"
	case ErrAborted:
		return e.Name == "AbortError"
	}
	return false
}

// NamedError is implemented by errors that want to control the name they
// are transported under.
type NamedError interface {
	error
	ErrorName() string
}

// StackError is implemented by errors that carry a stack trace.
type StackError interface {
	error
	ErrorStack() string
}

// ToRemoteError converts any error into its transportable form.
func ToRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}

	out := &RemoteError{Name: "Error", Message: err.Error()}

	var named NamedError
	if errors.As(err, &named) {
		out.Name = named.ErrorName()
	}
	switch {
	case errors.Is(err, ErrMethodNotFound):
		out.Name = "MethodNotFound"
	case errors.Is(err, ErrNotClonable):
		out.Name = "DataCloneError"
	case errors.Is(err, ErrAborted):
		out.Name = "AbortError"
	}

	var stacked StackError
	if errors.As(err, &stacked) {
		out.Stack = stacked.ErrorStack()
	}
	return out
}
