package sandbox

import "errors"

// Runtime errors.
var (
	// ErrLoopClosed is returned when a task is submitted to a closed loop.
	ErrLoopClosed = errors.New("sandbox: loop closed")

	// ErrPluginNotFound is returned for operations on an unknown plugin.
	ErrPluginNotFound = errors.New("sandbox: plugin not found")

	// ErrNoAdapter is returned when a plugin has not registered a channel
	// adapter.
	ErrNoAdapter = errors.New("sandbox: plugin has no channel adapter")

	// ErrUnknownAdapterMethod is returned for adapter methods other than
	// call and fetchModels.
	ErrUnknownAdapterMethod = errors.New("sandbox: unknown adapter method")

	// ErrUnknownEvent is returned when subscribing to an event the relay
	// does not forward.
	ErrUnknownEvent = errors.New("sandbox: unknown event")

	// ErrExecTimeout is returned when script code runs past the execution
	// timeout.
	ErrExecTimeout = errors.New("sandbox: execution timeout")

	// ErrInvalidPlugin is returned when plugin code or id is missing.
	ErrInvalidPlugin = errors.New("sandbox: invalid plugin")

	// ErrHTTPNotAllowed is returned for http requests with a scheme other
	// than http or https.
	ErrHTTPNotAllowed = errors.New("sandbox: url not allowed")
)

// ScriptError is an error thrown by plugin code.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
}

// Error implements error.
func (e *ScriptError) Error() string {
	if e.Name != "" && e.Name != "Error" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// ErrorName returns the script-side error name.
func (e *ScriptError) ErrorName() string {
	if e.Name == "" {
		return "Error"
	}
	return e.Name
}

// ErrorStack returns the script stack trace.
func (e *ScriptError) ErrorStack() string {
	return e.Stack
}
