package plugin

import (
	"errors"
	"fmt"
)

// Plugin system errors.
var (
	// ErrPluginNotFound is returned when a plugin id is not installed.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrInvalidPlugin is returned when plugin validation fails.
	ErrInvalidPlugin = errors.New("invalid plugin")

	// ErrInvalidManifest is returned when a hybrid manifest fails validation.
	ErrInvalidManifest = errors.New("invalid plugin manifest")

	// ErrBuiltinPlugin is returned when deleting a plugin shipped with the binary.
	ErrBuiltinPlugin = errors.New("builtin plugins cannot be deleted")

	// ErrExecutionFailed is returned when plugin code fails to start.
	ErrExecutionFailed = errors.New("plugin execution failed")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("plugin manager is closed")
)

// joinErrors aggregates per-plugin failures of op.
func joinErrors(op string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("failed to %s %d plugins: %w", op, len(errs), errors.Join(errs...))
}
