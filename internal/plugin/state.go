package plugin

// State represents the lifecycle state of a plugin.
//
//	unloaded -> stopped -> running <-> stopped -> deleted
//
// StateError is a stopped plugin whose last start failed.
type State int

// Plugin states.
const (
	// StateUnloaded - Plugin is not installed.
	StateUnloaded State = iota

	// StateStopped - Plugin is installed and not running.
	StateStopped

	// StateRunning - Plugin code is executing in the sandbox.
	StateRunning

	// StateError - Plugin's last start failed; see Record.LastError.
	StateError

	// StateDeleted - Plugin was removed.
	StateDeleted
)

// String returns a string representation of the state. A failed plugin
// reads as stopped, qualified by the error.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateError:
		return "stopped (error)"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// IsRunning returns true if the plugin is running.
func (s State) IsRunning() bool {
	return s == StateRunning
}
