package resource

import "errors"

var (
	// ErrResourceOwned is returned when registering an id owned by another plugin.
	ErrResourceOwned = errors.New("resource: owned by another plugin")

	// ErrChannelNotFound is returned for an unknown channel type.
	ErrChannelNotFound = errors.New("resource: channel type not found")

	// ErrInvalidChannel is returned for a channel type missing its id or adapter.
	ErrInvalidChannel = errors.New("resource: invalid channel type")
)
