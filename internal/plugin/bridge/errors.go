package bridge

import "errors"

var (
	// ErrUnknownEvent is returned when subscribing to an event the relay
	// does not forward.
	ErrUnknownEvent = errors.New("bridge: unknown store event")

	// ErrUnexpectedResult is returned when an adapter settles with a value
	// that is neither a string nor an object.
	ErrUnexpectedResult = errors.New("bridge: unexpected adapter result")

	// ErrRelayFull is logged when the relay queue overflows and an event
	// is dropped.
	ErrRelayFull = errors.New("bridge: relay queue full")
)
