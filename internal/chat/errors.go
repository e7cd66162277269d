package chat

import "errors"

var (
	// ErrConversationNotFound is returned for an unknown conversation id.
	ErrConversationNotFound = errors.New("chat: conversation not found")

	// ErrNoActiveConversation is returned when an operation targets the
	// active conversation and there is none.
	ErrNoActiveConversation = errors.New("chat: no active conversation")

	// ErrNoMessages is returned when updating the last message of an empty
	// conversation.
	ErrNoMessages = errors.New("chat: conversation has no messages")
)
