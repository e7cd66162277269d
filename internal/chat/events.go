package chat

import "github.com/dshills/parley/internal/plugin/api"

// Updated is the payload of api.EventUpdated.
type Updated struct {
	ConversationID string `json:"conversationId,omitempty"`
	Reason         string `json:"reason"`
}

// MessageAdded is the payload of api.EventMessageAdded.
type MessageAdded struct {
	ConversationID string      `json:"conversationId"`
	Message        api.Message `json:"message"`
}

// ConversationChanged is the payload of api.EventConversationChanged.
type ConversationChanged struct {
	ConversationID string `json:"conversationId"`
}

// SettingsChanged is the payload of api.EventPluginSettings.
type SettingsChanged struct {
	PluginID string         `json:"pluginId"`
	Settings map[string]any `json:"settings"`
}

// Update reasons carried by Updated.
const (
	ReasonMessageUpdated = "messageUpdated"
	ReasonFinalized      = "finalized"
	ReasonMetadata       = "metadata"
	ReasonCreated        = "created"
	ReasonDeleted        = "deleted"
)
