package api

// Methods exposed by the host to the sandbox runtime.
const (
	MethodAddMessage                      = "addMessage"
	MethodUpdateLastMessage               = "updateLastMessage"
	MethodFinalizeStreamingMessage        = "finalizeStreamingMessage"
	MethodStorageGetItem                  = "storageGetItem"
	MethodStorageSetItem                  = "storageSetItem"
	MethodStorageRemoveItem               = "storageRemoveItem"
	MethodGetState                        = "getState"
	MethodGetActiveConversation           = "getActiveConversation"
	MethodGetConversation                 = "getConversation"
	MethodUpdateConversationMetadata      = "updateConversationMetadata"
	MethodPersistStore                    = "persistStore"
	MethodSubscribeStoreEvent             = "subscribeStoreEvent"
	MethodUnsubscribeStoreEvent           = "unsubscribeStoreEvent"
	MethodRegisterChannel                 = "registerChannel"
	MethodUnregisterChannel               = "unregisterChannel"
	MethodLogNetworkRequest               = "logNetworkRequest"
	MethodLogNetworkResponse              = "logNetworkResponse"
	MethodLogNetworkStreamStart           = "logNetworkStreamStart"
	MethodLogNetworkStreamChunk           = "logNetworkStreamChunk"
	MethodLogNetworkStreamComplete        = "logNetworkStreamComplete"
	MethodLogNetworkError                 = "logNetworkError"
	MethodAddBodyClass                    = "addBodyClass"
	MethodRemoveBodyClass                 = "removeBodyClass"
	MethodToggleBodyClass                 = "toggleBodyClass"
	MethodAddLoadingIndicator             = "addLoadingIndicator"
	MethodAttachLoadingIndicatorToMessage = "attachLoadingIndicatorToMessage"
	MethodGetPluginSettings               = "getPluginSettings"
	MethodSetPluginSettings               = "setPluginSettings"
	MethodPluginLog                       = "pluginLog"
)

// NetworkLogMethod maps a network event kind to its host method.
func NetworkLogMethod(kind string) string {
	switch kind {
	case NetRequest:
		return MethodLogNetworkRequest
	case NetResponse:
		return MethodLogNetworkResponse
	case NetStreamStart:
		return MethodLogNetworkStreamStart
	case NetStreamChunk:
		return MethodLogNetworkStreamChunk
	case NetStreamComplete:
		return MethodLogNetworkStreamComplete
	default:
		return MethodLogNetworkError
	}
}

// Store events plugins may subscribe to.
const (
	EventUpdated             = "updated"
	EventMessageAdded        = "messageAdded"
	EventConversationChanged = "conversationChanged"
	EventPluginSettings      = "pluginSettings"
)

// StoreEvents is the whitelist of event names the relay forwards.
var StoreEvents = []string{
	EventUpdated,
	EventMessageAdded,
	EventConversationChanged,
	EventPluginSettings,
}

// IsStoreEvent reports whether name is a forwardable store event.
func IsStoreEvent(name string) bool {
	for _, e := range StoreEvents {
		if e == name {
			return true
		}
	}
	return false
}

// AddMessageParams appends a message to a conversation. An empty
// ConversationID targets the active conversation.
type AddMessageParams struct {
	PluginID       string  `json:"pluginId"`
	ConversationID string  `json:"conversationId,omitempty"`
	Message        Message `json:"message"`
}

// UpdateLastMessageParams replaces the content of the last message.
type UpdateLastMessageParams struct {
	PluginID       string `json:"pluginId"`
	ConversationID string `json:"conversationId,omitempty"`
	Content        string `json:"content"`
	Reasoning      string `json:"reasoning,omitempty"`
}

// FinalizeParams ends a streaming message.
type FinalizeParams struct {
	PluginID       string `json:"pluginId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// StorageParams addresses a plugin-scoped storage key.
type StorageParams struct {
	PluginID string `json:"pluginId"`
	Key      string `json:"key"`
	Value    string `json:"value,omitempty"`
}

// StorageItem is the result of storageGetItem.
type StorageItem struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// ConversationParams addresses a conversation.
type ConversationParams struct {
	ID string `json:"id"`
}

// MetadataParams updates the plugin's metadata scope on a conversation.
// Path is relative to that scope; an empty path addresses the whole scope.
// A nil Value with Delete set removes the entry.
type MetadataParams struct {
	PluginID       string `json:"pluginId"`
	ConversationID string `json:"conversationId,omitempty"`
	Path           string `json:"path,omitempty"`
	Value          any    `json:"value,omitempty"`
	Delete         bool   `json:"delete,omitempty"`
}

// EventParams names a store event.
type EventParams struct {
	Name string `json:"name"`
}

// UnregisterChannelParams removes a channel type.
type UnregisterChannelParams struct {
	PluginID  string `json:"pluginId"`
	ChannelID string `json:"channelId"`
}

// BodyClassParams toggles a document body class.
type BodyClassParams struct {
	PluginID string `json:"pluginId"`
	Class    string `json:"class"`
	Force    *bool  `json:"force,omitempty"`
}

// LoadingIndicatorParams adds or attaches a loading indicator.
type LoadingIndicatorParams struct {
	PluginID  string           `json:"pluginId"`
	Indicator LoadingIndicator `json:"indicator"`
}

// SettingsParams reads or writes plugin settings.
type SettingsParams struct {
	PluginID string         `json:"pluginId"`
	Settings map[string]any `json:"settings,omitempty"`
}

// LogParams forwards a plugin log line.
type LogParams struct {
	PluginID string         `json:"pluginId"`
	Level    string         `json:"level"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}
