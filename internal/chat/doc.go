// Package chat holds conversation state: conversations, their messages,
// per-conversation metadata, the active conversation, and plugin settings.
//
// Every mutation publishes an event on the event bus after the store lock
// is released. Topic names are the store events plugins can subscribe to
// (api.EventUpdated, api.EventMessageAdded, api.EventConversationChanged,
// api.EventPluginSettings).
package chat
