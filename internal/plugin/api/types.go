package api

import (
	"time"

	"github.com/dshills/parley/internal/plugin/rpc"
)

// Plugin source formats.
const (
	FormatJS     = "js"
	FormatHybrid = "hybrid"
	FormatLua    = "lua"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrorInfo is a structured plugin error.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements error.
func (e *ErrorInfo) Error() string {
	return e.Message
}

// PluginMeta is the descriptive metadata sent with plugin code.
type PluginMeta struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	Homepage    string `json:"homepage,omitempty"`
	Icon        string `json:"icon,omitempty"`
	Format      string `json:"format,omitempty"`
}

// ChatMessage is one message as seen by a channel adapter.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Message is a stored chat message.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Model     string         `json:"model,omitempty"`
	Streaming bool           `json:"streaming,omitempty"`
	Plugin    string         `json:"plugin,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Conversation is a stored conversation.
type Conversation struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Channel   string         `json:"channel,omitempty"`
	Model     string         `json:"model,omitempty"`
	Messages  []Message      `json:"messages"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ConversationSummary is a conversation without its messages.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Channel      string    `json:"channel,omitempty"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// State is the snapshot returned by getState.
type State struct {
	ActiveConversationID string                `json:"activeConversationId,omitempty"`
	Conversations        []ConversationSummary `json:"conversations"`
	Channels             []string              `json:"channels"`
}

// ChannelDescription describes a channel type registered by a plugin. The
// adapter itself never crosses the boundary.
type ChannelDescription struct {
	ID            string         `json:"id"`
	PluginID      string         `json:"pluginId"`
	Label         string         `json:"label"`
	Capabilities  map[string]any `json:"capabilities,omitempty"`
	DefaultConfig map[string]any `json:"defaultConfig,omitempty"`
	Extends       string         `json:"extends,omitempty"`
}

// AdapterArgs are the arguments passed to a channel adapter method.
type AdapterArgs struct {
	Messages []ChatMessage  `json:"messages"`
	Config   map[string]any `json:"config,omitempty"`
}

// Update is one streaming update delivered to an adapter caller.
type Update struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// AdapterResult is the settled value of an adapter call.
type AdapterResult struct {
	Content   string         `json:"content"`
	Reasoning string         `json:"reasoning,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Model describes one model reported by fetchModels.
type Model struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// StoreEvent is a host state-change event forwarded to plugin listeners.
type StoreEvent struct {
	Name string `json:"name"`
	Data any    `json:"data,omitempty"`
}

// LoadingIndicator is a UI placeholder shown while a plugin works.
type LoadingIndicator struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// NetworkEvent is one network log entry. Kind is one of the NetKind
// constants.
type NetworkEvent struct {
	PluginID  string            `json:"pluginId"`
	RequestID string            `json:"requestId"`
	Kind      string            `json:"kind"`
	Method    string            `json:"method,omitempty"`
	URL       string            `json:"url,omitempty"`
	Status    int               `json:"status,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Time      time.Time         `json:"time"`
}

// Network event kinds.
const (
	NetRequest        = "request"
	NetResponse       = "response"
	NetStreamStart    = "streamStart"
	NetStreamChunk    = "streamChunk"
	NetStreamComplete = "streamComplete"
	NetError          = "error"
)

// CallbackRef re-exports the transport's handle identity so gateway values
// can carry callbacks without importing rpc.
type CallbackRef = rpc.HandleRef
