package bridge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dshills/parley/internal/chat"
	"github.com/dshills/parley/internal/netlog"
	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/resource"
	"github.com/dshills/parley/internal/plugin/rpc"
	"github.com/dshills/parley/internal/store"
	"github.com/dshills/parley/internal/ui"
)

// StoragePrefix namespaces plugin storage keys.
const StoragePrefix = "plugin"

// Gateway serves the host methods the sandbox runtime calls.
type Gateway struct {
	chat     *chat.Store
	registry *resource.Registry
	kv       store.KV
	netlog   *netlog.Log
	relay    *Relay
	client   *SandboxClient
	logger   *zap.Logger
}

// GatewayConfig holds the gateway's collaborators.
type GatewayConfig struct {
	Chat     *chat.Store
	Registry *resource.Registry
	KV       store.KV
	NetLog   *netlog.Log
	Relay    *Relay
	Client   *SandboxClient
	Logger   *zap.Logger
}

// NewGateway creates a host gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		chat:     cfg.Chat,
		registry: cfg.Registry,
		kv:       cfg.KV,
		netlog:   cfg.NetLog,
		relay:    cfg.Relay,
		client:   cfg.Client,
		logger:   logger.Named("gateway"),
	}
}

// Storage returns pluginID's storage namespace.
func (g *Gateway) Storage(pluginID string) *store.Namespace {
	return store.NewNamespace(g.kv, store.Key(StoragePrefix, pluginID))
}

// handler adapts a typed function to an rpc.Handler.
func handler[P any](fn func(ctx context.Context, p P) (any, error)) rpc.Handler {
	return func(ctx context.Context, req *rpc.Request) (any, error) {
		var p P
		if err := req.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		return fn(ctx, p)
	}
}

// Methods returns the host surface to expose to the runtime.
func (g *Gateway) Methods() rpc.Methods {
	m := rpc.Methods{
		api.MethodAddMessage: handler(func(ctx context.Context, p api.AddMessageParams) (any, error) {
			p.Message.Plugin = p.PluginID
			return g.chat.AddMessage(ctx, p.ConversationID, p.Message)
		}),
		api.MethodUpdateLastMessage: handler(func(ctx context.Context, p api.UpdateLastMessageParams) (any, error) {
			return nil, g.chat.UpdateLastMessage(ctx, p.ConversationID, p.Content, p.Reasoning)
		}),
		api.MethodFinalizeStreamingMessage: handler(func(ctx context.Context, p api.FinalizeParams) (any, error) {
			return nil, g.chat.FinalizeStreaming(ctx, p.ConversationID)
		}),

		api.MethodStorageGetItem: handler(func(ctx context.Context, p api.StorageParams) (any, error) {
			v, err := g.Storage(p.PluginID).Get(ctx, p.Key)
			if errors.Is(err, store.ErrNotFound) {
				return api.StorageItem{}, nil
			}
			if err != nil {
				return nil, err
			}
			return api.StorageItem{Value: v, Found: true}, nil
		}),
		api.MethodStorageSetItem: handler(func(ctx context.Context, p api.StorageParams) (any, error) {
			return nil, g.Storage(p.PluginID).Set(ctx, p.Key, p.Value)
		}),
		api.MethodStorageRemoveItem: handler(func(ctx context.Context, p api.StorageParams) (any, error) {
			return nil, g.Storage(p.PluginID).Delete(ctx, p.Key)
		}),

		api.MethodGetState: func(ctx context.Context, req *rpc.Request) (any, error) {
			st := g.chat.State()
			st.Channels = g.registry.ChannelIDs()
			return st, nil
		},
		api.MethodGetActiveConversation: func(ctx context.Context, req *rpc.Request) (any, error) {
			return g.chat.Active(), nil
		},
		api.MethodGetConversation: handler(func(ctx context.Context, p api.ConversationParams) (any, error) {
			c, err := g.chat.Conversation(p.ID)
			if errors.Is(err, chat.ErrConversationNotFound) {
				return nil, nil
			}
			return c, err
		}),
		api.MethodUpdateConversationMetadata: handler(func(ctx context.Context, p api.MetadataParams) (any, error) {
			return nil, g.chat.UpdateMetadata(ctx, p.ConversationID, p.PluginID, p.Path, p.Value, p.Delete)
		}),
		api.MethodPersistStore: func(ctx context.Context, req *rpc.Request) (any, error) {
			return nil, g.chat.Persist(ctx)
		},

		api.MethodSubscribeStoreEvent: handler(func(ctx context.Context, p api.EventParams) (any, error) {
			return nil, g.relay.Subscribe(p.Name)
		}),
		api.MethodUnsubscribeStoreEvent: handler(func(ctx context.Context, p api.EventParams) (any, error) {
			g.relay.Unsubscribe(p.Name)
			return nil, nil
		}),

		api.MethodRegisterChannel: handler(func(ctx context.Context, p api.ChannelDescription) (any, error) {
			proxy := NewChannelProxy(g.client, p.ID, p.PluginID)
			if err := g.registry.RegisterChannel(p.PluginID, resource.ChannelType{ChannelDescription: p, Adapter: proxy}); err != nil {
				return nil, err
			}
			return p.ID, nil
		}),
		api.MethodUnregisterChannel: handler(func(ctx context.Context, p api.UnregisterChannelParams) (any, error) {
			return nil, g.registry.UnregisterChannel(p.PluginID, p.ChannelID)
		}),

		api.MethodAddBodyClass: handler(func(ctx context.Context, p api.BodyClassParams) (any, error) {
			return nil, g.registry.AddBodyClass(p.PluginID, p.Class)
		}),
		api.MethodRemoveBodyClass: handler(func(ctx context.Context, p api.BodyClassParams) (any, error) {
			return nil, g.registry.RemoveBodyClass(p.PluginID, p.Class)
		}),
		api.MethodToggleBodyClass: handler(func(ctx context.Context, p api.BodyClassParams) (any, error) {
			return g.registry.ToggleBodyClass(p.PluginID, p.Class, p.Force)
		}),
		api.MethodAddLoadingIndicator: handler(func(ctx context.Context, p api.LoadingIndicatorParams) (any, error) {
			return nil, g.registry.AddIndicator(p.PluginID, ui.Indicator{
				ID:        p.Indicator.ID,
				Label:     p.Indicator.Label,
				MessageID: p.Indicator.MessageID,
			})
		}),
		api.MethodAttachLoadingIndicatorToMessage: handler(func(ctx context.Context, p api.LoadingIndicatorParams) (any, error) {
			return nil, g.registry.AttachIndicator(p.PluginID, p.Indicator.ID, p.Indicator.MessageID)
		}),

		api.MethodGetPluginSettings: handler(func(ctx context.Context, p api.SettingsParams) (any, error) {
			return g.chat.PluginSettings(ctx, p.PluginID)
		}),
		api.MethodSetPluginSettings: handler(func(ctx context.Context, p api.SettingsParams) (any, error) {
			return nil, g.chat.SetPluginSettings(ctx, p.PluginID, p.Settings)
		}),

		api.MethodPluginLog: handler(func(ctx context.Context, p api.LogParams) (any, error) {
			g.pluginLog(p)
			return nil, nil
		}),
	}

	for _, kind := range []string{api.NetRequest, api.NetResponse, api.NetStreamStart, api.NetStreamChunk, api.NetStreamComplete, api.NetError} {
		m[api.NetworkLogMethod(kind)] = handler(func(ctx context.Context, ev api.NetworkEvent) (any, error) {
			if g.netlog != nil {
				g.netlog.Record(ev)
			}
			return nil, nil
		})
	}
	return m
}

func (g *Gateway) pluginLog(p api.LogParams) {
	fields := []zap.Field{zap.String("plugin", p.PluginID)}
	if len(p.Fields) > 0 {
		fields = append(fields, zap.Any("fields", p.Fields))
	}
	l := g.logger.Named("plugin")
	switch p.Level {
	case "debug":
		l.Debug(p.Message, fields...)
	case "warn":
		l.Warn(p.Message, fields...)
	case "error":
		l.Error(p.Message, fields...)
	default:
		l.Info(p.Message, fields...)
	}
}
