package resource

import (
	"context"

	"github.com/dshills/parley/internal/plugin/api"
)

// Adapter serves a channel type. Implementations forward to the plugin
// that registered the channel.
type Adapter interface {
	Call(ctx context.Context, messages []api.ChatMessage, config map[string]any, onUpdate func(api.Update)) (api.AdapterResult, error)
	FetchModels(ctx context.Context) ([]api.Model, error)
}

// ChannelType is a registered channel. A declarative channel sets Extends
// to a base channel id and has no Adapter of its own.
type ChannelType struct {
	api.ChannelDescription
	Adapter Adapter
}

// Resolved is a channel ready to be called: the adapter that serves it and
// the effective default config.
type Resolved struct {
	Type    ChannelType
	Adapter Adapter
	Config  map[string]any
}

// Call invokes the adapter with config layered over the channel defaults.
func (r Resolved) Call(ctx context.Context, messages []api.ChatMessage, config map[string]any, onUpdate func(api.Update)) (api.AdapterResult, error) {
	return r.Adapter.Call(ctx, messages, mergeConfig(r.Config, config), onUpdate)
}

func mergeConfig(layers ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, l := range layers {
		for k, v := range l {
			out[k] = v
		}
	}
	return out
}
