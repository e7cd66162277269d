package bridge

import (
	"context"
	"fmt"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/resource"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// ChannelProxy forwards channel adapter calls to the plugin that
// registered the channel.
type ChannelProxy struct {
	client    *SandboxClient
	channelID string
	pluginID  string
}

var _ resource.Adapter = (*ChannelProxy)(nil)

// NewChannelProxy returns a proxy for channelID served by pluginID.
func NewChannelProxy(client *SandboxClient, channelID, pluginID string) *ChannelProxy {
	return &ChannelProxy{client: client, channelID: channelID, pluginID: pluginID}
}

// ChannelID returns the proxied channel.
func (p *ChannelProxy) ChannelID() string { return p.channelID }

// PluginID returns the owning plugin.
func (p *ChannelProxy) PluginID() string { return p.pluginID }

// Call runs the adapter's call method. Updates reach onUpdate in the order
// the adapter sent them, and all of them have been delivered when Call
// returns. Cancelling ctx abandons the call; the adapter itself is only
// aborted when its plugin stops.
func (p *ChannelProxy) Call(ctx context.Context, messages []api.ChatMessage, config map[string]any, onUpdate func(api.Update)) (api.AdapterResult, error) {
	if err := ctx.Err(); err != nil {
		return api.AdapterResult{}, fmt.Errorf("%w: %v", rpc.ErrAborted, err)
	}

	var ref rpc.HandleRef
	if onUpdate != nil {
		h := p.client.peer.Proxy(func(arg rpc.Payload) {
			var v any
			if err := arg.Decode(&v); err != nil {
				return
			}
			onUpdate(toUpdate(v))
		})
		defer h.Release()
		ref = h.Ref()
	}

	if messages == nil {
		messages = []api.ChatMessage{}
	}
	v, err := p.client.CallChannelAdapter(ctx, p.pluginID, api.AdapterCall, api.AdapterArgs{Messages: messages, Config: config}, ref)
	if err != nil {
		if ctx.Err() != nil {
			return api.AdapterResult{}, fmt.Errorf("%w: %v", rpc.ErrAborted, ctx.Err())
		}
		return api.AdapterResult{}, fmt.Errorf("channel %s: %w", p.channelID, err)
	}
	return toResult(v)
}

// FetchModels lists the models the adapter offers. Adapters without
// fetchModels report none.
func (p *ChannelProxy) FetchModels(ctx context.Context) ([]api.Model, error) {
	v, err := p.client.CallChannelAdapter(ctx, p.pluginID, api.AdapterFetchModels, api.AdapterArgs{Messages: []api.ChatMessage{}}, "")
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", p.channelID, err)
	}
	return toModels(v), nil
}

// toUpdate accepts the shapes adapters send: a content string or an
// object with content, reasoning and done.
func toUpdate(v any) api.Update {
	switch u := v.(type) {
	case string:
		return api.Update{Content: u}
	case map[string]any:
		done, _ := u["done"].(bool)
		return api.Update{Content: str(u["content"]), Reasoning: str(u["reasoning"]), Done: done}
	default:
		return api.Update{}
	}
}

func toResult(v any) (api.AdapterResult, error) {
	switch r := v.(type) {
	case nil:
		return api.AdapterResult{}, nil
	case string:
		return api.AdapterResult{Content: r}, nil
	case map[string]any:
		res := api.AdapterResult{Content: str(r["content"]), Reasoning: str(r["reasoning"])}
		for k, val := range r {
			if k == "content" || k == "reasoning" {
				continue
			}
			if res.Extra == nil {
				res.Extra = map[string]any{}
			}
			res.Extra[k] = val
		}
		return res, nil
	default:
		return api.AdapterResult{}, fmt.Errorf("%w: %T", ErrUnexpectedResult, v)
	}
}

func toModels(v any) []api.Model {
	list, _ := v.([]any)
	out := make([]api.Model, 0, len(list))
	for _, item := range list {
		switch m := item.(type) {
		case string:
			out = append(out, api.Model{ID: m, Label: m})
		case map[string]any:
			model := api.Model{ID: str(m["id"]), Label: str(m["label"])}
			if model.Label == "" {
				model.Label = str(m["name"])
			}
			if model.Label == "" {
				model.Label = model.ID
			}
			if model.ID != "" {
				out = append(out, model)
			}
		}
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
