package bridge

import (
	"context"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// SandboxClient calls the sandbox runtime's gateway.
type SandboxClient struct {
	peer *rpc.Peer
}

// NewSandboxClient wraps the host side peer.
func NewSandboxClient(peer *rpc.Peer) *SandboxClient {
	return &SandboxClient{peer: peer}
}

// Peer returns the underlying peer.
func (c *SandboxClient) Peer() *rpc.Peer { return c.peer }

// WaitReady blocks until the runtime has announced itself.
func (c *SandboxClient) WaitReady(ctx context.Context) error {
	return c.peer.WaitReady(ctx)
}

// ExecutePlugin runs plugin code in the runtime, replacing any instance
// under the same id.
func (c *SandboxClient) ExecutePlugin(ctx context.Context, id, code string, meta api.PluginMeta) (api.ExecuteResult, error) {
	var res api.ExecuteResult
	err := c.peer.Call(ctx, api.MethodExecutePlugin, api.ExecuteParams{ID: id, Code: code, Meta: meta}, &res)
	return res, err
}

// StopPlugin stops a plugin. Stopping an unknown plugin succeeds.
func (c *SandboxClient) StopPlugin(ctx context.Context, id string) error {
	return c.peer.Call(ctx, api.MethodStopPlugin, api.PluginParams{ID: id}, nil)
}

// CallChannelAdapter invokes method on the plugin's adapter. onUpdate is
// the ref of a handle proxied by the caller, or empty.
func (c *SandboxClient) CallChannelAdapter(ctx context.Context, pluginID, method string, args api.AdapterArgs, onUpdate rpc.HandleRef) (any, error) {
	var out any
	err := c.peer.Call(ctx, api.MethodCallChannelAdapter, api.CallAdapterParams{
		PluginID: pluginID,
		Method:   method,
		Args:     args,
		OnUpdate: onUpdate,
	}, &out)
	return out, err
}

// PluginIDs lists the running plugins.
func (c *SandboxClient) PluginIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.peer.Call(ctx, api.MethodGetPluginIDs, nil, &ids)
	return ids, err
}

// HasAdapter reports whether plugin id has registered a channel adapter.
func (c *SandboxClient) HasAdapter(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := c.peer.Call(ctx, api.MethodHasAdapter, api.PluginParams{ID: id}, &ok)
	return ok, err
}

// DispatchStoreEvent delivers a store event to plugin listeners.
func (c *SandboxClient) DispatchStoreEvent(ctx context.Context, ev api.StoreEvent) error {
	return c.peer.Call(ctx, api.MethodDispatchStoreEvent, api.DispatchParams{Event: ev}, nil)
}
