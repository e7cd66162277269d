package sandbox

import (
	"context"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// Methods returns the sandbox gateway to expose to the host.
func (r *Runtime) Methods() rpc.Methods {
	return rpc.Methods{
		api.MethodExecutePlugin: func(ctx context.Context, req *rpc.Request) (any, error) {
			var p api.ExecuteParams
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
			return r.ExecutePlugin(ctx, p), nil
		},

		api.MethodStopPlugin: func(ctx context.Context, req *rpc.Request) (any, error) {
			var p api.PluginParams
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
			r.StopPlugin(ctx, p.ID)
			return true, nil
		},

		api.MethodCallChannelAdapter: func(ctx context.Context, req *rpc.Request) (any, error) {
			var p api.CallAdapterParams
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
			return r.CallChannelAdapter(ctx, p.PluginID, p.Method, p.Args, req.Callback(p.OnUpdate))
		},

		api.MethodGetPluginIDs: func(ctx context.Context, req *rpc.Request) (any, error) {
			return r.PluginIDs(), nil
		},

		api.MethodHasAdapter: func(ctx context.Context, req *rpc.Request) (any, error) {
			var p api.PluginParams
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
			return r.HasAdapter(p.ID), nil
		},

		api.MethodDispatchStoreEvent: func(ctx context.Context, req *rpc.Request) (any, error) {
			var p api.DispatchParams
			if err := req.Decode(&p); err != nil {
				return nil, err
			}
			return nil, r.DispatchStoreEvent(ctx, p.Event)
		},
	}
}
