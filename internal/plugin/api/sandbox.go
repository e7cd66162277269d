package api

// Methods exposed by the sandbox runtime to the host.
const (
	MethodExecutePlugin      = "executePlugin"
	MethodStopPlugin         = "stopPlugin"
	MethodCallChannelAdapter = "callChannelAdapter"
	MethodGetPluginIDs       = "getPluginIds"
	MethodHasAdapter         = "hasAdapter"
	MethodDispatchStoreEvent = "dispatchStoreEvent"
)

// Adapter methods accepted by callChannelAdapter.
const (
	AdapterCall        = "call"
	AdapterFetchModels = "fetchModels"
)

// ExecuteParams asks the runtime to execute plugin code.
type ExecuteParams struct {
	ID   string     `json:"id"`
	Code string     `json:"code"`
	Meta PluginMeta `json:"meta"`
}

// ExecuteResult reports the outcome of a top-level execution.
type ExecuteResult struct {
	Success bool       `json:"success"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// PluginParams addresses one plugin.
type PluginParams struct {
	ID string `json:"id"`
}

// CallAdapterParams invokes a channel adapter method.
type CallAdapterParams struct {
	PluginID string      `json:"pluginId"`
	Method   string      `json:"method"`
	Args     AdapterArgs `json:"args"`
	OnUpdate CallbackRef `json:"onUpdate,omitempty"`
}

// DispatchParams delivers a store event to plugin listeners.
type DispatchParams struct {
	Event StoreEvent `json:"event"`
}
