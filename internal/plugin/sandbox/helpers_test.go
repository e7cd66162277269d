package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dshills/parley/internal/plugin/api"
)

type hostCall struct {
	method string
	params any
}

// fakeHost records every call and notification the runtime makes.
type fakeHost struct {
	mu      sync.Mutex
	calls   []hostCall
	notes   []hostCall
	handler func(method string, params any) (any, error)
}

func (h *fakeHost) Call(ctx context.Context, method string, params, result any) error {
	h.mu.Lock()
	h.calls = append(h.calls, hostCall{method, params})
	handler := h.handler
	h.mu.Unlock()

	if handler == nil {
		return nil
	}
	v, err := handler(method, params)
	if err != nil || v == nil || result == nil {
		return err
	}
	return decodeInto(v, result)
}

func (h *fakeHost) Notify(ctx context.Context, method string, params any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notes = append(h.notes, hostCall{method, params})
	return nil
}

func (h *fakeHost) setHandler(fn func(method string, params any) (any, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// called returns the params of every call to method, in order.
func (h *fakeHost) called(method string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, c := range h.calls {
		if c.method == method {
			out = append(out, c.params)
		}
	}
	return out
}

// logged returns the messages of pluginLog notifications from pluginID.
func (h *fakeHost) logged(pluginID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, n := range h.notes {
		if p, ok := n.params.(api.LogParams); ok && n.method == api.MethodPluginLog && p.PluginID == pluginID {
			out = append(out, p.Message)
		}
	}
	return out
}

func (h *fakeHost) notified(method string) []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []any
	for _, n := range h.notes {
		if n.method == method {
			out = append(out, n.params)
		}
	}
	return out
}

// startRuntime runs a runtime until the test ends.
func startRuntime(t *testing.T, host Caller, opts ...Option) *Runtime {
	t.Helper()

	r := New(host, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		r.Close()
		cancel()
		<-done
	})
	return r
}

// mustExecute runs plugin code and fails the test if it does not start.
func mustExecute(t *testing.T, r *Runtime, id, code string, format ...string) {
	t.Helper()

	meta := api.PluginMeta{Name: id, Version: "1.0.0"}
	if len(format) > 0 {
		meta.Format = format[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := r.ExecutePlugin(ctx, api.ExecuteParams{ID: id, Code: code, Meta: meta})
	require.True(t, res.Success, "execute %s: %+v", id, res.Error)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

const echoAdapter = `
Plugin.registerChannel({
	id: "echo",
	label: "Echo",
	call(messages, config, onUpdate, signal) {
		return messages.map(m => m.content).join(" ");
	},
});
`

// hangingAdapter registers an adapter whose calls never settle on their
// own; the abort handler logs so tests can see it fire.
const hangingAdapter = `
Plugin.registerChannel({
	id: Plugin.id + "-chan",
	call(messages, config, onUpdate, signal) {
		signal.onabort = () => Plugin.log.info("aborted");
		return new Promise(() => {});
	},
});
`
