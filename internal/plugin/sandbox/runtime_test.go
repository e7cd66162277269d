package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/rpc"
)

func TestExecutePluginRegistersChannel(t *testing.T) {
	host := &fakeHost{}
	r := startRuntime(t, host)

	mustExecute(t, r, "echo-plugin", echoAdapter)

	regs := host.called(api.MethodRegisterChannel)
	require.Len(t, regs, 1, "registration reaches the host before execute returns")
	desc := regs[0].(api.ChannelDescription)
	assert.Equal(t, "echo", desc.ID)
	assert.Equal(t, "Echo", desc.Label)
	assert.Equal(t, "echo-plugin", desc.PluginID)

	assert.True(t, r.HasAdapter("echo-plugin"))
	assert.Equal(t, []string{"echo-plugin"}, r.PluginIDs())
}

func TestExecutePluginFailures(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		code    string
		message string
	}{
		{"throw", "p", `throw new Error("boom")`, "boom"},
		{"syntax", "p", `this is not javascript`, "SyntaxError"},
		{"type error", "p", `Plugin.registerChannel(42)`, "adapter object"},
		{"missing call", "p", `Plugin.registerChannel({id: "x"})`, "call()"},
		{"empty code", "p", "   ", "required"},
		{"empty id", "", "1", "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := &fakeHost{}
			r := startRuntime(t, host)

			res := r.ExecutePlugin(testContext(t), api.ExecuteParams{ID: tt.id, Code: tt.code})
			assert.False(t, res.Success)
			require.NotNil(t, res.Error)
			assert.Contains(t, res.Error.Message, tt.message)
			assert.Empty(t, r.PluginIDs(), "failed plugin is cleaned up")
		})
	}
}

func TestExecutePluginErrorCarriesStack(t *testing.T) {
	r := startRuntime(t, &fakeHost{})

	res := r.ExecutePlugin(testContext(t), api.ExecuteParams{
		ID:   "p",
		Code: "function inner() { throw new TypeError('bad') }\ninner()",
	})
	require.False(t, res.Success)
	assert.Equal(t, "TypeError: bad", res.Error.Message)
	assert.Contains(t, res.Error.Stack, "inner")
}

func TestExecTimeout(t *testing.T) {
	r := startRuntime(t, &fakeHost{}, WithExecTimeout(50*time.Millisecond))

	res := r.ExecutePlugin(testContext(t), api.ExecuteParams{ID: "spin", Code: "while (true) {}"})
	require.False(t, res.Success)
	assert.Contains(t, res.Error.Message, "execution timeout")

	// The loop is still usable.
	mustExecute(t, r, "ok", "Plugin.log.info('alive')")
}

func TestReplaceNotDuplicate(t *testing.T) {
	host := &fakeHost{}
	r := startRuntime(t, host)

	code := `
Plugin.registerChannel({ id: "dup", call() { return "v" } });
Plugin.on("messageAdded", () => Plugin.log.info("hit"));
`
	mustExecute(t, r, "dup", code)
	mustExecute(t, r, "dup", code)

	assert.Equal(t, []string{"dup"}, r.PluginIDs())
	assert.Equal(t, 1, r.Listeners("dup"))

	require.NoError(t, r.DispatchStoreEvent(testContext(t), api.StoreEvent{Name: api.EventMessageAdded}))
	assert.Eventually(t, func() bool { return len(host.logged("dup")) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, host.logged("dup"), 1, "handler fires once after replace")

	require.NoError(t, r.FlushRelay(testContext(t)))
	assert.Len(t, host.called(api.MethodUnregisterChannel), 1)
	assert.Len(t, host.called(api.MethodRegisterChannel), 2)
}

func TestStopPluginIdempotent(t *testing.T) {
	host := &fakeHost{}
	r := startRuntime(t, host)
	mustExecute(t, r, "p", echoAdapter)

	ctx := testContext(t)
	r.StopPlugin(ctx, "p")
	r.StopPlugin(ctx, "p")
	r.StopPlugin(ctx, "never-loaded")

	assert.Empty(t, r.PluginIDs())
	assert.False(t, r.HasAdapter("p"))
	assert.Len(t, host.called(api.MethodUnregisterChannel), 1)

	_, err := r.CallChannelAdapter(ctx, "p", api.AdapterCall, api.AdapterArgs{}, nil)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestStopPluginWaitsForRegistrationInFlight(t *testing.T) {
	host := &fakeHost{}
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var finished []string
	host.setHandler(func(method string, params any) (any, error) {
		switch method {
		case api.MethodRegisterChannel:
			close(entered)
			<-release
		case api.MethodUnregisterChannel:
		default:
			return nil, nil
		}
		mu.Lock()
		finished = append(finished, method)
		mu.Unlock()
		return nil, nil
	})
	r := startRuntime(t, host)
	mustExecute(t, r, "p", `Plugin.on("updated", () => Plugin.registerChannel({ id: "late", call() { return "" } }))`)

	require.NoError(t, r.DispatchStoreEvent(testContext(t), api.StoreEvent{Name: api.EventUpdated}))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("registration never reached the host")
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		r.StopPlugin(context.Background(), "p")
	}()
	select {
	case <-stopped:
		t.Fatal("StopPlugin returned while a registration was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("StopPlugin did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{api.MethodRegisterChannel, api.MethodUnregisterChannel}, finished)
	unregs := host.called(api.MethodUnregisterChannel)
	require.Len(t, unregs, 1)
	assert.Equal(t, "late", unregs[0].(api.UnregisterChannelParams).ChannelID)
}

func TestCallChannelAdapterSync(t *testing.T) {
	r := startRuntime(t, &fakeHost{})
	mustExecute(t, r, "p", echoAdapter)

	v, err := r.CallChannelAdapter(testContext(t), "p", api.AdapterCall, api.AdapterArgs{
		Messages: []api.ChatMessage{{Role: "user", Content: "hello"}, {Role: "user", Content: "world"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)
	assert.Zero(t, r.PendingCalls(""))
}

func TestCallChannelAdapterAsync(t *testing.T) {
	host := &fakeHost{}
	host.setHandler(func(method string, params any) (any, error) {
		if method == api.MethodGetState {
			return api.State{ActiveConversationID: "c1", Channels: []string{"a", "b"}}, nil
		}
		return nil, nil
	})
	r := startRuntime(t, host)
	mustExecute(t, r, "p", `
Plugin.registerChannel({
	id: "async",
	async call(messages, config) {
		const state = await Plugin.state.get();
		return { content: state.activeConversationId + ":" + state.channels.length + ":" + config.model };
	},
});
`)

	v, err := r.CallChannelAdapter(testContext(t), "p", api.AdapterCall, api.AdapterArgs{
		Config: map[string]any{"model": "m1"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"content": "c1:2:m1"}, v)
}

func TestCallChannelAdapterRejection(t *testing.T) {
	r := startRuntime(t, &fakeHost{})
	mustExecute(t, r, "p", `
Plugin.registerChannel({
	id: "rej",
	call() { return Promise.reject(new Error("nope")) },
	fetchModels() { throw new RangeError("no models") },
});
`)
	ctx := testContext(t)

	_, err := r.CallChannelAdapter(ctx, "p", api.AdapterCall, api.AdapterArgs{}, nil)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "nope", se.Message)

	_, err = r.CallChannelAdapter(ctx, "p", api.AdapterFetchModels, api.AdapterArgs{}, nil)
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "RangeError", se.ErrorName())
}

func TestCallChannelAdapterErrors(t *testing.T) {
	r := startRuntime(t, &fakeHost{})
	mustExecute(t, r, "with", echoAdapter)
	mustExecute(t, r, "without", `Plugin.log.info("no adapter")`)
	ctx := testContext(t)

	models, err := r.CallChannelAdapter(ctx, "with", api.AdapterFetchModels, api.AdapterArgs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{}, models)

	_, err = r.CallChannelAdapter(ctx, "with", "delete", api.AdapterArgs{}, nil)
	assert.ErrorIs(t, err, ErrUnknownAdapterMethod)

	_, err = r.CallChannelAdapter(ctx, "without", api.AdapterCall, api.AdapterArgs{}, nil)
	assert.ErrorIs(t, err, ErrNoAdapter)

	_, err = r.CallChannelAdapter(ctx, "missing", api.AdapterCall, api.AdapterArgs{}, nil)
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestUnclonableUpdateFailsCall(t *testing.T) {
	r := startRuntime(t, &fakeHost{})
	mustExecute(t, r, "p", `
Plugin.registerChannel({
	id: "bad",
	call(messages, config, onUpdate) {
		onUpdate({ fn: function() {} });
		return "unreachable";
	},
});
`)

	_, err := r.CallChannelAdapter(testContext(t), "p", api.AdapterCall, api.AdapterArgs{}, nil)
	assert.ErrorIs(t, err, rpc.ErrNotClonable)
}

func TestCancellationIsPluginScoped(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := startRuntime(t, &fakeHost{}, WithLogger(zap.New(core)))
	mustExecute(t, r, "p", hangingAdapter)
	mustExecute(t, r, "q", hangingAdapter)

	ctx := testContext(t)
	errs := make(chan error, 3)
	var qErr error
	var wg sync.WaitGroup
	for _, id := range []string{"p", "p", "q"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := r.CallChannelAdapter(ctx, id, api.AdapterCall, api.AdapterArgs{}, nil)
			if id == "q" {
				qErr = err
				return
			}
			errs <- err
		}(id)
	}

	require.Eventually(t, func() bool {
		return r.PendingCalls("p") == 2 && r.PendingCalls("q") == 1
	}, 2*time.Second, 5*time.Millisecond)

	r.StopPlugin(ctx, "p")

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, rpc.ErrAborted)
		case <-time.After(2 * time.Second):
			t.Fatal("aborted call did not return")
		}
	}
	assert.Zero(t, r.PendingCalls("p"))
	assert.Equal(t, 1, r.PendingCalls("q"), "other plugin's call is untouched")
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("aborted").FilterField(zap.String("plugin", "p")).Len() == 2
	}, time.Second, 5*time.Millisecond, "abort signal fires in the aborted plugin")

	r.StopPlugin(ctx, "q")
	wg.Wait()
	assert.ErrorIs(t, qErr, rpc.ErrAborted)
	assert.Zero(t, r.PendingCalls(""))
}

func TestSignalAbortedFlag(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := startRuntime(t, &fakeHost{}, WithLogger(zap.New(core)))
	mustExecute(t, r, "p", `
Plugin.registerChannel({
	id: "sig",
	call(messages, config, onUpdate, signal) {
		Plugin.log.info("before:" + signal.aborted);
		signal.addEventListener("abort", () => Plugin.log.info("after:" + signal.aborted));
		return new Promise(() => {});
	},
});
`)
	ctx := testContext(t)
	done := make(chan error, 1)
	go func() {
		_, err := r.CallChannelAdapter(ctx, "p", api.AdapterCall, api.AdapterArgs{}, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.PendingCalls("p") == 1 }, 2*time.Second, 5*time.Millisecond)

	r.StopPlugin(ctx, "p")
	assert.ErrorIs(t, <-done, rpc.ErrAborted)
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("after:true").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("before:false").Len())
}

func TestEventFanOutIsolation(t *testing.T) {
	host := &fakeHost{}
	r := startRuntime(t, host)
	mustExecute(t, r, "a", `Plugin.on("updated", () => { throw new Error("a broke") })`)
	mustExecute(t, r, "b", `Plugin.on("updated", (data, name) => Plugin.log.info(name + ":" + data.n))`)

	err := r.DispatchStoreEvent(testContext(t), api.StoreEvent{Name: api.EventUpdated, Data: map[string]any{"n": 7}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		msgs := host.logged("b")
		return len(msgs) == 1 && msgs[0] == "updated:7"
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, host.logged("a"))
}

func TestUnknownEventRejected(t *testing.T) {
	r := startRuntime(t, &fakeHost{})
	res := r.ExecutePlugin(testContext(t), api.ExecuteParams{ID: "p", Code: `Plugin.on("keypress", () => {})`})
	require.False(t, res.Success)
	assert.Contains(t, res.Error.Message, "unknown event")
}

func TestSubscriptionIsReferenceCounted(t *testing.T) {
	host := &fakeHost{}
	r := startRuntime(t, host)
	ctx := testContext(t)

	mustExecute(t, r, "a", `Plugin.on("messageAdded", () => {})`)
	mustExecute(t, r, "b", `
const off = Plugin.on("messageAdded", () => {});
Plugin.on("conversationChanged", () => {});
`)
	require.NoError(t, r.FlushRelay(ctx))

	subscribed := func() []string {
		var out []string
		for _, p := range host.called(api.MethodSubscribeStoreEvent) {
			out = append(out, p.(api.EventParams).Name)
		}
		return out
	}
	unsubscribed := func() []string {
		var out []string
		for _, p := range host.called(api.MethodUnsubscribeStoreEvent) {
			out = append(out, p.(api.EventParams).Name)
		}
		return out
	}

	assert.Equal(t, []string{"messageAdded", "conversationChanged"}, subscribed())

	r.StopPlugin(ctx, "a")
	require.NoError(t, r.FlushRelay(ctx))
	assert.Empty(t, unsubscribed(), "no unsubscribe while b listens")

	r.StopPlugin(ctx, "b")
	require.NoError(t, r.FlushRelay(ctx))
	assert.ElementsMatch(t, []string{"messageAdded", "conversationChanged"}, unsubscribed())
	assert.Len(t, subscribed(), 2)
}

func TestOffRemovesListener(t *testing.T) {
	host := &fakeHost{}
	r := startRuntime(t, host)
	ctx := testContext(t)

	mustExecute(t, r, "p", `
const handler = () => Plugin.log.info("handler");
Plugin.on("updated", handler);
const unsubscribe = Plugin.on("updated", () => Plugin.log.info("other"));
Plugin.off("updated", handler);
unsubscribe();
`)
	assert.Zero(t, r.Listeners("p"))
	require.NoError(t, r.FlushRelay(ctx))
	assert.Len(t, host.called(api.MethodSubscribeStoreEvent), 1)
	assert.Len(t, host.called(api.MethodUnsubscribeStoreEvent), 1)
}

func TestCapabilitiesAreAttributed(t *testing.T) {
	host := &fakeHost{}
	host.setHandler(func(method string, params any) (any, error) {
		switch method {
		case api.MethodAddMessage:
			return params.(api.AddMessageParams).Message, nil
		case api.MethodStorageGetItem:
			p := params.(api.StorageParams)
			return api.StorageItem{Value: p.PluginID + "/" + p.Key, Found: true}, nil
		}
		return nil, nil
	})
	core, logs := observer.New(zap.InfoLevel)
	r := startRuntime(t, host, WithLogger(zap.New(core)))

	mustExecute(t, r, "writer", `
Plugin.registerChannel({
	id: "w",
	async call() {
		const msg = await Plugin.chat.addMessage({ role: "assistant", content: "hi" });
		await Plugin.chat.updateLastMessage("hi there", { reasoning: "r" });
		await Plugin.chat.finalizeStreamingMessage();
		const v = await Plugin.storage.get("k");
		await Plugin.storage.set("k", "v2");
		await Plugin.storage.remove("k");
		return msg.plugin + "|" + v;
	},
});
`)

	v, err := r.CallChannelAdapter(testContext(t), "writer", api.AdapterCall, api.AdapterArgs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "writer|writer/k", v)

	added := host.called(api.MethodAddMessage)
	require.Len(t, added, 1)
	msg := added[0].(api.AddMessageParams)
	assert.Equal(t, "writer", msg.PluginID)
	assert.Equal(t, "writer", msg.Message.Plugin)
	assert.NotEmpty(t, msg.Message.ID)

	upd := host.called(api.MethodUpdateLastMessage)[0].(api.UpdateLastMessageParams)
	assert.Equal(t, api.UpdateLastMessageParams{PluginID: "writer", Content: "hi there", Reasoning: "r"}, upd)

	set := host.called(api.MethodStorageSetItem)[0].(api.StorageParams)
	assert.Equal(t, api.StorageParams{PluginID: "writer", Key: "k", Value: "v2"}, set)
	assert.Len(t, host.called(api.MethodStorageRemoveItem), 1)
	assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestHybridCapabilities(t *testing.T) {
	host := &fakeHost{}
	host.setHandler(func(method string, params any) (any, error) {
		switch method {
		case api.MethodGetActiveConversation:
			return api.Conversation{
				ID: "c1",
				Metadata: map[string]any{
					"plugins": map[string]any{
						"h.x": map[string]any{"count": 3},
						"other": map[string]any{"count": 9},
					},
				},
			}, nil
		case api.MethodGetPluginSettings:
			return map[string]any{"theme": "dark"}, nil
		}
		return nil, nil
	})
	r := startRuntime(t, host)

	mustExecute(t, r, "h.x", `
Plugin.registerChannel({
	id: "hx",
	async call() {
		const count = await Plugin.conversation.getMetadata("count");
		await Plugin.conversation.setMetadata("count", count + 1);
		await Plugin.conversation.clearMetadata("old");
		const s = await Plugin.settings.get();
		await Plugin.dom.toggleBodyClass("compact", true);
		const ind = await Plugin.ui.addLoadingIndicator("thinking");
		await Plugin.ui.attachLoadingIndicatorToMessage(ind.id, "m1");
		return count + ":" + s.theme;
	},
});
`, api.FormatHybrid)

	v, err := r.CallChannelAdapter(testContext(t), "h.x", api.AdapterCall, api.AdapterArgs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "3:dark", v)

	meta := host.called(api.MethodUpdateConversationMetadata)
	require.Len(t, meta, 2)
	assert.Equal(t, "count", meta[0].(api.MetadataParams).Path)
	assert.EqualValues(t, 4, meta[0].(api.MetadataParams).Value)
	assert.True(t, meta[1].(api.MetadataParams).Delete)

	bc := host.called(api.MethodToggleBodyClass)[0].(api.BodyClassParams)
	require.NotNil(t, bc.Force)
	assert.True(t, *bc.Force)
	assert.Equal(t, "h.x", bc.PluginID)

	attach := host.called(api.MethodAttachLoadingIndicatorToMessage)[0].(api.LoadingIndicatorParams)
	assert.Equal(t, "m1", attach.Indicator.MessageID)
	assert.NotEmpty(t, attach.Indicator.ID)
}

func TestHybridOnlySurface(t *testing.T) {
	r := startRuntime(t, &fakeHost{})
	res := r.ExecutePlugin(testContext(t), api.ExecuteParams{ID: "plain", Code: `Plugin.dom.addBodyClass("x")`})
	require.False(t, res.Success)
	assert.Contains(t, res.Error.Message, "addBodyClass")
}

func TestSettingsOnChangeFiltersByPlugin(t *testing.T) {
	host := &fakeHost{}
	r := startRuntime(t, host)
	mustExecute(t, r, "s", `Plugin.settings.onChange(s => Plugin.log.info("theme:" + s.theme))`, api.FormatHybrid)
	ctx := testContext(t)

	for _, id := range []string{"other", "s"} {
		require.NoError(t, r.DispatchStoreEvent(ctx, api.StoreEvent{
			Name: api.EventPluginSettings,
			Data: map[string]any{"pluginId": id, "settings": map[string]any{"theme": id}},
		}))
	}
	assert.Eventually(t, func() bool {
		msgs := host.logged("s")
		return len(msgs) == 1 && msgs[0] == "theme:s"
	}, time.Second, 5*time.Millisecond)
}

func TestHostErrorsRejectPromises(t *testing.T) {
	host := &fakeHost{}
	host.setHandler(func(method string, params any) (any, error) {
		if method == api.MethodGetState {
			return nil, &rpc.RemoteError{Name: "NotFoundError", Message: "no state"}
		}
		return nil, nil
	})
	r := startRuntime(t, host)
	mustExecute(t, r, "p", `
Plugin.registerChannel({
	id: "e",
	async call() {
		try {
			await Plugin.state.get();
			return "no error";
		} catch (e) {
			return e.name;
		}
	},
});
`)
	v, err := r.CallChannelAdapter(testContext(t), "p", api.AdapterCall, api.AdapterArgs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "NotFoundError", v)
}

func TestRegisterChannelRejectedByHost(t *testing.T) {
	host := &fakeHost{}
	host.setHandler(func(method string, params any) (any, error) {
		if method == api.MethodRegisterChannel {
			return nil, errors.New("channel taken")
		}
		return nil, nil
	})
	core, logs := observer.New(zap.InfoLevel)
	r := startRuntime(t, host, WithLogger(zap.New(core)))

	mustExecute(t, r, "p", `
Plugin.registerChannel({ id: "taken", call() { return "" } })
	.catch(e => Plugin.log.warn("rejected: " + e.message));
`)
	assert.False(t, r.HasAdapter("p"))
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("rejected: channel taken").Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestExecuteAfterCloseFails(t *testing.T) {
	r := New(&fakeHost{}, WithLogger(zap.NewNop()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	r.Close()
	cancel()
	<-done

	res := r.ExecutePlugin(context.Background(), api.ExecuteParams{ID: "p", Code: "1"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error.Message, "loop closed")
}
