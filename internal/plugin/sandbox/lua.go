package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/parley/internal/plugin/api"
	pluginlua "github.com/dshills/parley/internal/plugin/lua"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// luaEngine runs one Lua plugin. Lua plugins are synchronous: host calls
// block the plugin until the host answers, and adapter calls settle before
// invoke returns.
type luaEngine struct {
	c       *caps
	state   *pluginlua.State
	bridge  *pluginlua.Bridge
	timeout time.Duration
}

func newLuaEngine(c *caps, timeout time.Duration) (*luaEngine, error) {
	state, err := pluginlua.NewState(pluginlua.WithExecutionTimeout(0))
	if err != nil {
		return nil, err
	}
	return &luaEngine{
		c:       c,
		state:   state,
		bridge:  state.Bridge(),
		timeout: timeout,
	}, nil
}

// run loads the chunk and calls it with the plugin table as its only
// argument, available in the chunk as "...".
func (e *luaEngine) run(ctx context.Context, code string) error {
	fn, err := e.state.Load(e.c.id()+".lua", code)
	if err != nil {
		return e.toError(ctx, err)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err = e.state.CallFunction(ctx, fn, e.pluginTable())
	return e.toError(ctx, err)
}

func (e *luaEngine) close() {
	_ = e.state.Close()
}

// toError maps Lua failures. Go errors raised through raise come out
// unchanged.
func (e *luaEngine) toError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pluginlua.ErrExecutionTimeout) {
		return fmt.Errorf("%w after %s", ErrExecTimeout, e.timeout)
	}
	if errors.Is(err, pluginlua.ErrStateClosed) {
		return e.c.stoppedErr()
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if ud, ok := apiErr.Object.(*lua.LUserData); ok {
			if goErr, ok := ud.Value.(error); ok {
				return goErr
			}
		}
		name := "LuaError"
		if apiErr.Type == lua.ApiErrorSyntax {
			name = "SyntaxError"
		}
		msg := err.Error()
		if apiErr.Object != nil {
			msg = apiErr.Object.String()
		}
		return &ScriptError{Name: name, Message: msg, Stack: apiErr.StackTrace}
	}
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", rpc.ErrAborted, err)
	}
	return err
}

// raise throws err into Lua so it can be recovered intact on the Go side.
func (e *luaEngine) raise(L *lua.LState, err error) int {
	ud := L.NewUserData()
	ud.Value = err
	L.Error(ud, 1)
	return 0
}

func (e *luaEngine) fn(L *lua.LState, tbl *lua.LTable, name string, f lua.LGFunction) {
	L.SetField(tbl, name, L.NewFunction(f))
}

// push pushes v, or raises err.
func (e *luaEngine) push(L *lua.LState, v any, err error) int {
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(e.bridge.ToLuaValue(v))
	return 1
}

// pluginTable builds the capability table handed to the chunk.
func (e *luaEngine) pluginTable() *lua.LTable {
	L := e.state.L
	c := e.c
	p := L.NewTable()
	L.SetField(p, "id", lua.LString(c.id()))
	L.SetField(p, "meta", e.bridge.ToLuaValue(c.inst.meta))

	e.fn(L, p, "register_channel", e.registerChannel)
	e.fn(L, p, "unregister_channel", e.unregisterChannel)
	e.fn(L, p, "on", e.on)
	e.fn(L, p, "off", e.off)

	chat := L.NewTable()
	e.fn(L, chat, "add_message", e.addMessage)
	e.fn(L, chat, "update_last_message", e.updateLastMessage)
	e.fn(L, chat, "finalize_streaming_message", e.finalize)
	L.SetField(p, "chat", chat)

	state := L.NewTable()
	e.fn(L, state, "get", func(L *lua.LState) int {
		v, err := c.sync(func() (any, error) { return c.getState() })
		return e.push(L, v, err)
	})
	e.fn(L, state, "active_conversation", func(L *lua.LState) int {
		v, err := c.sync(func() (any, error) { return c.activeConversation() })
		return e.push(L, v, err)
	})
	e.fn(L, state, "conversation", func(L *lua.LState) int {
		id := L.OptString(1, "")
		v, err := c.sync(func() (any, error) { return c.conversation(id) })
		return e.push(L, v, err)
	})
	L.SetField(p, "state", state)

	storage := L.NewTable()
	e.fn(L, storage, "get", e.storageGet)
	e.fn(L, storage, "set", func(L *lua.LState) int {
		key, value := L.CheckString(1), L.CheckString(2)
		_, err := c.sync(func() (any, error) { return nil, c.storageSet(key, value) })
		return e.push(L, nil, err)
	})
	e.fn(L, storage, "remove", func(L *lua.LState) int {
		key := L.CheckString(1)
		_, err := c.sync(func() (any, error) { return nil, c.storageRemove(key) })
		return e.push(L, nil, err)
	})
	L.SetField(p, "storage", storage)

	logTbl := L.NewTable()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		e.fn(L, logTbl, level, func(L *lua.LState) int {
			var fields map[string]any
			if t, ok := L.Get(2).(*lua.LTable); ok {
				fields, _ = e.bridge.ToGoValue(t).(map[string]any)
			}
			c.log(level, L.CheckString(1), fields)
			return 0
		})
	}
	L.SetField(p, "log", logTbl)

	httpTbl := L.NewTable()
	e.fn(L, httpTbl, "request", func(L *lua.LState) int {
		return e.httpCall(L, nil)
	})
	e.fn(L, httpTbl, "stream", func(L *lua.LState) int {
		return e.httpCall(L, L.CheckFunction(2))
	})
	L.SetField(p, "http", httpTbl)

	return p
}

// register_channel(adapter) -> string
// Installs the adapter table as the plugin's channel adapter. The table
// needs an id and a call function; fetch_models is optional.
func (e *luaEngine) registerChannel(L *lua.LState) int {
	t := L.CheckTable(1)
	callFn, ok := e.bridge.GetTableFunc(t, "call")
	if !ok {
		L.ArgError(1, "channel adapter must implement call")
		return 0
	}
	fetchFn, _ := e.bridge.GetTableFunc(t, "fetch_models")

	id, _ := e.bridge.GetTableString(t, "id")
	label, _ := e.bridge.GetTableString(t, "label")
	desc := api.ChannelDescription{
		ID:            id,
		Label:         label,
		Capabilities:  e.bridge.GetTableMap(t, "capabilities"),
		DefaultConfig: e.bridge.GetTableMap(t, "default_config"),
	}

	op, err := e.c.registerChannel(desc, &luaAdapter{e: e, call: callFn, fetchModels: fetchFn})
	if err != nil {
		return e.raise(L, err)
	}
	v, err := e.c.sync(op)
	return e.push(L, v, err)
}

// unregister_channel(id)
func (e *luaEngine) unregisterChannel(L *lua.LState) int {
	_, err := e.c.sync(e.c.unregisterChannel(L.CheckString(1)))
	return e.push(L, nil, err)
}

// on(event, fn) -> function
// Subscribes fn(data, event) to a store event and returns a function that
// removes the subscription.
func (e *luaEngine) on(L *lua.LState) int {
	event := L.CheckString(1)
	fn := L.CheckFunction(2)
	l, err := e.c.on(event, fn, func(ev api.StoreEvent) error {
		ctx, cancel := context.WithTimeout(e.c.inst.ctx, e.timeout)
		defer cancel()
		_, err := e.state.CallFunction(ctx, fn, e.bridge.ToLuaValue(ev.Data), lua.LString(ev.Name))
		return e.toError(ctx, err)
	})
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(L.NewFunction(func(L *lua.LState) int {
		e.c.off(event, func(x *listener) bool { return x == l })
		return 0
	}))
	return 1
}

// off(event, [fn])
// Removes the plugin's listeners for event; all of them when fn is nil.
func (e *luaEngine) off(L *lua.LState) int {
	event := L.CheckString(1)
	fn, ok := L.Get(2).(*lua.LFunction)
	if !ok {
		e.c.off(event, nil)
		return 0
	}
	e.c.off(event, func(l *listener) bool {
		key, ok := l.key.(*lua.LFunction)
		return ok && key == fn
	})
	return 0
}

// add_message(content | {role, content, reasoning, conversation_id}) -> message
func (e *luaEngine) addMessage(L *lua.LState) int {
	var msg api.Message
	convID := ""
	switch v := L.Get(1).(type) {
	case *lua.LTable:
		msg.Role, _ = e.bridge.GetTableString(v, "role")
		msg.Content, _ = e.bridge.GetTableString(v, "content")
		msg.Reasoning, _ = e.bridge.GetTableString(v, "reasoning")
		msg.Extra = e.bridge.GetTableMap(v, "extra")
		convID, _ = e.bridge.GetTableString(v, "conversation_id")
	default:
		msg.Content = L.CheckString(1)
	}
	v, err := e.c.sync(func() (any, error) { return e.c.addMessage(convID, msg) })
	return e.push(L, v, err)
}

// update_last_message(content, [{reasoning, conversation_id}])
func (e *luaEngine) updateLastMessage(L *lua.LState) int {
	content := L.CheckString(1)
	var reasoning, convID string
	if t, ok := L.Get(2).(*lua.LTable); ok {
		reasoning, _ = e.bridge.GetTableString(t, "reasoning")
		convID, _ = e.bridge.GetTableString(t, "conversation_id")
	}
	_, err := e.c.sync(func() (any, error) { return nil, e.c.updateLastMessage(convID, content, reasoning) })
	return e.push(L, nil, err)
}

// finalize_streaming_message([conversation_id])
func (e *luaEngine) finalize(L *lua.LState) int {
	convID := L.OptString(1, "")
	_, err := e.c.sync(func() (any, error) { return nil, e.c.finalize(convID) })
	return e.push(L, nil, err)
}

// get(key) -> string | nil
func (e *luaEngine) storageGet(L *lua.LState) int {
	key := L.CheckString(1)
	v, err := e.c.sync(func() (any, error) { return e.c.storageGet(key) })
	if err != nil {
		return e.raise(L, err)
	}
	item, _ := v.(api.StorageItem)
	if !item.Found {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(item.Value))
	return 1
}

// request(url | {url, method, headers, body}) -> {status, ok, headers, body}
// stream(opts, on_chunk) -> {status, ok, headers}
// Stream lines are handed to on_chunk as they arrive.
func (e *luaEngine) httpCall(L *lua.LState, onChunk *lua.LFunction) int {
	var req HTTPRequest
	switch v := L.Get(1).(type) {
	case *lua.LTable:
		req.URL, _ = e.bridge.GetTableString(v, "url")
		req.Method, _ = e.bridge.GetTableString(v, "method")
		req.Body, _ = e.bridge.GetTableString(v, "body")
		for k, hv := range e.bridge.GetTableMap(v, "headers") {
			if req.Headers == nil {
				req.Headers = make(map[string]string)
			}
			req.Headers[k] = fmt.Sprint(hv)
		}
	default:
		req.URL = L.CheckString(1)
	}

	var onLine func(string)
	var chunkErr error
	if onChunk != nil {
		onLine = func(line string) {
			if chunkErr != nil {
				return
			}
			chunkErr = L.CallByParam(lua.P{Fn: onChunk, NRet: 0, Protect: true}, lua.LString(line))
		}
	}

	ctx := L.Context()
	if ctx == nil {
		ctx = e.c.inst.ctx
	}
	resp, err := e.c.httpDo(ctx, req, onLine)
	if err == nil {
		err = chunkErr
	}
	if err != nil {
		return e.raise(L, err)
	}
	L.Push(e.bridge.ToLuaValue(resp))
	return 1
}

// luaAdapter is a channel adapter table living in a Lua state.
type luaAdapter struct {
	e           *luaEngine
	call        *lua.LFunction
	fetchModels *lua.LFunction
}

func (a *luaAdapter) has(method string) bool {
	switch method {
	case api.AdapterCall:
		return a.call != nil
	case api.AdapterFetchModels:
		return a.fetchModels != nil
	}
	return false
}

// invoke calls the adapter synchronously. call(messages, config, on_update,
// signal) receives a signal table whose aborted() reports cancellation.
func (a *luaAdapter) invoke(pc *pendingCall, method string, args api.AdapterArgs, update func(any) error) <-chan outcome {
	e := a.e
	L := e.state.L
	ch := make(chan outcome, 1)

	ctx, cancel := context.WithCancel(pc.ctx)
	defer cancel()
	stop := context.AfterFunc(e.c.inst.ctx, cancel)
	defer stop()

	config := args.Config
	if config == nil {
		config = map[string]any{}
	}

	var (
		results []lua.LValue
		err     error
	)
	switch method {
	case api.AdapterFetchModels:
		fetchCtx, cancelFetch := context.WithTimeout(ctx, e.timeout)
		defer cancelFetch()
		results, err = e.state.CallFunction(fetchCtx, a.fetchModels, e.bridge.ToLuaValue(config))
		err = e.toError(fetchCtx, err)
	default:
		onUpdate := L.NewFunction(func(L *lua.LState) int {
			v, err := e.bridge.Export(L.Get(1))
			if err != nil {
				return e.raise(L, fmt.Errorf("%w: %v", rpc.ErrNotClonable, err))
			}
			if err := update(v); err != nil {
				return e.raise(L, err)
			}
			return 0
		})
		signal := L.NewTable()
		e.fn(L, signal, "aborted", func(L *lua.LState) int {
			L.Push(lua.LBool(pc.aborted()))
			return 1
		})
		results, err = e.state.CallFunction(ctx, a.call,
			e.bridge.ToLuaValue(args.Messages), e.bridge.ToLuaValue(config), onUpdate, signal)
		err = e.toError(ctx, err)
	}

	if err != nil {
		if pc.aborted() {
			err = fmt.Errorf("%w: %v", rpc.ErrAborted, err)
		}
		ch <- outcome{err: err}
		return ch
	}
	var value any
	if len(results) > 0 {
		value, err = e.bridge.Export(results[0])
		if err != nil {
			err = fmt.Errorf("%w: %v", rpc.ErrNotClonable, err)
		}
	}
	ch <- outcome{value: value, err: err}
	return ch
}
