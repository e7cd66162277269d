package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// jsEngine runs one plugin in its own goja VM. All methods run on the
// loop.
type jsEngine struct {
	c       *caps
	vm      *goja.Runtime
	timeout time.Duration

	parse     goja.Callable
	stringify goja.Callable
	noop      goja.Callable

	// signals maps abort signal objects handed to adapter calls back to
	// their pending calls.
	signals map[*goja.Object]*pendingCall
	closed  bool
}

func newJSEngine(c *caps, timeout time.Duration) (*jsEngine, error) {
	vm := goja.New()
	e := &jsEngine{
		c:       c,
		vm:      vm,
		timeout: timeout,
		signals: make(map[*goja.Object]*pendingCall),
	}

	jsonObj := vm.Get("JSON").ToObject(vm)
	var ok bool
	if e.parse, ok = goja.AssertFunction(jsonObj.Get("parse")); !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	if e.stringify, ok = goja.AssertFunction(jsonObj.Get("stringify")); !ok {
		return nil, fmt.Errorf("JSON.stringify unavailable")
	}
	e.noop, _ = goja.AssertFunction(vm.ToValue(func(goja.FunctionCall) goja.Value {
		return goja.Undefined()
	}))

	if err := vm.Set("console", e.console()); err != nil {
		return nil, err
	}
	return e, nil
}

// run executes the plugin source as the body of a function whose only
// parameter is the capability object.
func (e *jsEngine) run(ctx context.Context, code string) error {
	src := "(function(Plugin) {\n" + code + "\n})"
	fnVal, err := e.vm.RunScript(e.c.id()+".js", src)
	if err != nil {
		return e.toError(err)
	}
	entry, ok := goja.AssertFunction(fnVal)
	if !ok {
		return &ScriptError{Name: "TypeError", Message: "plugin entry is not a function"}
	}

	plugin := e.pluginObject()
	return e.guard(ctx, func() error {
		_, err := entry(goja.Undefined(), plugin)
		return err
	})
}

func (e *jsEngine) close() {
	if e.closed {
		return
	}
	e.closed = true
	e.signals = nil
	e.vm.ClearInterrupt()
}

// guard runs fn with the execution timeout armed and maps script errors.
func (e *jsEngine) guard(ctx context.Context, fn func() error) error {
	if e.closed {
		return e.c.stoppedErr()
	}
	timer := time.AfterFunc(e.timeout, func() {
		e.vm.Interrupt(ErrExecTimeout)
	})
	stop := context.AfterFunc(ctx, func() {
		e.vm.Interrupt(ctx.Err())
	})
	err := fn()
	timer.Stop()
	stop()
	e.vm.ClearInterrupt()
	if err != nil {
		return e.toError(err)
	}
	return nil
}

// flush runs promise jobs queued by Go-side resolutions.
func (e *jsEngine) flush() {
	if e.closed {
		return
	}
	if err := e.guard(context.Background(), func() error {
		_, err := e.noop(goja.Undefined())
		return err
	}); err != nil {
		e.c.inst.logger.Warn("promise job failed", zap.Error(err))
	}
}

// toError converts a goja error into a Go error.
func (e *jsEngine) toError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			if errors.Is(cause, ErrExecTimeout) {
				return fmt.Errorf("%w after %s", ErrExecTimeout, e.timeout)
			}
			return cause
		}
		return err
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptError{Name: "SyntaxError", Message: syntax.Error()}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		se := e.valueError(ex.Value())
		var script *ScriptError
		if errors.As(se, &script) && script.Stack == "" {
			script.Stack = ex.String()
		}
		return se
	}
	return err
}

// valueError converts a thrown value into a Go error. Go errors thrown back
// through the VM come out unchanged.
func (e *jsEngine) valueError(v goja.Value) error {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		msg := "undefined"
		if v != nil {
			msg = v.String()
		}
		return &ScriptError{Message: msg}
	}
	if inner := obj.Get("value"); inner != nil {
		if err, ok := inner.Export().(error); ok {
			return err
		}
	}
	se := &ScriptError{Message: obj.String()}
	if name := obj.Get("name"); isSet(name) {
		se.Name = name.String()
	}
	if msg := obj.Get("message"); isSet(msg) {
		se.Message = msg.String()
	}
	if stack := obj.Get("stack"); isSet(stack) {
		se.Stack = stack.String()
	}
	return se
}

// jsError converts a Go error into a throwable script error. Errors
// carrying a name keep it, so scripts can test e.name === "AbortError".
func (e *jsEngine) jsError(err error) *goja.Object {
	obj := e.vm.NewGoError(err)
	name := ""
	var re *rpc.RemoteError
	var ne rpc.NamedError
	switch {
	case errors.Is(err, rpc.ErrAborted):
		name = "AbortError"
	case errors.As(err, &re):
		name = re.Name
	case errors.As(err, &ne):
		name = ne.ErrorName()
	}
	if name != "" {
		_ = obj.Set("name", name)
	}
	return obj
}

func (e *jsEngine) throw(err error) {
	panic(e.jsError(err))
}

func (e *jsEngine) typeError(format string, args ...any) {
	panic(e.vm.NewTypeError(fmt.Sprintf(format, args...)))
}

// toJS converts a Go value into a plain script value. Going through JSON
// gives scripts the same field names the wire uses and shares no memory
// with the Go side.
func (e *jsEngine) toJS(v any) goja.Value {
	if v == nil {
		return goja.Null()
	}
	data, err := json.Marshal(v)
	if err != nil {
		e.c.inst.logger.Debug("value not representable", zap.Error(err))
		return goja.Undefined()
	}
	out, err := e.parse(goja.Undefined(), e.vm.ToValue(string(data)))
	if err != nil {
		return goja.Undefined()
	}
	return out
}

// export converts a script value into a clonable Go value. Functions,
// promises and other unclonable values fail with rpc.ErrNotClonable.
func (e *jsEngine) export(v goja.Value) (any, error) {
	if !isSet(v) {
		return nil, nil
	}
	x := v.Export()
	if _, ok := x.(*goja.Promise); ok {
		return nil, fmt.Errorf("%w: promise", rpc.ErrNotClonable)
	}
	if _, err := rpc.Encode(x); err != nil {
		return nil, err
	}
	return x, nil
}

// exportInto decodes a script value into out.
func (e *jsEngine) exportInto(v goja.Value, out any) error {
	x, err := e.export(v)
	if err != nil {
		return err
	}
	return decodeInto(x, out)
}

// str returns the string form of v, or "" when v is undefined or null.
func (e *jsEngine) str(v goja.Value) string {
	if !isSet(v) {
		return ""
	}
	if _, ok := v.(*goja.Object); ok {
		out, err := e.stringify(goja.Undefined(), v)
		if err == nil && isSet(out) {
			return out.String()
		}
	}
	return v.String()
}

func isSet(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

// decodeInto converts a generic value into out through the wire codec.
func decodeInto(v any, out any) error {
	data, err := rpc.Encode(v)
	if err != nil {
		return err
	}
	return rpc.Decode(data, out)
}

// hostPromise runs op off the loop and returns a promise settled with its
// result on the loop.
func (e *jsEngine) hostPromise(op func() (any, error)) goja.Value {
	p, resolve, reject := e.vm.NewPromise()
	e.c.async(op, func(v any, err error) {
		if e.closed {
			return
		}
		if err != nil {
			reject(e.jsError(err))
		} else {
			resolve(e.toJS(v))
		}
		e.flush()
	})
	return e.vm.ToValue(p)
}

func (e *jsEngine) method(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	_ = obj.Set(name, fn)
}

// pluginObject builds the capability object handed to the plugin.
func (e *jsEngine) pluginObject() *goja.Object {
	vm := e.vm
	c := e.c
	p := vm.NewObject()
	_ = p.Set("id", c.id())
	_ = p.Set("meta", e.toJS(c.inst.meta))

	e.method(p, "registerChannel", e.registerChannel)
	e.method(p, "unregisterChannel", func(call goja.FunctionCall) goja.Value {
		return e.hostPromise(c.unregisterChannel(call.Argument(0).String()))
	})
	e.method(p, "on", func(call goja.FunctionCall) goja.Value {
		return e.on(call.Argument(0).String(), call.Argument(1), nil)
	})
	e.method(p, "off", func(call goja.FunctionCall) goja.Value {
		event, fn := call.Argument(0).String(), call.Argument(1)
		if !isSet(fn) {
			c.off(event, nil)
			return goja.Undefined()
		}
		c.off(event, func(l *listener) bool {
			key, ok := l.key.(goja.Value)
			return ok && key.SameAs(fn)
		})
		return goja.Undefined()
	})

	_ = p.Set("chat", e.chatObject())
	_ = p.Set("state", e.stateObject())
	_ = p.Set("storage", e.storageObject())
	_ = p.Set("log", e.logObject())
	_ = p.Set("http", e.httpObject())

	if c.hybrid() {
		_ = p.Set("settings", e.settingsObject())
		_ = p.Set("conversation", e.metadataObject())
		_ = p.Set("dom", e.domObject())
		_ = p.Set("ui", e.uiObject())
	}
	return p
}

func (e *jsEngine) registerChannel(call goja.FunctionCall) goja.Value {
	arg, ok := call.Argument(0).(*goja.Object)
	if !ok || arg == nil {
		e.typeError("registerChannel expects an adapter object")
	}
	callFn, ok := goja.AssertFunction(arg.Get("call"))
	if !ok {
		e.typeError("channel adapter must implement call()")
	}
	fetchFn, _ := goja.AssertFunction(arg.Get("fetchModels"))

	desc := api.ChannelDescription{
		ID:    e.str(arg.Get("id")),
		Label: e.str(arg.Get("label")),
	}
	if err := e.exportInto(arg.Get("capabilities"), &desc.Capabilities); err != nil {
		e.throw(err)
	}
	if err := e.exportInto(arg.Get("defaultConfig"), &desc.DefaultConfig); err != nil {
		e.throw(err)
	}

	ad := &jsAdapter{e: e, call: callFn, fetchModels: fetchFn}
	op, err := e.c.registerChannel(desc, ad)
	if err != nil {
		e.throw(err)
	}
	return e.hostPromise(op)
}

// on subscribes fn to event and returns an unsubscribe function. filter,
// if set, maps the event to the handler's argument and may suppress it.
func (e *jsEngine) on(event string, fnVal goja.Value, filter func(api.StoreEvent) (any, bool)) goja.Value {
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		e.typeError("listener for %q is not a function", event)
	}
	l, err := e.c.on(event, fnVal, func(ev api.StoreEvent) error {
		arg := ev.Data
		if filter != nil {
			var deliver bool
			if arg, deliver = filter(ev); !deliver {
				return nil
			}
		}
		return e.guard(e.c.inst.ctx, func() error {
			_, err := fn(goja.Undefined(), e.toJS(arg), e.vm.ToValue(ev.Name))
			return err
		})
	})
	if err != nil {
		e.throw(err)
	}
	return e.vm.ToValue(func(goja.FunctionCall) goja.Value {
		e.c.off(event, func(x *listener) bool { return x == l })
		return goja.Undefined()
	})
}

func (e *jsEngine) chatObject() *goja.Object {
	c := e.c
	obj := e.vm.NewObject()
	e.method(obj, "addMessage", func(call goja.FunctionCall) goja.Value {
		var opts struct {
			api.Message
			ConversationID string `json:"conversationId"`
		}
		arg := call.Argument(0)
		if _, isObj := arg.(*goja.Object); isObj {
			if err := e.exportInto(arg, &opts); err != nil {
				e.throw(err)
			}
		} else {
			opts.Content = e.str(arg)
		}
		return e.hostPromise(func() (any, error) {
			return c.addMessage(opts.ConversationID, opts.Message)
		})
	})
	e.method(obj, "updateLastMessage", func(call goja.FunctionCall) goja.Value {
		var opts struct {
			Reasoning      string `json:"reasoning"`
			ConversationID string `json:"conversationId"`
		}
		content := e.str(call.Argument(0))
		if err := e.exportInto(call.Argument(1), &opts); err != nil {
			e.throw(err)
		}
		return e.hostPromise(func() (any, error) {
			return nil, c.updateLastMessage(opts.ConversationID, content, opts.Reasoning)
		})
	})
	e.method(obj, "finalizeStreamingMessage", func(call goja.FunctionCall) goja.Value {
		convID := e.str(call.Argument(0))
		return e.hostPromise(func() (any, error) {
			return nil, c.finalize(convID)
		})
	})
	return obj
}

func (e *jsEngine) stateObject() *goja.Object {
	c := e.c
	obj := e.vm.NewObject()
	e.method(obj, "get", func(goja.FunctionCall) goja.Value {
		return e.hostPromise(func() (any, error) { return c.getState() })
	})
	e.method(obj, "activeConversation", func(goja.FunctionCall) goja.Value {
		return e.hostPromise(func() (any, error) { return c.activeConversation() })
	})
	e.method(obj, "conversation", func(call goja.FunctionCall) goja.Value {
		id := e.str(call.Argument(0))
		return e.hostPromise(func() (any, error) { return c.conversation(id) })
	})
	e.method(obj, "persist", func(goja.FunctionCall) goja.Value {
		return e.hostPromise(func() (any, error) { return nil, c.persist() })
	})
	return obj
}

func (e *jsEngine) storageObject() *goja.Object {
	c := e.c
	obj := e.vm.NewObject()
	e.method(obj, "get", func(call goja.FunctionCall) goja.Value {
		key := e.str(call.Argument(0))
		return e.hostPromise(func() (any, error) {
			item, err := c.storageGet(key)
			if err != nil || !item.Found {
				return nil, err
			}
			return item.Value, nil
		})
	})
	e.method(obj, "set", func(call goja.FunctionCall) goja.Value {
		key, value := e.str(call.Argument(0)), e.str(call.Argument(1))
		return e.hostPromise(func() (any, error) { return nil, c.storageSet(key, value) })
	})
	e.method(obj, "remove", func(call goja.FunctionCall) goja.Value {
		key := e.str(call.Argument(0))
		return e.hostPromise(func() (any, error) { return nil, c.storageRemove(key) })
	})
	return obj
}

func (e *jsEngine) logObject() *goja.Object {
	obj := e.vm.NewObject()
	for _, level := range []string{"debug", "info", "warn", "error"} {
		e.method(obj, level, func(call goja.FunctionCall) goja.Value {
			var fields map[string]any
			if f := call.Argument(1); isSet(f) {
				if err := e.exportInto(f, &fields); err != nil {
					fields = map[string]any{"fields": e.str(f)}
				}
			}
			e.c.log(level, e.str(call.Argument(0)), fields)
			return goja.Undefined()
		})
	}
	return obj
}

func (e *jsEngine) console() *goja.Object {
	obj := e.vm.NewObject()
	levels := map[string]string{"log": "info", "info": "info", "debug": "debug", "warn": "warn", "error": "error"}
	for name, level := range levels {
		e.method(obj, name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, e.str(arg))
			}
			e.c.log(level, strings.Join(parts, " "), nil)
			return goja.Undefined()
		})
	}
	return obj
}

func (e *jsEngine) httpObject() *goja.Object {
	obj := e.vm.NewObject()
	e.method(obj, "request", func(call goja.FunctionCall) goja.Value {
		return e.httpCall(call.Argument(0), nil)
	})
	e.method(obj, "stream", func(call goja.FunctionCall) goja.Value {
		onChunk, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			e.typeError("http.stream expects a chunk callback")
		}
		return e.httpCall(call.Argument(0), onChunk)
	})
	return obj
}

// httpCall performs the request on its own goroutine. Streamed lines are
// delivered to onChunk on the loop, in order, before the promise settles.
func (e *jsEngine) httpCall(optsVal goja.Value, onChunk goja.Callable) goja.Value {
	var req HTTPRequest
	var sig *pendingCall
	if obj, ok := optsVal.(*goja.Object); ok {
		req.URL = e.str(obj.Get("url"))
		req.Method = e.str(obj.Get("method"))
		req.Body = e.str(obj.Get("body"))
		if err := e.exportInto(obj.Get("headers"), &req.Headers); err != nil {
			e.throw(err)
		}
		if s, ok := obj.Get("signal").(*goja.Object); ok {
			sig = e.signals[s]
		}
	} else {
		req.URL = e.str(optsVal)
	}

	p, resolve, reject := e.vm.NewPromise()
	if sig != nil && sig.aborted() {
		reject(e.jsError(rpc.ErrAborted))
		return e.vm.ToValue(p)
	}

	ctx, cancel := context.WithCancel(e.c.inst.ctx)
	var onLine func(string)
	if onChunk != nil {
		onLine = func(line string) {
			_ = e.c.r.loop.Post(func() {
				if e.closed {
					return
				}
				if err := e.guard(ctx, func() error {
					_, err := onChunk(goja.Undefined(), e.vm.ToValue(line))
					return err
				}); err != nil {
					e.c.inst.logger.Debug("stream chunk handler failed", zap.Error(err))
				}
			})
		}
	}

	go func() {
		defer cancel()
		if sig != nil {
			stop := context.AfterFunc(sig.ctx, cancel)
			defer stop()
		}
		resp, err := e.c.httpDo(ctx, req, onLine)
		if err != nil && sig != nil && sig.aborted() {
			err = fmt.Errorf("%w: %v", rpc.ErrAborted, err)
		}
		_ = e.c.r.loop.Post(func() {
			if e.closed {
				return
			}
			if err != nil {
				reject(e.jsError(err))
			} else {
				resolve(e.toJS(resp))
			}
			e.flush()
		})
	}()
	return e.vm.ToValue(p)
}

func (e *jsEngine) settingsObject() *goja.Object {
	c := e.c
	obj := e.vm.NewObject()
	e.method(obj, "get", func(goja.FunctionCall) goja.Value {
		return e.hostPromise(func() (any, error) { return c.settingsGet() })
	})
	e.method(obj, "set", func(call goja.FunctionCall) goja.Value {
		var settings map[string]any
		if err := e.exportInto(call.Argument(0), &settings); err != nil {
			e.throw(err)
		}
		return e.hostPromise(func() (any, error) { return nil, c.settingsSet(settings) })
	})
	e.method(obj, "onChange", func(call goja.FunctionCall) goja.Value {
		return e.on(api.EventPluginSettings, call.Argument(0), settingsFilter(c.id()))
	})
	return obj
}

// settingsFilter passes only settings changes for pluginID and hands the
// handler the new settings.
func settingsFilter(pluginID string) func(api.StoreEvent) (any, bool) {
	return func(ev api.StoreEvent) (any, bool) {
		data, ok := ev.Data.(map[string]any)
		if !ok || data["pluginId"] != pluginID {
			return nil, false
		}
		return data["settings"], true
	}
}

func (e *jsEngine) metadataObject() *goja.Object {
	c := e.c
	obj := e.vm.NewObject()
	e.method(obj, "getMetadata", func(call goja.FunctionCall) goja.Value {
		path, convID := e.str(call.Argument(0)), e.str(call.Argument(1))
		return e.hostPromise(func() (any, error) { return c.metadataGet(convID, path) })
	})
	e.method(obj, "setMetadata", func(call goja.FunctionCall) goja.Value {
		path := e.str(call.Argument(0))
		value, err := e.export(call.Argument(1))
		if err != nil {
			e.throw(err)
		}
		convID := e.str(call.Argument(2))
		return e.hostPromise(func() (any, error) { return nil, c.metadataSet(convID, path, value) })
	})
	e.method(obj, "clearMetadata", func(call goja.FunctionCall) goja.Value {
		path, convID := e.str(call.Argument(0)), e.str(call.Argument(1))
		return e.hostPromise(func() (any, error) { return nil, c.metadataClear(convID, path) })
	})
	return obj
}

func (e *jsEngine) domObject() *goja.Object {
	c := e.c
	obj := e.vm.NewObject()
	e.method(obj, "addBodyClass", func(call goja.FunctionCall) goja.Value {
		class := e.str(call.Argument(0))
		return e.hostPromise(func() (any, error) { return nil, c.bodyClass(api.MethodAddBodyClass, class, nil) })
	})
	e.method(obj, "removeBodyClass", func(call goja.FunctionCall) goja.Value {
		class := e.str(call.Argument(0))
		return e.hostPromise(func() (any, error) { return nil, c.bodyClass(api.MethodRemoveBodyClass, class, nil) })
	})
	e.method(obj, "toggleBodyClass", func(call goja.FunctionCall) goja.Value {
		class := e.str(call.Argument(0))
		var force *bool
		if f := call.Argument(1); isSet(f) {
			b := f.ToBoolean()
			force = &b
		}
		return e.hostPromise(func() (any, error) { return nil, c.bodyClass(api.MethodToggleBodyClass, class, force) })
	})
	return obj
}

func (e *jsEngine) uiObject() *goja.Object {
	c := e.c
	obj := e.vm.NewObject()
	e.method(obj, "addLoadingIndicator", func(call goja.FunctionCall) goja.Value {
		label, msgID := e.str(call.Argument(0)), e.str(call.Argument(1))
		return e.hostPromise(func() (any, error) { return c.addLoadingIndicator(label, msgID) })
	})
	e.method(obj, "attachLoadingIndicatorToMessage", func(call goja.FunctionCall) goja.Value {
		indID, msgID := e.str(call.Argument(0)), e.str(call.Argument(1))
		return e.hostPromise(func() (any, error) { return nil, c.attachLoadingIndicator(indID, msgID) })
	})
	return obj
}

// newSignal returns the abort signal object for pc.
func (e *jsEngine) newSignal(pc *pendingCall) *goja.Object {
	vm := e.vm
	sig := vm.NewObject()
	var handlers []goja.Value

	_ = sig.DefineAccessorProperty("aborted", vm.ToValue(func(goja.FunctionCall) goja.Value {
		return vm.ToValue(pc.aborted())
	}), nil, goja.FLAG_FALSE, goja.FLAG_TRUE)
	_ = sig.Set("reason", goja.Undefined())
	_ = sig.Set("onabort", goja.Null())
	e.method(sig, "addEventListener", func(call goja.FunctionCall) goja.Value {
		if call.Argument(0).String() == "abort" {
			if _, ok := goja.AssertFunction(call.Argument(1)); ok {
				handlers = append(handlers, call.Argument(1))
			}
		}
		return goja.Undefined()
	})
	e.method(sig, "removeEventListener", func(call goja.FunctionCall) goja.Value {
		fn := call.Argument(1)
		for i, h := range handlers {
			if h.SameAs(fn) {
				handlers = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})
	e.method(sig, "throwIfAborted", func(goja.FunctionCall) goja.Value {
		if pc.aborted() {
			e.throw(rpc.ErrAborted)
		}
		return goja.Undefined()
	})

	pc.onAbort = func() {
		if e.closed {
			return
		}
		_ = sig.Set("reason", e.jsError(rpc.ErrAborted))
		fns := append([]goja.Value{sig.Get("onabort")}, handlers...)
		for _, v := range fns {
			fn, ok := goja.AssertFunction(v)
			if !ok {
				continue
			}
			if err := e.guard(context.Background(), func() error {
				_, err := fn(sig)
				return err
			}); err != nil {
				e.c.inst.logger.Debug("abort handler failed", zap.Error(err))
			}
		}
	}
	e.signals[sig] = pc
	pc.release = func() {
		if e.signals != nil {
			delete(e.signals, sig)
		}
	}
	return sig
}

// jsAdapter is a channel adapter object living in a JS VM.
type jsAdapter struct {
	e           *jsEngine
	call        goja.Callable
	fetchModels goja.Callable
}

func (a *jsAdapter) has(method string) bool {
	switch method {
	case api.AdapterCall:
		return a.call != nil
	case api.AdapterFetchModels:
		return a.fetchModels != nil
	}
	return false
}

func (a *jsAdapter) invoke(pc *pendingCall, method string, args api.AdapterArgs, update func(any) error) <-chan outcome {
	e := a.e
	ch := make(chan outcome, 1)
	settled := false
	settle := func(v any, err error) {
		if settled {
			return
		}
		settled = true
		ch <- outcome{value: v, err: err}
	}

	config := args.Config
	if config == nil {
		config = map[string]any{}
	}
	messages := args.Messages
	if messages == nil {
		messages = []api.ChatMessage{}
	}

	var result goja.Value
	err := e.guard(e.c.inst.ctx, func() error {
		var err error
		switch method {
		case api.AdapterFetchModels:
			result, err = a.fetchModels(goja.Undefined(), e.toJS(config))
		default:
			onUpdate := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
				v, err := e.export(call.Argument(0))
				if err != nil {
					e.throw(err)
				}
				if err := update(v); err != nil {
					e.throw(err)
				}
				return goja.Undefined()
			})
			result, err = a.call(goja.Undefined(), e.toJS(messages), e.toJS(config), onUpdate, e.newSignal(pc))
		}
		return err
	})
	if err != nil {
		settle(nil, err)
		return ch
	}

	promise, ok := result.Export().(*goja.Promise)
	if !ok {
		settle(e.export(result))
		return ch
	}

	switch promise.State() {
	case goja.PromiseStateFulfilled:
		settle(e.export(promise.Result()))
		return ch
	case goja.PromiseStateRejected:
		settle(nil, e.valueError(promise.Result()))
		return ch
	}

	then, ok := goja.AssertFunction(result.ToObject(e.vm).Get("then"))
	if !ok {
		settle(nil, &ScriptError{Name: "TypeError", Message: "adapter returned a non-thenable promise"})
		return ch
	}
	onFulfilled := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		settle(e.export(call.Argument(0)))
		return goja.Undefined()
	})
	onRejected := e.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		settle(nil, e.valueError(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := then(result, onFulfilled, onRejected); err != nil {
		settle(nil, e.toError(err))
	}
	return ch
}
