package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dshills/parley/internal/metrics"
	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// Default limits.
const (
	DefaultExecTimeout = 5 * time.Second
	DefaultCallTimeout = 30 * time.Second
	DefaultHTTPRate    = 10
	DefaultHTTPBurst   = 20
)

// Caller issues calls to the host. *rpc.Peer implements it.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
	Notify(ctx context.Context, method string, params any) error
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithMetrics sets the collectors the runtime reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runtime) {
		r.metrics = m
	}
}

// WithExecTimeout bounds each synchronous entry into plugin code: top-level
// execution, event handlers and the synchronous part of adapter calls.
func WithExecTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.execTimeout = d
	}
}

// WithCallTimeout bounds each call the runtime makes to the host.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		r.callTimeout = d
	}
}

// WithHTTPClient sets the client used by the http capability.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runtime) {
		r.httpClient = c
	}
}

// WithHTTPRate sets the per-plugin request rate of the http capability.
func WithHTTPRate(limit rate.Limit, burst int) Option {
	return func(r *Runtime) {
		r.httpRate = limit
		r.httpBurst = burst
	}
}

// instance is one running plugin.
type instance struct {
	id      string
	meta    api.PluginMeta
	ctx     context.Context
	cancel  context.CancelFunc
	outbox  *serialQueue
	limiter *rate.Limiter
	logger  *zap.Logger

	// Guarded by Runtime.mu.
	engine  engine
	adapter adapter
	channel string
	stopped bool
}

// engine is a script VM for one plugin. Methods run on the loop.
type engine interface {
	run(ctx context.Context, code string) error
	close()
}

// adapter is a channel adapter living in a plugin's VM. Methods run on the
// loop.
type adapter interface {
	has(method string) bool
	// invoke starts method and returns a channel that receives the settled
	// outcome exactly once.
	invoke(pc *pendingCall, method string, args api.AdapterArgs, update func(any) error) <-chan outcome
}

type outcome struct {
	value any
	err   error
}

// Runtime is the isolated plugin runtime.
type Runtime struct {
	loop    *Loop
	host    Caller
	logger  *zap.Logger
	metrics *metrics.Metrics

	execTimeout time.Duration
	callTimeout time.Duration
	httpClient  *http.Client
	httpRate    rate.Limit
	httpBurst   int

	ctx    context.Context
	cancel context.CancelFunc
	relay  *serialQueue
	events *subscriptions

	mu      sync.Mutex
	plugins map[string]*instance
	pending map[string]*pendingCall

	closeOnce sync.Once
}

// New creates a runtime that reaches the host through host. Call Run to
// start the loop.
func New(host Caller, opts ...Option) *Runtime {
	r := &Runtime{
		host:        host,
		logger:      zap.NewNop(),
		execTimeout: DefaultExecTimeout,
		callTimeout: DefaultCallTimeout,
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		httpRate:    DefaultHTTPRate,
		httpBurst:   DefaultHTTPBurst,
		plugins:     make(map[string]*instance),
		pending:     make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("sandbox")
	r.loop = NewLoop(r.logger)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.relay = newSerialQueue()
	r.events = newSubscriptions(r.relayChange)
	return r
}

// Run runs the event loop until ctx is cancelled or Close is called.
func (r *Runtime) Run(ctx context.Context) {
	r.loop.Run(ctx)
}

// Close stops every plugin and the loop.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for _, id := range r.PluginIDs() {
			r.StopPlugin(ctx, id)
		}
		// Let posted engine releases run before the loop stops.
		_ = r.loop.Do(ctx, func() error { return nil })
		_ = r.relay.flush(ctx)
		r.relay.close()
		r.loop.Close()
		r.cancel()
	})
}

// ExecutePlugin runs plugin code in a fresh VM. An existing instance under
// the same id is stopped first. Errors thrown by the code are reported in
// the result, never returned.
func (r *Runtime) ExecutePlugin(ctx context.Context, p api.ExecuteParams) api.ExecuteResult {
	if p.ID == "" || strings.TrimSpace(p.Code) == "" {
		return failure(fmt.Errorf("%w: id and code are required", ErrInvalidPlugin))
	}

	r.StopPlugin(ctx, p.ID)

	inst := r.newInstance(p)
	r.mu.Lock()
	r.plugins[p.ID] = inst
	r.mu.Unlock()

	var runErr error
	err := r.loop.Do(ctx, func() error {
		eng, err := r.newEngine(inst)
		if err != nil {
			return err
		}
		r.mu.Lock()
		if inst.stopped {
			r.mu.Unlock()
			eng.close()
			return fmt.Errorf("%w: %s", ErrPluginNotFound, inst.id)
		}
		inst.engine = eng
		r.mu.Unlock()
		runErr = eng.run(ctx, p.Code)
		return nil
	})
	if err == nil {
		err = runErr
	}
	if err == nil {
		// Registrations made during top-level execution reach the host
		// before the result does.
		err = inst.outbox.flush(ctx)
	}
	if err != nil {
		inst.logger.Warn("plugin execution failed", zap.Error(err))
		r.metrics.PluginError(p.ID)
		r.StopPlugin(context.WithoutCancel(ctx), p.ID)
		return failure(err)
	}

	inst.logger.Info("plugin started", zap.String("version", p.Meta.Version))
	r.metrics.SetPluginsRunning(r.running())
	return api.ExecuteResult{Success: true}
}

func (r *Runtime) newInstance(p api.ExecuteParams) *instance {
	ctx, cancel := context.WithCancel(r.ctx)
	return &instance{
		id:      p.ID,
		meta:    p.Meta,
		ctx:     ctx,
		cancel:  cancel,
		outbox:  newSerialQueue(),
		limiter: rate.NewLimiter(r.httpRate, r.httpBurst),
		logger:  r.logger.With(zap.String("plugin", p.ID)),
	}
}

func (r *Runtime) newEngine(inst *instance) (engine, error) {
	c := &caps{r: r, inst: inst}
	if inst.meta.Format == api.FormatLua {
		return newLuaEngine(c, r.execTimeout)
	}
	return newJSEngine(c, r.execTimeout)
}

// StopPlugin stops a plugin: it aborts the plugin's pending calls, removes
// its event listeners and adapter, waits for the host call its outbox is
// running, releases its VM and asks the host to unregister its channel. Unknown ids are a no-op; StopPlugin may be called
// any number of times and concurrently with the plugin's in-flight calls.
func (r *Runtime) StopPlugin(ctx context.Context, id string) {
	r.mu.Lock()
	inst, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.plugins, id)
	inst.stopped = true

	var calls []*pendingCall
	for key, pc := range r.pending {
		if pc.owner == id {
			calls = append(calls, pc)
			delete(r.pending, key)
		}
	}
	channel := inst.channel
	inst.adapter = nil
	inst.channel = ""
	eng := inst.engine
	inst.engine = nil
	running := len(r.plugins)
	r.mu.Unlock()

	for _, pc := range calls {
		r.abortPending(pc)
		r.metrics.PendingCallRemoved()
	}

	r.events.removeOwner(id)
	r.metrics.SetStoreSubscriptions(r.events.count(""))

	inst.cancel()
	inst.outbox.close()

	// A host call already in flight, such as a registration, must land
	// before the unregister below.
	waitCtx, cancelWait := context.WithTimeout(context.WithoutCancel(ctx), r.callTimeout)
	if err := inst.outbox.wait(waitCtx); err != nil {
		inst.logger.Warn("outbox did not drain", zap.Error(err))
	}
	cancelWait()

	if eng != nil {
		if err := r.loop.Post(eng.close); err != nil {
			inst.logger.Debug("engine release skipped", zap.Error(err))
		}
	}

	if channel != "" {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.callTimeout)
		err := r.host.Call(callCtx, api.MethodUnregisterChannel,
			api.UnregisterChannelParams{PluginID: id, ChannelID: channel}, nil)
		cancel()
		if err != nil {
			inst.logger.Warn("unregister channel failed",
				zap.String("channel", channel), zap.Error(err))
		}
	}

	r.metrics.SetPluginsRunning(running)
	inst.logger.Info("plugin stopped", zap.Int("aborted_calls", len(calls)))
}

// CallChannelAdapter invokes a plugin's channel adapter. For "call" a
// pending call is admitted for the duration of the call; stopping the
// plugin aborts it. Updates sent through onUpdate before the adapter
// settles are delivered before CallChannelAdapter returns.
func (r *Runtime) CallChannelAdapter(ctx context.Context, pluginID, method string, args api.AdapterArgs, onUpdate *rpc.RemoteCallback) (any, error) {
	if method != api.AdapterCall && method != api.AdapterFetchModels {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAdapterMethod, method)
	}

	inst := r.instance(pluginID)
	if inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, pluginID)
	}

	pc := newPendingCall(pluginID)
	if method == api.AdapterCall {
		if err := r.admit(inst, pc); err != nil {
			return nil, err
		}
	}
	defer r.removePending(pc)
	defer onUpdate.Close()

	start := time.Now()
	v, err := r.invokeAdapter(ctx, inst, pc, method, args, r.updater(inst, onUpdate))
	inst.logger.Debug("adapter call settled",
		zap.String("method", method),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err))
	return v, err
}

// admit records pc unless its plugin has already stopped.
func (r *Runtime) admit(inst *instance, pc *pendingCall) error {
	r.mu.Lock()
	if inst.stopped {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, inst.id)
	}
	r.pending[pc.id] = pc
	r.mu.Unlock()
	r.metrics.PendingCallAdded()
	return nil
}

func (r *Runtime) invokeAdapter(ctx context.Context, inst *instance, pc *pendingCall, method string, args api.AdapterArgs, update func(any) error) (any, error) {
	var settled <-chan outcome
	err := r.loop.Do(ctx, func() error {
		r.mu.Lock()
		ad, stopped := inst.adapter, inst.stopped
		r.mu.Unlock()

		switch {
		case stopped:
			return fmt.Errorf("%w: %s", ErrPluginNotFound, inst.id)
		case ad == nil:
			return fmt.Errorf("%w: %s", ErrNoAdapter, inst.id)
		case method == api.AdapterFetchModels && !ad.has(method):
			ch := make(chan outcome, 1)
			ch <- outcome{value: []any{}}
			settled = ch
			return nil
		}
		settled = ad.invoke(pc, method, args, update)
		return nil
	})
	if err != nil {
		return nil, err
	}

	select {
	case out := <-settled:
		_ = inst.outbox.flush(ctx)
		return out.value, out.err
	case <-pc.ctx.Done():
		return nil, fmt.Errorf("%w: plugin %s stopped", rpc.ErrAborted, inst.id)
	case <-inst.ctx.Done():
		return nil, fmt.Errorf("%w: plugin %s stopped", rpc.ErrAborted, inst.id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// updater returns the function adapters use to stream updates. Updates are
// delivered in order through the plugin's outbox.
func (r *Runtime) updater(inst *instance, cb *rpc.RemoteCallback) func(any) error {
	return func(v any) error {
		if cb == nil || cb.Closed() {
			return nil
		}
		if _, err := rpc.Encode(v); err != nil {
			return err
		}
		inst.outbox.push(func() {
			err := cb.Invoke(inst.ctx, v)
			if err != nil && !errors.Is(err, rpc.ErrHandleReleased) {
				inst.logger.Debug("update delivery failed", zap.Error(err))
			}
		})
		return nil
	}
}

// HasAdapter reports whether the plugin has registered a channel adapter.
func (r *Runtime) HasAdapter(pluginID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.plugins[pluginID]
	return ok && inst.adapter != nil
}

// PluginIDs returns the ids of running plugins, sorted.
func (r *Runtime) PluginIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.plugins))
	for id := range r.plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Listeners returns the number of event listeners, optionally for one
// plugin.
func (r *Runtime) Listeners(pluginID string) int {
	return r.events.count(pluginID)
}

// DispatchStoreEvent delivers a host event to every listener registered for
// it. Each handler runs attributed to its own plugin; a failing handler is
// logged and does not stop delivery to the rest.
func (r *Runtime) DispatchStoreEvent(ctx context.Context, ev api.StoreEvent) error {
	listeners := r.events.snapshot(ev.Name)
	if len(listeners) == 0 {
		return nil
	}

	return r.loop.Do(ctx, func() error {
		for _, l := range listeners {
			if r.instance(l.owner) == nil {
				continue
			}
			if err := fire(l, ev); err != nil {
				r.logger.Warn("event handler failed",
					zap.String("plugin", l.owner),
					zap.String("event", ev.Name),
					zap.Error(err))
				r.metrics.PluginError(l.owner)
			}
		}
		return nil
	})
}

func fire(l *listener, ev api.StoreEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return l.fire(ev)
}

// relayChange sends a subscription transition to the host. Transitions
// reach the host in the order they happened.
func (r *Runtime) relayChange(event string, active bool) {
	method := api.MethodUnsubscribeStoreEvent
	if active {
		method = api.MethodSubscribeStoreEvent
	}
	r.relay.push(func() {
		ctx, cancel := context.WithTimeout(r.ctx, r.callTimeout)
		defer cancel()
		if err := r.host.Call(ctx, method, api.EventParams{Name: event}, nil); err != nil {
			r.logger.Warn("event relay call failed",
				zap.String("method", method),
				zap.String("event", event),
				zap.Error(err))
		}
	})
}

// FlushRelay waits until queued subscription changes have reached the host.
func (r *Runtime) FlushRelay(ctx context.Context) error {
	return r.relay.flush(ctx)
}

func (r *Runtime) instance(id string) *instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plugins[id]
}

func (r *Runtime) running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}

func failure(err error) api.ExecuteResult {
	return api.ExecuteResult{Success: false, Error: errorInfo(err)}
}

// errorInfo converts an error into its structured form.
func errorInfo(err error) *api.ErrorInfo {
	info := &api.ErrorInfo{Message: err.Error()}
	var se *ScriptError
	if errors.As(err, &se) {
		info.Stack = se.Stack
	}
	return info
}
