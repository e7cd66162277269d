// Package app wires the parley host together: configuration, logging,
// storage, the chat store and document, the sandbox runtime and the
// boundary to it, and the plugin lifecycle manager. It owns startup order
// and graceful shutdown.
package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/parley/internal/chat"
	"github.com/dshills/parley/internal/config"
	"github.com/dshills/parley/internal/event"
	"github.com/dshills/parley/internal/metrics"
	"github.com/dshills/parley/internal/netlog"
	"github.com/dshills/parley/internal/plugin"
	"github.com/dshills/parley/internal/plugin/bridge"
	"github.com/dshills/parley/internal/plugin/resource"
	"github.com/dshills/parley/internal/plugin/rpc"
	"github.com/dshills/parley/internal/plugin/sandbox"
	"github.com/dshills/parley/internal/store"
	"github.com/dshills/parley/internal/ui"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 5 * time.Second

// Application is the central coordinator for all parley components.
// It manages component lifecycles and wiring.
type Application struct {
	mu sync.Mutex

	config *config.Config
	logger *zap.Logger

	// Host state
	kv       store.KV
	bus      *event.Bus
	chat     *chat.Store
	doc      *ui.Document
	registry *resource.Registry
	netlog   *netlog.Log
	promReg  *prometheus.Registry
	metrics  *metrics.Metrics

	// Boundary. sandboxPeer and runtime are nil when the runtime is
	// served by another process.
	hostPeer    *rpc.Peer
	sandboxPeer *rpc.Peer
	runtime     *sandbox.Runtime
	client      *bridge.SandboxClient
	relay       *bridge.Relay
	gateway     *bridge.Gateway

	// Extension components
	plugins *plugin.Manager
	watcher *plugin.Watcher

	// closers release components in reverse initialization order.
	closers []func(ctx context.Context) error

	started atomic.Bool
	running atomic.Bool
	ready   chan struct{}
	opts    Options
}

// Options configures the application.
type Options struct {
	// ConfigPath is the path to the configuration file. Empty uses the
	// default path, where a missing file is not an error.
	ConfigPath string

	// Config is used as is when set; ConfigPath is then ignored.
	Config *config.Config

	// LogLevel overrides the configured log level.
	LogLevel string

	// Logger replaces the configured logger.
	Logger *zap.Logger

	// NoWatch disables the plugin directory watcher. The directory is
	// still synced once at startup.
	NoWatch bool
}

// New creates a new Application with the given options.
func New(opts Options) (*Application, error) {
	app := &Application{
		opts:  opts,
		ready: make(chan struct{}),
	}

	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}

	return app, nil
}

// Run starts the boundary, restores plugins and blocks until ctx is
// cancelled or a component fails. Plugins are stopped and state is
// persisted before Run returns. An application runs at most once.
func (app *Application) Run(ctx context.Context) error {
	if !app.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	app.running.Store(true)
	defer app.running.Store(false)

	svcCtx, stopServices := context.WithCancel(context.Background())
	defer stopServices()
	g, gctx := errgroup.WithContext(svcCtx)

	g.Go(func() error { return app.servePeer(gctx, app.hostPeer) })
	if app.sandboxPeer != nil {
		g.Go(func() error { return app.servePeer(gctx, app.sandboxPeer) })
		g.Go(func() error {
			app.runtime.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		app.relay.Run(gctx)
		return nil
	})

	g.Go(func() error {
		defer stopServices()
		err := app.serve(ctx, gctx)
		app.stopPlugins()
		return err
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	return errors.Join(err, app.shutdown())
}

// servePeer serves p until the services stop. A peer that ends on its own
// means the other side went away.
func (app *Application) servePeer(ctx context.Context, p *rpc.Peer) error {
	err := p.Serve(ctx)
	if err == nil && ctx.Err() == nil {
		return ErrSandboxClosed
	}
	return err
}

// serve brings plugins up once the runtime is reachable, then waits for
// ctx or a failing service.
func (app *Application) serve(ctx, svcCtx context.Context) error {
	startCtx, cancel := mergeDone(ctx, svcCtx)
	defer cancel()

	if err := app.start(startCtx); err != nil {
		return err
	}
	close(app.ready)
	app.logger.Info("parley ready",
		zap.Int("plugins", len(app.plugins.List())),
		zap.Strings("running", app.plugins.Running()),
		zap.Strings("channels", app.registry.ChannelIDs()))

	if app.watcher != nil {
		return app.watcher.Run(startCtx)
	}
	<-startCtx.Done()
	return nil
}

// start waits for the runtime, installs builtins, restores persisted
// plugins and syncs the plugin directory. Plugin failures are logged, not
// returned: a broken plugin never keeps the host from starting.
func (app *Application) start(ctx context.Context) error {
	if err := app.client.WaitReady(ctx); err != nil {
		return NewComponentError("sandbox", "handshake", err)
	}

	if app.config.Plugins.Builtins {
		if err := app.plugins.InstallBuiltins(ctx, plugin.Builtins()); err != nil {
			app.logger.Warn("builtin plugins failed", zap.Error(err))
		}
	}
	if err := app.plugins.Restore(ctx); err != nil {
		app.logger.Warn("some plugins failed to start", zap.Error(err))
	}

	if app.watcher != nil {
		// Run syncs again; unchanged files are skipped.
		if err := app.watcher.Sync(ctx); err != nil {
			app.logger.Warn("plugin directory sync failed", zap.Error(err))
		}
		return ctx.Err()
	}
	if _, err := os.Stat(app.config.Plugins.Dir); err == nil {
		l := plugin.NewLoader(app.config.Plugins.Dir)
		if _, err := l.InstallAll(ctx, app.plugins, plugin.SourceExternal); err != nil {
			app.logger.Warn("plugin directory sync failed", zap.Error(err))
		}
	}
	return ctx.Err()
}

// Do runs the application, calls fn once plugins are restored, and shuts
// down when fn returns.
func (app *Application) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- app.Run(ctx) }()

	select {
	case <-app.ready:
	case err := <-errc:
		if err == nil {
			err = ErrNotRunning
		}
		return err
	}

	fnErr := fn(ctx)
	cancel()
	return errors.Join(fnErr, <-errc)
}

// Ready returns a channel closed once plugins have been restored.
func (app *Application) Ready() <-chan struct{} {
	return app.ready
}

// IsRunning returns true if the application is running.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}

// stopPlugins stops every plugin while the boundary is still up.
func (app *Application) stopPlugins() {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	app.plugins.Close(ctx)
}

// Close releases every component. It is for applications that were
// created but never run; Run releases them itself.
func (app *Application) Close() error {
	if app.started.Load() {
		return ErrAlreadyRunning
	}
	return app.shutdown()
}

// shutdown releases components in reverse initialization order. It is
// safe to call more than once.
func (app *Application) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	app.mu.Lock()
	closers := app.closers
	app.closers = nil
	app.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i](ctx))
	}
	if ctx.Err() != nil {
		errs = append(errs, ErrShutdownTimeout)
	}
	return errors.Join(errs...)
}

// cleanup releases whatever a failed bootstrap managed to initialize.
func (app *Application) cleanup() {
	if err := app.shutdown(); err != nil && app.logger != nil {
		app.logger.Warn("cleanup after failed start", zap.Error(err))
	}
}

func (app *Application) addCloser(fn func(ctx context.Context) error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	app.closers = append(app.closers, fn)
}

// clearPluginData removes a deleted plugin's storage and settings.
func (app *Application) clearPluginData(ctx context.Context, id string) error {
	return errors.Join(
		componentErr("storage", "clear "+id, app.gateway.Storage(id).Clear(ctx)),
		componentErr("chat", "delete settings "+id, app.chat.DeletePluginSettings(ctx, id)),
	)
}

// observePlugin keeps the plugin gauges current.
func (app *Application) observePlugin(ev plugin.ManagerEvent) {
	switch ev.Type {
	case plugin.EventPluginStarted, plugin.EventPluginStopped, plugin.EventPluginDeleted:
		app.metrics.SetPluginsRunning(len(app.plugins.Running()))
	case plugin.EventPluginError:
		app.metrics.PluginError(ev.Plugin)
		app.logger.Warn("plugin failed to start",
			zap.String("plugin", ev.Plugin),
			zap.Error(ev.Error))
	}
}

// mergeDone returns a context cancelled when either a or b is done. Values
// come from a.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Config returns the effective configuration.
func (app *Application) Config() *config.Config { return app.config }

// Logger returns the application logger.
func (app *Application) Logger() *zap.Logger { return app.logger }

// Plugins returns the plugin lifecycle manager.
func (app *Application) Plugins() *plugin.Manager { return app.plugins }

// Chat returns the conversation store.
func (app *Application) Chat() *chat.Store { return app.chat }

// Registry returns the resource registry.
func (app *Application) Registry() *resource.Registry { return app.registry }

// Document returns the document plugins render into.
func (app *Application) Document() *ui.Document { return app.doc }

// NetLog returns the network log.
func (app *Application) NetLog() *netlog.Log { return app.netlog }

// Gatherer returns the registry holding the boundary metrics.
func (app *Application) Gatherer() prometheus.Gatherer { return app.promReg }
