package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

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

// dialTimeout bounds connecting to an out-of-process runtime.
const dialTimeout = 10 * time.Second

// netlogCapacity is the number of network events kept per plugin.
const netlogCapacity = 500

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

// newBootstrapper creates a new bootstrapper for the application.
func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 10),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"config", b.initConfig},
		{"logger", b.initLogger},
		{"storage", b.initStorage},
		{"event bus", b.initEventBus},
		{"chat", b.initChat},
		{"document", b.initDocument},
		{"metrics", b.initMetrics},
		{"sandbox", b.initSandbox},
		{"gateway", b.initGateway},
		{"plugins", b.initPlugins},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			b.app.cleanup()
			var ie *InitError
			if errors.As(err, &ie) {
				return err
			}
			return &InitError{Component: s.name, Err: err}
		}
		b.initOrder = append(b.initOrder, s.name)
	}
	b.app.logger.Debug("bootstrap complete", zap.Strings("order", b.initOrder))
	return nil
}

func (b *bootstrapper) initConfig() error {
	if b.opts.Config != nil {
		b.app.config = b.opts.Config
		return b.app.config.Validate()
	}
	path := b.opts.ConfigPath
	required := path != ""
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return err
	}
	b.app.config = cfg
	return nil
}

func (b *bootstrapper) initLogger() error {
	if b.opts.Logger != nil {
		b.app.logger = b.opts.Logger
		return nil
	}
	level := b.app.config.Log.Level
	if b.opts.LogLevel != "" {
		level = b.opts.LogLevel
	}
	logger, err := NewLogger(level, b.app.config.Log.Development)
	if err != nil {
		return err
	}
	b.app.logger = logger
	b.app.addCloser(func(context.Context) error {
		_ = logger.Sync()
		return nil
	})
	return nil
}

func (b *bootstrapper) initStorage() error {
	cfg := b.app.config.Storage
	switch cfg.Driver {
	case config.DriverMemory:
		b.app.kv = store.NewMemory()
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return err
		}
		kv, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return err
		}
		b.app.kv = kv
	}
	kv := b.app.kv
	b.app.addCloser(func(context.Context) error {
		return componentErr("storage", "close", kv.Close())
	})
	b.app.logger.Info("storage ready",
		zap.String("driver", cfg.Driver),
		zap.String("path", cfg.Path))
	return nil
}

func (b *bootstrapper) initEventBus() error {
	bus := event.NewBus(event.WithLogger(b.app.logger.Named("bus")))
	if err := bus.Start(); err != nil {
		return err
	}
	b.app.bus = bus
	b.app.addCloser(func(ctx context.Context) error {
		return componentErr("event bus", "stop", bus.Stop(ctx))
	})
	return nil
}

func (b *bootstrapper) initChat() error {
	b.app.chat = chat.NewStore(b.app.bus, b.app.kv, b.app.logger)
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := b.app.chat.Load(ctx); err != nil {
		return err
	}
	b.app.addCloser(func(ctx context.Context) error {
		return componentErr("chat", "persist", b.app.chat.Persist(ctx))
	})
	return nil
}

func (b *bootstrapper) initDocument() error {
	b.app.doc = ui.NewDocument()
	b.app.registry = resource.NewRegistry(b.app.doc, resource.WithLogger(b.app.logger))
	return nil
}

func (b *bootstrapper) initMetrics() error {
	b.app.promReg = prometheus.NewRegistry()
	b.app.metrics = metrics.New(b.app.promReg)
	b.app.netlog = netlog.New(b.app.logger, netlogCapacity)
	return nil
}

// initSandbox connects the host peer to a runtime: one running in this
// process over a pipe, or one served by "parley sandbox serve".
func (b *bootstrapper) initSandbox() error {
	cfg := b.app.config.Sandbox
	peerOpts := []rpc.PeerOption{
		rpc.WithLogger(b.app.logger),
		rpc.WithMetrics(b.app.metrics),
	}

	var hostEnd rpc.Endpoint
	switch cfg.Mode {
	case config.ModeWebSocket:
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		url := SandboxURL(cfg.Address)
		ep, err := rpc.DialWebSocket(ctx, url)
		if err != nil {
			return fmt.Errorf("dial %s: %w", url, err)
		}
		hostEnd = ep
		b.app.logger.Info("connected to sandbox", zap.String("url", url))
	default:
		a, z := rpc.Pipe(cfg.QueueSize)
		hostEnd = a
		b.app.sandboxPeer = rpc.NewPeer(z, append(peerOpts, rpc.WithSide("sandbox"))...)
		b.app.runtime = NewRuntime(b.app.sandboxPeer, cfg, b.app.logger, b.app.metrics)
		b.app.sandboxPeer.Expose(b.app.runtime.Methods())
	}
	b.app.hostPeer = rpc.NewPeer(hostEnd, append(peerOpts, rpc.WithSide("host"))...)
	b.app.client = bridge.NewSandboxClient(b.app.hostPeer)

	host, sb, rt := b.app.hostPeer, b.app.sandboxPeer, b.app.runtime
	b.app.addCloser(func(context.Context) error {
		if rt != nil {
			rt.Close()
		}
		if sb != nil {
			_ = sb.Close()
		}
		return host.Close()
	})
	return nil
}

func (b *bootstrapper) initGateway() error {
	cfg := b.app.config.Sandbox
	b.app.relay = bridge.NewRelay(b.app.bus, b.app.client, b.app.logger, cfg.QueueSize, cfg.CallTimeout.Std())
	b.app.gateway = bridge.NewGateway(bridge.GatewayConfig{
		Chat:     b.app.chat,
		Registry: b.app.registry,
		KV:       b.app.kv,
		NetLog:   b.app.netlog,
		Relay:    b.app.relay,
		Client:   b.app.client,
		Logger:   b.app.logger,
	})
	b.app.hostPeer.Expose(b.app.gateway.Methods())

	relay := b.app.relay
	b.app.addCloser(func(context.Context) error {
		relay.Close()
		return nil
	})
	return nil
}

func (b *bootstrapper) initPlugins() error {
	b.app.plugins = plugin.NewManager(
		b.app.client,
		b.app.registry,
		plugin.NewRepository(b.app.kv),
		plugin.WithLogger(b.app.logger),
		plugin.WithDeleteHook(b.app.clearPluginData),
	)
	b.app.plugins.Subscribe(b.app.observePlugin)

	watch := b.app.config.Plugins.Watch && !b.opts.NoWatch
	if watch {
		b.app.watcher = plugin.NewWatcher(b.app.config.Plugins.Dir, b.app.plugins,
			plugin.WithWatcherLogger(b.app.logger))
	}
	return nil
}

// NewRuntime creates a sandbox runtime reaching the host through host,
// configured from cfg.
func NewRuntime(host sandbox.Caller, cfg config.SandboxConfig, logger *zap.Logger, m *metrics.Metrics) *sandbox.Runtime {
	opts := []sandbox.Option{
		sandbox.WithLogger(logger),
		sandbox.WithMetrics(m),
	}
	if d := cfg.ExecTimeout.Std(); d > 0 {
		opts = append(opts, sandbox.WithExecTimeout(d))
	}
	if d := cfg.CallTimeout.Std(); d > 0 {
		opts = append(opts, sandbox.WithCallTimeout(d))
	}
	if cfg.HTTPRate > 0 {
		opts = append(opts, sandbox.WithHTTPRate(rate.Limit(cfg.HTTPRate), cfg.HTTPBurst))
	}
	return sandbox.New(host, opts...)
}

// SandboxURL returns the websocket URL for a runtime served at address.
// Addresses that already carry a ws:// or wss:// scheme are used as is.
func SandboxURL(address string) string {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		return address
	}
	return "ws://" + address + SandboxPath
}
