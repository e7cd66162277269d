package app

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/parley/internal/config"
	"github.com/dshills/parley/internal/metrics"
	"github.com/dshills/parley/internal/plugin/rpc"
)

// HTTP paths of the sandbox server.
const (
	SandboxPath = "/sandbox"
	MetricsPath = "/metrics"
)

// SandboxServer serves the plugin runtime over websocket. Every
// connection gets its own runtime, so one host's plugins never share a
// loop with another's.
type SandboxServer struct {
	cfg     config.SandboxConfig
	logger  *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics

	wg    sync.WaitGroup
	mu    sync.Mutex
	conns int
}

// NewSandboxServer creates a server whose runtimes are configured by cfg.
func NewSandboxServer(cfg config.SandboxConfig, logger *zap.Logger) *SandboxServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	return &SandboxServer{
		cfg:     cfg,
		logger:  logger.Named("server"),
		reg:     reg,
		metrics: metrics.New(reg),
	}
}

// Handler returns the server routes. Runtimes stop when ctx is done.
func (s *SandboxServer) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(SandboxPath, rpc.WebSocketHandler(func(ep rpc.Endpoint) {
		s.serveConn(ctx, ep)
	}))
	mux.Handle(MetricsPath, promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return mux
}

// Connections returns the number of connected hosts.
func (s *SandboxServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

// serveConn runs a runtime for one host until either side goes away.
func (s *SandboxServer) serveConn(ctx context.Context, ep rpc.Endpoint) {
	s.wg.Add(1)
	defer s.wg.Done()
	s.track(1)
	defer s.track(-1)

	logger := s.logger.With(zap.String("conn", uuid.NewString()))
	peer := rpc.NewPeer(ep,
		rpc.WithSide("sandbox"),
		rpc.WithLogger(logger),
		rpc.WithMetrics(s.metrics))
	rt := NewRuntime(peer, s.cfg, logger, s.metrics)
	peer.Expose(rt.Methods())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		rt.Run(ctx)
	}()

	logger.Info("host connected")
	if err := peer.Serve(ctx); err != nil {
		logger.Warn("connection failed", zap.Error(err))
	}
	rt.Close()
	cancel()
	<-loopDone
	logger.Info("host disconnected")
}

func (s *SandboxServer) track(delta int) {
	s.mu.Lock()
	s.conns += delta
	s.mu.Unlock()
}

// ListenAndServe serves on address until ctx is done, then waits for
// every connection to wind down.
func (s *SandboxServer) ListenAndServe(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              ListenAddress(address),
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("sandbox listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err := g.Wait()
	s.wg.Wait()
	return err
}

// ListenAddress returns the host:port to listen on for address, which may
// be a websocket URL.
func ListenAddress(address string) string {
	if !strings.Contains(address, "://") {
		return address
	}
	u, err := url.Parse(address)
	if err != nil {
		return address
	}
	return u.Host
}
