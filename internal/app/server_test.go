package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/parley/internal/config"
	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/plugin/bridge"
	"github.com/dshills/parley/internal/plugin/rpc"
)

type testServer struct {
	server *SandboxServer
	http   *httptest.Server
	url    string
}

// startSandboxServer serves runtimes on a local port until the test ends.
func startSandboxServer(t *testing.T) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewSandboxServer(config.Default().Sandbox, zaptest.NewLogger(t))
	ts := httptest.NewServer(srv.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		ts.Close()
		srv.wg.Wait()
	})
	return &testServer{server: srv, http: ts, url: wsURL(ts.URL)}
}

func TestSandboxServerRunsOneRuntimePerConnection(t *testing.T) {
	ts := startSandboxServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connect := func() (*bridge.SandboxClient, func()) {
		ep, err := rpc.DialWebSocket(ctx, ts.url)
		require.NoError(t, err)
		peer := rpc.NewPeer(ep, rpc.WithSide("host"))
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = peer.Serve(ctx)
		}()
		client := bridge.NewSandboxClient(peer)
		require.NoError(t, client.WaitReady(ctx))
		return client, func() {
			_ = peer.Close()
			<-done
		}
	}

	a, closeA := connect()
	b, closeB := connect()
	defer closeB()
	assert.Equal(t, 2, ts.server.Connections())

	res, err := a.ExecutePlugin(ctx, "quiet", "Plugin.log.info('up');", api.PluginMeta{Name: "quiet", Version: "1.0.0"})
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Error)

	idsA, err := a.PluginIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"quiet"}, idsA)
	idsB, err := b.PluginIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, idsB)

	closeA()
	require.Eventually(t, func() bool {
		return ts.server.Connections() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSandboxServerMetrics(t *testing.T) {
	ts := startSandboxServer(t)

	resp, err := http.Get(ts.http.URL + MetricsPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "parley_")
}

func TestSandboxServerShutsDownWithContext(t *testing.T) {
	srv := NewSandboxServer(config.Default().Sandbox, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
