package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dshills/parley/internal/config"
	"github.com/dshills/parley/internal/plugin"
	"github.com/dshills/parley/internal/plugin/api"
	"github.com/dshills/parley/internal/store"
)

const greeterSource = `// @name Greeter
// @version 0.3.0
Plugin.registerChannel({
	id: "greeter",
	label: "Greeter",
	call(messages) {
		return { content: "hi " + messages[messages.length - 1].content };
	},
});
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Plugins.Dir = t.TempDir()
	cfg.Plugins.Watch = false
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()
	a, err := New(Options{Config: cfg, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	return a
}

// startApp runs a until the test ends.
func startApp(t *testing.T, a *Application) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})

	select {
	case <-a.Ready():
	case err := <-errc:
		t.Fatalf("run ended before ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("application not ready")
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRunStartsBuiltins(t *testing.T) {
	a := newApp(t, testConfig(t))
	startApp(t, a)

	assert.ElementsMatch(t, []string{"echo", "shout", "word-count"}, a.Plugins().Running())
	assert.Empty(t, a.Plugins().Errors())

	ids := a.Registry().ChannelIDs()
	assert.Contains(t, ids, "echo")
	assert.Contains(t, ids, "shout")

	style := a.Document().Style("shout")
	require.NotNil(t, style)
	assert.Contains(t, style.CSS, `[data-plugin="shout"] .message`)
}

func TestBuiltinsDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.Builtins = false
	a := newApp(t, cfg)
	startApp(t, a)

	assert.Empty(t, a.Plugins().List())
	assert.Empty(t, a.Registry().ChannelIDs())
}

func TestSendStreamsThroughExtendedChannel(t *testing.T) {
	a := newApp(t, testConfig(t))
	startApp(t, a)
	ctx := testContext(t)

	var updates []string
	reply, err := a.Send(ctx, "shout", "hello world", func(u api.Update) {
		updates = append(updates, u.Content)
	})
	require.NoError(t, err)

	assert.Equal(t, "> HELLO WORLD", reply.Content)
	assert.Equal(t, "echo", reply.Model)
	assert.Equal(t, "shout", reply.Plugin)
	assert.False(t, reply.Streaming)
	assert.Equal(t, []string{"> HELLO", "> HELLO WORLD"}, updates)

	conv := a.Chat().Active()
	require.NotNil(t, conv)
	assert.Equal(t, "shout", conv.Channel)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, api.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "> HELLO WORLD", conv.Messages[1].Content)
	assert.False(t, conv.Messages[1].Streaming)

	// A second prompt on the same channel continues the conversation.
	_, err = a.Send(ctx, "shout", "again", nil)
	require.NoError(t, err)
	again := a.Chat().Active()
	assert.Equal(t, conv.ID, again.ID)
	assert.Len(t, again.Messages, 4)
}

func TestSendKeepsStreamedContent(t *testing.T) {
	a := newApp(t, testConfig(t))
	startApp(t, a)
	ctx := testContext(t)

	_, err := a.Plugins().AddPlugin(ctx, `// @name Streamer
Plugin.registerChannel({
	id: "streamer",
	label: "Streamer",
	async call(messages, config, onUpdate) {
		onUpdate({ content: "partial" });
		onUpdate({ content: "partial answer" });
	},
});
`, plugin.InstallOptions{})
	require.NoError(t, err)

	var updates []string
	reply, err := a.Send(ctx, "streamer", "go", func(u api.Update) {
		updates = append(updates, u.Content)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"partial", "partial answer"}, updates)
	assert.Equal(t, "partial answer", reply.Content)
	assert.False(t, reply.Streaming)

	conv := a.Chat().Active()
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "partial answer", conv.Messages[1].Content)
	assert.False(t, conv.Messages[1].Streaming)
}

func TestSendUnknownChannel(t *testing.T) {
	a := newApp(t, testConfig(t))
	startApp(t, a)

	_, err := a.Send(testContext(t), "nope", "hello", nil)
	assert.Error(t, err)
	assert.Nil(t, a.Chat().Active())
}

func TestPluginDirectoryInstalledAtStartup(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Plugins.Dir, "greeter.js"), []byte(greeterSource), 0o644))
	a := newApp(t, cfg)
	startApp(t, a)

	rec, err := a.Plugins().Get("greeter")
	require.NoError(t, err)
	assert.Equal(t, plugin.SourceExternal, rec.Source)
	assert.Equal(t, "0.3.0", rec.Version)
	assert.Equal(t, plugin.StateRunning, a.Plugins().State("greeter"))

	reply, err := a.Send(testContext(t), "greeter", "there", nil)
	require.NoError(t, err)
	assert.Equal(t, "hi there", reply.Content)
}

func TestWatcherFollowsDirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Plugins.Watch = true
	a := newApp(t, cfg)
	startApp(t, a)

	p := filepath.Join(cfg.Plugins.Dir, "greeter.js")
	require.NoError(t, os.WriteFile(p, []byte(greeterSource), 0o644))
	require.Eventually(t, func() bool {
		return a.Plugins().State("greeter") == plugin.StateRunning
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(p))
	require.Eventually(t, func() bool {
		_, ok := a.Registry().Channel("greeter")
		return !ok && a.Plugins().State("greeter") == plugin.StateUnloaded
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeleteClearsPluginData(t *testing.T) {
	a := newApp(t, testConfig(t))
	startApp(t, a)
	ctx := testContext(t)

	_, err := a.Plugins().AddPlugin(ctx, greeterSource, plugin.InstallOptions{})
	require.NoError(t, err)
	require.NoError(t, a.gateway.Storage("greeter").Set(ctx, "token", "secret"))
	require.NoError(t, a.Chat().SetPluginSettings(ctx, "greeter", map[string]any{"tone": "warm"}))

	require.NoError(t, a.Plugins().DeletePlugin(ctx, "greeter"))

	_, err = a.gateway.Storage("greeter").Get(ctx, "token")
	assert.ErrorIs(t, err, store.ErrNotFound)
	settings, err := a.Chat().PluginSettings(ctx, "greeter")
	require.NoError(t, err)
	assert.Empty(t, settings)
}

func TestStateSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "parley.db")

	first := newApp(t, cfg)
	err := first.Do(context.Background(), func(ctx context.Context) error {
		if _, err := first.Plugins().AddPlugin(ctx, greeterSource, plugin.InstallOptions{}); err != nil {
			return err
		}
		if err := first.Plugins().SetEnabled(ctx, "shout", false); err != nil {
			return err
		}
		_, err := first.Send(ctx, "greeter", "you", nil)
		return err
	})
	require.NoError(t, err)

	second := newApp(t, cfg)
	startApp(t, second)

	assert.Equal(t, plugin.StateRunning, second.Plugins().State("greeter"))
	assert.Equal(t, plugin.StateStopped, second.Plugins().State("shout"))
	rec, err := second.Plugins().Get("shout")
	require.NoError(t, err)
	assert.False(t, rec.Enabled)

	conv := second.Chat().Active()
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "hi you", conv.Messages[1].Content)
}

func TestDoReturnsFunctionError(t *testing.T) {
	a := newApp(t, testConfig(t))
	boom := assert.AnError
	err := a.Do(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, a.IsRunning())

	assert.ErrorIs(t, a.Run(context.Background()), ErrAlreadyRunning)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Driver = "floppy"

	_, err := New(Options{Config: cfg, Logger: zaptest.NewLogger(t)})
	var ie *InitError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "config", ie.Component)
	assert.ErrorIs(t, err, config.ErrValidationFailed)
}

func TestCloseUnstartedApplication(t *testing.T) {
	a := newApp(t, testConfig(t))
	require.NoError(t, a.Close())
	// Closers run once.
	require.NoError(t, a.Close())
}

func TestWebSocketSandbox(t *testing.T) {
	srv := startSandboxServer(t)

	cfg := testConfig(t)
	cfg.Sandbox.Mode = config.ModeWebSocket
	cfg.Sandbox.Address = srv.url
	a := newApp(t, cfg)
	assert.Nil(t, a.runtime, "runtime lives in the server")
	startApp(t, a)

	assert.Equal(t, 1, srv.server.Connections())
	reply, err := a.Send(testContext(t), "echo", "over the wire", nil)
	require.NoError(t, err)
	assert.Equal(t, "over the wire", reply.Content)
}

func TestSandboxURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:7878", "ws://127.0.0.1:7878/sandbox"},
		{"ws://box:9000/rt", "ws://box:9000/rt"},
		{"wss://box/sandbox", "wss://box/sandbox"},
	}
	for _, tt := range tests {
		if got := SandboxURL(tt.in); got != tt.want {
			t.Errorf("SandboxURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestListenAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"127.0.0.1:7878", "127.0.0.1:7878"},
		{"ws://0.0.0.0:9000/sandbox", "0.0.0.0:9000"},
		{":7878", ":7878"},
	}
	for _, tt := range tests {
		if got := ListenAddress(tt.in); got != tt.want {
			t.Errorf("ListenAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + SandboxPath
}
