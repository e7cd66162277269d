package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/parley/internal/plugin/api"
)

// writeConfig writes a config using sqlite in a temp dir and an empty
// plugin directory, and returns its path.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "parley.toml")
	data := fmt.Sprintf(`[log]
level = "error"

[storage]
driver = "sqlite"
path = %q

[plugins]
dir = %q
watch = false
`, filepath.Join(dir, "parley.db"), filepath.Join(dir, "plugins"))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel = "", ""
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPluginsListShowsBuiltins(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "plugins", "list")
	require.NoError(t, err)

	for _, id := range []string{"echo", "shout", "word-count"} {
		assert.Contains(t, out, id)
	}
	assert.Contains(t, out, "builtin")
	assert.Contains(t, out, "running")
}

func TestPluginsInstallAcrossInvocations(t *testing.T) {
	cfg := writeConfig(t)
	src := filepath.Join(t.TempDir(), "greeter.js")
	require.NoError(t, os.WriteFile(src, []byte(`// @name Greeter
// @version 0.2.0
Plugin.registerChannel({ id: "greeter", call(m) { return { content: "hi" }; } });
`), 0o644))

	out, err := execute(t, "--config", cfg, "plugins", "install", src)
	require.NoError(t, err)
	assert.Contains(t, out, "greeter 0.2.0 installed (running)")

	out, err = execute(t, "--config", cfg, "channels", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "greeter")

	out, err = execute(t, "--config", cfg, "plugins", "disable", "greeter")
	require.NoError(t, err)
	assert.Contains(t, out, "greeter disabled")

	out, err = execute(t, "--config", cfg, "plugins", "show", "greeter")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped")
	assert.Contains(t, out, "false")

	_, err = execute(t, "--config", cfg, "plugins", "delete", "greeter")
	require.NoError(t, err)
	_, err = execute(t, "--config", cfg, "plugins", "show", "greeter")
	assert.Error(t, err)
}

func TestPluginsListShowsFailedPluginAsStopped(t *testing.T) {
	cfg := writeConfig(t)
	src := filepath.Join(t.TempDir(), "broken.js")
	require.NoError(t, os.WriteFile(src, []byte("// @name Broken\nthrow new Error(\"nope\");\n"), 0o644))

	out, err := execute(t, "--config", cfg, "plugins", "install", src)
	require.Error(t, err)
	assert.Contains(t, out, "broken 1.0.0 installed (stopped (error))")

	out, err = execute(t, "--config", cfg, "plugins", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped (error)")

	out, err = execute(t, "--config", cfg, "plugins", "show", "broken")
	require.NoError(t, err)
	assert.Contains(t, out, "stopped (error)")
	assert.Contains(t, out, "nope")
}

func TestPluginsInstallRejectsUnknownExtension(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "--config", cfg, "plugins", "install", "notes.txt")
	assert.ErrorContains(t, err, "not a plugin file")
}

func TestChatStreamsAnswer(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "--config", cfg, "chat", "shout", "hello", "there")
	require.NoError(t, err)
	assert.Equal(t, "> HELLO THERE\n", out)

	out, err = execute(t, "--config", cfg, "chat", "echo", "--models")
	require.NoError(t, err)
	assert.Contains(t, out, "Echo")
}

func TestChatRequiresPrompt(t *testing.T) {
	_, err := execute(t, "chat", "echo")
	assert.ErrorContains(t, err, "prompt")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "parley dev"))
}

func TestStreamPrinter(t *testing.T) {
	tests := []struct {
		name    string
		updates []string
		final   string
		want    string
	}{
		{"growing", []string{"a", "ab", "abc"}, "abc", "abc\n"},
		{"no updates", nil, "done", "done\n"},
		{"rewrite", []string{"draft"}, "final", "draft\nfinal\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := &streamPrinter{w: &buf}
			for _, u := range tt.updates {
				s.update(api.Update{Content: u})
			}
			s.finish(tt.final)
			if buf.String() != tt.want {
				t.Errorf("got %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestTableRender(t *testing.T) {
	var buf bytes.Buffer
	tb := newTable("ID", "NAME")
	tb.addRow("echo", "Echo")
	tb.addRow("word-count", "Word Count")
	require.NoError(t, tb.render(&buf, "none"))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Index(lines[1], "Echo"), strings.Index(lines[2], "Word Count"))

	buf.Reset()
	require.NoError(t, newTable("ID").render(&buf, "none"))
	assert.Equal(t, "none\n", buf.String())
}
