package plugin

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinsAreValid(t *testing.T) {
	files, err := NewFSLoader(Builtins()).Discover()
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, f := range files {
		id, err := f.PluginID()
		require.NoError(t, err, f.Path)
		assert.NotEmpty(t, id)
	}
}

func TestInstallBuiltins(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	require.NoError(t, h.manager.InstallBuiltins(ctx, Builtins()))

	echo, err := h.manager.Get("echo")
	require.NoError(t, err)
	assert.Equal(t, SourceBuiltin, echo.Source)
	assert.Equal(t, StateRunning, h.manager.State("echo"))

	shout, err := h.manager.Get("shout")
	require.NoError(t, err)
	assert.Equal(t, "hybrid", shout.Format)

	assert.ErrorIs(t, h.manager.DeletePlugin(ctx, "echo"), ErrBuiltinPlugin)
}

func TestInstallBuiltinsUpgradesOnlyNewer(t *testing.T) {
	h := newHarness(t)
	ctx := testContext(t)
	v1 := fstest.MapFS{"tool.js": {Data: []byte("// @name Tool\n// @version 1.0.0\n")}}
	require.NoError(t, h.manager.InstallBuiltins(ctx, v1))
	require.NoError(t, h.manager.SetEnabled(ctx, "tool", false))

	// Same version again: nothing happens.
	require.NoError(t, h.manager.InstallBuiltins(ctx, v1))
	assert.Equal(t, 1, h.runtime.executions("tool"))

	v2 := fstest.MapFS{"tool.js": {Data: []byte("// @name Tool\n// @version 1.1.0\n")}}
	require.NoError(t, h.manager.InstallBuiltins(ctx, v2))
	rec, err := h.manager.Get("tool")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.Version)
	assert.False(t, rec.Enabled, "upgrade keeps the user's enabled flag")

	// An external plugin with the same id is left alone.
	_, err = h.manager.AddPlugin(ctx, "// @name Other\n", InstallOptions{ID: "other"})
	require.NoError(t, err)
	require.NoError(t, h.manager.InstallBuiltins(ctx, fstest.MapFS{"other.js": {Data: []byte("// @name Other\n// @version 9.0.0\n")}}))
	rec, err = h.manager.Get("other")
	require.NoError(t, err)
	assert.Equal(t, SourceExternal, rec.Source)
}
