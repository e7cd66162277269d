package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]KV {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return map[string]KV{
		"memory": NewMemory(),
		"sqlite": db,
	}
}

func TestKV(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := kv.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, kv.Set(ctx, "a:1", "one"))
			require.NoError(t, kv.Set(ctx, "a:2", "two"))
			require.NoError(t, kv.Set(ctx, "b:1", "other"))
			require.NoError(t, kv.Set(ctx, "a:1", "uno"))

			v, err := kv.Get(ctx, "a:1")
			require.NoError(t, err)
			assert.Equal(t, "uno", v)

			entries, err := kv.List(ctx, "a:")
			require.NoError(t, err)
			assert.Equal(t, []Entry{{"a:1", "uno"}, {"a:2", "two"}}, entries)

			require.NoError(t, kv.Delete(ctx, "a:1"))
			require.NoError(t, kv.Delete(ctx, "a:1"))
			_, err = kv.Get(ctx, "a:1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestNamespace(t *testing.T) {
	ctx := context.Background()
	kv := NewMemory()
	p1 := NewNamespace(kv, Key("plugin", "p1"))
	p2 := NewNamespace(kv, Key("plugin", "p2"))

	require.NoError(t, p1.Set(ctx, "token", "secret"))
	require.NoError(t, p2.Set(ctx, "token", "other"))

	v, err := p1.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "secret", v)

	entries, err := p1.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []Entry{{"token", "secret"}}, entries)

	require.NoError(t, p1.Clear(ctx))
	_, err = p1.Get(ctx, "token")
	assert.ErrorIs(t, err, ErrNotFound)

	v, err = p2.Get(ctx, "token")
	require.NoError(t, err)
	assert.Equal(t, "other", v)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Set(context.Background(), "k", "v"), ErrClosed)
}
