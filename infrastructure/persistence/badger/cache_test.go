package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetGetDelete(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "nodes:n-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "nodes:n-1", []byte(`{"id":"n-1"}`)))
	got, found, err := c.Get(ctx, "nodes:n-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"id":"n-1"}`, string(got))

	require.NoError(t, c.Delete(ctx, "nodes:n-1"))
	_, found, err = c.Get(ctx, "nodes:n-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Delete(ctx, "never-set"))
}

func TestCache_KeysByPrefix(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "nodes:a", []byte("1")))
	require.NoError(t, c.Set(ctx, "nodes:b", []byte("2")))
	require.NoError(t, c.Set(ctx, "edges:s", []byte("3")))

	keys, err := c.Keys("nodes:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"nodes:a", "nodes:b"}, keys)
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = 0

	c, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, c.Set(context.Background(), "sessions:s-1", []byte("x")))
	require.NoError(t, c.Close())

	c, err = Open(cfg, nil)
	require.NoError(t, err)
	defer c.Close()
	got, found, err := c.Get(context.Background(), "sessions:s-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "x", string(got))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}
