package hashcache_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/WeimengLiu/autoSync/pkg/hashcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *hashcache.Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := hashcache.Open(filepath.Join(dir, ".db", "file_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetMiss(t *testing.T) {
	c := openTestCache(t)
	_, ok := c.Get(context.Background(), "task-1", "/a/b.png")
	assert.False(t, ok)
}

func TestPutThenGet(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "task-1", "/a/b.png", "abc123", 1000.5)

	entry, ok := c.Get(ctx, "task-1", "/a/b.png")
	require.True(t, ok)
	assert.Equal(t, "abc123", entry.Digest)
	assert.Equal(t, hashcache.MD5, entry.DigestType)
	assert.Equal(t, 1000.5, entry.Mtime)
}

func TestIndependentTaskEntries(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "task-1", "/shared/a.png", "hash-one", 1.0)
	c.Put(ctx, "task-2", "/shared/a.png", "hash-two", 2.0)

	e1, ok1 := c.Get(ctx, "task-1", "/shared/a.png")
	e2, ok2 := c.Get(ctx, "task-2", "/shared/a.png")
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, "hash-one", e1.Digest)
	assert.Equal(t, "hash-two", e2.Digest)
}

func TestPutOverwrites(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "task-1", "/a/b.png", "old", 1.0)
	c.Put(ctx, "task-1", "/a/b.png", "new", 2.0)

	entry, ok := c.Get(ctx, "task-1", "/a/b.png")
	require.True(t, ok)
	assert.Equal(t, "new", entry.Digest)
	assert.Equal(t, 2.0, entry.Mtime)
}

func TestSweep(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "task-1", "/a/b.png", "abc", 1.0)

	n, err := c.Sweep(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = c.Sweep(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, ok := c.Get(ctx, "task-1", "/a/b.png")
	assert.False(t, ok)
}

func TestDeleteTask(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()
	c.Put(ctx, "task-1", "/a.png", "h1", 1.0)
	c.Put(ctx, "task-2", "/a.png", "h2", 1.0)

	require.NoError(t, c.DeleteTask(ctx, "task-1"))

	_, ok1 := c.Get(ctx, "task-1", "/a.png")
	_, ok2 := c.Get(ctx, "task-2", "/a.png")
	assert.False(t, ok1)
	assert.True(t, ok2)
}
