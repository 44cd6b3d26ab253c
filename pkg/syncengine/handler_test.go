package syncengine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/WeimengLiu/autoSync/pkg/hashcache"
	"github.com/WeimengLiu/autoSync/pkg/synclog"
	"github.com/WeimengLiu/autoSync/pkg/syncengine"
	"github.com/WeimengLiu/autoSync/pkg/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, inputDir, outputDir string, extensions []string) (*syncengine.Handler, *hashcache.Cache) {
	t.Helper()
	root := t.TempDir()
	cache, err := hashcache.Open(filepath.Join(root, ".db", "file_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	logger := synclog.New(root, "task-1", false)
	t.Cleanup(func() { _ = logger.Close() })

	cfg := syncengine.DefaultConfig("task-1", inputDir, outputDir, extensions)
	h := syncengine.New(cfg, cache, logger)
	t.Cleanup(h.Close)
	return h, cache
}

func TestSyncOneCopiesConfiguredExtension(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	src := filepath.Join(input, "a", "b.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	require.NoError(t, h.SyncOne(context.Background(), src, syncengine.Initial))

	out := filepath.Join(output, "a", "b.png")
	info, err := os.Lstat(out)
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestSyncOneLinksUnconfiguredExtension(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	src := filepath.Join(input, "a", "c.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0o755))
	require.NoError(t, os.WriteFile(src, []byte("movie"), 0o644))

	require.NoError(t, h.SyncOne(context.Background(), src, syncengine.Initial))

	out := filepath.Join(output, "a", "c.mkv")
	info, err := os.Lstat(out)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink)

	target, err := os.Readlink(out)
	require.NoError(t, err)
	absSrc, _ := filepath.Abs(src)
	assert.Equal(t, absSrc, target)
}

func TestSyncOneIdempotentOnSecondInitialRun(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	src := filepath.Join(input, "b.png")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	ctx := context.Background()
	require.NoError(t, h.SyncOne(ctx, src, syncengine.Initial))
	firstCount := h.SyncCount()
	assert.Equal(t, int64(1), firstCount)

	require.NoError(t, h.SyncOne(ctx, src, syncengine.Initial))
	assert.Equal(t, firstCount, h.SyncCount(), "second reconciliation pass must not perform extra writes")
}

func TestSyncOneExtensionCaseInsensitive(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"PNG"})

	src := filepath.Join(input, "b.PNG")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	require.NoError(t, h.SyncOne(context.Background(), src, syncengine.Initial))

	_, err := os.Stat(filepath.Join(output, "b.PNG"))
	require.NoError(t, err)
}

func TestSyncOneMissingSourceIsNoop(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	err := h.SyncOne(context.Background(), filepath.Join(input, "missing.png"), syncengine.Initial)
	assert.NoError(t, err)
}

func TestDispatchMovedRemovesOldMirrorAndLinksNew(t *testing.T) {
	// watch.Moved is never emitted by the real fsnotify-backed Source (a
	// rename surfaces there as Deleted+Created, see watch_test.go's
	// TestFSNotifyTranslatesRenameToDeleteThenCreate); Dispatch's Moved
	// case is only reachable via a synthetic event like this one, or from
	// a future Watch Source Adapter that does pair renames itself.
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	oldSrc := filepath.Join(input, "a", "old.mkv")
	newSrc := filepath.Join(input, "a", "new.mkv")
	require.NoError(t, os.MkdirAll(filepath.Dir(oldSrc), 0o755))
	require.NoError(t, os.WriteFile(oldSrc, []byte("movie"), 0o644))

	h.Dispatch(watch.Event{Kind: watch.Created, SrcPath: oldSrc})
	oldOut := filepath.Join(output, "a", "old.mkv")
	_, err := os.Lstat(oldOut)
	require.NoError(t, err, "initial create must produce the old mirror path first")

	require.NoError(t, os.Rename(oldSrc, newSrc))
	h.Dispatch(watch.Event{Kind: watch.Moved, SrcPath: oldSrc, DestPath: newSrc})

	_, err = os.Lstat(oldOut)
	assert.True(t, os.IsNotExist(err), "mirror of the renamed-away path must be removed")

	newOut := filepath.Join(output, "a", "new.mkv")
	info, err := os.Lstat(newOut)
	require.NoError(t, err, "mirror of the new path must materialize")
	assert.NotZero(t, info.Mode()&os.ModeSymlink)

	target, err := os.Readlink(newOut)
	require.NoError(t, err)
	absNewSrc, _ := filepath.Abs(newSrc)
	assert.Equal(t, absNewSrc, target)
}

func TestDispatchDropsDirectoryEvents(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	dir := filepath.Join(input, "sub")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	h.Dispatch(watch.Event{Kind: watch.Created, SrcPath: dir, IsDirectory: true})

	_, err := os.Lstat(filepath.Join(output, "sub"))
	assert.True(t, os.IsNotExist(err), "a directory event must never create a mirror entry")
}

func TestDispatchIgnoresPathsOutsideInputDir(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	outside := filepath.Join(t.TempDir(), "rogue.mkv")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	h.Dispatch(watch.Event{Kind: watch.Created, SrcPath: outside})

	entries, err := os.ReadDir(output)
	require.NoError(t, err)
	assert.Empty(t, entries, "an event rooted outside input_dir must be dropped, not mirrored")
}

func TestRoundTripModifiedContent(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()
	h, _ := newTestHandler(t, input, output, []string{"png"})

	src := filepath.Join(input, "b.png")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))
	ctx := context.Background()
	require.NoError(t, h.SyncOne(ctx, src, syncengine.Initial))

	require.NoError(t, os.WriteFile(src, []byte("v2-longer"), 0o644))
	require.NoError(t, h.SyncOne(ctx, src, syncengine.WriteComplete))

	content, err := os.ReadFile(filepath.Join(output, "b.png"))
	require.NoError(t, err)
	assert.Equal(t, "v2-longer", string(content))
}
