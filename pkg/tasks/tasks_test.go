package tasks_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WeimengLiu/autoSync/pkg/hashcache"
	"github.com/WeimengLiu/autoSync/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) (*tasks.Supervisor, string) {
	t.Helper()
	root := t.TempDir()
	cache, err := hashcache.Open(filepath.Join(root, ".db", "file_cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })
	return tasks.NewSupervisor(root, cache, false), root
}

func TestAddPersistsRegistry(t *testing.T) {
	sup, root := newTestSupervisor(t)
	input := t.TempDir()
	output := t.TempDir()

	cfg, err := sup.Add("movies", input, output, []string{"mkv"})
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.TaskID)
	assert.Equal(t, tasks.Stopped, cfg.Status)

	data, err := os.ReadFile(tasks.RegistryFile(root))
	require.NoError(t, err)
	assert.Contains(t, string(data), cfg.TaskID)
}

func TestStartStopLifecycle(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	input := t.TempDir()
	output := t.TempDir()

	cfg, err := sup.Add("movies", input, output, []string{"mkv"})
	require.NoError(t, err)

	require.NoError(t, sup.Start(cfg.TaskID))
	got, ok := sup.Get(cfg.TaskID)
	require.True(t, ok)
	assert.Equal(t, tasks.Running, got.Status)
	assert.NotEmpty(t, got.StartTime)

	err = sup.Start(cfg.TaskID)
	assert.ErrorIs(t, err, tasks.ErrAlreadyRunning)

	require.NoError(t, sup.Stop(cfg.TaskID))
	got, ok = sup.Get(cfg.TaskID)
	require.True(t, ok)
	assert.Equal(t, tasks.Stopped, got.Status)
	assert.NotEmpty(t, got.StopTime)
}

func TestUpdateRejectedWhileRunning(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	input := t.TempDir()
	output := t.TempDir()

	cfg, err := sup.Add("movies", input, output, []string{"mkv"})
	require.NoError(t, err)
	require.NoError(t, sup.Start(cfg.TaskID))
	defer sup.Stop(cfg.TaskID)

	newName := "renamed"
	err = sup.Update(cfg.TaskID, &newName, nil, nil, nil)
	assert.Error(t, err)
}

func TestRemoveStopsRunningTask(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	input := t.TempDir()
	output := t.TempDir()

	cfg, err := sup.Add("movies", input, output, []string{"mkv"})
	require.NoError(t, err)
	require.NoError(t, sup.Start(cfg.TaskID))

	require.NoError(t, sup.Remove(cfg.TaskID))
	_, ok := sup.Get(cfg.TaskID)
	assert.False(t, ok)
}

func TestLoadRestartsRunningTasks(t *testing.T) {
	root := t.TempDir()
	cache, err := hashcache.Open(filepath.Join(root, ".db", "file_cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	input := t.TempDir()
	output := t.TempDir()

	sup1 := tasks.NewSupervisor(root, cache, false)
	cfg, err := sup1.Add("movies", input, output, []string{"mkv"})
	require.NoError(t, err)
	require.NoError(t, sup1.Start(cfg.TaskID))
	time.Sleep(50 * time.Millisecond)
	sup1.StopAll()

	// Simulate an unclean shutdown: the registry on disk still says
	// running even though no process currently owns the task, which is
	// exactly the state Load() must recover from (spec.md §4.7).
	registryPath := tasks.RegistryFile(root)
	data, err := os.ReadFile(registryPath)
	require.NoError(t, err)
	rewritten := []byte(strings.ReplaceAll(string(data), `"stopped"`, `"running"`))
	require.NoError(t, os.WriteFile(registryPath, rewritten, 0o644))

	sup2 := tasks.NewSupervisor(root, cache, false)
	require.NoError(t, sup2.Load())
	defer sup2.StopAll()

	loaded, ok := sup2.Get(cfg.TaskID)
	require.True(t, ok)
	assert.Equal(t, input, loaded.InputDir)
	assert.Equal(t, tasks.Running, loaded.Status, "a task marked running on disk must be restarted on Load")
}

func TestCacheSweepDeletesAgedEntries(t *testing.T) {
	root := t.TempDir()
	cache, err := hashcache.Open(filepath.Join(root, ".db", "file_cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	ctx := context.Background()
	cache.Put(ctx, "task-1", "/a/b.png", "abc", 1.0)
	_, found := cache.Get(ctx, "task-1", "/a/b.png")
	require.True(t, found)

	sup := tasks.NewSupervisor(root, cache, false)
	original := tasks.Now
	defer func() { tasks.Now = original }()
	tasks.Now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	sup.StartCacheSweep(10*time.Millisecond, time.Hour)
	defer sup.StopCacheSweep()

	require.Eventually(t, func() bool {
		_, found := cache.Get(ctx, "task-1", "/a/b.png")
		return !found
	}, 2*time.Second, 10*time.Millisecond, "sweep goroutine must delete entries older than maxAge")
}

func TestStopCacheSweepIsIdempotent(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	sup.StartCacheSweep(time.Hour, tasks.DefaultSweepMaxAge)
	sup.StopCacheSweep()
	assert.NotPanics(t, func() { sup.StopCacheSweep() })
}
