// Package tasks implements the Task Supervisor (spec.md §3 TaskConfig,
// §4.7): a durable registry of sync tasks, each owning a Sync Handler,
// a Watch Source, and a worker goroutine running the Full-Tree
// Reconciler followed by an endless watch loop.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/WeimengLiu/autoSync/pkg/hashcache"
	"github.com/WeimengLiu/autoSync/pkg/reconcile"
	"github.com/WeimengLiu/autoSync/pkg/synclog"
	"github.com/WeimengLiu/autoSync/pkg/syncengine"
	"github.com/WeimengLiu/autoSync/pkg/watch"
	"github.com/google/uuid"
)

// Status mirrors spec.md §3's TaskConfig.status domain.
type Status string

const (
	Stopped Status = "stopped"
	Running Status = "running"
)

const timeLayout = "2006-01-02 15:04:05"

// Config is the persisted, user-facing description of a task
// (spec.md §3 TaskConfig). Most fields are immutable while Status is
// Running; Update rejects changes in that state.
type Config struct {
	TaskID     string   `json:"task_id"`
	Name       string   `json:"name"`
	InputDir   string   `json:"input_dir"`
	OutputDir  string   `json:"output_dir"`
	Extensions []string `json:"extensions"`
	Status     Status   `json:"status"`
	StartTime  string   `json:"start_time,omitempty"`
	StopTime   string   `json:"stop_time,omitempty"`
}

// NewUUID is a seam so tests can install a deterministic id generator,
// mirroring the teacher's UserConfigDirectory function-variable pattern
// (pkg/config/cli-path.go).
var NewUUID = func() string { return uuid.NewString() }

// Now is a seam over wall-clock time for deterministic tests.
var Now = func() time.Time { return time.Now() }

type runningTask struct {
	handler *syncengine.Handler
	source  watch.Source
	cancel  context.CancelFunc
	done    chan struct{}
}

// Supervisor owns the task registry, the shared Hash Cache, and the
// set of currently-running tasks (spec.md §4.7).
type Supervisor struct {
	root        string
	registryDir string
	cache       *hashcache.Cache
	verbose     bool

	mu      sync.Mutex
	configs map[string]*Config
	running map[string]*runningTask

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// DefaultSweepMaxAge matches cache_manager.py's cleanup_old_records
// default of 30 days.
const DefaultSweepMaxAge = 30 * 24 * time.Hour

// RegistryFile returns the JSON registry path under root, grounded on
// the teacher's handler/vault.go pattern of one JSON file per durable
// collection.
func RegistryFile(root string) string {
	return filepath.Join(root, "tasks.json")
}

// NewSupervisor constructs a Supervisor rooted at root. It does not
// load the registry; call Load for that.
func NewSupervisor(root string, cache *hashcache.Cache, verbose bool) *Supervisor {
	return &Supervisor{
		root:    root,
		cache:   cache,
		verbose: verbose,
		configs: make(map[string]*Config),
		running: make(map[string]*runningTask),
	}
}

// Load reads the persisted registry, restarting every task whose last
// known status was Running (spec.md §4.7: "on process start, load the
// registry; for every task whose last-known status was running,
// attempt to restart it; on restart failure, mark stopped").
func (s *Supervisor) Load() error {
	path := RegistryFile(s.root)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("tasks: read registry: %w", err)
	}

	var list []*Config
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("tasks: parse registry: %w", err)
	}

	s.mu.Lock()
	for _, cfg := range list {
		s.configs[cfg.TaskID] = cfg
	}
	toRestart := make([]*Config, 0)
	for _, cfg := range list {
		if cfg.Status == Running {
			// No process owns the task yet; mark it stopped so Start
			// does not reject it as already running.
			cfg.Status = Stopped
			toRestart = append(toRestart, cfg)
		}
	}
	s.mu.Unlock()

	for _, cfg := range toRestart {
		if err := s.Start(cfg.TaskID); err != nil {
			s.mu.Lock()
			cfg.Status = Stopped
			cfg.StopTime = Now().Format(timeLayout)
			s.mu.Unlock()
		}
	}
	return s.save()
}

func (s *Supervisor) save() error {
	s.mu.Lock()
	list := make([]*Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		c := *cfg
		list = append(list, &c)
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("tasks: marshal registry: %w", err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("tasks: mkdir registry root: %w", err)
	}
	return os.WriteFile(RegistryFile(s.root), data, 0o644)
}

// Add registers a new, stopped task and persists the registry.
func (s *Supervisor) Add(name, inputDir, outputDir string, extensions []string) (*Config, error) {
	cfg := &Config{
		TaskID:     NewUUID(),
		Name:       name,
		InputDir:   inputDir,
		OutputDir:  outputDir,
		Extensions: syncengine.NormalizeExtensions(extensions),
		Status:     Stopped,
	}
	s.mu.Lock()
	s.configs[cfg.TaskID] = cfg
	s.mu.Unlock()

	if err := s.save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Remove stops the task if running, then deletes it from the registry
// and its cache entries (spec.md §4.7: "remove first stops if running").
func (s *Supervisor) Remove(taskID string) error {
	s.mu.Lock()
	_, exists := s.configs[taskID]
	s.mu.Unlock()
	if !exists {
		return fmt.Errorf("tasks: unknown task %q", taskID)
	}

	if err := s.Stop(taskID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.configs, taskID)
	s.mu.Unlock()

	if s.cache != nil {
		_ = s.cache.DeleteTask(context.Background(), taskID)
	}
	return s.save()
}

// Get returns a copy of a task's config.
func (s *Supervisor) Get(taskID string) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[taskID]
	if !ok {
		return Config{}, false
	}
	return *cfg, true
}

// GetAll returns a copy of every task's config.
func (s *Supervisor) GetAll() []Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, *cfg)
	}
	return out
}

// Update rejects changes while the task is running (spec.md §4.7).
func (s *Supervisor) Update(taskID string, name, inputDir, outputDir *string, extensions []string) error {
	s.mu.Lock()
	cfg, ok := s.configs[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tasks: unknown task %q", taskID)
	}
	if cfg.Status == Running {
		s.mu.Unlock()
		return fmt.Errorf("tasks: cannot update %q while running", taskID)
	}
	if name != nil {
		cfg.Name = *name
	}
	if inputDir != nil {
		cfg.InputDir = *inputDir
	}
	if outputDir != nil {
		cfg.OutputDir = *outputDir
	}
	if extensions != nil {
		cfg.Extensions = syncengine.NormalizeExtensions(extensions)
	}
	s.mu.Unlock()
	return s.save()
}

// ErrAlreadyRunning matches spec.md §7's task-start race: "not an error".
var ErrAlreadyRunning = fmt.Errorf("task already running")

// Start builds a Sync Handler and Watch Source for taskID and returns
// after starting a dedicated goroutine that runs the Full-Tree
// Reconciler once and then an endless watch loop (spec.md §4.7, §4.5.4 "worker owning the
// Reconciler followed by an endless Watch loop").
func (s *Supervisor) Start(taskID string) error {
	s.mu.Lock()
	cfg, ok := s.configs[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tasks: unknown task %q", taskID)
	}
	if cfg.Status == Running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	inputDir, outputDir, extensions := cfg.InputDir, cfg.OutputDir, cfg.Extensions
	s.mu.Unlock()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("tasks: create output dir: %w", err)
	}

	logger := synclog.New(s.root, taskID, s.verbose)
	engineCfg := syncengine.DefaultConfig(taskID, inputDir, outputDir, extensions)
	handler := syncengine.New(engineCfg, s.cache, logger)

	source, err := watch.NewFSNotify()
	if err != nil {
		handler.Close()
		logger.Close()
		return fmt.Errorf("tasks: create watch source: %w", err)
	}
	if err := source.Watch(inputDir); err != nil {
		source.Close()
		handler.Close()
		logger.Close()
		return fmt.Errorf("tasks: watch input dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{handler: handler, source: source, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[taskID] = rt
	cfg.Status = Running
	cfg.StartTime = Now().Format(timeLayout)
	cfg.StopTime = ""
	s.mu.Unlock()

	go s.runTask(ctx, taskID, rt, handler, source, logger, inputDir, outputDir)

	return s.save()
}

func (s *Supervisor) runTask(ctx context.Context, taskID string, rt *runningTask, handler *syncengine.Handler, source watch.Source, logger *synclog.Logger, inputDir, outputDir string) {
	defer close(rt.done)
	defer logger.Close()
	defer handler.Close()
	defer source.Close()

	logger.Info("task %s starting reconciliation", taskID)
	if _, err := reconcile.Run(ctx, handler, logger, inputDir, outputDir, reconcile.DefaultOptions()); err != nil {
		logger.Error("reconciliation failed: %v", err)
	}
	logger.Info("task %s watching for changes", taskID)

	events := source.Events()
	errs := source.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			handler.Dispatch(ev)
		case err, ok := <-errs:
			if !ok {
				continue
			}
			logger.Error("watch source error: %v", err)
		}
	}
}

// Stop signals the task's worker to exit, waits up to 5 seconds for it
// to join, and marks the task Stopped regardless (spec.md §5
// "Cancellation", §4.7).
func (s *Supervisor) Stop(taskID string) error {
	s.mu.Lock()
	cfg, ok := s.configs[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tasks: unknown task %q", taskID)
	}
	rt, running := s.running[taskID]
	if !running {
		s.mu.Unlock()
		return nil
	}
	delete(s.running, taskID)
	s.mu.Unlock()

	rt.cancel()
	_ = rt.source.Close()

	select {
	case <-rt.done:
	case <-time.After(5 * time.Second):
	}

	s.mu.Lock()
	cfg.Status = Stopped
	cfg.StopTime = Now().Format(timeLayout)
	s.mu.Unlock()

	return s.save()
}

// Sync runs the Full-Tree Reconciler synchronously for a task,
// regardless of whether it is currently running, matching the HTTP
// admin surface's POST /api/tasks/{id}/sync (spec.md §6).
func (s *Supervisor) Sync(ctx context.Context, taskID string) (reconcile.Stats, error) {
	s.mu.Lock()
	cfg, ok := s.configs[taskID]
	if !ok {
		s.mu.Unlock()
		return reconcile.Stats{}, fmt.Errorf("tasks: unknown task %q", taskID)
	}
	inputDir, outputDir := cfg.InputDir, cfg.OutputDir
	rt, running := s.running[taskID]
	s.mu.Unlock()

	if running {
		logger := synclog.New(s.root, taskID, s.verbose)
		defer logger.Close()
		return reconcile.Run(ctx, rt.handler, logger, inputDir, outputDir, reconcile.DefaultOptions())
	}

	logger := synclog.New(s.root, taskID, s.verbose)
	defer logger.Close()
	handlerCfg := syncengine.DefaultConfig(taskID, inputDir, outputDir, cfg.Extensions)
	handler := syncengine.New(handlerCfg, s.cache, logger)
	defer handler.Close()
	return reconcile.Run(ctx, handler, logger, inputDir, outputDir, reconcile.DefaultOptions())
}

// StopAll stops every currently running task and the cache sweep
// goroutine if started, used for graceful process shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.Stop(id)
	}
	s.StopCacheSweep()
}

// StartCacheSweep begins an opt-in background goroutine that calls
// hashcache.Cache.Sweep every interval, deleting entries whose
// last_check predates maxAge (cache_manager.py's cleanup_old_records,
// spec.md §4.2: "background hygiene, not required for correctness").
// Calling it a second time without an intervening StopCacheSweep is a
// no-op.
func (s *Supervisor) StartCacheSweep(interval, maxAge time.Duration) {
	s.mu.Lock()
	if s.sweepStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweepStop = make(chan struct{})
	s.sweepDone = make(chan struct{})
	stop, done := s.sweepStop, s.sweepDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = s.cache.Sweep(context.Background(), Now().Add(-maxAge))
			}
		}
	}()
}

// StopCacheSweep stops a sweep goroutine started by StartCacheSweep, if
// any. It is safe to call even if no sweep is running.
func (s *Supervisor) StopCacheSweep() {
	s.mu.Lock()
	stop, done := s.sweepStop, s.sweepDone
	s.sweepStop, s.sweepDone = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
