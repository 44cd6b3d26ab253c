package syncengine

import (
	"context"
	"os"
	"sync"
	"time"
)

// monitorResult is the outcome of waiting for a file to stabilize
// (spec.md §4.3).
type monitorResult int

const (
	monitorReady monitorResult = iota
	monitorTimeout
	monitorVanished
	monitorCancelled
)

// writeMonitor polls a single file's (size, mtime) until they have been
// unchanged for at least StableDuration, or MaxWait elapses.
type writeMonitor struct {
	path       string
	startedAt  time.Time
	cancel     context.CancelFunc
	lastSize   int64
	lastMtime  time.Time
	lastStable time.Time
}

// monitorSet owns the in-flight monitors for one task. A later
// create/modify event for the same path cancels the prior monitor before
// installing a new one (spec.md §4.3, "Cancellation").
type monitorSet struct {
	mu       sync.Mutex
	monitors map[string]*writeMonitor
}

func newMonitorSet() *monitorSet {
	return &monitorSet{monitors: make(map[string]*writeMonitor)}
}

// cancel stops any in-flight monitor for path, if one exists.
func (s *monitorSet) cancel(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[path]; ok {
		m.cancel()
		delete(s.monitors, path)
	}
}

// start cancels any existing monitor for path and begins a new one,
// invoking onDone with the result once it settles. onDone runs on its
// own goroutine, not holding the monitorSet's lock.
func (s *monitorSet) start(cfg Config, path string, onDone func(monitorResult)) {
	s.mu.Lock()
	if prior, ok := s.monitors[path]; ok {
		prior.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &writeMonitor{path: path, startedAt: time.Now(), cancel: cancel}
	s.monitors[path] = m
	s.mu.Unlock()

	go func() {
		result := m.run(ctx, cfg)
		s.mu.Lock()
		if s.monitors[path] == m {
			delete(s.monitors, path)
		}
		s.mu.Unlock()
		if result != monitorCancelled {
			onDone(result)
		}
	}()
}

func (m *writeMonitor) run(ctx context.Context, cfg Config) monitorResult {
	deadline := m.startedAt.Add(cfg.MaxWait)
	ticker := time.NewTicker(cfg.CheckInterval)
	defer ticker.Stop()

	var haveBaseline bool

	check := func() (done bool, result monitorResult) {
		info, err := os.Stat(m.path)
		if err != nil {
			if os.IsNotExist(err) {
				return true, monitorVanished
			}
			// Transient stat error (spec.md §7): keep polling.
			return false, 0
		}
		size := info.Size()
		mtime := info.ModTime()

		if !haveBaseline || size != m.lastSize || !mtime.Equal(m.lastMtime) {
			m.lastSize = size
			m.lastMtime = mtime
			m.lastStable = time.Now()
			haveBaseline = true
			return false, 0
		}
		if time.Since(m.lastStable) >= cfg.StableDuration {
			return true, monitorReady
		}
		return false, 0
	}

	if done, result := check(); done {
		return result
	}

	for {
		select {
		case <-ctx.Done():
			return monitorCancelled
		case now := <-ticker.C:
			if now.After(deadline) {
				return monitorTimeout
			}
			if done, result := check(); done {
				return result
			}
			if time.Now().After(deadline) {
				return monitorTimeout
			}
		}
	}
}
