// Package reconcile implements the Full-Tree Reconciler (spec.md §4.6):
// an initial walk of input_dir that invokes the Sync Handler's sync_one
// for every file with mode=initial, followed by an empty-directory
// cleanup pass over output_dir.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/WeimengLiu/autoSync/pkg/synclog"
	"github.com/WeimengLiu/autoSync/pkg/syncengine"
)

// Options configures one reconciliation run.
type Options struct {
	// Concurrency bounds how many sync_one calls run at once, exploiting
	// I/O overlap across files (spec.md §4.6, "Concurrency").
	Concurrency int
	// Strict enables deleting mirror files whose source has disappeared
	// while the process was down — the spec leaves this ambiguous and
	// asks implementers to expose a flag rather than silently change
	// behavior (spec.md §9, Open Questions; DESIGN.md Open Question 1).
	Strict bool
}

// DefaultOptions returns reasonable concurrency for interactive use.
func DefaultOptions() Options {
	return Options{Concurrency: 8}
}

// Stats summarizes one reconciliation run.
type Stats struct {
	TotalFiles     int
	RemovedOrphans int
}

// Run walks inputDir, invoking handler.SyncOne(path, syncengine.Initial)
// for each regular file, then performs the empty-directory cleanup pass
// over outputDir (spec.md §4.6 steps 2–4).
func Run(ctx context.Context, handler *syncengine.Handler, logger *synclog.Logger, inputDir, outputDir string, opts Options) (Stats, error) {
	var paths []string
	err := filepath.WalkDir(inputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("reconcile: walk input: %w", err)
	}

	total := len(paths)
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var processedMu sync.Mutex
	processed := 0
	lastReportedPct := -1

	for _, path := range paths {
		select {
		case <-ctx.Done():
			wg.Wait()
			return Stats{TotalFiles: total}, ctx.Err()
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(p string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := handler.SyncOne(ctx, p, syncengine.Initial); err != nil {
				logger.Error("reconcile %s: %v", p, err)
			}

			processedMu.Lock()
			processed++
			pct := 0
			if total > 0 {
				pct = processed * 100 / total
			}
			report := pct/5 != lastReportedPct/5
			if report {
				lastReportedPct = pct
			}
			n := processed
			processedMu.Unlock()

			if report {
				logger.Info("reconcile progress: %d%% (%d/%d)", pct, n, total)
			}
		}(path)
	}
	wg.Wait()

	removed := 0
	if opts.Strict {
		removed, err = removeOrphans(inputDir, outputDir, logger)
		if err != nil {
			return Stats{TotalFiles: total}, err
		}
	}

	CleanupEmptyDirs(outputDir, logger)

	return Stats{TotalFiles: total, RemovedOrphans: removed}, nil
}

// removeOrphans deletes every file under outputDir with no counterpart
// under inputDir (spec.md §8 invariant 3, gated behind Options.Strict
// per DESIGN.md Open Question 1).
func removeOrphans(inputDir, outputDir string, logger *synclog.Logger) (int, error) {
	removed := 0
	err := filepath.WalkDir(outputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		sourceCounterpart := filepath.Join(inputDir, rel)
		if _, err := os.Lstat(sourceCounterpart); os.IsNotExist(err) {
			if rmErr := os.Remove(path); rmErr != nil {
				logger.Error("orphan cleanup %s: %v", path, rmErr)
				return nil
			}
			logger.Info("[orphan] %s", rel)
			removed++
		}
		return nil
	})
	return removed, err
}

// CleanupEmptyDirs removes every directory under root that is empty,
// bottom-up (spec.md §4.6 step 4 and the original's cleanup_empty_dirs).
func CleanupEmptyDirs(root string, logger *synclog.Logger) {
	var dirs []string
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() || path == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})

	// Remove deepest directories first so a parent that becomes empty
	// only because its child was just removed is caught on this pass.
	for i := len(dirs) - 1; i >= 0; i-- {
		dir := dirs[i]
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			if err := os.Remove(dir); err != nil {
				logger.Error("cleanup empty dir %s: %v", dir, err)
			}
		}
	}
}
