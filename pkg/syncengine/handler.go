// Package syncengine implements the per-task sync handler: event
// dispatch, the copy-with-verify and symlink decision procedures, the
// digest procedure, and deletion reconciliation (spec.md §4.3–§4.5).
package syncengine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"

	"github.com/WeimengLiu/autoSync/pkg/hashcache"
	"github.com/WeimengLiu/autoSync/pkg/synclog"
	"github.com/WeimengLiu/autoSync/pkg/watch"
)

// Handler is the per-task sync engine. It owns the Write-Completion
// Monitor set, the Processing set, the symlink-processed set, and the
// Batch Queue (spec.md §3, "Ownership"). The Hash Cache is shared
// process-wide and passed in, not owned.
type Handler struct {
	cfg    Config
	cache  *hashcache.Cache
	logger *synclog.Logger

	monitors *monitorSet
	queue    *batchQueue

	processingMu sync.Mutex
	processing   map[string]struct{}

	symlinkedMu sync.Mutex
	symlinked   map[string]struct{}

	syncCount atomic.Int64 // total sync_one invocations that performed a write; used to verify idempotence
}

// New constructs a Handler for cfg, sharing cache across tasks per
// spec.md §9's re-architected "genuinely shared" Hash Cache.
func New(cfg Config, cache *hashcache.Cache, logger *synclog.Logger) *Handler {
	h := &Handler{
		cfg:        cfg,
		cache:      cache,
		logger:     logger,
		monitors:   newMonitorSet(),
		processing: make(map[string]struct{}),
		symlinked:  make(map[string]struct{}),
	}
	h.queue = newBatchQueue(cfg, func(path string, kind Kind) {
		if err := h.SyncOne(context.Background(), path, kind); err != nil {
			h.logger.Error("sync %s: %v", path, err)
		}
	})
	go h.queue.run()
	return h
}

// Close stops the batch queue's background drain loop. It does not wait
// for in-flight monitors; callers cancel those via Dispatch's delete path
// or by discarding the Handler after Stop (see the task Supervisor).
func (h *Handler) Close() {
	h.queue.close()
}

// SyncCount returns how many sync_one invocations performed an actual
// write (copy or symlink creation), for the idempotence law of spec.md §8.
func (h *Handler) SyncCount() int64 { return h.syncCount.Load() }

// Dispatch implements spec.md §4.5.1's per-event decision tree.
func (h *Handler) Dispatch(ev watch.Event) {
	rel, err := filepath.Rel(h.cfg.InputDir, ev.SrcPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return // restrict to paths rooted within input_dir
	}
	if ev.IsDirectory {
		return // drop directory events
	}

	switch ev.Kind {
	case watch.Deleted:
		h.monitors.cancel(ev.SrcPath)
		h.removeSymlinkProcessed(ev.SrcPath)
		h.handleDelete(ev.SrcPath)

	case watch.Moved:
		h.monitors.cancel(ev.SrcPath)
		h.removeSymlinkProcessed(ev.SrcPath)
		h.handleDelete(ev.SrcPath)
		h.dispatchNewPath(ev.DestPath, Moved)

	case watch.Created:
		h.dispatchNewPath(ev.SrcPath, Initial)

	case watch.Modified:
		if HasCopyExtension(ev.SrcPath, h.cfg.Extensions) {
			h.startMonitor(ev.SrcPath)
		}

	case watch.Closed:
		// Writer closed its descriptor; skip the stability wait
		// entirely (spec.md §4.5.1 item 6).
		h.monitors.cancel(ev.SrcPath)
		h.queue.enqueue(ev.SrcPath, WriteComplete)
	}
}

// dispatchNewPath handles a path observed for the first time (via
// Created, or as the destination half of a Moved pair).
func (h *Handler) dispatchNewPath(path string, kind Kind) {
	if HasCopyExtension(path, h.cfg.Extensions) {
		h.startMonitor(path)
		return
	}
	// Non-copied files get their symlink immediately (spec.md §4.5.1 item 5).
	if err := h.syncLink(path); err != nil {
		h.logger.Error("link %s: %v", path, err)
		return
	}
	h.markSymlinkProcessed(path)
}

func (h *Handler) startMonitor(path string) {
	h.monitors.start(h.cfg, path, func(result monitorResult) {
		switch result {
		case monitorReady:
			h.queue.enqueue(path, WriteComplete)
		case monitorVanished:
			h.handleDelete(path)
		case monitorTimeout:
			h.logger.Warn("write-completion timeout for %s", path)
		}
	})
}

func (h *Handler) markSymlinkProcessed(path string) {
	h.symlinkedMu.Lock()
	h.symlinked[path] = struct{}{}
	h.symlinkedMu.Unlock()
}

func (h *Handler) removeSymlinkProcessed(path string) {
	h.symlinkedMu.Lock()
	delete(h.symlinked, path)
	h.symlinkedMu.Unlock()
}

// outputPath computes output_dir + relative(input_dir, path) (spec.md §4.5.2 step 2).
func (h *Handler) outputPath(path string) (string, error) {
	rel, err := filepath.Rel(h.cfg.InputDir, path)
	if err != nil {
		return "", fmt.Errorf("relative path: %w", err)
	}
	return filepath.Join(h.cfg.OutputDir, rel), nil
}

// SyncOne is spec.md §4.5.2/§4.5.3's sync_one, suppressing re-entry for
// the same path via the Processing set (spec.md §5, "at most one
// sync_one per path at a time").
func (h *Handler) SyncOne(ctx context.Context, path string, kind Kind) error {
	if !h.enterProcessing(path) {
		return nil
	}
	defer h.exitProcessing(path)

	if HasCopyExtension(path, h.cfg.Extensions) {
		return h.syncCopy(ctx, path, kind)
	}
	return h.syncLink(path)
}

func (h *Handler) enterProcessing(path string) bool {
	h.processingMu.Lock()
	defer h.processingMu.Unlock()
	if _, busy := h.processing[path]; busy {
		return false
	}
	h.processing[path] = struct{}{}
	return true
}

func (h *Handler) exitProcessing(path string) {
	h.processingMu.Lock()
	delete(h.processing, path)
	h.processingMu.Unlock()
}

// syncCopy implements spec.md §4.5.2.
func (h *Handler) syncCopy(ctx context.Context, path string, kind Kind) error {
	srcInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // step 1: path does not exist, return
		}
		return fmt.Errorf("stat source: %w", err)
	}

	outputPath, err := h.outputPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}

	if kind == Initial {
		if dstInfo, err := os.Stat(outputPath); err == nil && dstInfo.Size() == srcInfo.Size() {
			// Deliberate efficiency/correctness trade for first-pass
			// reconciliation over large trees (spec.md §4.5.2 step 3).
			return nil
		}
	}

	sourceMD5, sourceMtime, err := h.digest(ctx, path)
	if err != nil {
		return fmt.Errorf("hash source: %w", err)
	}

	if dstInfo, err := os.Stat(outputPath); err == nil {
		targetMD5, _, err := h.hashWithoutCache(outputPath)
		if err == nil && dstInfo.Size() == srcInfo.Size() && targetMD5 == sourceMD5 {
			return nil
		}
	}

	if err := h.stageAndVerify(outputPath, path, srcInfo.Size(), sourceMD5); err != nil {
		return err
	}

	outInfo, err := os.Stat(outputPath)
	if err == nil {
		h.cache.Put(ctx, h.cfg.TaskID, outputPath, sourceMD5, mtimeSeconds(outInfo))
	}
	h.cache.Put(ctx, h.cfg.TaskID, path, sourceMD5, sourceMtime)

	h.syncCount.Add(1)
	rel, _ := filepath.Rel(h.cfg.InputDir, path)
	if kind == WriteComplete {
		h.logger.Info("[complete] %s", rel)
	} else {
		h.logger.Info("[copy] %s (%s)", rel, synclog.Bytes(srcInfo.Size()))
	}
	return nil
}

// stageAndVerify implements spec.md §4.5.2 step 5: write to a temp file,
// hash it without consulting the cache, verify size and digest, then
// atomically rename over any existing output.
func (h *Handler) stageAndVerify(outputPath, sourcePath string, sourceSize int64, sourceMD5 string) error {
	tmpPath := outputPath + ".tmp"

	if err := copyFile(sourcePath, tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("stage copy: %w", err)
	}

	tmpMD5, _, err := h.hashWithoutCache(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("hash staged file: %w", err)
	}
	tmpInfo, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("stat staged file: %w", err)
	}

	if tmpInfo.Size() != sourceSize || tmpMD5 != sourceMD5 {
		os.Remove(tmpPath)
		return fmt.Errorf("verification failed for %s: size/digest mismatch", outputPath)
	}

	if _, err := os.Lstat(outputPath); err == nil {
		if err := os.Remove(outputPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("remove existing output: %w", err)
		}
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename staged file: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// syncLink implements spec.md §4.5.3.
func (h *Handler) syncLink(path string) error {
	outputPath, err := h.outputPath(path)
	if err != nil {
		return err
	}

	if fi, err := os.Lstat(outputPath); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 && sameFile(outputPath, path) {
			return nil
		}
		if err := os.RemoveAll(outputPath); err != nil {
			return fmt.Errorf("remove existing output: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}

	absTarget, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute source path: %w", err)
	}
	if err := os.Symlink(absTarget, outputPath); err != nil {
		return fmt.Errorf("symlink: %w", err)
	}

	h.syncCount.Add(1)
	rel, _ := filepath.Rel(h.cfg.InputDir, path)
	h.logger.Info("[link] %s", rel)
	return nil
}

// sameFile reports whether link's realpath equals target's realpath,
// tolerating a broken symlink (spec.md §4.5.3 step 1a, "samefile semantics").
func sameFile(link, target string) bool {
	linkReal, err1 := filepath.EvalSymlinks(link)
	targetReal, err2 := filepath.EvalSymlinks(target)
	if err1 != nil || err2 != nil {
		return false
	}
	return linkReal == targetReal
}

// handleDelete implements spec.md §4.5.4: remove the mirror counterpart
// (tolerating a broken symlink as "present"), then walk up removing
// newly empty ancestor directories inside output_dir.
func (h *Handler) handleDelete(srcPath string) {
	outputPath, err := h.outputPath(srcPath)
	if err != nil {
		h.logger.Error("delete %s: %v", srcPath, err)
		return
	}

	if _, err := os.Lstat(outputPath); err == nil {
		if err := os.Remove(outputPath); err != nil {
			h.logger.Error("delete %s: %v", outputPath, err)
			return
		}
		rel, _ := filepath.Rel(h.cfg.InputDir, srcPath)
		h.logger.Info("[delete] %s", rel)
	} else if !os.IsNotExist(err) {
		h.logger.Error("stat %s: %v", outputPath, err)
		return
	}

	removeEmptyAncestors(filepath.Dir(outputPath), h.cfg.OutputDir)
}

// removeEmptyAncestors walks up from dir, removing directories that are
// now empty, stopping at the first non-empty ancestor or at root
// (spec.md §4.5.4).
func removeEmptyAncestors(dir, root string) {
	root = filepath.Clean(root)
	for {
		dir = filepath.Clean(dir)
		if dir == root || len(dir) < len(root) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// digest implements spec.md §4.5.5: consult the cache by mtime, else
// recompute (mmap fast-path above LargeFileThreshold, chunked read
// otherwise), then write back to the cache.
func (h *Handler) digest(ctx context.Context, path string) (string, float64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	mtime := mtimeSeconds(info)

	if entry, ok := h.cache.Get(ctx, h.cfg.TaskID, path); ok && entry.Mtime == mtime {
		return entry.Digest, mtime, nil
	}

	digest, _, err := h.hashFile(path, info.Size())
	if err != nil {
		return "", 0, err
	}

	h.cache.Put(ctx, h.cfg.TaskID, path, digest, mtime)
	return digest, mtime, nil
}

// hashWithoutCache computes a file's MD5 without consulting or updating
// the cache (spec.md §4.5.2 step 5b: staged-file verification must not
// trust cached state).
func (h *Handler) hashWithoutCache(path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	return h.hashFile(path, info.Size())
}

func (h *Handler) hashFile(path string, size int64) (string, int64, error) {
	if size >= h.cfg.LargeFileThreshold && size > 0 {
		return hashMmap(path)
	}
	return hashChunked(path)
}

// hashMmap computes MD5 over a read-only memory map of the file
// (spec.md §4.5.5 step 3, the large-file fast path).
func hashMmap(path string) (string, int64, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return hashChunked(path) // fall back rather than fail the sync
	}
	defer r.Close()

	sum := md5.New()
	section := io.NewSectionReader(r, 0, int64(r.Len()))
	n, err := io.Copy(sum, section)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(sum.Sum(nil)), n, nil
}

// hashChunked reads the file in fixed 8 KiB chunks, matching spec.md
// §4.5.5 step 3's non-mmap path. The empty-file case naturally yields
// the MD5 of the empty byte string.
func hashChunked(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	sum := md5.New()
	n, err := io.CopyBuffer(sum, f, make([]byte, 8*1024))
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(sum.Sum(nil)), n, nil
}

func mtimeSeconds(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}
