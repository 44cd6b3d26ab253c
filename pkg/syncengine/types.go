package syncengine

import (
	"strings"
	"time"
)

// Kind is the reason a path is being synced (spec.md §3, PendingWork's
// event_kind).
type Kind string

const (
	// Initial is used by the Full-Tree Reconciler's first pass.
	Initial Kind = "initial"
	// WriteComplete is used once a file's writer has finished, whether
	// detected natively or via the Write-Completion Monitor.
	WriteComplete Kind = "write_complete"
	// Moved is used for the destination side of a rename.
	Moved Kind = "moved"
)

// Config is the immutable configuration a Handler runs with. Thresholds
// spec.md §9 calls out as "unprincipled defaults" are configurable here
// rather than hardcoded (DESIGN.md, Open Question 2).
type Config struct {
	TaskID     string
	InputDir   string
	OutputDir  string
	Extensions []string // lowercased, dot-stripped suffixes; the copy set

	// LargeFileThreshold selects the mmap hashing fast-path (spec.md §4.5.5).
	LargeFileThreshold int64
	// StableDuration is how long (size, mtime) must be unchanged for the
	// Write-Completion Monitor to consider a file ready (spec.md §4.3).
	StableDuration time.Duration
	// CheckInterval is the monitor's polling interval.
	CheckInterval time.Duration
	// MaxWait bounds how long the monitor waits before reporting timeout.
	MaxWait time.Duration

	// BatchSize and BatchInterval parameterize the Batch Queue (spec.md §4.4).
	BatchSize     int
	BatchInterval time.Duration

	// Verbose is not read by the Handler; verbose output is controlled
	// by the synclog.Logger passed to New.
	Verbose bool
}

// DefaultConfig returns a Config for the given task with the default
// thresholds, polling intervals, and batch parameters.
func DefaultConfig(taskID, inputDir, outputDir string, extensions []string) Config {
	return Config{
		TaskID:             taskID,
		InputDir:           inputDir,
		OutputDir:          outputDir,
		Extensions:         NormalizeExtensions(extensions),
		LargeFileThreshold: 10 * 1024 * 1024,
		StableDuration:     1 * time.Second,
		CheckInterval:      500 * time.Millisecond,
		MaxWait:            30 * time.Second,
		BatchSize:          100,
		BatchInterval:      1 * time.Second,
	}
}

// NormalizeExtensions lowercases each extension and strips a leading dot,
// so callers may configure either "png" or ".png" or "PNG" (spec.md §4.5.6,
// and the original's case-insensitive suffix match).
func NormalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, ".")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// HasCopyExtension reports whether name's suffix is in the copy set
// (spec.md §4.5.6, case-insensitive suffix match against dot-stripped
// extensions).
func HasCopyExtension(name string, extensions []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, "."+ext) {
			return true
		}
	}
	return false
}

// workItem is the Batch Queue's transient element (spec.md §3,
// PendingWork): (path, event_kind).
type workItem struct {
	path string
	kind Kind
}
