// Package synclog implements the per-task, per-day log files described
// in spec.md §6: one file at
// <root>/logs/file_sync_{task_id}_{YYYYMMDD}.log per calendar day, lines
// formatted as "timestamp - LEVEL - [logger] - message".
//
// No logging framework appears anywhere in the reference corpus for this
// concern (see DESIGN.md); the teacher's own operational logging is bare
// log.Printf, so this package wraps the standard library's log.Logger
// rather than reaching for an unrelated dependency.
package synclog

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Logger writes dated log lines for a single task, rotating to a new
// file at local midnight.
type Logger struct {
	root   string
	taskID string
	name   string // logger name, e.g. "FileSync_<task_id>"

	mu      sync.Mutex
	day     string
	file    *os.File
	std     *log.Logger
	verbose bool
}

// New constructs a Logger writing under <root>/logs for taskID.
func New(root, taskID string, verbose bool) *Logger {
	return &Logger{
		root:    root,
		taskID:  taskID,
		name:    fmt.Sprintf("FileSync_%s", taskID),
		verbose: verbose,
	}
}

func (l *Logger) logDir() string {
	return filepath.Join(l.root, "logs")
}

func (l *Logger) pathForDay(day string) string {
	return filepath.Join(l.logDir(), fmt.Sprintf("file_sync_%s_%s.log", l.taskID, day))
}

// ensureOpen rotates to today's file if the day has changed or no file
// is open yet. Caller must hold l.mu.
func (l *Logger) ensureOpen() error {
	day := time.Now().Format("20060102")
	if l.file != nil && l.day == day {
		return nil
	}
	if err := os.MkdirAll(l.logDir(), 0o755); err != nil {
		return fmt.Errorf("synclog: mkdir: %w", err)
	}
	f, err := os.OpenFile(l.pathForDay(day), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("synclog: open: %w", err)
	}
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file = f
	l.day = day

	var w io.Writer = f
	if l.verbose {
		w = io.MultiWriter(f, os.Stderr)
	}
	l.std = log.New(w, "", 0)
	return nil
}

func (l *Logger) write(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureOpen(); err != nil {
		// A logging failure must never abort sync work; fall back to
		// stderr so the message is not entirely lost.
		fmt.Fprintf(os.Stderr, "synclog: %v\n", err)
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05,000")
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%s - %s - [%s] - %s", ts, level, l.name, msg)
}

// Info logs an informational message, e.g. "[copy]"/"[link]"/"[complete]"
// outcomes per spec.md §4.5.2.
func (l *Logger) Info(format string, args ...interface{}) { l.write("INFO", format, args...) }

// Debug logs a debug message; suppressed from stderr unless verbose.
func (l *Logger) Debug(format string, args ...interface{}) { l.write("DEBUG", format, args...) }

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) { l.write("WARNING", format, args...) }

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) { l.write("ERROR", format, args...) }

// Bytes formats a byte count for human-readable log/verbose output.
func Bytes(n int64) string {
	return humanize.Bytes(uint64(n))
}

// Close releases the currently open log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Dates returns the available log dates for taskID under root, newest
// first, matching spec.md §6's `GET /api/tasks/{id}/log_dates`.
func Dates(root, taskID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, "logs"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("synclog: read log dir: %w", err)
	}

	prefix := fmt.Sprintf("file_sync_%s_", taskID)
	var dates []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".log") {
			date := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".log")
			if len(date) == 8 && isAllDigits(date) {
				dates = append(dates, date)
			}
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	return dates, nil
}

// Lines returns the raw lines of the log file for taskID on the given
// YYYYMMDD date, matching spec.md §6's `GET /api/tasks/{id}/logs`.
func Lines(root, taskID, date string) ([]string, error) {
	path := filepath.Join(root, "logs", fmt.Sprintf("file_sync_%s_%s.log", taskID, date))
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("synclog: read log file: %w", err)
	}
	return splitLines(string(content)), nil
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// splitLines preserves trailing newlines on each element (matching
// Python's readlines(), which spec.md §6's /logs endpoint mirrors) rather
// than dropping them as strings.Split would.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
