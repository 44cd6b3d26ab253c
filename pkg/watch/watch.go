// Package watch abstracts the platform file-event primitive behind a
// small interface (spec.md §4.1, "Watch Source Adapter"), so the sync
// handler never imports fsnotify directly.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Kind enumerates the event kinds the adapter can emit.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Closed   Kind = "closed"
	Deleted  Kind = "deleted"
	Moved    Kind = "moved"
)

// Event is a single filesystem notification. DestPath is only set for
// Moved events (the path the source moved to); it is empty otherwise.
type Event struct {
	SrcPath     string
	DestPath    string
	Kind        Kind
	IsDirectory bool
}

// Source is the capability set spec.md §4.1 requires: a stream of
// events, started and cleanly stopped by the task supervisor.
type Source interface {
	// Watch begins watching root (recursively). It returns immediately;
	// events arrive on Events().
	Watch(root string) error
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// SupportsClosed reports whether this Source natively emits Kind==Closed
// ("writer closed file descriptor"). fsnotify has no such primitive on
// any platform, so the handler always falls back to the
// Write-Completion Monitor for stability detection (spec.md §4.1, §4.3).
func SupportsClosed(s Source) bool {
	_, ok := s.(interface{ nativeClosed() bool })
	return ok
}

// fsnotifySource adapts fsnotify.Watcher to Source. fsnotify does not
// watch subtrees recursively on any backend, so newly created
// directories are added on the fly as their parent's Create event
// arrives — the Go analogue of the native-recursive watch capability
// the spec allows the adapter to hide behind its interface.
type fsnotifySource struct {
	watcher *fsnotify.Watcher
	root    string

	events chan Event
	errors chan error

	mu     sync.Mutex
	closed bool
}

// NewFSNotify constructs a Source backed by github.com/fsnotify/fsnotify.
func NewFSNotify() (Source, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	s := &fsnotifySource{
		watcher: w,
		events:  make(chan Event, 256),
		errors:  make(chan error, 16),
	}
	go s.pump()
	return s, nil
}

func (s *fsnotifySource) Watch(root string) error {
	s.root = root
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if werr := s.watcher.Add(path); werr != nil {
				return fmt.Errorf("watch: add %s: %w", path, werr)
			}
		}
		return nil
	})
}

func (s *fsnotifySource) Events() <-chan Event { return s.events }
func (s *fsnotifySource) Errors() <-chan error { return s.errors }

func (s *fsnotifySource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.watcher.Close()
}

func (s *fsnotifySource) pump() {
	defer close(s.events)
	defer close(s.errors)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.translate(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			default:
			}
		}
	}
}

func (s *fsnotifySource) translate(ev fsnotify.Event) {
	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case ev.Has(fsnotify.Create):
		if isDir {
			// Extend the recursive watch to the new subtree; ignore
			// errors from paths that vanish between Stat and Add.
			_ = s.watcher.Add(ev.Name)
		}
		s.emit(Event{SrcPath: ev.Name, Kind: Created, IsDirectory: isDir})
	case ev.Has(fsnotify.Write):
		s.emit(Event{SrcPath: ev.Name, Kind: Modified, IsDirectory: isDir})
	case ev.Has(fsnotify.Remove):
		s.emit(Event{SrcPath: ev.Name, Kind: Deleted, IsDirectory: isDir})
	case ev.Has(fsnotify.Rename):
		// fsnotify reports a rename as two independent events (a Rename
		// on the old name, a Create on the new one); we cannot pair them
		// without more state than the adapter should own, so a Rename
		// is surfaced as a Deleted for its old name. The sync handler's
		// moved-from/moved-to pairing (spec.md §4.5.1 item 3) is instead
		// driven by the Created event on the new path.
		s.emit(Event{SrcPath: ev.Name, Kind: Deleted, IsDirectory: isDir})
	case ev.Has(fsnotify.Chmod):
		// Permission-only changes carry no sync-relevant information.
	}
}

func (s *fsnotifySource) emit(e Event) {
	select {
	case s.events <- e:
	default:
		// Back-pressure: drop rather than block the fsnotify pump
		// goroutine forever. A dropped event for a copy-set file still
		// gets picked up by the next reconciliation pass.
		select {
		case s.errors <- fmt.Errorf("watch: event queue full, dropped %s", e.SrcPath):
		default:
		}
	}
}
