package watch

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Op classifies a filesystem change
type Op int

const (
	OpCreated Op = iota
	OpModified
	OpDeleted
)

// String returns the op name for logs
func (o Op) String() string {
	switch o {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event is a path-level filesystem change
type Event struct {
	Path string
	Op   Op
}

// Watcher is the capability that yields filesystem change events for a
// watched set of files. Restart replaces the watched set; the event stream
// stays open across restarts. Tests inject an in-memory fake.
type Watcher interface {
	Events() <-chan Event
	Restart(paths []string) error
	Close() error
}

// FSWatcher implements Watcher over fsnotify. It watches the parent
// directories of the subscribed files and filters events down to the
// subscribed set, since editors typically replace files by rename.
type FSWatcher struct {
	logger  *zap.Logger
	inner   *fsnotify.Watcher
	events  chan Event
	done    chan struct{}
	mu      sync.Mutex
	files   map[string]bool
	dirRefs map[string]int
}

// NewFSWatcher creates a watcher with an empty watch set
func NewFSWatcher(logger *zap.Logger) (*FSWatcher, error) {
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &FSWatcher{
		logger:  logger.Named("watcher"),
		inner:   inner,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		files:   make(map[string]bool),
		dirRefs: make(map[string]int),
	}
	go w.loop()
	return w, nil
}

// Events returns the translated event stream
func (w *FSWatcher) Events() <-chan Event {
	return w.events
}

// Restart replaces the watched file set
func (w *FSWatcher) Restart(paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]bool, len(paths))
	nextDirs := make(map[string]int)
	for _, path := range paths {
		clean := filepath.Clean(path)
		next[clean] = true
		nextDirs[filepath.Dir(clean)]++
	}

	for dir := range w.dirRefs {
		if nextDirs[dir] == 0 {
			if err := w.inner.Remove(dir); err != nil {
				w.logger.Debug("Failed to unwatch directory",
					zap.String("dir", dir),
					zap.Error(err))
			}
		}
	}
	for dir := range nextDirs {
		if w.dirRefs[dir] == 0 {
			if err := w.inner.Add(dir); err != nil {
				return err
			}
		}
	}

	w.files = next
	w.dirRefs = nextDirs
	return nil
}

// Close stops the watcher and closes the event stream
func (w *FSWatcher) Close() error {
	err := w.inner.Close()
	<-w.done
	close(w.events)
	return err
}

func (w *FSWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case raw, ok := <-w.inner.Events:
			if !ok {
				return
			}
			w.translate(raw)
		case err, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *FSWatcher) translate(raw fsnotify.Event) {
	path := filepath.Clean(raw.Name)
	w.mu.Lock()
	subscribed := w.files[path]
	w.mu.Unlock()
	if !subscribed {
		return
	}

	var op Op
	switch {
	case raw.Has(fsnotify.Create):
		op = OpCreated
	case raw.Has(fsnotify.Write):
		op = OpModified
	case raw.Has(fsnotify.Remove), raw.Has(fsnotify.Rename):
		op = OpDeleted
	default:
		return
	}

	w.logger.Debug("File event",
		zap.String("path", path),
		zap.String("op", op.String()))
	select {
	case w.events <- Event{Path: path, Op: op}:
	default:
		// Drop rather than block the notify thread; the periodic rescan
		// picks up anything missed.
	}
}
