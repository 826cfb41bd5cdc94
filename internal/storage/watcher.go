package storage

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventOp is a filesystem change kind reported by a Watcher.
type EventOp int

const (
	OpCreated EventOp = iota
	OpModified
	OpDeleted
)

func (op EventOp) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event is one filesystem change under a tier root.
type Event struct {
	Op   EventOp
	Path string
	Size int64
}

// Watcher reports file changes under a tier root. Implementations emit a
// synthetic created event for every file already present when Start runs,
// so the index converges after a restart.
type Watcher interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	Close() error
}

// NewWatcher returns an inotify-backed watcher, or a polling watcher for
// tiers flagged poll (network mounts where inotify does not fire).
func NewWatcher(root string, poll bool, logger *slog.Logger) Watcher {
	if poll {
		return &pollWatcher{
			root:     root,
			interval: time.Second,
			events:   make(chan Event, 256),
			known:    make(map[string]int64),
			logger:   logger,
		}
	}
	return &inotifyWatcher{
		root:   root,
		events: make(chan Event, 256),
		logger: logger,
	}
}

// ignorePath filters temp files and hidden entries out of the event stream.
func ignorePath(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp")
}

type inotifyWatcher struct {
	root    string
	events  chan Event
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

func (w *inotifyWatcher) Events() <-chan Event { return w.events }

func (w *inotifyWatcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		fsw.Close()
		return err
	}

	// The initial scan of a large tree can outrun the consumer, so it
	// runs on the event goroutine rather than blocking Start.
	go func() {
		if err := w.addTree(w.root); err != nil {
			w.logger.Error("Initial tier scan failed", "root", w.root, "error", err)
		}
		w.loop(ctx)
	}()
	return nil
}

// addTree watches dir and every directory below it, emitting created events
// for files found along the way.
func (w *inotifyWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("Failed to watch directory", "path", path, "error", err)
			}
			return nil
		}
		if ignorePath(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		w.events <- Event{Op: OpCreated, Path: path, Size: info.Size()}
		return nil
	})
}

func (w *inotifyWatcher) loop(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "root", w.root, "error", err)
		}
	}
}

func (w *inotifyWatcher) handle(event fsnotify.Event) {
	if ignorePath(event.Name) {
		return
	}
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// New camera or subcategory directory. Watch it and pick up
			// anything written before the watch landed.
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
		w.events <- Event{Op: OpCreated, Path: event.Name, Size: info.Size()}
	case event.Op&fsnotify.Write == fsnotify.Write:
		info, err := os.Stat(event.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.events <- Event{Op: OpModified, Path: event.Name, Size: info.Size()}
	case event.Op&fsnotify.Remove == fsnotify.Remove,
		event.Op&fsnotify.Rename == fsnotify.Rename:
		w.events <- Event{Op: OpDeleted, Path: event.Name}
	}
}

func (w *inotifyWatcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// pollWatcher diffs full tree scans on a timer.
type pollWatcher struct {
	root     string
	interval time.Duration
	events   chan Event
	known    map[string]int64
	logger   *slog.Logger
	cancel   context.CancelFunc
}

func (w *pollWatcher) Events() <-chan Event { return w.events }

func (w *pollWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return err
	}
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	return nil
}

func (w *pollWatcher) loop(ctx context.Context) {
	defer close(w.events)

	w.scan()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan()
		}
	}
}

func (w *pollWatcher) scan() {
	seen := make(map[string]int64, len(w.known))
	filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || ignorePath(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		seen[path] = info.Size()
		return nil
	})

	for path, size := range seen {
		prev, ok := w.known[path]
		switch {
		case !ok:
			w.events <- Event{Op: OpCreated, Path: path, Size: size}
		case prev != size:
			w.events <- Event{Op: OpModified, Path: path, Size: size}
		}
	}
	for path := range w.known {
		if _, ok := seen[path]; !ok {
			w.events <- Event{Op: OpDeleted, Path: path}
		}
	}
	w.known = seen
}

func (w *pollWatcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	return nil
}
