package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/grid4/portal-devproxy/pkg/types"
	"github.com/grid4/portal-devproxy/server/internal/metrics"
)

// Watcher monitors a fixed set of patterns below root.
type Watcher struct {
	root     string
	patterns []string // slash-separated, relative to root
	dirs     []string // directory patterns; owned by the Run goroutine

	now       func() time.Time
	ready     chan struct{}
	readyOnce sync.Once
	events    *metrics.Counter
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithMetrics counts emitted events in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(w *Watcher) {
		w.events = reg.Counter("devproxy_watch_events_total", "File changes reported by the watcher.")
	}
}

// New creates a Watcher for patterns relative to root. The patterns are
// read-only after New returns.
func New(root string, patterns []string, opts ...Option) *Watcher {
	w := &Watcher{
		root:  root,
		now:   time.Now,
		ready: make(chan struct{}),
	}
	for _, p := range patterns {
		w.patterns = append(w.patterns, path.Clean(filepath.ToSlash(p)))
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ready is closed once the initial registration has finished, whether or not
// every path could be watched.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

func (w *Watcher) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

// Run registers the patterns and forwards matching changes to out until ctx
// is cancelled. Paths that cannot be watched are logged and skipped.
func (w *Watcher) Run(ctx context.Context, out chan<- types.WatchEvent) error {
	defer w.markReady()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create: %w", err)
	}
	defer fsw.Close()

	w.register(fsw)
	w.markReady()
	slog.Info("watcher: watching for changes", "root", w.root, "patterns", w.patterns)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				w.addNewDir(fsw, event.Name)
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			rel, ok := w.match(event.Name)
			if !ok {
				continue
			}

			ev := types.NewWatchEvent(rel, w.now())
			w.events.Inc()
			slog.Info("watcher: file changed", "file", rel, "op", event.Op.String())

			select {
			case out <- ev:
			case <-ctx.Done():
				return nil
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("watcher: fsnotify error", "err", err)
		}
	}
}

// register adds a watch for every pattern: the directory tree for directory
// patterns, the parent directory otherwise.
func (w *Watcher) register(fsw *fsnotify.Watcher) {
	added := make(map[string]bool)
	add := func(dir string) {
		if added[dir] {
			return
		}
		if err := fsw.Add(dir); err != nil {
			slog.Warn("watcher: cannot watch directory", "dir", dir, "err", err)
			return
		}
		added[dir] = true
	}

	for _, p := range w.patterns {
		abs := w.abs(p)
		if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
			w.dirs = append(w.dirs, p)
			w.walk(abs, add)
			continue
		}

		parent := filepath.Dir(abs)
		if strings.ContainsAny(filepath.ToSlash(filepath.Dir(p)), "*?[") {
			matches, err := filepath.Glob(parent)
			if err != nil {
				slog.Warn("watcher: bad pattern", "pattern", p, "err", err)
				continue
			}
			for _, m := range matches {
				add(m)
			}
			continue
		}
		if _, err := os.Stat(parent); errors.Is(err, fs.ErrNotExist) {
			slog.Warn("watcher: directory does not exist, pattern ignored", "pattern", p, "dir", parent)
			continue
		}
		add(parent)
	}
}

// walk calls add for abs and every non-hidden directory below it.
func (w *Watcher) walk(abs string, add func(dir string)) {
	err := filepath.WalkDir(abs, func(sub string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("watcher: error walking directory", "dir", sub, "err", err)
			return nil
		}
		if d.IsDir() {
			if sub != abs && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			add(sub)
		}
		return nil
	})
	if err != nil {
		slog.Warn("watcher: walk failed", "dir", abs, "err", err)
	}
}

// addNewDir starts watching name when it is a new directory inside a watched
// tree, or a directory pattern that did not exist at startup. Directories
// created together with name (mkdir -p) are added too.
func (w *Watcher) addNewDir(fsw *fsnotify.Watcher, name string) {
	fi, err := os.Stat(name)
	if err != nil || !fi.IsDir() || isHidden(filepath.Base(name)) {
		return
	}
	rel, ok := w.rel(name)
	if !ok {
		return
	}
	if !w.inTree(rel) {
		if !w.isPattern(rel) || w.isDirPattern(rel) {
			return
		}
		w.dirs = append(w.dirs, rel)
	}
	w.walk(name, func(dir string) {
		if err := fsw.Add(dir); err != nil {
			slog.Warn("watcher: cannot watch new directory", "dir", dir, "err", err)
			return
		}
		slog.Debug("watcher: watching new directory", "dir", dir)
	})
}

func (w *Watcher) isPattern(rel string) bool {
	for _, p := range w.patterns {
		if p == rel {
			return true
		}
	}
	return false
}

func (w *Watcher) isDirPattern(rel string) bool {
	for _, d := range w.dirs {
		if d == rel {
			return true
		}
	}
	return false
}

// match reports whether the absolute path name is covered by a pattern and
// returns its slash-separated path relative to root.
func (w *Watcher) match(name string) (string, bool) {
	if isHidden(filepath.Base(name)) {
		return "", false
	}
	rel, ok := w.rel(name)
	if !ok {
		return "", false
	}
	if fi, err := os.Stat(name); err == nil && fi.IsDir() {
		return "", false
	}
	if w.inTree(rel) {
		return rel, true
	}
	for _, p := range w.patterns {
		if m, _ := path.Match(p, rel); m {
			return rel, true
		}
	}
	return "", false
}

func (w *Watcher) inTree(rel string) bool {
	for _, d := range w.dirs {
		if d == "." || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	return false
}

func (w *Watcher) rel(name string) (string, bool) {
	r, err := filepath.Rel(w.abs("."), name)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

func (w *Watcher) abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

func isHidden(base string) bool {
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}
